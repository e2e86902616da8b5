package registry

// DefaultDescriptors returns the built-in model descriptors seeded on first
// start. Hosts and ports are deployment defaults; operators adjust them via
// the model admin API.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Key:           "qwen3_vl_fp8",
			SSHHost:       "inference-gateway",
			SSHUser:       "pipeline",
			LocalPort:     18434,
			RemoteHost:    "worker-9",
			RemotePort:    8000,
			EndpointPath:  "/v1/chat/completions",
			SupportsVideo: true,
			ModelID:       "Qwen/Qwen3-VL-30B-A3B-Instruct-FP8",
			Temperature:   0.7,
			TopP:          0.8,
			TopK:          20,
			MaxTokens:     4096,
		},
		{
			Key:           "minimax",
			SSHHost:       "inference-gateway",
			SSHUser:       "pipeline",
			LocalPort:     18435,
			RemoteHost:    "worker-9",
			RemotePort:    8001,
			EndpointPath:  "/v1/chat/completions",
			SupportsVideo: false,
			ModelID:       "MiniMaxAI/MiniMax-Text-01",
			Temperature:   0.7,
			TopP:          0.95,
			MaxTokens:     4096,
		},
		{
			Key:          "parakeet",
			SSHHost:      "inference-gateway",
			SSHUser:      "pipeline",
			LocalPort:    18436,
			RemoteHost:   "worker-9",
			RemotePort:   8002,
			EndpointPath: "/transcribe",
			ModelID:      "nvidia/parakeet-tdt-0.6b-v2",
		},
	}
}
