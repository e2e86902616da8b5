package config

import (
	"fmt"
	"time"
)

// QueueConfig contains stream consumer and worker pool configuration.
type QueueConfig struct {
	// Stream is the coordination store stream holding run submissions.
	Stream string

	// Group is the consumer group name.
	Group string

	// Consumer is the stable consumer name for this process. Empty means
	// derive from hostname and pid.
	Consumer string

	// MaxConcurrentRuns is the number of runs this worker processes in
	// parallel.
	MaxConcurrentRuns int

	// BlockTimeout is how long a blocking stream read waits before
	// returning to the loop (so shutdown is observed promptly).
	BlockTimeout time.Duration

	// ReclaimMinIdle is the pending-entry idle threshold beyond which a
	// crashed worker's entry is claimed by another consumer.
	ReclaimMinIdle time.Duration

	// ReclaimInterval is how often the reclaim scan runs.
	ReclaimInterval time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight runs
	// to reach a terminal state during shutdown.
	GracefulShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Stream:                  "pipeline:requests",
		Group:                   "pipeline_workers",
		MaxConcurrentRuns:       2,
		BlockTimeout:            5 * time.Second,
		ReclaimMinIdle:          60 * time.Second,
		ReclaimInterval:         60 * time.Second,
		GracefulShutdownTimeout: 10 * time.Minute,
	}
}

// Validate checks the queue configuration for values that would wedge the
// worker loop.
func (c QueueConfig) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("queue: stream key must not be empty")
	}
	if c.Group == "" {
		return fmt.Errorf("queue: consumer group must not be empty")
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("queue: max concurrent runs must be at least 1, got %d", c.MaxConcurrentRuns)
	}
	if c.ReclaimMinIdle <= 0 {
		return fmt.Errorf("queue: reclaim idle threshold must be positive")
	}
	return nil
}

// LimitsConfig holds the concurrency governor capacities. Each value caps
// parallel work of one kind across all runs on this worker.
type LimitsConfig struct {
	AudioExtraction  int64
	Transcription    int64
	MomentGeneration int64
	ClipExtraction   int64
	Refinement       int64
}

// DefaultLimitsConfig returns the built-in governor capacities.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		AudioExtraction:  2,
		Transcription:    2,
		MomentGeneration: 2,
		ClipExtraction:   4,
		Refinement:       1,
	}
}

// TunnelConfig controls forwarder startup and readiness probing.
type TunnelConfig struct {
	// SSHPath is the ssh binary used to start forwarders.
	SSHPath string

	// ReadinessTimeout bounds the TCP probe loop after forwarder start.
	ReadinessTimeout time.Duration

	// ReadinessInterval is the probe retry interval.
	ReadinessInterval time.Duration

	// ConnectTimeout is passed to ssh as -o ConnectTimeout.
	ConnectTimeout time.Duration
}

// DefaultTunnelConfig returns the built-in tunnel defaults.
func DefaultTunnelConfig() TunnelConfig {
	return TunnelConfig{
		SSHPath:           "ssh",
		ReadinessTimeout:  30 * time.Second,
		ReadinessInterval: 500 * time.Millisecond,
		ConnectTimeout:    10 * time.Second,
	}
}

// InferenceConfig controls HTTP calls to the inference endpoints.
type InferenceConfig struct {
	ChatTimeout          time.Duration
	TranscriptionTimeout time.Duration
	ConnectTimeout       time.Duration

	// RetryBackoff is the wait before the single transport-level retry.
	RetryBackoff time.Duration
}

// DefaultInferenceConfig returns the built-in inference client defaults.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		ChatTimeout:          600 * time.Second,
		TranscriptionTimeout: 1800 * time.Second,
		ConnectTimeout:       15 * time.Second,
		RetryBackoff:         time.Second,
	}
}
