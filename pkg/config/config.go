// Package config holds environment-driven configuration for all pipeline
// components. Each concern has its own config struct with typed defaults;
// Load assembles the full set from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for a clipforge process.
type Config struct {
	Redis     RedisConfig
	Queue     QueueConfig
	Limits    LimitsConfig
	Tunnel    TunnelConfig
	Inference InferenceConfig
	Media     MediaConfig
	Storage   StorageConfig
	Lock      LockConfig

	// TranscriptionModel is the registry key of the speech-to-text service.
	TranscriptionModel string
}

// RedisConfig holds coordination store connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LockConfig controls the per-subject pipeline lock.
type LockConfig struct {
	// TTL is the lock lifetime. The orchestrator refreshes it at each
	// stage boundary; expiry releases the lock for reclaiming workers.
	TTL time.Duration

	// CancelTTL is the lifetime of the cancellation flag.
	CancelTTL time.Duration
}

// StorageConfig holds object store and history settings.
type StorageConfig struct {
	// Root is the object store root (directory for the filesystem backend).
	Root string

	// Secret signs artifact URLs. Every process that signs or serves
	// artifacts must share it.
	Secret string

	// SignedURLTTL is the expiry applied to signed artifact URLs.
	SignedURLTTL time.Duration

	// HistoryTTL is the TTL of archived run hashes.
	HistoryTTL time.Duration

	// HistoryMaxRuns bounds the per-subject history index length.
	HistoryMaxRuns int
}

// MediaConfig holds codec subprocess settings.
type MediaConfig struct {
	FFmpegPath  string
	FFprobePath string

	// TempDir is the base directory for per-run scratch space.
	TempDir string

	// DownloadTimeout bounds a single source download.
	DownloadTimeout time.Duration
}

// Load builds the full configuration from the environment.
func Load() (*Config, error) {
	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Queue:     DefaultQueueConfig(),
		Limits:    DefaultLimitsConfig(),
		Tunnel:    DefaultTunnelConfig(),
		Inference: DefaultInferenceConfig(),
		Lock: LockConfig{
			TTL:       getEnvDuration("LOCK_TTL", 30*time.Minute),
			CancelTTL: getEnvDuration("CANCEL_TTL", 5*time.Minute),
		},
		Media: MediaConfig{
			FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:     getEnv("FFPROBE_PATH", "ffprobe"),
			TempDir:         getEnv("PIPELINE_TEMP_DIR", os.TempDir()),
			DownloadTimeout: getEnvDuration("DOWNLOAD_TIMEOUT", 30*time.Minute),
		},
		Storage: StorageConfig{
			Root:           getEnv("OBJECT_STORE_ROOT", "./data/objects"),
			Secret:         os.Getenv("OBJECT_STORE_SECRET"),
			SignedURLTTL:   getEnvDuration("SIGNED_URL_TTL", time.Hour),
			HistoryTTL:     getEnvDuration("HISTORY_TTL", 24*time.Hour),
			HistoryMaxRuns: getEnvIntLenient("HISTORY_MAX_RUNS", 50),
		},
		TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", "parakeet"),
	}

	if err := cfg.Queue.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getEnvIntLenient falls back to the default on a parse failure instead of
// failing startup. Used for tuning knobs where a bad value is not fatal.
func getEnvIntLenient(key string, defaultVal int) int {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
