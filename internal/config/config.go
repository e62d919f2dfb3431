// Package config reads the engine's environment-variable configuration
// surface: every accessor parses with a sane fallback and logs a warning
// rather than failing.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable with surrounding quotes/space
// trimmed, matching the host KV store's own config convention.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BackendsDir is the configured directory for plug-in backend shared
// objects. Default: "./backends". No code in this module reads it:
// backends are registered in process (see internal/engine), and
// backend.Table.GetWithRetry only re-runs an already registered loader.
func BackendsDir() string {
	if v := Var("AIDAG_BACKENDS_DIR"); v != "" {
		return v
	}
	return "./backends"
}

// ThreadsPerQueue is the fixed worker-goroutine count allocated per device
// queue. Default: 1.
func ThreadsPerQueue() int {
	return intVar("AIDAG_THREADS_PER_QUEUE", 1)
}

// ModelChunkSizeBytes bounds how large a single chunk of a persisted
// model's blob may be. Default: 64MiB.
func ModelChunkSizeBytes() int {
	return intVar("AIDAG_MODEL_CHUNK_SIZE", 64<<20)
}

// ModelExecutionTimeoutMS bounds how long a single ONNX ModelRun may run
// before the cooperative-cancellation path in internal/onnxtimeout
// terminates it. Default: 0 (disabled).
func ModelExecutionTimeoutMS() int64 {
	return int64(intVar("AIDAG_MODEL_EXECUTION_TIMEOUT_MS", 0))
}

// IntraOpParallelism is passed through to backends that support
// intra-operator threading. Default: 0 (backend decides).
func IntraOpParallelism() int {
	return intVar("AIDAG_INTRA_OP_PARALLELISM", 0)
}

// InterOpParallelism is passed through to backends that support
// inter-operator threading. Default: 0 (backend decides).
func InterOpParallelism() int {
	return intVar("AIDAG_INTER_OP_PARALLELISM", 0)
}

// LogLevel follows a DEBUG-style convention: unset/0 = INFO, 1 = DEBUG,
// 2+ = TRACE (as a negative slog.Level offset).
func LogLevel() int {
	return intVar("AIDAG_DEBUG", 0)
}

// AllowedOrigins returns the CORS origins the stats HTTP endpoint accepts,
// configurable via AIDAG_ORIGINS (comma-separated), plus the usual
// localhost defaults.
func AllowedOrigins() (origins []string) {
	if s := Var("AIDAG_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}
	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			"http://"+origin,
			"https://"+origin,
		)
	}
	return origins
}

func intVar(key string, def int) int {
	s := Var(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		slog.Warn("invalid integer config value, using default", "key", key, "value", s, "default", def)
		return def
	}
	return n
}
