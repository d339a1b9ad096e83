// Package config reads the engine's environment-var driven configuration,
// failing soft to documented defaults the way envutil/GetEnv do in the
// lineage this module was adapted from.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/fenwick/pipelinerunner/internal/logging"
)

// Config holds every recognized option from SPEC_FULL.md §6.
type Config struct {
	CurrentDir       string
	CompleteDir      string
	RejectedDir      string
	DefinitionPath   string
	BatchConcurrency int
	BatchMaxRetries  int
	LogMode          string
	OtelEnabled      bool
	OtelEndpoint     string
	RedisAddr        string
	RedisChannel     string
	MaxRefinements   int
}

// Load reads the environment into a Config. log may be nil.
func Load(log *logging.Logger) Config {
	return Config{
		CurrentDir:       getEnv("PIPELINE_CURRENT_DIR", "./data/current", log),
		CompleteDir:      getEnv("PIPELINE_COMPLETE_DIR", "./data/complete", log),
		RejectedDir:      getEnv("PIPELINE_REJECTED_DIR", "./data/rejected", log),
		DefinitionPath:   getEnv("PIPELINE_DEFINITION_PATH", "./pipeline.yaml", log),
		BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 10, log),
		BatchMaxRetries:  getEnvInt("BATCH_MAX_RETRIES", 3, log),
		LogMode:          getEnv("LOG_MODE", "dev", log),
		OtelEnabled:      getEnvBool("OTEL_ENABLED", false, log),
		OtelEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "", log),
		RedisAddr:        getEnv("REDIS_ADDR", "", log),
		RedisChannel:     getEnv("REDIS_CHANNEL", "pipeline-status", log),
		MaxRefinements:   getEnvInt("PIPELINE_MAX_REFINEMENTS", 1, log),
	}
}

func getEnv(key, def string, log *logging.Logger) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	if log != nil {
		log.Debug("environment variable found", "env_var", key)
	}
	return v
}

func getEnvInt(key string, def int, log *logging.Logger) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("environment variable could not be parsed as int, using default", "env_var", key, "value", v, "default", def)
		}
		return def
	}
	return i
}

func getEnvBool(key string, def bool, log *logging.Logger) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(strings.ToLower(v))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
