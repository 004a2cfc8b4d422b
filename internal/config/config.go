package config

import (
	"os"
	"strings"
	"time"
)

// Config holds the service configuration sourced from environment variables.
type Config struct {
	HTTPAddr        string
	ModelPath       string
	MetadataPath    string
	OnnxLibraryPath string
	Device          string
	DatabaseDSN     string
	RedisAddr       string
	LogDir          string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Load reads environment variables and returns a Config with defaults that
// match the docker-compose deployment.
func Load() *Config {
	return &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ModelPath:       getEnv("MODEL_PATH", "models/catdog_resnet18.onnx"),
		MetadataPath:    getEnv("MODEL_METADATA_PATH", "models/catdog_metadata.json"),
		OnnxLibraryPath: getEnv("ONNXRUNTIME_LIB_PATH", ""),
		Device:          getEnv("DEVICE", "cpu"),
		DatabaseDSN:     getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=catdog port=5432 sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		LogDir:          getEnv("LOG_DIR", "logs"),
		AllowedOrigins:  splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		ShutdownTimeout: 15 * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
