package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const (
	EnvGeminiAPIKey  = "AURA_GEMINI_API_KEY"
	EnvStorageDSN    = "AURA_STORAGE_DSN"
	EnvAPIAddr       = "AURA_API_ADDR"
	EnvLogLevel      = "AURA_LOG_LEVEL"
	EnvPerceptionURL = "AURA_PERCEPTION_URL"
)

// LoadDotEnv reads KEY=VALUE pairs from the given files (".env" when none)
// into the process environment. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Scene.APIKey = getEnv(EnvGeminiAPIKey, cfg.Scene.APIKey)
	cfg.Storage.DSN = getEnv(EnvStorageDSN, cfg.Storage.DSN)
	cfg.API.Addr = getEnv(EnvAPIAddr, cfg.API.Addr)
	cfg.LogLevel = getEnv(EnvLogLevel, cfg.LogLevel)
	cfg.Perception.URL = getEnv(EnvPerceptionURL, cfg.Perception.URL)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
