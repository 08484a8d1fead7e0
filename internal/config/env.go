package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets belong here rather than in the JSON file.
const (
	EnvJWTSecret  = "CONSULTCALL_JWT_SECRET"
	EnvToken      = "CONSULTCALL_TOKEN"
	EnvBackendURL = "CONSULTCALL_BACKEND_URL"
	EnvRelayURL   = "CONSULTCALL_RELAY_URL"
)

// LoadDotEnv loads dir/.env into the process environment. Variables that
// are already set win over the file. A missing file is not an error.
func LoadDotEnv(dir string) error {
	p := filepath.Join(dir, ".env")
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(p)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Relay.JWTSecret = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Identity.Token = v
	}
	if v := os.Getenv(EnvBackendURL); v != "" {
		cfg.Client.BackendURL = v
	}
	if v := os.Getenv(EnvRelayURL); v != "" {
		cfg.Client.RelayURL = v
	}
}
