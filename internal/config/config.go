package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	RegistrySQLite = "sqlite"
	RegistryMemory = "memory"

	EngineInference = "inference"
	EngineCommand   = "command"
)

type Config struct {
	AppEnv         string
	Port           string
	DataDir        string
	DBPath         string
	Registry       string
	Workers        int
	MaxPending     int
	ConvertTimeout time.Duration
	Engine         string
	EngineURL      string
	EngineCmd      string
	SettingsPath   string
	MaxUploadMB    int
}

func Load() (Config, error) {
	// Optional .env for development; env vars always win.
	_ = godotenv.Load()

	cfg := Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		DataDir:        getEnv("DATA_DIR", "./data"),
		DBPath:         getEnv("DB_PATH", "mesh.db"),
		Registry:       getEnv("REGISTRY", RegistrySQLite),
		Workers:        getEnvInt("WORKERS", 2),
		MaxPending:     getEnvInt("MAX_PENDING", 32),
		ConvertTimeout: time.Second * time.Duration(getEnvInt("CONVERT_TIMEOUT_SECONDS", 600)),
		Engine:         getEnv("ENGINE", EngineInference),
		EngineURL:      os.Getenv("ENGINE_URL"),
		EngineCmd:      os.Getenv("ENGINE_CMD"),
		SettingsPath:   getEnv("SETTINGS_PATH", "settings.json"),
		MaxUploadMB:    getEnvInt("MAX_UPLOAD_MB", 32),
	}

	switch cfg.Registry {
	case RegistrySQLite, RegistryMemory:
	default:
		return Config{}, fmt.Errorf("REGISTRY must be %q or %q, got %q", RegistrySQLite, RegistryMemory, cfg.Registry)
	}

	switch cfg.Engine {
	case EngineInference:
		if cfg.EngineURL == "" {
			return Config{}, fmt.Errorf("ENGINE_URL is required when ENGINE=%s", EngineInference)
		}
	case EngineCommand:
		if cfg.EngineCmd == "" {
			return Config{}, fmt.Errorf("ENGINE_CMD is required when ENGINE=%s", EngineCommand)
		}
	default:
		return Config{}, fmt.Errorf("ENGINE must be %q or %q, got %q", EngineInference, EngineCommand, cfg.Engine)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}
