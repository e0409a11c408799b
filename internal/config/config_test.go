package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENGINE_URL", "http://localhost:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.Port)
	}
	if cfg.Registry != RegistrySQLite {
		t.Errorf("expected sqlite registry, got %q", cfg.Registry)
	}
	if cfg.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Workers)
	}
	if cfg.ConvertTimeout != 600*time.Second {
		t.Errorf("expected 600s timeout, got %s", cfg.ConvertTimeout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENGINE", EngineCommand)
	t.Setenv("ENGINE_CMD", "photogrammetry --fast")
	t.Setenv("REGISTRY", RegistryMemory)
	t.Setenv("WORKERS", "8")
	t.Setenv("CONVERT_TIMEOUT_SECONDS", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine != EngineCommand || cfg.EngineCmd != "photogrammetry --fast" {
		t.Errorf("engine not applied: %+v", cfg)
	}
	if cfg.Registry != RegistryMemory {
		t.Errorf("expected memory registry, got %q", cfg.Registry)
	}
	if cfg.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Workers)
	}
	if cfg.ConvertTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %s", cfg.ConvertTimeout)
	}
}

func TestLoad_InferenceRequiresURL(t *testing.T) {
	t.Setenv("ENGINE", EngineInference)
	t.Setenv("ENGINE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error without ENGINE_URL")
	}
}

func TestLoad_InvalidRegistry(t *testing.T) {
	t.Setenv("ENGINE_URL", "http://localhost:9000")
	t.Setenv("REGISTRY", "postgres")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unsupported registry")
	}
}

func TestGetEnvInt_NonNumericFallsBack(t *testing.T) {
	t.Setenv("WORKERS", "many")
	t.Setenv("ENGINE_URL", "http://localhost:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers != 2 {
		t.Errorf("expected fallback 2, got %d", cfg.Workers)
	}
}
