package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Embedding.Dimension != 256 {
		t.Errorf("expected default dimension 256, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Retrieval.AssistantMaxShare != 0.25 {
		t.Errorf("expected default assistant share 0.25, got %f", cfg.Retrieval.AssistantMaxShare)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recalld.yaml")

	cfg := DefaultConfig()
	cfg.Server.Addr = ":9999"
	cfg.Compression.MinCount = 3
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Addr != ":9999" {
		t.Errorf("addr not round-tripped: %s", loaded.Server.Addr)
	}
	if loaded.Compression.MinCount != 3 {
		t.Errorf("min_count not round-tripped: %d", loaded.Compression.MinCount)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("RECALLD_DB", "/tmp/override.db")
	os.Setenv("RECALLD_EMBEDDING_DIM", "64")
	defer os.Unsetenv("RECALLD_DB")
	defer os.Unsetenv("RECALLD_EMBEDDING_DIM")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DatabasePath != "/tmp/override.db" {
		t.Errorf("env override for db path not applied: %s", cfg.Storage.DatabasePath)
	}
	if cfg.Embedding.Dimension != 64 {
		t.Errorf("env override for dimension not applied: %d", cfg.Embedding.Dimension)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "magic" }},
		{"share above one", func(c *Config) { c.Retrieval.AssistantMaxShare = 1.5 }},
		{"inverted priors", func(c *Config) { c.Decision.EphemeralPrior = 0.9 }},
		{"min_count one", func(c *Config) { c.Compression.MinCount = 1 }},
		{"zero retries", func(c *Config) { c.Storage.WriteRetryAttempts = 0 }},
		{"lr out of range", func(c *Config) { c.Learning.RankerLearningRate = 1.0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
