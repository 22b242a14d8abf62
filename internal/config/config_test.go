package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Chant.CycleSize != 108 || cfg.Chant.Threshold != 0.7 {
		t.Fatalf("unexpected chant defaults: %+v", cfg.Chant)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "japa.yaml")
	data := `chant:
  name: radhe
  variants:
    - radhe krishna
    - राधे कृष्णा
  threshold: 0.8
  debounce_ms: 1500
store:
  mode: memory
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chant.Name != "radhe" || len(cfg.Chant.Variants) != 2 {
		t.Fatalf("expected chant overrides from file, got %+v", cfg.Chant)
	}
	if cfg.Chant.DebounceMS != 1500 || cfg.Chant.CycleSize != 108 {
		t.Fatalf("expected file value merged over defaults, got %+v", cfg.Chant)
	}
	if cfg.Store.Mode != "memory" {
		t.Fatalf("expected memory store, got %s", cfg.Store.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JAPA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("JAPA_BUS_USERNAME", "alice")
	t.Setenv("JAPA_BUS_PASSWORD", "secret")
	t.Setenv("JAPA_BUS_TLS_INSECURE", "true")
	t.Setenv("JAPA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("JAPA_STORE_MODE", "jetstream")
	t.Setenv("JAPA_STORE_BUCKET", "counters")
	t.Setenv("JAPA_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("JAPA_JOURNAL_RETENTION_DAYS", "7")
	t.Setenv("JAPA_CHANT_VARIANTS", "ram krishna hari, jai jai ram krishna hari")
	t.Setenv("JAPA_CHANT_THRESHOLD", "0.85")
	t.Setenv("JAPA_CHANT_DEBOUNCE_MS", "1500")
	t.Setenv("JAPA_CHANT_MILESTONES", "1,5")
	t.Setenv("JAPA_CHANT_ACCEPT_PARTIAL", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Store.Mode != "jetstream" || cfg.Store.Bucket != "counters" {
		t.Fatalf("expected store override, got %+v", cfg.Store)
	}
	if cfg.Journal.RetentionMode != "persistent" || cfg.Journal.RetentionDays != 7 {
		t.Fatalf("expected journal override, got %+v", cfg.Journal)
	}
	if len(cfg.Chant.Variants) != 2 || cfg.Chant.Variants[0] != "ram krishna hari" {
		t.Fatalf("expected variants override, got %v", cfg.Chant.Variants)
	}
	if cfg.Chant.Threshold != 0.85 || cfg.Chant.DebounceMS != 1500 {
		t.Fatalf("expected tuning override, got %+v", cfg.Chant)
	}
	if len(cfg.Chant.Milestones) != 2 || cfg.Chant.Milestones[1] != 5 {
		t.Fatalf("expected milestones override, got %v", cfg.Chant.Milestones)
	}
	if !cfg.Chant.AcceptPartial {
		t.Fatal("expected accept partial override")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]func(*Config){
		"bad store mode":     func(c *Config) { c.Store.Mode = "redis" },
		"threshold above 1":  func(c *Config) { c.Chant.Threshold = 1.2 },
		"zero cycle":         func(c *Config) { c.Chant.CycleSize = 0 },
		"no variants":        func(c *Config) { c.Chant.Variants = nil },
		"exec without cmd":   func(c *Config) { c.Speech.Enabled = true; c.Speech.Mode = "exec" },
		"negative debounce":  func(c *Config) { c.Chant.DebounceMS = -1 },
		"bad retention mode": func(c *Config) { c.Journal.RetentionMode = "forever" },
		"bad trace exporter": func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"otlp without url":   func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"sample ratio":       func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
