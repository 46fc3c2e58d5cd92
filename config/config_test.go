package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Transport.Port != 8766 {
		t.Errorf("unexpected default port: %d", cfg.Transport.Port)
	}
	if cfg.Transport.HeartbeatGrace != 3 {
		t.Errorf("unexpected heartbeat grace: %d", cfg.Transport.HeartbeatGrace)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[transport]
port = 9000
heartbeat_interval = "10s"

[broadcaster]
queue_capacity = 8
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Transport.Port != 9000 {
		t.Errorf("port override lost: %d", cfg.Transport.Port)
	}
	if cfg.Transport.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat override lost: %v", cfg.Transport.HeartbeatInterval)
	}
	if cfg.Broadcaster.QueueCapacity != 8 {
		t.Errorf("queue capacity override lost: %d", cfg.Broadcaster.QueueCapacity)
	}
	// Untouched sections keep defaults.
	if cfg.Bus.BufferSize != 256 {
		t.Errorf("bus default lost: %d", cfg.Bus.BufferSize)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Port != 8766 {
		t.Errorf("expected defaults, got port %d", cfg.Transport.Port)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "braincore.toml")
	content := `
[transport]
port = 9100

[log]
level = "DEBUG"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BRAINCORE_PORT", "9200")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Port != 9200 {
		t.Errorf("env override must win over file: %d", cfg.Transport.Port)
	}
	if cfg.Log.Level != "DEBUG" {
		t.Errorf("file value lost: %q", cfg.Log.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Transport.Port = 0 }},
		{"huge port", func(c *Config) { c.Transport.Port = 70000 }},
		{"zero grace", func(c *Config) { c.Transport.HeartbeatGrace = 0 }},
		{"zero queue", func(c *Config) { c.Broadcaster.QueueCapacity = 0 }},
		{"zero attempts", func(c *Config) { c.Broadcaster.MaxAttempts = 0 }},
		{"negative sweep", func(c *Config) { c.Bus.SweepInterval = -time.Second }},
		{"bad level", func(c *Config) { c.Log.Level = "TRACE" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse("[[transport"); err == nil {
		t.Error("expected parse error")
	}
}
