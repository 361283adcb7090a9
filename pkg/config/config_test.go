package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	content := `
server:
  listen_addr: "0.0.0.0:6000"
  cookie_rotation: 2m
  retransmit_timeout: 500ms
keystore:
  backend: memory
  keys:
    Client_identity: "736563726574"
stats:
  enabled: true
  listen_addr: "127.0.0.1:9000"
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:6000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.CookieRotation != 2*time.Minute {
		t.Errorf("CookieRotation = %v", cfg.Server.CookieRotation)
	}
	if cfg.Server.RetransmitTimeout != 500*time.Millisecond {
		t.Errorf("RetransmitTimeout = %v", cfg.Server.RetransmitTimeout)
	}
	// defaults survive partial files
	if cfg.Server.BadRecordLimit != 5 {
		t.Errorf("BadRecordLimit = %d, want default 5", cfg.Server.BadRecordLimit)
	}
	if cfg.Keystore.Keys["Client_identity"] != "736563726574" {
		t.Errorf("Keys = %v", cfg.Keystore.Keys)
	}
	if !cfg.Stats.Enabled || cfg.Stats.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("Stats = %+v", cfg.Stats)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }, true},
		{"zero rotation", func(c *Config) { c.Server.CookieRotation = 0 }, true},
		{"unknown backend", func(c *Config) { c.Keystore.Backend = "etcd" }, true},
		{"file backend without path", func(c *Config) { c.Keystore.Backend = "file" }, true},
		{"redis backend without host", func(c *Config) { c.Keystore.Backend = "redis" }, true},
		{"stats without addr", func(c *Config) { c.Stats.Enabled = true; c.Stats.ListenAddr = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddr = "10.1.2.3:7000"
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.ListenAddr != cfg.Server.ListenAddr {
		t.Errorf("round trip ListenAddr = %q, want %q", loaded.Server.ListenAddr, cfg.Server.ListenAddr)
	}
}
