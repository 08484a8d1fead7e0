package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"port", func(c *Config) { c.Relay.Port = 0 }},
		{"bind", func(c *Config) { c.Relay.Bind = "localhost" }},
		{"ring timeout", func(c *Config) { c.Relay.RingTimeoutSec = 0 }},
		{"relay url scheme", func(c *Config) { c.Client.RelayURL = "http://x/ws" }},
		{"backend url", func(c *Config) { c.Client.BackendURL = "ftp://x" }},
		{"media", func(c *Config) { c.Client.Media = "webcam" }},
		{"thresholds order", func(c *Config) { c.Session.Thresholds = []int{80, 70} }},
		{"ice server", func(c *Config) { c.RTC.ICEServers = []string{"http://stun"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consultcall.json")
	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if cfg.Relay.Port != 8790 {
		t.Fatalf("port = %d", cfg.Relay.Port)
	}
	if _, created, err := Ensure(path); err != nil || created {
		t.Fatalf("second Ensure created=%v err=%v", created, err)
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consultcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"relay":{"port":9000}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.Port != 9000 || cfg.Relay.RingTimeoutSec != 45 {
		t.Fatalf("cfg.Relay = %+v", cfg.Relay)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CONSULTCALL_JWT_SECRET=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvJWTSecret, "")
	os.Unsetenv(EnvJWTSecret)
	t.Setenv(EnvToken, "tok-123")
	if err := LoadDotEnv(dir); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "consultcall.json")
	cfg, _, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.JWTSecret != "from-dotenv" {
		t.Fatalf("jwt secret = %q", cfg.Relay.JWTSecret)
	}
	if cfg.Identity.Token != "tok-123" {
		t.Fatalf("token = %q", cfg.Identity.Token)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consultcall.json")
	if _, _, err := Ensure(path); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	if err := Watch(ctx, path, func(c Config) { got <- c }); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Client.SoundEnabled = false
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Client.SoundEnabled {
			t.Fatal("reloaded config still has sound enabled")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
