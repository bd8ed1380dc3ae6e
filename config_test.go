package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	if cfg.socketPathOrDefault() != defaultSocketPath {
		t.Errorf("unexpected default socket path: %s", cfg.socketPathOrDefault())
	}
	if cfg.Logging.levelOrDefault() != "info" {
		t.Errorf("unexpected default level: %s", cfg.Logging.levelOrDefault())
	}
	if cfg.Logging.formatOrDefault() != "text" {
		t.Errorf("unexpected default format: %s", cfg.Logging.formatOrDefault())
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"socketPath": "/run/goofydeck.sock",
		"homeAssistant": {"url": "wss://ha.local:8443", "token": "abc123"},
		"logging": {"level": "debug", "format": "json"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := loadConfig(path)
	if cfg.SocketPath != "/run/goofydeck.sock" {
		t.Errorf("unexpected socket path: %s", cfg.SocketPath)
	}
	if cfg.HomeAssistant.URL != "wss://ha.local:8443" {
		t.Errorf("unexpected url: %s", cfg.HomeAssistant.URL)
	}
	if cfg.HomeAssistant.Token != "abc123" {
		t.Errorf("unexpected token: %s", cfg.HomeAssistant.Token)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg := loadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if cfg.SocketPath != "" || cfg.HomeAssistant.URL != "" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0o600)
	cfg := loadConfig(path)
	if cfg.SocketPath != "" {
		t.Errorf("expected defaults for invalid JSON, got %+v", cfg)
	}
}

func TestLoadConfigResolvesTokenEnvRef(t *testing.T) {
	t.Setenv("TEST_HA_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"homeAssistant":{"token":"$TEST_HA_TOKEN"}}`), 0o600)
	cfg := loadConfig(path)
	if cfg.HomeAssistant.Token != "from-env" {
		t.Errorf("expected env-resolved token, got %q", cfg.HomeAssistant.Token)
	}
}

func TestResolveEnvRef(t *testing.T) {
	t.Setenv("TEST_REF", "value")
	if got := resolveEnvRef("$TEST_REF", "f"); got != "value" {
		t.Errorf("set env var: got %q", got)
	}
	if got := resolveEnvRef("literal", "f"); got != "literal" {
		t.Errorf("plain value: got %q", got)
	}
	if got := resolveEnvRef("$", "f"); got != "$" {
		t.Errorf("bare dollar: got %q", got)
	}
	if got := resolveEnvRef("$TEST_REF_UNSET_12345", "f"); got != "" {
		t.Errorf("unset env var: got %q", got)
	}
	if got := resolveEnvRef("", "f"); got != "" {
		t.Errorf("empty value: got %q", got)
	}
}

func TestEnvCredentialsPrecedence(t *testing.T) {
	cfg := &Config{HomeAssistant: HomeAssistantConfig{URL: "ws://file.local", Token: "file-token"}}
	creds := envCredentials{cfg}

	t.Setenv("HA_URL", "")
	t.Setenv("HA_TOKEN", "")
	url, token, ok := creds.lookup()
	if !ok || url != "ws://file.local" || token != "file-token" {
		t.Errorf("expected file values, got %q %q ok=%v", url, token, ok)
	}

	t.Setenv("HA_URL", "ws://env.local")
	t.Setenv("HA_TOKEN", "env-token")
	url, token, ok = creds.lookup()
	if !ok || url != "ws://env.local" || token != "env-token" {
		t.Errorf("expected env values, got %q %q ok=%v", url, token, ok)
	}
}

func TestEnvCredentialsIncomplete(t *testing.T) {
	t.Setenv("HA_URL", "ws://env.local")
	t.Setenv("HA_TOKEN", "")
	if _, _, ok := (envCredentials{&Config{}}).lookup(); ok {
		t.Error("expected lookup to fail without a token")
	}
}
