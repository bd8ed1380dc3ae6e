package main

import (
	"encoding/json"
	"os"
	"strings"
)

// --- Logging Config ---

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug|info|warn|error (default info)
	Format string `json:"format,omitempty"` // text|json (default text)
}

func (c LoggingConfig) levelOrDefault() string {
	if c.Level != "" {
		return c.Level
	}
	return "info"
}

func (c LoggingConfig) formatOrDefault() string {
	if c.Format != "" {
		return c.Format
	}
	return "text"
}

// --- Home Assistant Config ---

// HomeAssistantConfig points the session supervisor at the upstream
// event bus.
type HomeAssistantConfig struct {
	URL   string `json:"url,omitempty"`   // ws://host[:port][/path] or wss://…
	Token string `json:"token,omitempty"` // long-lived access token ($ENV_VAR supported)
}

// --- Config ---

// Config is the daemon configuration, loaded from an optional JSON
// file. Environment variables win over file values for the upstream
// credentials.
type Config struct {
	SocketPath    string              `json:"socketPath,omitempty"`
	HomeAssistant HomeAssistantConfig `json:"homeAssistant,omitempty"`
	Logging       LoggingConfig       `json:"logging,omitempty"`
}

const defaultSocketPath = "/tmp/goofydeck_ha.sock"

func (c *Config) socketPathOrDefault() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return defaultSocketPath
}

// loadConfig reads the JSON config file. A missing or unreadable file
// yields an all-defaults config; the environment can still supply the
// upstream endpoint and token.
func loadConfig(path string) *Config {
	cfg := &Config{}
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logWarn("config file not readable, using defaults", "path", path, "error", err)
		return cfg
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		logWarn("config file not valid JSON, using defaults", "path", path, "error", err)
		return &Config{}
	}
	cfg.HomeAssistant.Token = resolveEnvRef(cfg.HomeAssistant.Token, "homeAssistant.token")
	return cfg
}

// resolveEnvRef resolves a value starting with $ to the environment
// variable. Returns the original value if it doesn't start with $, or
// the env var value. Logs a warning if the env var is not set.
func resolveEnvRef(value, fieldName string) string {
	if !strings.HasPrefix(value, "$") {
		return value
	}
	envKey := value[1:]
	if envKey == "" {
		return value
	}
	envVal := os.Getenv(envKey)
	if envVal == "" {
		logWarn("env var reference not set", "field", fieldName, "envVar", envKey)
		return ""
	}
	return envVal
}

// --- Credential Collaborator ---

// credentialSource supplies the upstream endpoint URL and bearer
// token. The supervisor consults it before every connection attempt,
// so credentials may appear after the daemon starts.
type credentialSource interface {
	lookup() (url, token string, ok bool)
}

// envCredentials reads HA_URL / HA_TOKEN from the environment, falling
// back to the config file values.
type envCredentials struct {
	cfg *Config
}

func (e envCredentials) lookup() (string, string, bool) {
	url := os.Getenv("HA_URL")
	if url == "" {
		url = e.cfg.HomeAssistant.URL
	}
	token := os.Getenv("HA_TOKEN")
	if token == "" {
		token = e.cfg.HomeAssistant.Token
	}
	return url, token, url != "" && token != ""
}
