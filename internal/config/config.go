package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Upstream (paid gateway fallback)
	UpstreamURL string
	UpstreamKey string

	// Storage
	DataDir string
	DBPath  string

	// Optional at-rest encryption of stored tokens
	EncryptionKey string

	// Optional egress proxy for provider fetches (socks5:// or http://)
	OutboundProxy string

	// Provider enablement
	EnableAnthropic bool
	EnableCodex     bool
	EnableGoogle    bool

	// Timeouts
	RequestTimeout time.Duration
	StreamTimeout  time.Duration

	// Injected keys for out-of-scope helpers (web search)
	SearchAPIKey string

	// Logging
	LogLevel string
}

func Load() *Config {
	dataDir := envOr("AMP_PROXY_DATA_DIR", defaultDataDir())

	return &Config{
		Host: envOr("HOST", "localhost"),
		Port: envInt("PORT", 10789),

		UpstreamURL: envOr("AMP_UPSTREAM_URL", "https://ampcode.com"),
		UpstreamKey: resolveUpstreamKey(),

		DataDir: dataDir,
		DBPath:  envOr("DB_PATH", filepath.Join(dataDir, "credentials.db")),

		EncryptionKey: os.Getenv("AMP_PROXY_ENCRYPTION_KEY"),
		OutboundProxy: os.Getenv("AMP_PROXY_OUTBOUND_PROXY"),

		EnableAnthropic: envBool("ENABLE_ANTHROPIC", true),
		EnableCodex:     envBool("ENABLE_CODEX", true),
		EnableGoogle:    envBool("ENABLE_GOOGLE", true),

		RequestTimeout: envDuration("REQUEST_TIMEOUT", 60*time.Second),
		StreamTimeout:  envDuration("STREAM_TIMEOUT", 10*time.Minute),

		SearchAPIKey: os.Getenv("SEARCH_API_KEY"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.UpstreamURL == "" {
		return errMissing("AMP_UPSTREAM_URL")
	}
	return nil
}

// resolveUpstreamKey resolves the paid-gateway API key in order:
// env var, then the client's secrets file (read-only).
func resolveUpstreamKey() string {
	if v := os.Getenv("AMP_API_KEY"); v != "" {
		return v
	}
	return keyFromSecretsFile()
}

// keyFromSecretsFile reads the client CLI's secrets file if present.
// The file is never written by the proxy.
func keyFromSecretsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(home, ".local", "share", "amp", "secrets.json"))
	if err != nil {
		return ""
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return ""
	}
	return secrets["apiKey"]
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".amp-proxy"
	}
	return filepath.Join(home, ".amp-proxy")
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
