package config

import "testing"

func TestLoadEncryptionAndProxyEnv(t *testing.T) {
	t.Setenv("AMP_PROXY_ENCRYPTION_KEY", "k")
	t.Setenv("AMP_PROXY_OUTBOUND_PROXY", "socks5://127.0.0.1:1080")

	cfg := Load()
	if cfg.EncryptionKey != "k" {
		t.Fatalf("encryptionKey = %q", cfg.EncryptionKey)
	}
	if cfg.OutboundProxy != "socks5://127.0.0.1:1080" {
		t.Fatalf("outboundProxy = %q", cfg.OutboundProxy)
	}
}

func TestValidate(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	cfg.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid port must fail validation")
	}
}
