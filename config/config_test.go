package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestParamsUnknownNetwork(t *testing.T) {
	cfg := Default()
	cfg.Bitcoin.Network = "nonesuch"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown network")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"NETWORK", "testnet3")
	t.Setenv(EnvPrefix+"MAXIMUM_CONCURRENCY", "16")

	cfg := Default()
	applyEnv(cfg)

	if cfg.Bitcoin.Network != "testnet3" {
		t.Fatalf("expected network override, got %q", cfg.Bitcoin.Network)
	}
	if cfg.Node.MaximumConcurrency != 16 {
		t.Fatalf("expected maximum_concurrency override, got %d", cfg.Node.MaximumConcurrency)
	}
}

func TestValidateRejectsBadCheckpoint(t *testing.T) {
	cfg := Default()
	cfg.Bitcoin.Checkpoints = []Checkpoint{{Height: 1, Hash: "not-hex"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for malformed checkpoint hash")
	}
}
