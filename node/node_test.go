package node

import (
	"testing"

	"github.com/blockrelay/btcnode/config"
)

// newTestConfig builds a regtest config rooted at t.TempDir(), the same
// style pipeline_test.go uses for the chaser package's integration tests.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bitcoin.Network = "regtest"
	cfg.Database.Path = t.TempDir()
	cfg.Network.ListenAddr = ""
	cfg.Network.RPCAddr = "127.0.0.1:0"
	cfg.Network.Seeds = nil
	return cfg
}

func TestNewInitializesGenesis(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	if got := n.Store().GetTopCandidate(); got != 0 {
		t.Fatalf("expected genesis-only candidate top 0, got %d", got)
	}
	if got := n.Store().GetTopConfirmed(); got != 0 {
		t.Fatalf("expected genesis-only confirmed top 0, got %d", got)
	}
}

func TestStartStopWithoutListenerOrSeeds(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.Stop()
}

func TestSuspendResumeDoesNotPanic(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()

	n.Suspend()
	n.Resume()
	n.TriggerSnapshot()
}
