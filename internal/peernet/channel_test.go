package peernet

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockrelay/btcnode/config"
	"github.com/blockrelay/btcnode/internal/chaser"
	"github.com/blockrelay/btcnode/internal/consensus"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/store"
)

// newTestChannel wires a Channel over an in-process net.Pipe, the remote
// end left to the caller so it can observe (or fail to observe) requests.
func newTestChannel(t *testing.T) (*Channel, net.Conn, *event.Bus) {
	t.Helper()
	params := &chaincfg.RegressionNetParams
	a, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	genesis := config.GenesisBlock(params)
	if err := a.Initialize(genesis); err != nil {
		t.Fatalf("initialize genesis: %v", err)
	}

	cfg := config.Default()
	cfg.Bitcoin.Network = "regtest"
	cfg.Node.CurrencyWindowMinutes = 60 * 24 * 365 * 50

	bus := event.New()
	t.Cleanup(bus.Close)
	deps := chaser.Deps{Bus: bus, Store: a, Checker: consensus.New(params), Cfg: cfg, Params: params}
	check := chaser.NewCheck(deps)
	t.Cleanup(check.Close)
	org := chaser.NewOrganize(deps)
	t.Cleanup(org.Close)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	peer := NewPeer("test-peer", clientConn, params)
	ch := NewChannel(peer, check, org, a, bus)
	return ch, serverConn, bus
}

// TestSuspendBlocksNewRequests asserts the channel-wide contract a
// snapshot's wait_lock/flush_lock depends on: once Suspend is published,
// no new get_headers (or any other) request leaves the channel, and
// Resume lifts that gate again.
func TestSuspendBlocksNewRequests(t *testing.T) {
	ch, remote, bus := newTestChannel(t)
	locator := []chainhash.Hash{{}}

	bus.PublishSync(event.Event{Kind: event.Suspend})

	received := make(chan wire.Message, 1)
	go func() {
		_, msg, _, err := wire.ReadMessageN(remote, wire.ProtocolVersion, (&chaincfg.RegressionNetParams).Net)
		if err == nil {
			received <- msg
		}
	}()

	if err := ch.RunHeaderIn(locator, chainhash.Hash{}, time.Now().Unix()); err != nil {
		t.Fatalf("RunHeaderIn while suspended: %v", err)
	}
	if !ch.Suspended() {
		t.Fatal("expected channel to report suspended after event.Suspend")
	}

	select {
	case <-received:
		t.Fatal("expected no request to be issued while suspended")
	case <-time.After(100 * time.Millisecond):
	}

	bus.PublishSync(event.Event{Kind: event.Resume})
	if ch.Suspended() {
		t.Fatal("expected channel to clear suspended after event.Resume")
	}

	// RunHeaderIn blocks on the reply after sending, which this test never
	// supplies; run it in the background and only assert the request
	// itself was sent. Cleanup closes the pipe, unblocking the goroutine.
	go func() { _ = ch.RunHeaderIn(locator, chainhash.Hash{}, time.Now().Unix()) }()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a get_headers request after Resume")
	}
}
