// Package node wires the event bus, store, consensus checker, and the five
// chasers into a running process, and drives the peer channels and the
// RPC control menu against them. Grounded in the teacher's cmd/node/main.go
// top-level wiring order (open DB, build components, start network, start
// RPC, wait on a shutdown signal) generalized from an account-chain node
// to the organize/check/validate/confirm/snapshot pipeline of §4.
package node

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/config"
	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/chaser"
	"github.com/blockrelay/btcnode/internal/consensus"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/index"
	"github.com/blockrelay/btcnode/internal/metrics"
	"github.com/blockrelay/btcnode/internal/peernet"
	"github.com/blockrelay/btcnode/internal/store"
	"github.com/blockrelay/btcnode/rpc"
)

// Node is the top-level process object: one of each chaser, the store, the
// event bus, and the set of connected peer channels.
type Node struct {
	cfg   *config.Config
	log   *logrus.Entry
	bus   *event.Bus
	store *store.Archive

	organize *chaser.Organize
	check    *chaser.Check
	validate *chaser.Validate
	confirm  *chaser.Confirm
	snapshot *chaser.Snapshot

	metrics *metrics.Collectors
	index   *index.Indexer
	rpc     *rpc.Server
	tlsCfg  *tls.Config

	mu       sync.Mutex
	channels map[string]*peernet.Channel
	listener net.Listener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Node from cfg without starting anything.
func New(cfg *config.Config) (*Node, error) {
	params, err := cfg.Bitcoin.Params()
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	archive, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	genesis := config.GenesisBlock(params)
	if err := archive.Initialize(genesis); err != nil {
		archive.Close()
		return nil, fmt.Errorf("node: initialize genesis: %w", err)
	}

	bus := event.New()
	deps := chaser.Deps{
		Bus:     bus,
		Store:   archive,
		Checker: consensus.New(params),
		Cfg:     cfg,
		Params:  params,
	}

	n := &Node{
		cfg:      cfg,
		log:      logrus.WithField("component", "node"),
		bus:      bus,
		store:    archive,
		organize: chaser.NewOrganize(deps),
		check:    chaser.NewCheck(deps),
		validate: chaser.NewValidate(deps),
		confirm:  chaser.NewConfirm(deps),
		snapshot: chaser.NewSnapshot(deps, cfg.Database.Path+"/snapshots"),
		channels: make(map[string]*peernet.Channel),
		stopCh:   make(chan struct{}),
	}

	n.metrics = metrics.New(prometheus.NewRegistry())
	n.metrics.Observe(bus)

	n.index = index.New(archive, params, cfg.Node.AddressIndex, cfg.Node.TxIndex)
	n.index.Attach(bus)

	if cfg.Network.TLS != nil {
		tlsCfg, err := loadTLS(cfg.Network.TLS)
		if err != nil {
			archive.Close()
			return nil, fmt.Errorf("node: tls: %w", err)
		}
		n.tlsCfg = tlsCfg
	}

	n.validate.SetMature()
	n.check.SetPeerCount(cfg.Network.OutboundConnections)

	return n, nil
}

// Start publishes the startup event, binds the listener for inbound peers,
// dials the configured seeds, and starts the RPC server.
func (n *Node) Start() error {
	n.bus.Publish(event.Event{Kind: event.Start})

	if n.cfg.Network.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.Network.ListenAddr)
		if err != nil {
			return fmt.Errorf("node: listen: %w", err)
		}
		n.listener = ln
		n.wg.Add(1)
		go n.acceptLoop(ln)
		n.log.WithField("addr", ln.Addr()).Info("listening for inbound peers")
	}

	for _, seed := range n.cfg.Network.Seeds {
		n.connectSeed(seed)
	}

	n.bus.Subscribe(n.onBlockOut)
	n.bus.Subscribe(n.onBump)

	handler := rpc.NewHandler(n.store, n.bus, n.index)
	n.rpc = rpc.NewServer(n.cfg.Network.RPCAddr, handler, n.cfg.Network.RPCAuthToken)
	if err := n.rpc.Start(); err != nil {
		n.log.WithError(err).Warn("rpc server failed to start")
	} else {
		n.log.WithField("addr", n.cfg.Network.RPCAddr).Info("rpc listening")
	}

	return nil
}

// Stop publishes stop, closes every chaser's strand, closes all channels,
// and releases the store.
func (n *Node) Stop() {
	close(n.stopCh)
	n.bus.PublishSync(event.Event{Kind: event.Stop})

	n.mu.Lock()
	for _, ch := range n.channels {
		ch.Purge()
	}
	n.mu.Unlock()

	if n.listener != nil {
		n.listener.Close()
	}
	if n.rpc != nil {
		n.rpc.Stop()
	}

	n.wg.Wait()

	n.organize.Close()
	n.check.Close()
	n.validate.Close()
	n.confirm.Close()
	n.snapshot.Close()
	n.bus.Close()
	n.store.Close()
}

// onBlockOut implements the block-out side of §4.8: on a confirmed-block
// event, announce the link to every connected channel. The delivering
// channel is not tracked here, so no originator is excluded and it is
// announced to as well. Format negotiation beyond plain inv (compact
// blocks, headers-first announce) is left at OutFormatInv; channels that
// sent sendheaders/sendcmpct are not tracked per-peer.
func (n *Node) onBlockOut(ev event.Event) bool {
	if ev.Kind != event.Block {
		return true
	}
	link := chain.Link(ev.Value.U64())

	n.mu.Lock()
	channels := make([]*peernet.Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		channels = append(channels, ch)
	}
	n.mu.Unlock()

	for _, ch := range channels {
		if err := ch.RunBlockOut(link, peernet.OutFormatInv, ""); err != nil {
			n.log.WithError(err).Debug("block-out announce failed")
		}
	}
	return true
}

// onBump treats the organize chaser's current-signal bump (§4.3 step 7) as
// C7's is_coalesced trigger: the node has no separate notion of "caught up
// with the announced best chain across all peers" beyond "the candidate
// tip is current", so the two are equated here and the one-shot prune
// fires the first time the chain catches up.
func (n *Node) onBump(ev event.Event) bool {
	if ev.Kind == event.Bump {
		n.snapshot.MarkCoalesced()
	}
	return true
}

func (n *Node) acceptLoop(ln net.Listener) {
	defer n.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		n.adopt(conn, conn.RemoteAddr().String())
	}
}

func (n *Node) connectSeed(addr string) {
	params, _ := n.cfg.Bitcoin.Params()
	peer, err := peernet.Connect(addr, n.tlsCfg, params)
	if err != nil {
		n.log.WithField("addr", addr).WithError(err).Warn("seed connect failed")
		return
	}
	n.adoptPeer(peer, addr)
}

func (n *Node) adopt(conn net.Conn, addr string) {
	params, _ := n.cfg.Bitcoin.Params()
	n.adoptPeer(peernet.NewPeer(addr, conn, params), addr)
}

func (n *Node) adoptPeer(peer *peernet.Peer, addr string) {
	if err := peer.Handshake(uint64(time.Now().UnixNano()), n.store.GetTopConfirmed()); err != nil {
		n.log.WithField("addr", addr).WithError(err).Warn("handshake failed")
		peer.Close()
		return
	}

	ch := peernet.NewChannel(peer, n.check, n.organize, n.store, n.bus)
	n.mu.Lock()
	n.channels[peer.ID] = ch
	n.mu.Unlock()
	n.check.SetPeerCount(len(n.channels))

	if n.cfg.Node.HeadersFirst {
		n.wg.Add(1)
		go n.driveChannel(ch)
		n.wg.Add(1)
		go n.driveHeaders(ch)
	} else {
		n.wg.Add(1)
		go n.driveLegacy(ch)
	}
}

// driveLegacy runs the block-in-legacy protocol (§4.8) for peers too old
// to speak the header-first dialect: get_blocks/inv instead of
// get_headers/get_data-by-map.
func (n *Node) driveLegacy(ch *peernet.Channel) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			ch.Purge()
			return
		default:
		}
		locator := buildLocator(n.store)
		if err := ch.RunBlockInLegacy(locator, chainhash.Hash{}, time.Now().Unix()); err != nil {
			n.log.WithError(err).Debug("legacy channel closed")
			ch.Purge()
			return
		}
		n.metrics.AddBytes(ch.BytesReceived())
		time.Sleep(200 * time.Millisecond)
	}
}

// driveHeaders periodically requests headers by locator, the header-in
// protocol of §4.8. It runs alongside driveChannel's block-in loop on the
// same peer connection; the two never issue overlapping requests because
// RunHeaderIn and RunBlockIn31800 each own the send/receive round trip for
// their own request before returning.
func (n *Node) driveHeaders(ch *peernet.Channel) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}
		locator := buildLocator(n.store)
		if err := ch.RunHeaderIn(locator, chainhash.Hash{}, time.Now().Unix()); err != nil {
			n.log.WithError(err).Debug("header channel closed")
			ch.Purge()
			return
		}
		time.Sleep(2 * time.Second)
	}
}

// buildLocator implements §6's doubling scheme: heights 0,1,2,…,10, then
// doubling the step, down from the candidate tip to genesis.
func buildLocator(a *store.Archive) []chainhash.Hash {
	top := a.GetTopCandidate()
	var locator []chainhash.Hash
	step := int32(1)
	height := top
	for height >= 0 {
		if link, ok := a.ToCandidate(height); ok {
			if view, ok := a.Header(link); ok {
				locator = append(locator, view.Hash)
			}
		}
		if len(locator) > 10 {
			step *= 2
		}
		if height == 0 {
			break
		}
		height -= step
		if height < 0 {
			height = 0
		}
	}
	return locator
}

// driveChannel runs the block-in-31800 loop for one channel until the node
// stops or the channel reports a fatal error, matching §4.8's per-channel
// recoverable-error-closes-only-that-channel policy.
func (n *Node) driveChannel(ch *peernet.Channel) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			ch.Purge()
			return
		default:
		}
		if err := ch.RunBlockIn31800(time.Now().Unix()); err != nil {
			n.log.WithError(err).Debug("channel closed")
			ch.Purge()
			return
		}
		n.metrics.AddBytes(ch.BytesReceived())
		time.Sleep(50 * time.Millisecond)
	}
}

// Suspend freezes peer channels without tearing them down (§5 "Suspend /
// resume").
func (n *Node) Suspend() { n.bus.Publish(event.Event{Kind: event.Suspend}) }

// Resume lifts a prior Suspend.
func (n *Node) Resume() { n.bus.Publish(event.Event{Kind: event.Resume}) }

// TriggerSnapshot asks C7 to snapshot the store at the current confirmed
// height.
func (n *Node) TriggerSnapshot() {
	n.bus.Publish(event.Event{Kind: event.Snap, Value: event.U32(uint32(n.store.GetTopConfirmed()))})
}

// Store exposes the store facade for the runtime control menu's
// information/test commands.
func (n *Node) Store() *store.Archive { return n.store }

func loadTLS(t *config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.NodeCert, t.NodeKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
