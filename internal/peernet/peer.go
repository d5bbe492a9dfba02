// Package peernet implements Bitcoin wire-protocol transport: framed
// message read/write over TCP, the version/verack handshake, and the
// per-peer connection type the channel protocols of §4.8 run over.
// Adapted from the teacher's network.Peer (length-prefixed JSON over TCP),
// generalized to btcsuite/btcd/wire's binary framing and real Bitcoin
// message types.
package peernet

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
)

// readTimeout bounds a single message read so a stalled peer never blocks
// a channel goroutine indefinitely, the same defensive deadline the
// teacher's Peer.Receive uses.
const readTimeout = 30 * time.Second

// Peer wraps an established connection to a remote node, framing messages
// with the Bitcoin wire protocol rather than the teacher's length-prefixed
// JSON.
type Peer struct {
	ID   string
	Addr string

	params *chaincfg.Params
	conn   net.Conn

	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established TCP connection as a Peer.
func NewPeer(addr string, conn net.Conn, params *chaincfg.Params) *Peer {
	return &Peer{ID: uuid.NewString(), Addr: addr, conn: conn, params: params}
}

// Connect dials addr and returns a connected Peer. If tlsCfg is non-nil the
// connection is established over TLS (used for operator-configured
// stunnel-style overlays, never for ordinary Bitcoin peer links).
func Connect(addr string, tlsCfg *tls.Config, params *chaincfg.Params) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(addr, conn, params), nil
}

// Send writes a wire message to the peer.
func (p *Peer) Send(msg wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	_, err := wire.WriteMessageN(p.conn, msg, wire.ProtocolVersion, p.params.Net)
	return err
}

// Receive reads the next wire message from the peer, bounded by
// readTimeout.
func (p *Peer) Receive() (wire.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, msg, _, err := wire.ReadMessageN(p.conn, wire.ProtocolVersion, p.params.Net)
	return msg, err
}

// Close terminates the peer connection. Idempotent.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}

// Handshake performs the version/verack exchange (BIP-0); lastBlock is the
// local confirmed chain height advertised to the remote peer.
func (p *Peer) Handshake(nonce uint64, lastBlock int32) error {
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	version := wire.NewMsgVersion(me, you, nonce, lastBlock)
	if err := p.Send(version); err != nil {
		return fmt.Errorf("send version: %w", err)
	}
	for i := 0; i < 2; i++ {
		msg, err := p.Receive()
		if err != nil {
			return fmt.Errorf("handshake receive: %w", err)
		}
		switch msg.(type) {
		case *wire.MsgVersion:
			if err := p.Send(wire.NewMsgVerAck()); err != nil {
				return fmt.Errorf("send verack: %w", err)
			}
		case *wire.MsgVerAck:
			return nil
		}
	}
	return fmt.Errorf("handshake with %s did not complete", p.Addr)
}
