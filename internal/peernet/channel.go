package peernet

import (
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/chaser"
	"github.com/blockrelay/btcnode/internal/errs"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/store"
)

// channelState is the block-in-31800 state machine of §4.8.
type channelState int

const (
	stateIdle channelState = iota
	stateRequesting
	stateReceiving
	stateDraining
	statePurging
)

// Channel is a per-peer state machine composing the header-in and
// block-in-31800 protocols of §4.8. Adapted from the teacher's
// network.Syncer request/response loop, generalized from a single
// block-range request to C4's work-stealing map protocol.
type Channel struct {
	peer  *Peer
	key   string
	check *chaser.Check
	org   *chaser.Organize
	store *store.Archive
	bus   *event.Bus
	log   *logrus.Entry

	state       channelState
	bytesRecv   uint64
	outstanding map[chainhash.Hash]bool
	headerQ     *headerQueue
	suspended   atomic.Bool
}

// BytesReceived reports the total payload bytes this channel has taken
// delivery of, the counter §4.8's "performance / fairness" section uses
// to ask slower channels to split on stall.
func (ch *Channel) BytesReceived() uint64 { return ch.bytesRecv }

// NewChannel wires a connected peer into the download pipeline. It
// registers a keyed bus subscription so a chase::stall notification
// addressed to this channel (§4.4's "ask the slowest channel to split")
// reaches only this channel, not every connected peer.
func NewChannel(peer *Peer, check *chaser.Check, org *chaser.Organize, archive *store.Archive, bus *event.Bus) *Channel {
	ch := &Channel{
		peer:        peer,
		key:         peer.ID,
		check:       check,
		org:         org,
		store:       archive,
		bus:         bus,
		log:         logrus.WithField("peer", peer.ID),
		state:       stateIdle,
		outstanding: make(map[chainhash.Hash]bool),
		headerQ:     newHeaderQueue(2000),
	}
	bus.SubscribeKeyed(ch.key, ch.onKeyedEvent)
	bus.Subscribe(ch.onBroadcastEvent)
	return ch
}

// onKeyedEvent handles events addressed to this channel specifically via
// NotifyOne: chase::stall (split the in-flight map) and channel-scoped
// shutdown. Returning false unsubscribes this channel from keyed delivery.
func (ch *Channel) onKeyedEvent(ev event.Event) bool {
	switch ev.Kind {
	case event.Stall:
		ch.Stall()
	case event.Stop:
		return false
	}
	return true
}

// onBroadcastEvent handles node-wide Suspend/Resume (§4.2's wait_lock /
// flush_lock contract and §4.7's Snap bullet): every channel quiesces its
// request loop for the duration, so a snapshot actually observes a
// channel-quiet store rather than racing in-flight downloads.
func (ch *Channel) onBroadcastEvent(ev event.Event) bool {
	switch ev.Kind {
	case event.Suspend:
		ch.suspended.Store(true)
	case event.Resume:
		ch.suspended.Store(false)
	}
	return true
}

// Suspended reports whether this channel is currently honoring a node-wide
// Suspend, for callers (tests, drive loops) that want to confirm no new
// request was issued while quiesced.
func (ch *Channel) Suspended() bool { return ch.suspended.Load() }

// RunHeaderIn is the header-in protocol loop: request headers by locator,
// accept a headers reply, and organize each header in order. Stops on a
// consensus error from Organize (§4.8 "Header-in").
func (ch *Channel) RunHeaderIn(locator []chainhash.Hash, stopHash chainhash.Hash, now int64) error {
	if ch.suspended.Load() {
		return nil // quiesced by a node-wide Suspend; issue nothing until Resume
	}
	getHeaders := wire.NewMsgGetHeaders()
	for i := range locator {
		if err := getHeaders.AddBlockLocatorHash(&locator[i]); err != nil {
			return err
		}
	}
	getHeaders.HashStop = stopHash
	if err := ch.peer.Send(getHeaders); err != nil {
		return err
	}

	msg, err := ch.peer.Receive()
	if err != nil {
		return err
	}
	headersMsg, ok := msg.(*wire.MsgHeaders)
	if !ok {
		return nil // peer sent something else; caller decides whether to retry
	}

	ordered := ch.headerQ.Drain(headersMsg.Headers, func(prevHash [32]byte) bool {
		hash := chainhash.Hash(prevHash)
		_, known := ch.store.ToHeader(hash)
		return known
	})

	for _, h := range ordered {
		blk := &chain.Block{Wire: wire.MsgBlock{Header: *h}}
		code := ch.org.Organize(blk, true, now)
		if errs.IsFatal(code) {
			return errs.New(code)
		}
		if code != errs.Success && code != errs.Duplicate {
			ch.log.WithField("code", code).Warn("header-in: organize rejected header")
			return errs.New(code)
		}
	}
	return nil
}

// RunBlockIn31800 drives one iteration of the block-in-31800 protocol:
// request a map of hashes from C4, fetch any bodies not yet archived, and
// run each delivered block through check(block, context, bypass) (here,
// C3's organize with headerOnly=false acts as that check — consensus
// validation proper happens in C5; organize only gates structural
// acceptance and storability).
func (ch *Channel) RunBlockIn31800(now int64) error {
	if ch.suspended.Load() {
		return nil // quiesced by a node-wide Suspend; issue nothing until Resume
	}
	if ch.state == stateIdle {
		m, ok := ch.check.GetHashes(ch.key)
		if !ok {
			return nil // starved; caller will retry later
		}
		ch.state = stateRequesting
		getData := wire.NewMsgGetData()
		for _, assoc := range m.Entries {
			ch.outstanding[assoc.Hash] = true
			iv := wire.NewInvVect(wire.InvTypeBlock, &assoc.Hash)
			if err := getData.AddInvVect(iv); err != nil {
				return err
			}
		}
		if err := ch.peer.Send(getData); err != nil {
			return err
		}
		ch.state = stateReceiving
	}

	for len(ch.outstanding) > 0 {
		msg, err := ch.peer.Receive()
		if err != nil {
			return err
		}
		blockMsg, ok := msg.(*wire.MsgBlock)
		if !ok {
			continue
		}
		hash := blockMsg.Header.BlockHash()
		if !ch.outstanding[hash] {
			continue // unrequested delivery; ignore rather than fault the channel
		}
		delete(ch.outstanding, hash)
		n := uint64(blockMsg.SerializeSize())
		ch.bytesRecv += n
		ch.check.RecordBytes(ch.key, n)

		blk := &chain.Block{Wire: *blockMsg}
		link, known := ch.store.ToHeader(hash)
		if !known {
			continue
		}
		ctx, _ := ch.store.GetCandidateChainState(headerHeight(ch.store, link))

		code := ch.org.Organize(blk, false, now)
		switch {
		case code == errs.InvalidTransactionCommitment || code == errs.InvalidWitnessCommitment:
			// Bypass-critical malleation: never mark unconfirmable, stop
			// the channel instead (§4.8).
			return errs.New(code)
		case code == errs.Success || code == errs.Duplicate:
			ch.store.SetCode(blk, link, ctx, false, true)
			ch.bus.Publish(event.Event{Kind: event.Checked, Value: event.U32(uint32(headerHeight(ch.store, link)))})
		default:
			ch.store.SetBlockUnconfirmable(link)
			ch.bus.Publish(event.Event{Kind: event.Unchecked, Value: event.U64(uint64(link))})
		}
	}

	ch.state = stateIdle
	return nil
}

// Inventory limits of §6.
const (
	maxGetBlocks  = 500
	maxGetHeaders = 2000
	maxLocator    = 2000
	maxInventory  = 50000
)

// RunBlockInLegacy drives the block-in-legacy protocol of §4.8: a
// get_blocks locator request, inv(block) responses filtered against the
// archive, get_data for the missing ones, and delivered blocks routed
// through C3's organize directly (older peers skip the header-first path
// entirely, so there is no prior candidate header for Organize to attach
// a downloaded body to; organize(block, headerOnly=false) both creates
// the candidate header and associates the body in one step).
func (ch *Channel) RunBlockInLegacy(locator []chainhash.Hash, stopHash chainhash.Hash, now int64) error {
	if ch.suspended.Load() {
		return nil // quiesced by a node-wide Suspend; issue nothing until Resume
	}
	if len(locator) == 0 || len(locator) > maxLocator {
		return errs.New(errs.ChannelStopped)
	}

	getBlocks := wire.NewMsgGetBlocks(&stopHash)
	for i := range locator {
		if err := getBlocks.AddBlockLocatorHash(&locator[i]); err != nil {
			return err
		}
	}
	if err := ch.peer.Send(getBlocks); err != nil {
		return err
	}

	msg, err := ch.peer.Receive()
	if err != nil {
		return err
	}
	invMsg, ok := msg.(*wire.MsgInv)
	if !ok {
		return nil
	}

	getData := wire.NewMsgGetData()
	var wanted int
	for _, iv := range invMsg.InvList {
		if iv.Type != wire.InvTypeBlock && iv.Type != wire.InvTypeWitnessBlock {
			continue
		}
		if _, known := ch.store.ToHeader(iv.Hash); known {
			continue // already archived; filter against archive per §4.8
		}
		if wanted >= maxGetBlocks {
			break
		}
		if err := getData.AddInvVect(iv); err != nil {
			return err
		}
		ch.outstanding[iv.Hash] = true
		wanted++
	}
	if wanted == 0 {
		return nil
	}
	if err := ch.peer.Send(getData); err != nil {
		return err
	}

	for len(ch.outstanding) > 0 {
		msg, err := ch.peer.Receive()
		if err != nil {
			return err
		}
		blockMsg, ok := msg.(*wire.MsgBlock)
		if !ok {
			continue
		}
		hash := blockMsg.Header.BlockHash()
		if !ch.outstanding[hash] {
			continue
		}
		delete(ch.outstanding, hash)
		n := uint64(blockMsg.SerializeSize())
		ch.bytesRecv += n
		ch.check.RecordBytes(ch.key, n)

		blk := &chain.Block{Wire: *blockMsg}
		code := ch.org.Organize(blk, false, now)
		if errs.IsFatal(code) {
			return errs.New(code)
		}
	}
	return nil
}

// RunBlockOut is the block-out protocol: on a `block` bus event, announce
// the confirmed link to peers that asked for inv/headers format,
// respecting originator blacklisting so a block is never echoed straight
// back to the peer it came from (§4.8 "Block-out").
func (ch *Channel) RunBlockOut(link chain.Link, format OutFormat, originator string) error {
	if originator == ch.key {
		return nil // never echo a block back to the peer that sent it
	}
	view, ok := ch.store.Header(link)
	if !ok {
		return nil
	}
	switch format {
	case OutFormatHeaders:
		msg := wire.NewMsgHeaders()
		if err := msg.AddBlockHeader(&view.Header); err != nil {
			return err
		}
		return ch.peer.Send(msg)
	default:
		msg := wire.NewMsgInv()
		iv := wire.NewInvVect(wire.InvTypeBlock, &view.Hash)
		if err := msg.AddInvVect(iv); err != nil {
			return err
		}
		return ch.peer.Send(msg)
	}
}

// OutFormat is the per-peer announcement preference negotiated by
// sendheaders/sendcmpct, generalizing the teacher's single Broadcast
// fan-out into the responder-style format choice of SPEC_FULL's
// "Responder" supplement.
type OutFormat int

const (
	OutFormatInv OutFormat = iota
	OutFormatHeaders
)

func headerHeight(a *store.Archive, link chain.Link) int32 {
	rec, ok := a.Header(link)
	if !ok {
		return 0
	}
	return rec.Height
}

// Stall handles a chase::stall notification for this channel (§4.8).
func (ch *Channel) Stall() errs.Code {
	return ch.check.Stall(ch.key)
}

// Purge clears the channel's outstanding work and moves it to purging
// state, the terminal action on a regressed/disorganized branch (§4.8).
func (ch *Channel) Purge() {
	ch.state = statePurging
	ch.outstanding = make(map[chainhash.Hash]bool)
	ch.check.Release(ch.key)
}
