package chaser

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/internal/chain"
	"github.com/blockrelay/btcnode/internal/errs"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/store"
	"github.com/blockrelay/btcnode/internal/strand"
)

// Map is an ordered set of hashes handed to a single channel for download
// (§4.4: "a map is an ordered set of (hash, height, context) tuples").
type Map struct {
	Key     string
	Entries []store.Association
}

// Check is C4: the download-map scheduler. Grounded on the teacher's
// network.Syncer request/response bookkeeping, generalized from one
// in-flight request per peer to a queue of maps shared across channels
// (work stealing, §4.4).
type Check struct {
	deps Deps
	strand *strand.Strand
	log    *logrus.Entry

	mu        sync.Mutex
	maps      []Map
	requested int32
	confirmed int32
	position  int32
	inflight  map[string]Map // channel key -> its current map
	peerCount int
	rates     *reservations
}

// NewCheck builds the check chaser and subscribes it to the bus.
func NewCheck(deps Deps) *Check {
	c := &Check{
		deps:     deps,
		strand:   strand.New(256),
		log:      componentLog("check"),
		rates:    newReservations(),
		inflight: make(map[string]Map),
	}
	deps.Bus.Subscribe(c.onEvent)
	return c
}

func (c *Check) onEvent(ev event.Event) bool {
	switch ev.Kind {
	case event.Start, event.Bump, event.Headers:
		c.strand.Go(c.scanWindow)
	case event.Checked:
		height := int32(ev.Value.U32())
		c.strand.Go(func() { c.onChecked(height) })
	case event.Confirmable:
		height := int32(ev.Value.U32())
		c.strand.Go(func() { c.onConfirmable(height) })
	case event.Regressed, event.Disorganized:
		branchPoint := int32(ev.Value.U32())
		c.strand.Go(func() { c.onRegressed(branchPoint) })
	case event.Starved:
		c.strand.Go(c.onStarved)
	case event.Stop:
		return false
	}
	return true
}

// onStarved implements §4.4's stall escalation: a starved channel (idle,
// no map available) triggers chase::stall against the slowest channel
// holding a splittable (>1 element) map, per S6. The victim is notified
// via a keyed event so only it, not every channel, reacts.
func (c *Check) onStarved() {
	c.mu.Lock()
	var candidates []string
	for key, m := range c.inflight {
		if len(m.Entries) > 1 {
			candidates = append(candidates, key)
		}
	}
	c.mu.Unlock()
	if len(candidates) == 0 {
		return
	}
	victim := c.rates.Slowest(candidates)
	c.deps.Bus.NotifyOne(victim, event.Event{Kind: event.Stall})
}

// SetPeerCount informs the inventory-sizing formula of §4.4 how many
// peers are currently attached; called by the node's peer-manager on
// connect/disconnect.
func (c *Check) SetPeerCount(n int) {
	c.strand.Go(func() {
		c.mu.Lock()
		c.peerCount = n
		c.mu.Unlock()
	})
}

func (c *Check) scanWindow() {
	c.mu.Lock()
	requested := c.requested
	confirmed := c.confirmed
	peers := c.peerCount
	c.mu.Unlock()

	if confirmed != requested && len(c.maps) > 0 {
		return
	}

	cfg := c.deps.Cfg.Node
	top := c.deps.Store.GetTopAssociated()
	stop := top + int32(cfg.MaximumConcurrency)
	if cfg.MaximumHeight > 0 && stop > cfg.MaximumHeight {
		stop = cfg.MaximumHeight
	}

	size := c.inventorySize(peers, time.Now().Unix())
	if size == 0 {
		return
	}

	assocs := c.deps.Store.GetUnassociatedAbove(requested, size, stop)
	if len(assocs) == 0 {
		return
	}

	c.mu.Lock()
	c.maps = append(c.maps, Map{Entries: assocs})
	c.requested = assocs[len(assocs)-1].Height
	count := len(c.maps)
	c.mu.Unlock()

	c.deps.Bus.Publish(event.Event{Kind: event.Download, Value: event.U32(uint32(count))})
}

// inventorySize implements §4.4's clamp formula. When the node is not
// current, downloads stop entirely (B3): the candidate tip's timestamp is
// checked against now via the same isCurrent predicate organize.go uses
// for its own current-signal, so a node still catching up on headers
// never opens a download map.
func (c *Check) inventorySize(peers int, now int64) int {
	cfg := c.deps.Cfg.Node
	if !c.isCurrent(now) {
		return 0
	}
	if peers <= 0 {
		peers = 1
	}
	unassoc := c.deps.Store.GetUnassociatedCount()
	size := unassoc / peers
	return clamp(size, 0, cfg.MaximumInventory)
}

// isCurrent reports whether the candidate chain's tip is within the
// configured currency window of now (§4.4, B3).
func (c *Check) isCurrent(now int64) bool {
	top := c.deps.Store.GetTopCandidate()
	ctx, ok := c.deps.Store.GetCandidateChainState(top)
	if !ok {
		return false
	}
	return isCurrent(c.deps.Cfg, ctx.Timestamp, now)
}

func (c *Check) onChecked(height int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.deps.Store.IsAssociated(c.associatedLinkAt(c.position + 1)) {
		c.position++
	}
	_ = height
}

// associatedLinkAt resolves the candidate link at height, returning
// chain.LinkAbsent if none exists yet; used only to probe is_associated
// without faulting on a hole in the candidate index.
func (c *Check) associatedLinkAt(height int32) chain.Link {
	link, ok := c.deps.Store.ToCandidate(height)
	if !ok {
		return chain.LinkAbsent
	}
	return link
}

func (c *Check) onConfirmable(height int32) {
	c.mu.Lock()
	c.confirmed = height
	trigger := c.confirmed == c.requested
	c.mu.Unlock()
	if trigger {
		c.scanWindow()
	}
}

func (c *Check) onRegressed(branchPoint int32) {
	c.mu.Lock()
	if branchPoint < c.position {
		c.position = branchPoint
	}
	c.maps = nil
	c.inflight = make(map[string]Map)
	c.mu.Unlock()
	c.deps.Bus.Publish(event.Event{Kind: event.Purge, Value: event.U32(uint32(branchPoint))})
}

// GetHashes is a channel's work-stealing request (§4.4). It returns the
// next available map, or ok=false and a starved publish if none exists.
func (c *Check) GetHashes(channelKey string) (Map, bool) {
	result := make(chan Map, 1)
	ok := make(chan bool, 1)
	c.strand.Go(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.maps) == 0 {
			ok <- false
			result <- Map{}
			return
		}
		m := c.maps[0]
		c.maps = c.maps[1:]
		m.Key = channelKey
		c.inflight[channelKey] = m
		ok <- true
		result <- m
	})
	got := <-ok
	m := <-result
	if !got {
		c.deps.Bus.Publish(event.Event{Kind: event.Starved, Value: event.U32(0)})
	}
	return m, got
}

// RecordBytes folds a channel's just-received payload size into its
// reservation window, the performance tracking of the SPEC_FULL
// "Reservation/performance tracking" supplement.
func (c *Check) RecordBytes(channelKey string, n uint64) {
	c.rates.Record(channelKey, n)
}

// Slowest picks, among the given candidate channel keys, the one with the
// lowest settled download rate — used to choose which channel to ask to
// split first when several are eligible (S6).
func (c *Check) Slowest(candidates []string) string {
	return c.rates.Slowest(candidates)
}

// Stall handles chase::stall: any channel whose map has > 1 element
// splits it in half, keeps one half, returns the other to the queue, then
// stops itself with sacrificed_channel (§4.4).
func (c *Check) Stall(channelKey string) errs.Code {
	result := make(chan errs.Code, 1)
	c.strand.Go(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		m, ok := c.inflight[channelKey]
		if !ok || len(m.Entries) <= 1 {
			result <- errs.Success
			return
		}
		mid := len(m.Entries) / 2
		returned := Map{Entries: m.Entries[mid:]}
		kept := Map{Key: channelKey, Entries: m.Entries[:mid]}
		c.inflight[channelKey] = kept
		c.maps = append([]Map{returned}, c.maps...)
		result <- errs.SacrificedChannel
	})
	code := <-result
	return code
}

// Release returns a channel's in-flight map to the queue without
// splitting (used on ordinary channel disconnect, not on stall).
func (c *Check) Release(channelKey string) {
	c.strand.Go(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		m, ok := c.inflight[channelKey]
		if !ok {
			return
		}
		delete(c.inflight, channelKey)
		if len(m.Entries) > 0 {
			c.maps = append(c.maps, m)
		}
		c.rates.Forget(channelKey)
	})
}

// Close stops the check chaser's strand.
func (c *Check) Close() { c.strand.Close() }
