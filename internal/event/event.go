// Package event implements the process-wide publish/subscribe event bus
// (C1, §4.1), generalizing the teacher's events.Emitter from an
// unserialized RWMutex map into a strand-owned subscriber list so that
// publication and delivery happen in one total order, as §5 requires.
package event

import (
	"github.com/blockrelay/btcnode/internal/errs"
	"github.com/blockrelay/btcnode/internal/strand"
)

// Kind is drawn from the enumeration of §4.1.
type Kind int

const (
	Start Kind = iota
	Bump
	Headers
	Download
	Checked
	Unchecked
	Valid
	Unvalid
	Confirmable
	Unconfirmable
	Organized
	Reorganized
	Regressed
	Disorganized
	Block
	Purge
	Split
	Stall
	Starved
	Snap
	Resume
	Suspend
	Space
	Report
	Stop
)

var kindNames = [...]string{
	"start", "bump", "headers", "download", "checked", "unchecked", "valid",
	"unvalid", "confirmable", "unconfirmable", "organized", "reorganized",
	"regressed", "disorganized", "block", "purge", "split", "stall",
	"starved", "snap", "resume", "suspend", "space", "report", "stop",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is the tagged union of §9: a u32 height/link, a u64 work/byte
// count, or a size (used interchangeably with u64 on every platform this
// engine targets, but kept distinct so a consumer can assert the width it
// expects per event kind, as the design notes require).
type Value struct {
	tag   valueTag
	u32   uint32
	u64   uint64
	sized uint64
}

type valueTag int

const (
	tagEmpty valueTag = iota
	tagU32
	tagU64
	tagSize
)

func Empty() Value                { return Value{tag: tagEmpty} }
func U32(v uint32) Value          { return Value{tag: tagU32, u32: v} }
func U64(v uint64) Value          { return Value{tag: tagU64, u64: v} }
func Size(v uint64) Value         { return Value{tag: tagSize, sized: v} }
func (v Value) IsEmpty() bool     { return v.tag == tagEmpty }
func (v Value) U32() uint32       { return v.u32 }
func (v Value) U64() uint64       { return v.u64 }
func (v Value) Size() uint64      { return v.sized }

// Event is a single published notification: a kind, a value, and an error
// code (every event carries one, even Success).
type Event struct {
	Kind  Kind
	Value Value
	Code  errs.Code
}

// Handler processes one Event. Returning false unsubscribes the handler.
type Handler func(Event) bool

// subscription pairs a handler with an optional key, used by notify_one for
// channel-targeted delivery (e.g. shutdown of a single channel).
type subscription struct {
	key     any
	keyed   bool
	handler Handler
}

// Bus is the strand-owned subscriber list. All Subscribe/Publish/NotifyOne
// calls are marshaled onto one goroutine, so handlers never race each other
// and always observe events in publication order (§5).
type Bus struct {
	strand *strand.Strand
	subs   []subscription
}

// New creates a Bus with its own owning strand.
func New() *Bus {
	return &Bus{strand: strand.New(64)}
}

// Subscribe registers h for every event published after this call returns.
// Events published during Bus construction are not retroactively
// delivered; callers rely on a Start/Bump event to re-kick pipelines after
// subscribing, per §4.1.
func (b *Bus) Subscribe(h Handler) {
	b.strand.Sync(func() {
		b.subs = append(b.subs, subscription{handler: h})
	})
}

// SubscribeKeyed registers h to receive both broadcast Publish events and
// any NotifyOne(key, ...) events addressed to key.
func (b *Bus) SubscribeKeyed(key any, h Handler) {
	b.strand.Sync(func() {
		b.subs = append(b.subs, subscription{key: key, keyed: true, handler: h})
	})
}

// Publish delivers ev to every subscriber, in subscription order, on the
// bus's strand. It does not block the caller for delivery to complete.
func (b *Bus) Publish(ev Event) {
	b.strand.Go(func() {
		b.deliver(ev, nil)
	})
}

// PublishSync is like Publish but blocks until every handler has run. Used
// by shutdown (Stop) so the caller knows every chaser has seen it.
func (b *Bus) PublishSync(ev Event) {
	b.strand.Sync(func() {
		b.deliver(ev, nil)
	})
}

// NotifyOne delivers ev only to the keyed subscription registered for key,
// used to stop a single channel (e.g. service_stopped) without touching
// every other subscriber (§4.1).
func (b *Bus) NotifyOne(key any, ev Event) {
	b.strand.Go(func() {
		b.deliver(ev, &key)
	})
}

func (b *Bus) deliver(ev Event, key *any) {
	kept := b.subs[:0]
	for _, s := range b.subs {
		if key != nil {
			if !s.keyed || s.key != *key {
				kept = append(kept, s)
				continue
			}
		}
		if s.handler(ev) {
			kept = append(kept, s)
		}
		// handler returned false: drop (unsubscribe), matching P7's
		// "late subscriber after stop" semantics when combined with
		// NotifyOne during shutdown.
	}
	b.subs = kept
}

// Close stops the bus's strand. Any Publish/NotifyOne call issued after
// Close panics on the strand's closed mailbox and so must not happen;
// callers close the bus only after every chaser has stopped.
func (b *Bus) Close() {
	b.strand.Close()
}
