package chaser

import (
	"sync"
	"time"
)

// reservation tracks one channel's download rate: a rolling window of
// bytes received over elapsed time. Grounded on the original_source's
// src/utility/reservation.cpp / reservations.cpp (see SPEC_FULL's
// "Reservation/performance tracking" supplement): the check chaser uses
// each channel's rate, not just its outstanding map size, to decide which
// channel to shrink on a stall. Map sizing does not consult rates.
type reservation struct {
	mu        sync.Mutex
	bytes     uint64
	started   time.Time
	lastRate  float64 // bytes/second, updated on each Settle
}

func newReservation() *reservation {
	return &reservation{started: time.Now()}
}

// Add records bytes just received toward this channel's current window.
func (r *reservation) Add(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += n
}

// Settle closes the current window, folds it into lastRate (an
// exponential moving average so one slow block doesn't permanently tank a
// channel's standing), and starts a fresh window.
func (r *reservation) Settle() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	elapsed := time.Since(r.started).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	rate := float64(r.bytes) / elapsed
	if r.lastRate == 0 {
		r.lastRate = rate
	} else {
		r.lastRate = 0.5*r.lastRate + 0.5*rate
	}
	r.bytes = 0
	r.started = time.Now()
	return r.lastRate
}

// Rate reports the last settled rate without starting a new window.
func (r *reservation) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRate
}

// reservations is the check chaser's per-channel rate table, keyed by
// channel identity. A new channel starts at rate 0, the weakest standing,
// so Slowest ranks a freshly connected peer first until it has a settled
// rate above 0.
type reservations struct {
	mu    sync.Mutex
	table map[string]*reservation
}

func newReservations() *reservations {
	return &reservations{table: make(map[string]*reservation)}
}

func (r *reservations) get(key string) *reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.table[key]
	if !ok {
		res = newReservation()
		r.table[key] = res
	}
	return res
}

// Record folds n received bytes into key's window.
func (r *reservations) Record(key string, n uint64) {
	r.get(key).Add(n)
}

// Slowest returns the channel key with the lowest settled rate among
// candidates, used by the check chaser to pick which channel to ask to
// split first when more than one is eligible (S6: "asks slower channels
// to split").
func (r *reservations) Slowest(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	slowest := candidates[0]
	best := r.get(slowest).Rate()
	for _, key := range candidates[1:] {
		rate := r.get(key).Rate()
		if rate < best {
			best = rate
			slowest = key
		}
	}
	return slowest
}

// Forget drops key's window, used on channel disconnect/purge so a dead
// channel's stale rate never influences Slowest.
func (r *reservations) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, key)
}
