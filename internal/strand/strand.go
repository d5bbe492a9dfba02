// Package strand provides a single-goroutine serialized executor, the Go
// analogue of the boost::asio::strand the original engine is built on
// (§5 Concurrency & Resource Model). Each chaser and the event bus own one
// Strand; any state they touch is only ever mutated from inside a job
// submitted to that Strand, so no additional locking is needed around it.
package strand

import "sync"

// Strand serializes arbitrary closures onto one worker goroutine. Jobs run
// in submission order; a job may itself submit further jobs (e.g. a
// worker-pool completion re-entering the strand), which are queued behind
// whatever is already pending.
type Strand struct {
	mailbox chan func()
	done    chan struct{}
	once    sync.Once
}

// New starts a Strand with the given mailbox depth. A depth of 0 makes Go
// every Go() call and its submitter contend on an unbuffered handoff, the
// expected default for a strand that runs only a few events per block.
func New(depth int) *Strand {
	s := &Strand{
		mailbox: make(chan func(), depth),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Strand) loop() {
	defer close(s.done)
	for fn := range s.mailbox {
		fn()
	}
}

// Go enqueues fn to run on the strand's goroutine. It does not block for fn
// to complete. Calling Go after Close panics by design: callers that Stop()
// a chaser must not keep posting to it (a stray Go after Close is always a
// lifecycle bug worth surfacing immediately rather than silently dropping
// the job).
func (s *Strand) Go(fn func()) {
	s.mailbox <- fn
}

// Sync runs fn on the strand and blocks until it completes. Used by query paths (RPC, tests) that need a
// consistent read of strand-owned state without racing the strand's writes.
func (s *Strand) Sync(fn func()) {
	wait := make(chan struct{})
	s.Go(func() {
		fn()
		close(wait)
	})
	<-wait
}

// Close drains and stops the strand, waiting for the worker goroutine to
// exit. Idempotent.
func (s *Strand) Close() {
	s.once.Do(func() {
		close(s.mailbox)
	})
	<-s.done
}
