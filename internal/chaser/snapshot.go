package chaser

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/internal/errs"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/strand"
)

// Snapshot is C7: takes cold/hot snapshots on policy triggers and prunes
// once the chain has coalesced (§4.7).
type Snapshot struct {
	deps      Deps
	strand    *strand.Strand
	log       *logrus.Entry
	dir       string
	coalesced bool
	pruned    bool
	suspended bool
}

// NewSnapshot builds the snapshot chaser and subscribes it to the bus.
// dir is the directory under which height-named snapshot subdirectories are
// written (e.g. <dir>/snapshot-<height>).
func NewSnapshot(deps Deps, dir string) *Snapshot {
	s := &Snapshot{
		deps: deps,
		strand: strand.New(64),
		log:  componentLog("snapshot"),
		dir:  dir,
	}
	deps.Bus.Subscribe(s.onEvent)
	return s
}

func (s *Snapshot) onEvent(ev event.Event) bool {
	switch ev.Kind {
	case event.Block:
		s.strand.Go(s.maybePrune)
	case event.Snap:
		height := int32(ev.Value.U32())
		s.strand.Go(func() { s.snap(height) })
	case event.Resume:
		s.strand.Go(s.resumeIfIdle)
	case event.Stop:
		return false
	}
	return true
}

// MarkCoalesced sets is_coalesced (§4.7) and runs maybePrune. The node
// calls it on every organize Bump, i.e. whenever the candidate tip is
// current; a bare store facade has no notion of "caught up with the
// network", so the node layer — which owns peer state — is the caller.
func (s *Snapshot) MarkCoalesced() {
	s.strand.Go(func() {
		s.coalesced = true
		s.maybePrune()
	})
}

// maybePrune handles §4.7 "Prune": the first time it runs after
// MarkCoalesced it marks the one-shot prune as done, logs it, and resumes
// channels suspended meanwhile. It deletes no store data. Before
// coalescing, and after the first prune, it does nothing.
func (s *Snapshot) maybePrune() {
	if !s.coalesced || s.pruned {
		return
	}
	s.pruned = true
	s.log.Info("pruning prevout cache: chain coalesced")
	if s.suspended {
		s.resume()
	}
}

// snap takes a store snapshot at height (§4.7 "Snap"). onProgress suspends
// peer channels when the store reports wait_lock; after a successful
// snapshot they are resumed unless the store is full. After a failed
// snapshot they stay suspended until a Resume event.
func (s *Snapshot) snap(height int32) {
	dir := filepath.Join(s.dir, snapshotName(height))
	err := s.deps.Store.Snapshot(dir, s.onProgress)
	if err != nil {
		if s.deps.Store.GetFault() == errs.FlushLock {
			s.suspend()
			return
		}
		s.log.WithError(err).Warn("snapshot failed")
		return
	}
	if !s.deps.Store.IsFull() {
		s.resumeIfIdle()
	}
}

func (s *Snapshot) onProgress(evt, table string) {
	s.log.WithFields(logrus.Fields{"event": evt, "table": table}).Debug("snapshot progress")
	if evt == "wait_lock" {
		s.suspend()
	}
}

func (s *Snapshot) suspend() {
	s.suspended = true
	s.deps.Bus.Publish(event.Event{Kind: event.Suspend, Code: errs.FlushLock})
}

func (s *Snapshot) resumeIfIdle() {
	if s.suspended {
		s.resume()
	}
}

func (s *Snapshot) resume() {
	s.suspended = false
	s.deps.Bus.Publish(event.Event{Kind: event.Resume})
}

func snapshotName(height int32) string {
	return fmt.Sprintf("snapshot-%d", height)
}

// Close stops the snapshot chaser's strand.
func (s *Snapshot) Close() { s.strand.Close() }
