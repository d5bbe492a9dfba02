// Package chaser implements the five strand-serialized workers of §4.3-4.7:
// organize, check, validate, confirm, and snapshot. Each owns a strand
// (internal/strand), subscribes to the event bus (internal/event), and
// drives or reacts to the store facade (internal/store). The pattern —
// a long-lived worker with its own single-goroutine mailbox reacting to a
// shared pub/sub bus — is grounded on the teacher's network.Syncer
// (network/sync.go), generalized from one syncer per node to one strand
// per pipeline stage.
package chaser

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/config"
	"github.com/blockrelay/btcnode/internal/consensus"
	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/store"
)

// Deps bundles the collaborators every chaser is built from, avoiding a
// five-argument constructor repeated five times.
type Deps struct {
	Bus     *event.Bus
	Store   *store.Archive
	Checker consensus.Checker
	Cfg     *config.Config
	Params  *chaincfg.Params
}

func componentLog(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// isCurrent reports whether timestamp (unix seconds) is within the
// configured currency window of now, the "current" predicate §4.3 step 4
// and §4.4's inventory sizing both depend on.
func isCurrent(cfg *config.Config, timestamp, now int64) bool {
	window := int64(cfg.Node.CurrencyWindowMinutes) * 60
	if window <= 0 {
		window = 60 * 60
	}
	return now-timestamp <= window
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
