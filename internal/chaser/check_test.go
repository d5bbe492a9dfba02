package chaser

import (
	"testing"

	"github.com/blockrelay/btcnode/internal/event"
)

// organizeHeaderChain organizes n header-only blocks extending genesis,
// leaving every one of them unassociated (no block body archived), the
// state check.go's scanWindow is meant to find work in. It runs before any
// Check chaser subscribes, so none of C3's internal Bump publishes trigger
// a scan — the test controls exactly when scanWindow runs.
func organizeHeaderChain(t *testing.T, deps Deps, o *Organize, n int) {
	t.Helper()
	header := deps.Params.GenesisBlock.Header
	ts := header.Timestamp.Unix()
	for h := int32(1); h <= int32(n); h++ {
		ts += 600
		blk := childBlock(header, h, ts)
		if code := o.Organize(blk, true, ts+10); code != 0 {
			t.Fatalf("organize header %d: code %v", h, code)
		}
		header = blk.Wire.Header
	}
}

func TestScanWindowProducesDownloadMap(t *testing.T) {
	deps := newTestDeps(t)
	o := NewOrganize(deps)
	t.Cleanup(o.Close)
	organizeHeaderChain(t, deps, o, 5)

	c := NewCheck(deps)
	t.Cleanup(c.Close)
	deps.Bus.Publish(event.Event{Kind: event.Start})

	var gotMap Map
	waitFor(t, func() bool {
		m, ok := c.GetHashes("channel-a")
		if ok {
			gotMap = m
			return true
		}
		return false
	}, "a map of unassociated candidates")

	if len(gotMap.Entries) == 0 {
		t.Fatal("expected a non-empty map")
	}
	if gotMap.Key != "channel-a" {
		t.Fatalf("expected map key to be set to the requesting channel, got %q", gotMap.Key)
	}
}

func TestCheckStarvedWhenNoWork(t *testing.T) {
	deps := newTestDeps(t)
	c := NewCheck(deps)
	t.Cleanup(c.Close)

	// No candidates organized yet beyond genesis: nothing to download.
	if _, ok := c.GetHashes("channel-a"); ok {
		t.Fatal("expected starved with no unassociated candidates")
	}
}

func TestStallSplitsMapInHalf(t *testing.T) {
	deps := newTestDeps(t)
	o := NewOrganize(deps)
	t.Cleanup(o.Close)
	organizeHeaderChain(t, deps, o, 6)

	c := NewCheck(deps)
	t.Cleanup(c.Close)
	deps.Bus.Publish(event.Event{Kind: event.Start})

	var m Map
	waitFor(t, func() bool {
		got, ok := c.GetHashes("channel-a")
		if ok && len(got.Entries) >= 2 {
			m = got
			return true
		}
		if ok {
			c.Release("channel-a")
		}
		return false
	}, "a multi-entry map to stall")
	original := len(m.Entries)

	if code := c.Stall("channel-a"); code == 0 {
		t.Fatal("expected sacrificed_channel verdict from a multi-entry stall")
	}

	m2, ok := c.GetHashes("channel-b")
	if !ok {
		t.Fatal("expected the returned half of the stalled map to be available")
	}
	if len(m2.Entries) >= original {
		t.Fatalf("expected the returned half to be smaller than the original map, got %d of %d", len(m2.Entries), original)
	}
}

func TestStallOnUnknownChannelIsNoop(t *testing.T) {
	deps := newTestDeps(t)
	c := NewCheck(deps)
	t.Cleanup(c.Close)

	if code := c.Stall("unknown-channel"); code != 0 {
		t.Fatalf("expected success for an unknown/empty channel, got %v", code)
	}
}

func TestRegressedPurgesOutstandingMaps(t *testing.T) {
	deps := newTestDeps(t)
	o := NewOrganize(deps)
	t.Cleanup(o.Close)
	organizeHeaderChain(t, deps, o, 4)

	c := NewCheck(deps)
	t.Cleanup(c.Close)
	deps.Bus.Publish(event.Event{Kind: event.Start})

	waitFor(t, func() bool {
		_, ok := c.GetHashes("channel-a")
		return ok
	}, "work before regression")

	deps.Bus.PublishSync(event.Event{Kind: event.Regressed, Value: event.U32(0)})

	waitFor(t, func() bool {
		_, ok := c.GetHashes("channel-b")
		return !ok
	}, "maps purged after regressed")
}
