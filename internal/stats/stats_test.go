package stats

import (
	"fmt"
	"testing"
)

func TestSnapshotAggregates(t *testing.T) {
	c := NewCollector()

	c.Record(Request{Route: "LOCAL_CLAUDE", Status: 200, DurationMs: 100})
	c.Record(Request{Route: "LOCAL_CLAUDE", Status: 429, DurationMs: 50})
	c.Record(Request{Route: "AMP_UPSTREAM", Status: 200, DurationMs: 150})

	s := c.Snapshot()
	if s.TotalRequests != 3 {
		t.Fatalf("total = %d, want 3", s.TotalRequests)
	}
	if s.RequestsByRoute["LOCAL_CLAUDE"] != 2 || s.RequestsByRoute["AMP_UPSTREAM"] != 1 {
		t.Fatalf("byRoute = %v", s.RequestsByRoute)
	}
	if s.Count429 != 1 {
		t.Fatalf("count429 = %d, want 1", s.Count429)
	}
	if s.AverageDurationMs != 100 {
		t.Fatalf("averageDurationMs = %d, want 100", s.AverageDurationMs)
	}
	if s.UptimeMs < 0 {
		t.Fatalf("uptime negative: %d", s.UptimeMs)
	}
}

func TestRecentInsertionOrder(t *testing.T) {
	c := NewCollector()

	for i := range 5 {
		c.Record(Request{Path: fmt.Sprintf("/p/%d", i), Status: 200})
	}

	recent := c.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	for i, want := range []string{"/p/2", "/p/3", "/p/4"} {
		if recent[i].Path != want {
			t.Fatalf("recent[%d] = %q, want %q", i, recent[i].Path, want)
		}
	}
}

func TestRingBounded(t *testing.T) {
	c := NewCollector()

	for i := range ringCapacity + 50 {
		c.Record(Request{Path: fmt.Sprintf("/p/%d", i), Status: 200})
	}

	recent := c.Recent(0)
	if len(recent) != ringCapacity {
		t.Fatalf("ring holds %d, want %d", len(recent), ringCapacity)
	}
	// Oldest surviving entry is the 50th record; the last is the newest.
	if recent[0].Path != "/p/50" {
		t.Fatalf("oldest = %q", recent[0].Path)
	}
	if recent[len(recent)-1].Path != fmt.Sprintf("/p/%d", ringCapacity+49) {
		t.Fatalf("newest = %q", recent[len(recent)-1].Path)
	}

	s := c.Snapshot()
	if s.TotalRequests != ringCapacity+50 {
		t.Fatalf("lifetime total should outlive the ring, total = %d", s.TotalRequests)
	}
}

func TestSnapshotWindowAfterWraparound(t *testing.T) {
	c := NewCollector()

	// These fall out of the ring once it wraps.
	for range 50 {
		c.Record(Request{Route: "AMP_UPSTREAM", Status: 429, DurationMs: 999})
	}
	for range ringCapacity {
		c.Record(Request{Route: "LOCAL_CODEX", Status: 200, DurationMs: 10})
	}

	s := c.Snapshot()
	if s.TotalRequests != ringCapacity+50 {
		t.Fatalf("total = %d", s.TotalRequests)
	}
	if s.RequestsByRoute["AMP_UPSTREAM"] != 0 {
		t.Fatalf("evicted entries still counted: %v", s.RequestsByRoute)
	}
	if s.RequestsByRoute["LOCAL_CODEX"] != ringCapacity {
		t.Fatalf("byRoute = %v", s.RequestsByRoute)
	}
	if s.Count429 != 0 {
		t.Fatalf("count429 = %d, want 0 in window", s.Count429)
	}
	if s.AverageDurationMs != 10 {
		t.Fatalf("averageDurationMs = %d, want 10", s.AverageDurationMs)
	}
}

func TestSnapshotCopiesRouteMap(t *testing.T) {
	c := NewCollector()
	c.Record(Request{Route: "LOCAL_CODEX", Status: 200})

	s := c.Snapshot()
	s.RequestsByRoute["LOCAL_CODEX"] = 99

	if got := c.Snapshot().RequestsByRoute["LOCAL_CODEX"]; got != 1 {
		t.Fatalf("snapshot must not alias internal state, got %d", got)
	}
}
