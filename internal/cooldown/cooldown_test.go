package cooldown

import (
	"net/http"
	"testing"
	"time"
)

func TestBurst429DefaultWait(t *testing.T) {
	tr := NewTracker()

	before := time.Now().Add(defaultBurstWait).UnixMilli()
	tr.Record429("anthropic", 0, 0, false)
	after := time.Now().Add(defaultBurstWait).UnixMilli()

	if !tr.IsCoolingDown("anthropic", 0) {
		t.Fatal("account should be cooling down after a 429")
	}
	if tr.IsExhausted("anthropic", 0) {
		t.Fatal("single burst 429 should not exhaust")
	}

	e := tr.entries[key("anthropic", 0)]
	if e.until < before || e.until > after {
		t.Fatalf("until=%d outside expected 30s window [%d,%d]", e.until, before, after)
	}
}

func TestRetryAfterExtendsWait(t *testing.T) {
	tr := NewTracker()

	tr.Record429("codex", 1, 90*time.Second, true)

	e := tr.entries[key("codex", 1)]
	want := time.Now().Add(90 * time.Second).UnixMilli()
	if diff := want - e.until; diff < -1000 || diff > 1000 {
		t.Fatalf("until should track retryAfter, got diff %dms", diff)
	}
	if e.exhausted {
		t.Fatal("90s retryAfter should not exhaust")
	}
}

func TestShortRetryAfterClampedToMinimum(t *testing.T) {
	tr := NewTracker()

	tr.Record429("codex", 0, 2*time.Second, true)

	e := tr.entries[key("codex", 0)]
	want := time.Now().Add(defaultBurstWait).UnixMilli()
	if diff := want - e.until; diff < -1000 || diff > 1000 {
		t.Fatalf("wait below 30s should clamp to 30s, got diff %dms", diff)
	}
}

func TestLongRetryAfterExhausts(t *testing.T) {
	tr := NewTracker()

	tr.Record429("anthropic", 2, 600*time.Second, true)

	if !tr.IsExhausted("anthropic", 2) {
		t.Fatal("retryAfter > 300s should exhaust immediately")
	}
	e := tr.entries[key("anthropic", 2)]
	want := time.Now().Add(exhaustionWindow).UnixMilli()
	if diff := want - e.until; diff < -1000 || diff > 1000 {
		t.Fatalf("exhaustion should last 2h, got diff %dms", diff)
	}
}

func TestThreeConsecutive429sExhaust(t *testing.T) {
	tr := NewTracker()

	tr.Record429("anthropic", 0, 0, false)
	if tr.IsExhausted("anthropic", 0) {
		t.Fatal("exhausted after one 429")
	}
	tr.Record429("anthropic", 0, 0, false)
	if tr.IsExhausted("anthropic", 0) {
		t.Fatal("exhausted after two 429s")
	}
	tr.Record429("anthropic", 0, 0, false)
	if !tr.IsExhausted("anthropic", 0) {
		t.Fatal("three consecutive 429s should exhaust")
	}

	e := tr.entries[key("anthropic", 0)]
	want := time.Now().Add(exhaustionWindow).UnixMilli()
	if diff := want - e.until; diff < -1000 || diff > 1000 {
		t.Fatalf("exhaustion should last 2h, got diff %dms", diff)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	tr := NewTracker()

	tr.Record429("google", 0, 0, false)
	tr.Record429("google", 0, 0, false)
	tr.RecordSuccess("google", 0)

	if tr.IsCoolingDown("google", 0) {
		t.Fatal("success should clear cooldown state")
	}

	tr.Record429("google", 0, 0, false)
	tr.Record429("google", 0, 0, false)
	if tr.IsExhausted("google", 0) {
		t.Fatal("counter should restart after success")
	}
}

func TestRecord403Disables24h(t *testing.T) {
	tr := NewTracker()

	tr.Record403("codex", 3)

	if !tr.IsExhausted("codex", 3) {
		t.Fatal("403 should exhaust the account")
	}
	e := tr.entries[key("codex", 3)]
	want := time.Now().Add(forbiddenWindow).UnixMilli()
	if diff := want - e.until; diff < -1000 || diff > 1000 {
		t.Fatalf("403 window should be 24h, got diff %dms", diff)
	}
}

func TestExpiredEntryEvictedOnRead(t *testing.T) {
	tr := NewTracker()

	tr.entries[key("anthropic", 0)] = &entry{
		until:     time.Now().Add(-time.Second).UnixMilli(),
		exhausted: true,
	}

	if tr.IsCoolingDown("anthropic", 0) {
		t.Fatal("expired entry should not count as cooling down")
	}
	if _, ok := tr.entries[key("anthropic", 0)]; ok {
		t.Fatal("expired entry should be evicted on read")
	}
}

func TestPairsAreIndependent(t *testing.T) {
	tr := NewTracker()

	tr.Record403("anthropic", 0)

	if tr.IsCoolingDown("anthropic", 1) {
		t.Fatal("other account in the same pool should be unaffected")
	}
	if tr.IsCoolingDown("codex", 0) {
		t.Fatal("same account number in another pool should be unaffected")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := ParseRetryAfter("120"); !ok || d != 120*time.Second {
		t.Fatalf("integer seconds: got %v %v", d, ok)
	}

	date := time.Now().Add(45 * time.Second).UTC().Format(http.TimeFormat)
	if d, ok := ParseRetryAfter(date); !ok || d < 43*time.Second || d > 46*time.Second {
		t.Fatalf("http date: got %v %v", d, ok)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if d, ok := ParseRetryAfter(past); !ok || d != 0 {
		t.Fatalf("past http date should clamp to 0: got %v %v", d, ok)
	}

	for _, bad := range []string{"", "soon", "-5"} {
		if _, ok := ParseRetryAfter(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}
