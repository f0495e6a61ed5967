package cooldown

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultBurstWait    = 30 * time.Second
	exhaustionThreshold = 300 * time.Second
	exhaustionWindow    = 2 * time.Hour
	forbiddenWindow     = 24 * time.Hour
	maxConsecutive429   = 3
)

// entry is the cooldown state for one (pool, account) pair. Times are
// absolute epoch milliseconds.
type entry struct {
	until          int64
	exhausted      bool
	consecutive429 int
}

// Tracker records rate-limit state per (pool, account). Entries are
// evicted lazily on read once expired.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

func key(pool string, account int) string {
	return fmt.Sprintf("%s:%d", pool, account)
}

// Record429 registers a rate limit hit. A long Retry-After or three
// consecutive hits escalate to a 2 h exhaustion; otherwise the pair
// cools down for max(retryAfter, 30 s).
func (t *Tracker) Record429(pool string, account int, retryAfter time.Duration, haveRetryAfter bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(pool, account)
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
	}
	e.consecutive429++

	now := time.Now()
	if (haveRetryAfter && retryAfter > exhaustionThreshold) || e.consecutive429 >= maxConsecutive429 {
		e.exhausted = true
		e.until = now.Add(exhaustionWindow).UnixMilli()
		slog.Warn("account exhausted", "pool", pool, "account", account, "consecutive429", e.consecutive429)
		return
	}

	wait := defaultBurstWait
	if haveRetryAfter && retryAfter > wait {
		wait = retryAfter
	}
	e.until = now.Add(wait).UnixMilli()
	slog.Debug("account cooling down", "pool", pool, "account", account, "wait", wait)
}

// Record403 disables the pair for 24 h.
func (t *Tracker) Record403(pool string, account int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[key(pool, account)] = &entry{
		until:     time.Now().Add(forbiddenWindow).UnixMilli(),
		exhausted: true,
	}
	slog.Warn("account forbidden, disabled 24h", "pool", pool, "account", account)
}

// RecordSuccess clears any cooldown state for the pair.
func (t *Tracker) RecordSuccess(pool string, account int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key(pool, account))
}

// IsCoolingDown reports whether the pair has an unexpired entry,
// exhausted or not.
func (t *Tracker) IsCoolingDown(pool string, account int) bool {
	e := t.read(pool, account)
	return e != nil
}

// IsExhausted reports whether the pair is in an exhaustion window.
func (t *Tracker) IsExhausted(pool string, account int) bool {
	e := t.read(pool, account)
	return e != nil && e.exhausted
}

// read returns the live entry for a pair, evicting it first if expired.
func (t *Tracker) read(pool string, account int) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(pool, account)
	e, ok := t.entries[k]
	if !ok {
		return nil
	}
	if time.Now().UnixMilli() >= e.until {
		delete(t.entries, k)
		return nil
	}
	return e
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or
// an HTTP-date. Anything else is unknown.
func ParseRetryAfter(h string) (time.Duration, bool) {
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(h); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
