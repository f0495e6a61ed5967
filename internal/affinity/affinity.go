package affinity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	entryTTL        = 2 * time.Hour
	cleanupInterval = 10 * time.Minute
)

// Binding pins a conversation thread to one (pool, account) pair.
type Binding struct {
	Pool       string
	Account    int
	AssignedAt time.Time
}

type record struct {
	Binding
	lastSeen time.Time
}

// Table maps (threadID, clientProvider) to an account binding and keeps
// a live-thread count per (pool, account) so the router can balance by
// least connections. Both structures change under one lock.
type Table struct {
	mu      sync.Mutex
	entries map[string]*record
	counts  map[string]int
}

func NewTable() *Table {
	return &Table{
		entries: make(map[string]*record),
		counts:  make(map[string]int),
	}
}

func entryKey(threadID, clientProvider string) string {
	return threadID + "|" + clientProvider
}

func countKey(pool string, account int) string {
	return fmt.Sprintf("%s:%d", pool, account)
}

// Get returns the binding for a thread and refreshes its TTL. Expired
// entries read as absent.
func (t *Table) Get(threadID, clientProvider string) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := entryKey(threadID, clientProvider)
	r, ok := t.entries[k]
	if !ok {
		return Binding{}, false
	}
	if time.Since(r.lastSeen) > entryTTL {
		t.dropLocked(k, r)
		return Binding{}, false
	}
	r.lastSeen = time.Now()
	return r.Binding, true
}

// Peek is Get without the TTL refresh.
func (t *Table) Peek(threadID, clientProvider string) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := entryKey(threadID, clientProvider)
	r, ok := t.entries[k]
	if !ok || time.Since(r.lastSeen) > entryTTL {
		return Binding{}, false
	}
	return r.Binding, true
}

// Set binds a thread to an account, replacing any previous binding and
// moving the count with it.
func (t *Table) Set(threadID, clientProvider, pool string, account int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := entryKey(threadID, clientProvider)
	if old, ok := t.entries[k]; ok {
		t.decrementLocked(countKey(old.Pool, old.Account))
	}

	now := time.Now()
	t.entries[k] = &record{
		Binding:  Binding{Pool: pool, Account: account, AssignedAt: now},
		lastSeen: now,
	}
	t.counts[countKey(pool, account)]++
}

// Clear removes a thread's binding.
func (t *Table) Clear(threadID, clientProvider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := entryKey(threadID, clientProvider)
	if r, ok := t.entries[k]; ok {
		t.dropLocked(k, r)
	}
}

// ActiveCount returns the number of live threads bound to the pair.
func (t *Table) ActiveCount(pool string, account int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[countKey(pool, account)]
}

// StartCleanup evicts expired bindings every 10 minutes until the
// context is done.
func (t *Table) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.sweep(); n > 0 {
					slog.Debug("affinity cleanup", "evicted", n)
				}
			}
		}
	}()
}

func (t *Table) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted int
	for k, r := range t.entries {
		if time.Since(r.lastSeen) > entryTTL {
			t.dropLocked(k, r)
			evicted++
		}
	}
	return evicted
}

func (t *Table) dropLocked(k string, r *record) {
	delete(t.entries, k)
	t.decrementLocked(countKey(r.Pool, r.Account))
}

func (t *Table) decrementLocked(ck string) {
	if t.counts[ck] <= 1 {
		delete(t.counts, ck)
		return
	}
	t.counts[ck]--
}
