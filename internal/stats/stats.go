package stats

import (
	"sync"
	"time"
)

const ringCapacity = 1000

// Request is one completed relay decision.
type Request struct {
	Time       time.Time `json:"ts"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Route      string    `json:"route"`
	Account    int       `json:"account"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"durationMs"`
	Model      string    `json:"model,omitempty"`
}

// Snapshot is the aggregate view served by the status endpoint.
// TotalRequests counts the process lifetime; the by-route, 429, and
// duration figures cover the ring window of recent requests.
type Snapshot struct {
	TotalRequests     int64            `json:"totalRequests"`
	RequestsByRoute   map[string]int64 `json:"requestsByRoute"`
	Count429          int64            `json:"count429"`
	AverageDurationMs int64            `json:"averageDurationMs"`
	UptimeMs          int64            `json:"uptimeMs"`
}

// Collector keeps a lifetime request counter plus a bounded ring of the
// most recent requests. Nothing is persisted.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	total     int64
	ring      []Request
	ringPos   int
	ringCount int
}

func NewCollector() *Collector {
	return &Collector{
		started: time.Now(),
		ring:    make([]Request, ringCapacity),
	}
}

func (c *Collector) Record(r Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.ring[c.ringPos] = r
	c.ringPos = (c.ringPos + 1) % ringCapacity
	if c.ringCount < ringCapacity {
		c.ringCount++
	}
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	byRoute := make(map[string]int64)
	var count429, totalDur int64
	start := (c.ringPos - c.ringCount + ringCapacity) % ringCapacity
	for i := range c.ringCount {
		r := c.ring[(start+i)%ringCapacity]
		byRoute[r.Route]++
		if r.Status == 429 {
			count429++
		}
		totalDur += r.DurationMs
	}

	var avg int64
	if c.ringCount > 0 {
		avg = totalDur / int64(c.ringCount)
	}

	return Snapshot{
		TotalRequests:     c.total,
		RequestsByRoute:   byRoute,
		Count429:          count429,
		AverageDurationMs: avg,
		UptimeMs:          time.Since(c.started).Milliseconds(),
	}
}

// Recent returns up to n of the latest requests in insertion order,
// oldest first.
func (c *Collector) Recent(n int) []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > c.ringCount {
		n = c.ringCount
	}
	result := make([]Request, n)
	start := (c.ringPos - n + ringCapacity) % ringCapacity
	for i := range n {
		result[i] = c.ring[(start+i)%ringCapacity]
	}
	return result
}
