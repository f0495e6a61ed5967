// Package router picks the (pool, account) pair that serves each
// request: thread affinity first, then least-connections over the
// candidates the cooldown tracker allows.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/pi-cli/amp-proxy/internal/affinity"
	"github.com/pi-cli/amp-proxy/internal/cooldown"
	"github.com/pi-cli/amp-proxy/internal/credstore"
	"github.com/pi-cli/amp-proxy/internal/provider"
)

// registry maps a client provider to its pools, in preference order.
var registry = map[string][]string{
	"anthropic": {"anthropic"},
	"openai":    {"codex"},
	"google":    {"gemini", "antigravity"},
}

// credProvider maps a pool to the credential namespace it draws from.
// Gemini and Antigravity share google credentials.
var credProvider = map[string]string{
	"anthropic":   "anthropic",
	"codex":       "codex",
	"gemini":      "google",
	"antigravity": "google",
}

// Result is one routing decision. A nil Handler means no local route;
// the caller falls back to the paid upstream.
type Result struct {
	Decision string
	Pool     string
	Account  int
	Handler  provider.Adapter
}

// Upstream is the fallback sentinel.
var Upstream = Result{Decision: provider.RouteUpstream}

type Router struct {
	adapters map[string]provider.Adapter // by pool name
	cooldown *cooldown.Tracker
	affinity *affinity.Table
	store    *credstore.Store
}

func New(adapters []provider.Adapter, cd *cooldown.Tracker, aff *affinity.Table, store *credstore.Store) *Router {
	byPool := make(map[string]provider.Adapter, len(adapters))
	for _, a := range adapters {
		byPool[a.Name()] = a
	}
	return &Router{adapters: byPool, cooldown: cd, affinity: aff, store: store}
}

// Route selects the pair for one request.
func (r *Router) Route(ctx context.Context, clientProvider, model, threadID string) Result {
	if threadID != "" {
		if pin, ok := r.affinity.Get(threadID, clientProvider); ok {
			adapter := r.adapters[pin.Pool]
			exhausted := r.cooldown.IsExhausted(pin.Pool, pin.Account)
			available := adapter != nil && adapter.IsAvailable(ctx, pin.Account)

			switch {
			case exhausted || !available:
				// The pin is dead; release it and select fresh.
				r.affinity.Clear(threadID, clientProvider)
			case r.cooldown.IsCoolingDown(pin.Pool, pin.Account):
				// Burst cooldown: route elsewhere this time but keep
				// the pin for when the account recovers.
			default:
				return Result{Decision: adapter.Route(), Pool: pin.Pool, Account: pin.Account, Handler: adapter}
			}
		}
	}

	return r.selectCandidate(ctx, clientProvider, model, threadID)
}

// RerouteAfter429 records the rate limit on the failed pair and picks
// the next candidate.
func (r *Router) RerouteAfter429(ctx context.Context, clientProvider, failedPool string, failedAccount int, retryAfter time.Duration, haveRetryAfter bool, model, threadID string) Result {
	r.cooldown.Record429(failedPool, failedAccount, retryAfter, haveRetryAfter)
	if threadID != "" && r.cooldown.IsExhausted(failedPool, failedAccount) {
		if pin, ok := r.affinity.Peek(threadID, clientProvider); ok && pin.Pool == failedPool && pin.Account == failedAccount {
			r.affinity.Clear(threadID, clientProvider)
		}
	}
	return r.selectCandidate(ctx, clientProvider, model, threadID)
}

// RerouteAfter403 disables the failed pair for the forbidden window and
// picks the next candidate. A 403 always exhausts, so a matching pin is
// released unconditionally.
func (r *Router) RerouteAfter403(ctx context.Context, clientProvider, failedPool string, failedAccount int, model, threadID string) Result {
	r.cooldown.Record403(failedPool, failedAccount)
	if threadID != "" {
		if pin, ok := r.affinity.Peek(threadID, clientProvider); ok && pin.Pool == failedPool && pin.Account == failedAccount {
			r.affinity.Clear(threadID, clientProvider)
		}
	}
	return r.selectCandidate(ctx, clientProvider, model, threadID)
}

type candidate struct {
	pool    string
	account int
	adapter provider.Adapter
}

func (r *Router) selectCandidate(ctx context.Context, clientProvider, model, threadID string) Result {
	var candidates []candidate
	for _, pool := range registry[clientProvider] {
		adapter := r.adapters[pool]
		if adapter == nil {
			continue
		}
		slots, err := r.store.GetAll(ctx, credProvider[pool])
		if err != nil {
			slog.Warn("candidate enumeration failed", "pool", pool, "error", err)
			continue
		}
		for _, slot := range slots {
			if slot.Creds.RefreshToken == "" {
				continue
			}
			if r.cooldown.IsCoolingDown(pool, slot.Account) {
				continue
			}
			candidates = append(candidates, candidate{pool: pool, account: slot.Account, adapter: adapter})
		}
	}

	if len(candidates) == 0 {
		return Upstream
	}

	best := candidates[0]
	bestCount := r.affinity.ActiveCount(best.pool, best.account)
	for _, c := range candidates[1:] {
		if n := r.affinity.ActiveCount(c.pool, c.account); n < bestCount {
			best, bestCount = c, n
		}
	}

	if threadID != "" {
		r.affinity.Set(threadID, clientProvider, best.pool, best.account)
	}
	slog.Debug("route selected", "clientProvider", clientProvider, "model", model, "pool", best.pool, "account", best.account, "activeThreads", bestCount)
	return Result{Decision: best.adapter.Route(), Pool: best.pool, Account: best.account, Handler: best.adapter}
}
