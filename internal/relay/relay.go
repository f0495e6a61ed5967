// Package relay drives a routed request through the retry and reroute
// state machine: cache-preserving same-account retry on short rate
// limits, account rotation on hard ones, upstream fallback when the
// local pools are spent.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pi-cli/amp-proxy/internal/cooldown"
	"github.com/pi-cli/amp-proxy/internal/provider"
	"github.com/pi-cli/amp-proxy/internal/router"
)

const (
	cachePreserveWaitMax = 10 * time.Second
	maxRerouteAttempts   = 4
)

// Outcome is a locally served response. A nil Outcome tells the caller
// to fall back to the paid upstream.
type Outcome struct {
	Resp    *http.Response
	Route   string
	Pool    string
	Account int
}

type Engine struct {
	router   *router.Router
	cooldown *cooldown.Tracker
}

func NewEngine(r *router.Router, cd *cooldown.Tracker) *Engine {
	return &Engine{router: r, cooldown: cd}
}

// failure is the outcome that drives the next reroute step.
type failure struct {
	route          router.Result
	status         int
	retryAfter     time.Duration
	haveRetryAfter bool
}

// Do routes and forwards one request. The provider.Request's Account
// field is owned by this method.
func (e *Engine) Do(ctx context.Context, clientProvider string, preq *provider.Request, threadID string) *Outcome {
	route := e.router.Route(ctx, clientProvider, preq.Model, threadID)
	if route.Handler == nil {
		slog.Info("no local route", "clientProvider", clientProvider, "model", preq.Model, "decision", provider.RouteUpstream)
		return nil
	}

	resp, ok := e.forward(ctx, route, preq)
	if !ok {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		// Credentials may be server-revoked; the paid upstream still
		// works, so this is a soft failure.
		slog.Debug("local 401, falling back", "pool", route.Pool, "account", route.Account)
		resp.Body.Close()
		return nil

	case http.StatusForbidden:
		resp.Body.Close()
		return e.reroute(ctx, clientProvider, failure{route: route, status: http.StatusForbidden}, preq, threadID)

	case http.StatusTooManyRequests:
		return e.handle429(ctx, clientProvider, route, preq, resp, threadID)

	default:
		e.cooldown.RecordSuccess(route.Pool, route.Account)
		return &Outcome{Resp: resp, Route: route.Decision, Pool: route.Pool, Account: route.Account}
	}
}

// handle429 runs the rate-limit branch: one optional cache-preserving
// retry on the same account, then rotation.
func (e *Engine) handle429(ctx context.Context, clientProvider string, route router.Result, preq *provider.Request, resp *http.Response, threadID string) *Outcome {
	retryAfter, haveRetryAfter := cooldown.ParseRetryAfter(resp.Header.Get("Retry-After"))
	resp.Body.Close()

	// A short Retry-After is worth waiting out on the same account; a
	// reroute would cold-start the provider's prompt cache. The hit is
	// recorded up front so consecutive counting sees it.
	if haveRetryAfter && retryAfter <= cachePreserveWaitMax {
		e.cooldown.Record429(route.Pool, route.Account, retryAfter, haveRetryAfter)
		slog.Info("429 with short retry-after, preserving cache", "pool", route.Pool, "account", route.Account, "wait", retryAfter)
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil
		}

		retryResp, ok := e.forward(ctx, route, preq)
		if !ok {
			return nil
		}
		switch retryResp.StatusCode {
		case http.StatusUnauthorized:
			retryResp.Body.Close()
			return nil
		case http.StatusForbidden:
			retryResp.Body.Close()
			return e.reroute(ctx, clientProvider, failure{route: route, status: http.StatusForbidden}, preq, threadID)
		case http.StatusTooManyRequests:
			retryAfter, haveRetryAfter = cooldown.ParseRetryAfter(retryResp.Header.Get("Retry-After"))
			retryResp.Body.Close()
		default:
			e.cooldown.RecordSuccess(route.Pool, route.Account)
			return &Outcome{Resp: retryResp, Route: route.Decision, Pool: route.Pool, Account: route.Account}
		}
	}

	return e.reroute(ctx, clientProvider, failure{
		route:          route,
		status:         http.StatusTooManyRequests,
		retryAfter:     retryAfter,
		haveRetryAfter: haveRetryAfter,
	}, preq, threadID)
}

// reroute records the failure on its pair and rotates through the
// remaining candidates, up to maxRerouteAttempts.
func (e *Engine) reroute(ctx context.Context, clientProvider string, failed failure, preq *provider.Request, threadID string) *Outcome {
	for attempt := 1; attempt <= maxRerouteAttempts; attempt++ {
		var next router.Result
		if failed.status == http.StatusForbidden {
			next = e.router.RerouteAfter403(ctx, clientProvider, failed.route.Pool, failed.route.Account, preq.Model, threadID)
		} else {
			next = e.router.RerouteAfter429(ctx, clientProvider, failed.route.Pool, failed.route.Account, failed.retryAfter, failed.haveRetryAfter, preq.Model, threadID)
		}
		if next.Handler == nil {
			slog.Info("reroute exhausted candidates, falling back", "clientProvider", clientProvider, "attempt", attempt)
			return nil
		}
		slog.Info("rerouting", "status", failed.status, "from", failed.route.Pool, "fromAccount", failed.route.Account, "to", next.Pool, "toAccount", next.Account, "attempt", attempt)

		resp, ok := e.forward(ctx, next, preq)
		if !ok {
			return nil
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			resp.Body.Close()
			return nil
		case http.StatusForbidden:
			resp.Body.Close()
			failed = failure{route: next, status: http.StatusForbidden}
		case http.StatusTooManyRequests:
			retryAfter, haveRetryAfter := cooldown.ParseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			failed = failure{
				route:          next,
				status:         http.StatusTooManyRequests,
				retryAfter:     retryAfter,
				haveRetryAfter: haveRetryAfter,
			}
		default:
			e.cooldown.RecordSuccess(next.Pool, next.Account)
			return &Outcome{Resp: resp, Route: next.Decision, Pool: next.Pool, Account: next.Account}
		}
	}

	slog.Warn("reroute attempts exhausted, falling back", "clientProvider", clientProvider)
	return nil
}

func (e *Engine) forward(ctx context.Context, route router.Result, preq *provider.Request) (*http.Response, bool) {
	preq.Account = route.Account
	resp, err := route.Handler.Forward(ctx, preq)
	if err != nil {
		slog.Warn("adapter forward failed", "pool", route.Pool, "account", route.Account, "error", err)
		return nil, false
	}
	return resp, true
}
