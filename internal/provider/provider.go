// Package provider binds the proxy to each LLM backend: request
// signing, path and header mapping, and the per-provider stream
// rewrites.
package provider

import (
	"context"
	"net/http"
)

// Request carries everything an adapter needs to forward one relayed
// call.
type Request struct {
	Sub      string // subpath after /api/provider/<clientProvider>
	Method   string
	Body     []byte
	Header   http.Header // inbound client headers
	Model    string      // client-requested model, for rewrites
	Stream   bool
	ThreadID string
	Account  int
}

// Adapter is one backend binding. Forward returns a response whose
// body is already stream-rewritten when the exchange is SSE.
type Adapter interface {
	Name() string  // pool name: anthropic, codex, gemini, antigravity
	Route() string // decision tag for logging and stats
	IsAvailable(ctx context.Context, account int) bool
	AccountCount(ctx context.Context) int
	Forward(ctx context.Context, req *Request) (*http.Response, error)
}

// Route decision tags.
const (
	RouteClaude      = "LOCAL_CLAUDE"
	RouteCodex       = "LOCAL_CODEX"
	RouteGemini      = "LOCAL_GEMINI"
	RouteAntigravity = "LOCAL_ANTIGRAVITY"
	RouteUpstream    = "AMP_UPSTREAM"
)
