package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/pi-cli/amp-proxy/internal/credstore"
	"github.com/pi-cli/amp-proxy/internal/oauth"
	"github.com/pi-cli/amp-proxy/internal/rewrite"
	"github.com/pi-cli/amp-proxy/internal/sse"
	"github.com/pi-cli/amp-proxy/internal/transport"
)

const anthropicBaseURL = "https://api.anthropic.com"

// fixedBetas is always sent; the client's own anthropic-beta features
// are unioned in, minus the denylist.
var fixedBetas = []string{
	"claude-code-20250219",
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"prompt-caching-scope-2026-01-05",
}

var betaDenylist = map[string]bool{
	"context-1m-2025-08-07": true,
}

type Anthropic struct {
	engine     *oauth.Engine
	store      *credstore.Store
	transports *transport.Manager
}

func NewAnthropic(engine *oauth.Engine, store *credstore.Store, transports *transport.Manager) *Anthropic {
	return &Anthropic{engine: engine, store: store, transports: transports}
}

func (a *Anthropic) Name() string  { return "anthropic" }
func (a *Anthropic) Route() string { return RouteClaude }

func (a *Anthropic) IsAvailable(ctx context.Context, account int) bool {
	creds, err := a.store.Get(ctx, "anthropic", account)
	return err == nil && creds != nil && creds.RefreshToken != ""
}

func (a *Anthropic) AccountCount(ctx context.Context) int {
	return a.engine.AccountCount(ctx, oauth.Anthropic)
}

func (a *Anthropic) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	token, err := a.engine.Token(ctx, oauth.Anthropic, req.Account)
	if err != nil {
		return errorResponse(http.StatusUnauthorized, "no usable anthropic token"), nil
	}

	headers := map[string]string{
		"Authorization":               "Bearer " + token,
		"Content-Type":                "application/json",
		"Anthropic-Version":           "2023-06-01",
		"Anthropic-Beta":              betaHeader(req.Header.Get("anthropic-beta")),
		"User-Agent":                  "claude-cli/1.0.83 (external, cli)",
		"X-App":                       "cli",
		"X-Stainless-Lang":            "js",
		"X-Stainless-Package-Version": "0.55.1",
		"X-Stainless-OS":              "MacOS",
		"X-Stainless-Arch":            "arm64",
		"X-Stainless-Runtime":         "node",
		"X-Stainless-Runtime-Version": "v20.18.1",
		"Accept":                      "application/json",
	}
	headers["Anthropic-Dangerous-Direct-Browser-Access"] = "true"
	if req.Stream {
		headers["Accept"] = "text/event-stream"
	}

	model := req.Model
	return forward(ctx, forwardOptions{
		url:     anthropicBaseURL + req.Sub,
		method:  req.Method,
		headers: headers,
		body:    req.Body,
		stream:  req.Stream,
		client:  a.transports.StreamClient(),
		rewrite: func(block string) string {
			c, ok := sse.Parse(block)
			if !ok {
				return block + "\n\n"
			}
			c.Data = rewrite.SuppressThinking(rewrite.SubstituteModel(c.Data, model))
			return c.Encode()
		},
	})
}

// betaHeader unions the fixed feature set with the client's, dropping
// denylisted features and duplicates. Fixed features come first.
func betaHeader(clientBetas string) string {
	seen := make(map[string]bool)
	var out []string
	add := func(beta string) {
		beta = strings.TrimSpace(beta)
		if beta == "" || seen[beta] || betaDenylist[beta] {
			return
		}
		seen[beta] = true
		out = append(out, beta)
	}
	for _, b := range fixedBetas {
		add(b)
	}
	for _, b := range strings.Split(clientBetas, ",") {
		add(b)
	}
	return strings.Join(out, ",")
}
