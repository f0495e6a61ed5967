package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/pi-cli/amp-proxy/internal/credstore"
	"github.com/pi-cli/amp-proxy/internal/oauth"
	"github.com/pi-cli/amp-proxy/internal/rewrite"
	"github.com/pi-cli/amp-proxy/internal/sse"
	"github.com/pi-cli/amp-proxy/internal/transcode"
	"github.com/pi-cli/amp-proxy/internal/transport"
)

const (
	codexBaseURL   = "https://chatgpt.com/backend-api"
	codexUserAgent = "codex_cli_rs/0.21.0 (amp-proxy)"
	codexVersion   = "0.21.0"
)

type Codex struct {
	engine     *oauth.Engine
	store      *credstore.Store
	transports *transport.Manager
}

func NewCodex(engine *oauth.Engine, store *credstore.Store, transports *transport.Manager) *Codex {
	return &Codex{engine: engine, store: store, transports: transports}
}

func (c *Codex) Name() string  { return "codex" }
func (c *Codex) Route() string { return RouteCodex }

func (c *Codex) IsAvailable(ctx context.Context, account int) bool {
	creds, err := c.store.Get(ctx, "codex", account)
	return err == nil && creds != nil && creds.RefreshToken != ""
}

func (c *Codex) AccountCount(ctx context.Context) int {
	return c.engine.AccountCount(ctx, oauth.Codex)
}

func (c *Codex) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	token, err := c.engine.Token(ctx, oauth.Codex, req.Account)
	if err != nil {
		return errorResponse(http.StatusUnauthorized, "no usable codex token"), nil
	}
	creds, err := c.store.Get(ctx, "codex", req.Account)
	if err != nil || creds == nil {
		return errorResponse(http.StatusUnauthorized, "no codex credentials"), nil
	}

	path := req.Sub
	if path == "/v1/responses" || path == "/v1/chat/completions" {
		path = "/codex/responses"
	}

	// The backend only streams; keep the client's intent in the logs
	// when it asked for a buffered response.
	if !req.Stream {
		slog.Debug("forcing stream on codex request", "sub", req.Sub, "model", req.Model)
	}

	body := req.Body
	var state *transcode.StreamState

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil && transcode.NeedsTranscode(parsed) {
		if body, err = transcode.ToResponses(req.Body, req.ThreadID); err != nil {
			return errorResponse(http.StatusBadRequest, "invalid chat completions body"), nil
		}
		state = transcode.NewStreamState(req.Model)
	} else if req.ThreadID != "" {
		if updated, err := sjson.SetBytes(body, "prompt_cache_key", req.ThreadID); err == nil {
			body = updated
		}
	}
	if updated, err := sjson.SetBytes(body, "stream", true); err == nil {
		body = updated
	}

	headers := map[string]string{
		"Authorization":      "Bearer " + token,
		"Content-Type":       "application/json",
		"Accept":             "text/event-stream",
		"OpenAI-Beta":        "responses=experimental",
		"originator":         "codex_cli_rs",
		"User-Agent":         codexUserAgent,
		"Version":            codexVersion,
		"chatgpt-account-id": creds.AccountID,
	}
	if req.ThreadID != "" {
		headers["session_id"] = req.ThreadID
		headers["conversation_id"] = req.ThreadID
	}

	opts := forwardOptions{
		url:     codexBaseURL + path,
		method:  req.Method,
		headers: headers,
		body:    body,
		stream:  true,
		client:  c.transports.StreamClient(),
	}
	if state != nil {
		opts.rewrite = state.Transform
		opts.finish = state.Finish
	} else {
		// Responses-native client: only the model name needs fixing up.
		model := req.Model
		opts.rewrite = func(block string) string {
			ch, ok := sse.Parse(block)
			if !ok {
				return block + "\n\n"
			}
			ch.Data = rewrite.SubstituteModel(ch.Data, model)
			return ch.Encode()
		}
	}
	return forward(ctx, opts)
}
