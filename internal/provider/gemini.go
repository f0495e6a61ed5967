package provider

import (
	"context"
	"net/http"

	"github.com/pi-cli/amp-proxy/internal/credstore"
	"github.com/pi-cli/amp-proxy/internal/oauth"
	"github.com/pi-cli/amp-proxy/internal/rewrite"
	"github.com/pi-cli/amp-proxy/internal/transport"
)

type Gemini struct {
	engine     *oauth.Engine
	store      *credstore.Store
	transports *transport.Manager
}

func NewGemini(engine *oauth.Engine, store *credstore.Store, transports *transport.Manager) *Gemini {
	return &Gemini{engine: engine, store: store, transports: transports}
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Route() string { return RouteGemini }

func (g *Gemini) IsAvailable(ctx context.Context, account int) bool {
	creds, err := g.store.Get(ctx, "google", account)
	return err == nil && creds != nil && creds.RefreshToken != ""
}

func (g *Gemini) AccountCount(ctx context.Context) int {
	return g.engine.AccountCount(ctx, oauth.Google)
}

func (g *Gemini) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	model, action, ok := parseModelAction(req.Sub)
	if !ok {
		return errorResponse(http.StatusUnauthorized, "unsupported path"), nil
	}

	token, err := g.engine.Token(ctx, oauth.Google, req.Account)
	if err != nil {
		return errorResponse(http.StatusUnauthorized, "no usable google token"), nil
	}
	creds, err := g.store.Get(ctx, "google", req.Account)
	if err != nil || creds == nil {
		return errorResponse(http.StatusUnauthorized, "no google credentials"), nil
	}

	body, err := wrapCCABody(req.Body, rewrite.Envelope{
		Project:   creds.ProjectID,
		Model:     model,
		UserAgent: "pi-coding-agent",
		IDPrefix:  "pi",
	})
	if err != nil {
		return errorResponse(http.StatusBadRequest, "invalid request body"), nil
	}

	return forward(ctx, forwardOptions{
		url:    ccaProd + "/v1internal:" + action + "?alt=sse",
		method: req.Method,
		headers: map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  "application/json",
			"Accept":        "text/event-stream",
			"User-Agent":    "pi-coding-agent",
		},
		body:    body,
		stream:  req.Stream,
		client:  g.transports.StreamClient(),
		rewrite: ccaRewrite(req.Model),
	})
}
