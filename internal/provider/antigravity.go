package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pi-cli/amp-proxy/internal/credstore"
	"github.com/pi-cli/amp-proxy/internal/oauth"
	"github.com/pi-cli/amp-proxy/internal/rewrite"
	"github.com/pi-cli/amp-proxy/internal/transport"
)

// antigravityEndpoints is the cascade order: daily first, prod last.
var antigravityEndpoints = []string{ccaDaily, ccaAutopush, ccaProd}

type Antigravity struct {
	engine     *oauth.Engine
	store      *credstore.Store
	transports *transport.Manager
}

func NewAntigravity(engine *oauth.Engine, store *credstore.Store, transports *transport.Manager) *Antigravity {
	return &Antigravity{engine: engine, store: store, transports: transports}
}

func (a *Antigravity) Name() string  { return "antigravity" }
func (a *Antigravity) Route() string { return RouteAntigravity }

func (a *Antigravity) IsAvailable(ctx context.Context, account int) bool {
	creds, err := a.store.Get(ctx, "google", account)
	return err == nil && creds != nil && creds.RefreshToken != ""
}

func (a *Antigravity) AccountCount(ctx context.Context) int {
	return a.engine.AccountCount(ctx, oauth.Google)
}

// Forward walks the endpoint cascade, advancing on connect errors and
// 5xx, and aggregates the failures into one 502 when every endpoint is
// down.
func (a *Antigravity) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	model, action, ok := parseModelAction(req.Sub)
	if !ok {
		return errorResponse(http.StatusUnauthorized, "unsupported path"), nil
	}

	token, err := a.engine.Token(ctx, oauth.Google, req.Account)
	if err != nil {
		return errorResponse(http.StatusUnauthorized, "no usable google token"), nil
	}
	creds, err := a.store.Get(ctx, "google", req.Account)
	if err != nil || creds == nil {
		return errorResponse(http.StatusUnauthorized, "no google credentials"), nil
	}

	body, err := wrapCCABody(req.Body, rewrite.Envelope{
		Project:     creds.ProjectID,
		Model:       model,
		UserAgent:   "antigravity",
		IDPrefix:    "agent",
		RequestType: "agent",
	})
	if err != nil {
		return errorResponse(http.StatusBadRequest, "invalid request body"), nil
	}

	var failures []string
	for _, endpoint := range antigravityEndpoints {
		resp, err := forward(ctx, forwardOptions{
			url:    endpoint + "/v1internal:" + action + "?alt=sse",
			method: req.Method,
			headers: map[string]string{
				"Authorization": "Bearer " + token,
				"Content-Type":  "application/json",
				"Accept":        "text/event-stream",
				"User-Agent":    "antigravity",
			},
			body:    body,
			stream:  req.Stream,
			client:  a.transports.StreamClient(),
			rewrite: ccaRewrite(req.Model),
		})
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
			continue
		}
		if resp.StatusCode >= 500 {
			failures = append(failures, fmt.Sprintf("%s: HTTP %d", endpoint, resp.StatusCode))
			resp.Body.Close()
			continue
		}
		return resp, nil
	}

	return errorResponse(http.StatusBadGateway,
		"all antigravity endpoints failed: "+strings.Join(failures, "; ")), nil
}
