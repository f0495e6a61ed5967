package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/sync/singleflight"

	"github.com/pi-cli/amp-proxy/internal/credstore"
)

const (
	callbackTimeout = 120 * time.Second
	expiryBuffer    = 5 * time.Minute
)

// Engine drives interactive logins and token refresh against the
// credential store.
type Engine struct {
	store  *credstore.Store
	client *http.Client

	logins    singleflight.Group // one interactive login per provider
	refreshes singleflight.Group // one refresh per (provider, account)
}

func NewEngine(store *credstore.Store, client *http.Client) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{store: store, client: client}
}

// Login runs the interactive PKCE flow for a provider and persists the
// resulting credentials. Concurrent calls for the same provider share
// one flow.
func (e *Engine) Login(ctx context.Context, p *Provider) (*credstore.Credentials, int, error) {
	type loginResult struct {
		creds   *credstore.Credentials
		account int
	}
	v, err, _ := e.logins.Do(p.Name, func() (any, error) {
		creds, account, err := e.doLogin(ctx, p)
		if err != nil {
			return nil, err
		}
		return loginResult{creds, account}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(loginResult)
	return r.creds, r.account, nil
}

func (e *Engine) doLogin(ctx context.Context, p *Provider) (*credstore.Credentials, int, error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, 0, fmt.Errorf("generate PKCE: %w", err)
	}
	state := generateState()

	code, err := e.awaitCallback(ctx, p, challenge, state)
	if err != nil {
		return nil, 0, err
	}

	tokenResp, err := e.exchangeCode(ctx, p, code, verifier, state)
	if err != nil {
		return nil, 0, fmt.Errorf("exchange code: %w", err)
	}

	creds := credsFromTokenResponse(tokenResp, p, nil)
	if p.Identity != nil {
		if err := p.Identity(ctx, e.client, tokenResp, creds); err != nil {
			return nil, 0, fmt.Errorf("extract identity: %w", err)
		}
	}

	account, matched, err := e.store.FindByIdentity(ctx, p.Name, creds)
	if err != nil {
		return nil, 0, err
	}
	if !matched {
		if account, err = e.store.NextAccount(ctx, p.Name); err != nil {
			return nil, 0, err
		}
	}

	if creds.RefreshToken == "" {
		prior, err := e.store.Get(ctx, p.Name, account)
		if err != nil {
			return nil, 0, err
		}
		if prior == nil || prior.RefreshToken == "" {
			return nil, 0, errors.New("no refresh token")
		}
		creds.RefreshToken = prior.RefreshToken
	}

	if err := e.store.Save(ctx, p.Name, creds, account); err != nil {
		return nil, 0, err
	}
	slog.Info("login complete", "provider", p.Name, "account", account, "email", creds.Email)
	return creds, account, nil
}

// awaitCallback serves the loopback redirect, opens the browser, and
// returns the authorization code from the single expected callback.
func (e *Engine) awaitCallback(ctx context.Context, p *Provider, challenge, state string) (string, error) {
	ln, err := net.Listen("tcp", p.listenAddr())
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", p.listenAddr(), err)
	}

	type callback struct {
		code string
		err  error
	}
	done := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(p.CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			done <- callback{err: errors.New("state mismatch: possible CSRF")}
			return
		}
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, errCode, http.StatusBadRequest)
			done <- callback{err: fmt.Errorf("authorization denied: %s", errCode)}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			done <- callback{err: errors.New("callback missing code")}
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>Login successful. You can return to the terminal.</body></html>")
		done <- callback{code: code}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := e.authorizeURL(p, challenge, state)
	if err := browser.OpenURL(authURL); err != nil {
		fmt.Printf("Open this URL to continue login:\n\n  %s\n\n", authURL)
	}

	select {
	case cb := <-done:
		return cb.code, cb.err
	case <-time.After(callbackTimeout):
		return "", fmt.Errorf("login timed out after %s", callbackTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Engine) authorizeURL(p *Provider, challenge, state string) string {
	q := url.Values{
		"client_id":             {p.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {p.RedirectURI()},
		"scope":                 {p.Scope},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	for k, v := range p.ExtraAuth {
		q.Set(k, v)
	}
	return p.AuthorizeURL + "?" + q.Encode()
}

// exchangeCode trades the authorization code for tokens using the
// provider's body encoding.
func (e *Engine) exchangeCode(ctx context.Context, p *Provider, code, verifier, state string) (map[string]any, error) {
	fields := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     p.ClientID,
		"code":          code,
		"redirect_uri":  p.RedirectURI(),
		"code_verifier": verifier,
	}
	if p.ClientSecret != "" {
		fields["client_secret"] = p.ClientSecret
	}
	if p.StateInToken {
		fields["state"] = state
	}
	return e.tokenRequest(ctx, p, fields)
}

func (e *Engine) tokenRequest(ctx context.Context, p *Provider, fields map[string]string) (map[string]any, error) {
	var body io.Reader
	contentType := "application/x-www-form-urlencoded"
	if p.Encoding == "json" {
		encoded, _ := json.Marshal(fields)
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	} else {
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.TokenURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var tokenResp map[string]any
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokenResp["access_token"] == nil || tokenResp["access_token"] == "" {
		return nil, errors.New("empty access_token in response")
	}
	return tokenResp, nil
}

// Token returns a fresh access token for one account, refreshing if
// needed.
func (e *Engine) Token(ctx context.Context, p *Provider, account int) (string, error) {
	creds, err := e.store.Get(ctx, p.Name, account)
	if err != nil {
		return "", err
	}
	if creds == nil {
		return "", fmt.Errorf("no credentials for %s account %d", p.Name, account)
	}
	if credstore.Fresh(creds) {
		return creds.AccessToken, nil
	}
	return e.Refresh(ctx, p, account)
}

// TokenFromAny returns a token from the first account that is fresh or
// refreshable, in account order.
func (e *Engine) TokenFromAny(ctx context.Context, p *Provider) (string, int, error) {
	slots, err := e.store.GetAll(ctx, p.Name)
	if err != nil {
		return "", 0, err
	}
	for _, slot := range slots {
		if credstore.Fresh(slot.Creds) {
			return slot.Creds.AccessToken, slot.Account, nil
		}
	}
	var lastErr error
	for _, slot := range slots {
		token, err := e.Refresh(ctx, p, slot.Account)
		if err != nil {
			lastErr = err
			continue
		}
		return token, slot.Account, nil
	}
	if lastErr != nil {
		return "", 0, lastErr
	}
	return "", 0, fmt.Errorf("no usable %s accounts", p.Name)
}

// Ready reports whether the provider has at least one refreshable
// account.
func (e *Engine) Ready(ctx context.Context, p *Provider) bool {
	ok, err := e.store.Exists(ctx, p.Name)
	return err == nil && ok
}

func (e *Engine) AccountCount(ctx context.Context, p *Provider) int {
	n, err := e.store.Count(ctx, p.Name)
	if err != nil {
		return 0
	}
	return n
}

// Refresh exchanges the stored refresh token for new tokens, retrying
// once on failure. Concurrent callers for the same account share one
// attempt.
func (e *Engine) Refresh(ctx context.Context, p *Provider, account int) (string, error) {
	key := fmt.Sprintf("%s:%d", p.Name, account)
	v, err, _ := e.refreshes.Do(key, func() (any, error) {
		return e.doRefresh(ctx, p, account)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Engine) doRefresh(ctx context.Context, p *Provider, account int) (string, error) {
	prior, err := e.store.Get(ctx, p.Name, account)
	if err != nil {
		return "", err
	}
	if prior == nil || prior.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token for %s account %d", p.Name, account)
	}

	fields := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     p.ClientID,
		"refresh_token": prior.RefreshToken,
	}
	if p.ClientSecret != "" {
		fields["client_secret"] = p.ClientSecret
	}

	tokenResp, err := e.tokenRequest(ctx, p, fields)
	if err != nil {
		slog.Debug("token refresh failed, retrying", "provider", p.Name, "account", account, "error", err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if tokenResp, err = e.tokenRequest(ctx, p, fields); err != nil {
			return "", fmt.Errorf("refresh token: %w", err)
		}
	}

	creds := credsFromTokenResponse(tokenResp, p, prior)
	if err := e.store.Save(ctx, p.Name, creds, account); err != nil {
		return "", err
	}
	slog.Info("token refreshed", "provider", p.Name, "account", account)
	return creds.AccessToken, nil
}

// credsFromTokenResponse builds a credential record, merging over the
// prior record when present: refresh tokens carry over when the
// response omits one, and identity fields persist across refreshes.
func credsFromTokenResponse(tokenResp map[string]any, p *Provider, prior *credstore.Credentials) *credstore.Credentials {
	creds := &credstore.Credentials{}
	if prior != nil {
		*creds = *prior
	}

	if at, _ := tokenResp["access_token"].(string); at != "" {
		creds.AccessToken = at
	}
	if rt, _ := tokenResp["refresh_token"].(string); rt != "" {
		creds.RefreshToken = rt
	}

	expiresIn, _ := tokenResp["expires_in"].(float64)
	if expiresIn > 0 {
		expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
		if !p.NoExpiryBuffer {
			expiresAt = expiresAt.Add(-expiryBuffer)
		}
		creds.ExpiresAt = expiresAt.UnixMilli()
	}
	return creds
}

func (p *Provider) listenAddr() string {
	return fmt.Sprintf("%s:%d", p.RedirectHost, p.CallbackPort)
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
