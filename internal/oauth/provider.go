package oauth

import (
	"context"
	"net/http"

	"github.com/pi-cli/amp-proxy/internal/credstore"
)

// IdentityFunc fills Email, AccountID, and ProjectID on freshly minted
// credentials, using whatever the provider exposes.
type IdentityFunc func(ctx context.Context, client *http.Client, tokenResp map[string]any, creds *credstore.Credentials) error

// Provider is one OAuth provider's compile-time configuration.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectHost string
	CallbackPort int
	CallbackPath string
	Scope        string
	Encoding     string // "json" | "form"
	StateInToken bool
	ExtraAuth    map[string]string
	// Some providers already return a conservative expires_in; skip the
	// local 5 min buffer for those.
	NoExpiryBuffer bool
	Identity       IdentityFunc
}

// RedirectURI is the registered callback for the loopback listener.
func (p *Provider) RedirectURI() string {
	return "http://" + p.listenAddr() + p.CallbackPath
}

var (
	Anthropic = &Provider{
		Name:         "anthropic",
		ClientID:     "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		AuthorizeURL: "https://claude.ai/oauth/authorize",
		TokenURL:     "https://console.anthropic.com/v1/oauth/token",
		RedirectHost: "localhost",
		CallbackPort: 54545,
		CallbackPath: "/callback",
		Scope:        "org:create_api_key user:profile user:inference",
		Encoding:     "json",
		StateInToken: true,
		Identity:     anthropicIdentity,
	}

	Codex = &Provider{
		Name:         "codex",
		ClientID:     "app_EMoamEEZ73f0CkXaXp7hrann",
		AuthorizeURL: "https://auth.openai.com/oauth/authorize",
		TokenURL:     "https://auth.openai.com/oauth/token",
		RedirectHost: "localhost",
		CallbackPort: 1455,
		CallbackPath: "/auth/callback",
		Scope:        "openid profile email offline_access",
		Encoding:     "form",
		ExtraAuth: map[string]string{
			"id_token_add_organizations": "true",
			"originator":                 "codex_cli_rs",
		},
		Identity: codexIdentity,
	}

	Google = &Provider{
		Name:         "google",
		ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		ClientSecret: "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",
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		RedirectHost: "localhost",
		CallbackPort: 8085,
		CallbackPath: "/oauth2callback",
		Scope: "https://www.googleapis.com/auth/cloud-platform " +
			"https://www.googleapis.com/auth/userinfo.email " +
			"https://www.googleapis.com/auth/userinfo.profile",
		Encoding: "form",
		ExtraAuth: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		Identity: googleIdentity,
	}
)

// Providers lists every configured OAuth provider. Gemini and
// Antigravity both draw from the google pool.
var Providers = []*Provider{Anthropic, Codex, Google}

// ByName looks up a provider, or nil.
func ByName(name string) *Provider {
	for _, p := range Providers {
		if p.Name == name {
			return p
		}
	}
	return nil
}
