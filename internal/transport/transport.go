// Package transport builds the egress HTTP clients. Direct connections
// use HTTP/2 over a utls Chrome ClientHello so backend TLS
// fingerprinting sees a browser, not the Go default. An optional
// outbound proxy (socks5 or HTTP CONNECT) slots in underneath the same
// handshake.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/pi-cli/amp-proxy/internal/config"
)

// Manager hands out the shared egress clients.
type Manager struct {
	rt             http.RoundTripper
	requestTimeout time.Duration
	streamTimeout  time.Duration
}

func NewManager(cfg *config.Config) (*Manager, error) {
	rt, err := buildRoundTripper(cfg.OutboundProxy)
	if err != nil {
		return nil, err
	}
	return &Manager{
		rt:             rt,
		requestTimeout: cfg.RequestTimeout,
		streamTimeout:  cfg.StreamTimeout,
	}, nil
}

// Client is for bounded request/response exchanges (token refresh,
// identity lookups).
func (m *Manager) Client() *http.Client {
	return &http.Client{Transport: m.rt, Timeout: m.requestTimeout}
}

// StreamClient is for relayed completions, which may stay open for
// minutes while tokens stream.
func (m *Manager) StreamClient() *http.Client {
	return &http.Client{Transport: m.rt, Timeout: m.streamTimeout}
}

func (m *Manager) Close() {
	if t, ok := m.rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func buildRoundTripper(proxyURL string) (http.RoundTripper, error) {
	if proxyURL == "" {
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialUTLS(ctx, network, addr)
			},
		}, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse outbound proxy: %w", err)
	}
	dial, err := proxyDialer(u)
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     5 * time.Minute,
		DialTLSContext:      dial,
	}, nil
}
