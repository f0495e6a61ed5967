package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pi-cli/amp-proxy/internal/sse"
)

const (
	forwardAttempts = 3
	forwardBackoff  = 500 * time.Millisecond
)

// retryableStatus lists upstream statuses worth a local retry. 429 is
// deliberately absent; the router owns rate-limit handling.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// rateLimitHeaders are preserved bit-exact on proxied SSE responses.
var rateLimitHeaders = []string{
	"x-request-id",
	"request-id",
	"anthropic-ratelimit-requests-limit",
	"anthropic-ratelimit-requests-remaining",
	"anthropic-ratelimit-tokens-limit",
	"anthropic-ratelimit-tokens-remaining",
	"x-ratelimit-limit-requests",
	"x-ratelimit-remaining-requests",
	"x-ratelimit-limit-tokens",
	"x-ratelimit-remaining-tokens",
}

type forwardOptions struct {
	url     string
	method  string
	headers map[string]string
	body    []byte
	stream  bool
	rewrite sse.TransformFunc // optional per-provider stream rewrite
	finish  func() string     // optional trailer emitted at stream end
	client  *http.Client
}

// forward POSTs to the backend with transient-error retry, then shapes
// the response: SSE exchanges get the stream rewrite and the forwarded
// header set, everything else passes through.
func forward(ctx context.Context, opts forwardOptions) (*http.Response, error) {
	method := opts.method
	if method == "" {
		method = http.MethodPost
	}

	var resp *http.Response
	var lastErr error
	for attempt := 1; attempt <= forwardAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, opts.url, bytes.NewReader(opts.body))
		if err != nil {
			return nil, err
		}
		for k, v := range opts.headers {
			req.Header.Set(k, v)
		}

		resp, lastErr = opts.client.Do(req)
		if lastErr == nil && !retryableStatus[resp.StatusCode] {
			break
		}
		if lastErr == nil {
			slog.Debug("transient upstream status, retrying", "url", opts.url, "status", resp.StatusCode, "attempt", attempt)
			resp.Body.Close()
		} else {
			slog.Debug("upstream fetch failed, retrying", "url", opts.url, "error", lastErr, "attempt", attempt)
		}
		if attempt == forwardAttempts {
			break
		}
		select {
		case <-time.After(forwardBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("forward %s: %w", opts.url, lastErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		slog.Debug("upstream error response", "url", opts.url, "status", resp.StatusCode, "body", truncate(body, 300))
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}

	isSSE := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	if !isSSE && !opts.stream {
		return resp, nil
	}

	header := make(http.Header)
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	for _, h := range rateLimitHeaders {
		if v := resp.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}
	resp.Header = header

	if opts.rewrite != nil {
		resp.Body = &transformBody{
			src:    resp.Body,
			tr:     sse.NewTransformer(opts.rewrite),
			finish: opts.finish,
		}
	}
	return resp, nil
}

// transformBody applies an SSE transformer to a response body as it is
// read, flushing the transformer's tail at EOF.
type transformBody struct {
	src     io.ReadCloser
	tr      *sse.Transformer
	finish  func() string
	buf     bytes.Buffer
	srcErr  error
	srcDone bool
}

func (b *transformBody) Read(p []byte) (int, error) {
	chunk := make([]byte, 16<<10)
	for b.buf.Len() == 0 && !b.srcDone {
		n, err := b.src.Read(chunk)
		if n > 0 {
			b.buf.Write(b.tr.Next(chunk[:n]))
		}
		if err != nil {
			b.srcDone = true
			b.buf.Write(b.tr.Flush())
			if b.finish != nil {
				b.buf.WriteString(b.finish())
			}
			if err != io.EOF {
				b.srcErr = err
			}
		}
	}
	if b.buf.Len() > 0 {
		return b.buf.Read(p)
	}
	if b.srcErr != nil {
		return 0, b.srcErr
	}
	return 0, io.EOF
}

func (b *transformBody) Close() error { return b.src.Close() }

// errorResponse builds a synthetic JSON response for failures the
// adapter produces itself.
func errorResponse(status int, message string) *http.Response {
	body := fmt.Sprintf(`{"error":%q}`, message)
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
