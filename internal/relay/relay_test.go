package relay

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pi-cli/amp-proxy/internal/affinity"
	"github.com/pi-cli/amp-proxy/internal/cooldown"
	"github.com/pi-cli/amp-proxy/internal/credstore"
	"github.com/pi-cli/amp-proxy/internal/provider"
	"github.com/pi-cli/amp-proxy/internal/router"
)

// scriptedAdapter returns canned responses in forward-call order.
type scriptedAdapter struct {
	name      string
	route     string
	store     *credstore.Store
	cred      string
	responses []*http.Response
	calls     []int // account per forward call
}

func (s *scriptedAdapter) Name() string  { return s.name }
func (s *scriptedAdapter) Route() string { return s.route }

func (s *scriptedAdapter) IsAvailable(ctx context.Context, account int) bool {
	creds, err := s.store.Get(ctx, s.cred, account)
	return err == nil && creds != nil && creds.RefreshToken != ""
}

func (s *scriptedAdapter) AccountCount(ctx context.Context) int {
	n, _ := s.store.Count(ctx, s.cred)
	return n
}

func (s *scriptedAdapter) Forward(_ context.Context, req *provider.Request) (*http.Response, error) {
	s.calls = append(s.calls, req.Account)
	if len(s.responses) == 0 {
		return canned(http.StatusOK, ""), nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func canned(status int, retryAfter string) *http.Response {
	h := make(http.Header)
	if retryAfter != "" {
		h.Set("Retry-After", retryAfter)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}
}

type fixture struct {
	engine   *Engine
	adapter  *scriptedAdapter
	store    *credstore.Store
	cooldown *cooldown.Tracker
}

func newFixture(t *testing.T, accounts int, responses ...*http.Response) *fixture {
	t.Helper()
	store, err := credstore.Open(filepath.Join(t.TempDir(), "creds.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for account := range accounts {
		if err := store.Save(ctx, "codex", &credstore.Credentials{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		}, account); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	adapter := &scriptedAdapter{
		name:      "codex",
		route:     provider.RouteCodex,
		store:     store,
		cred:      "codex",
		responses: responses,
	}
	cd := cooldown.NewTracker()
	r := router.New([]provider.Adapter{adapter}, cd, affinity.NewTable(), store)
	return &fixture{engine: NewEngine(r, cd), adapter: adapter, store: store, cooldown: cd}
}

func TestSuccessPassesThrough(t *testing.T) {
	f := newFixture(t, 1, canned(http.StatusOK, ""))

	out := f.engine.Do(context.Background(), "openai", &provider.Request{Model: "gpt-5.2"}, "")
	if out == nil {
		t.Fatal("expected local outcome")
	}
	defer out.Resp.Body.Close()
	if out.Resp.StatusCode != http.StatusOK || out.Route != provider.RouteCodex || out.Account != 0 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestNoAccountsFallsBack(t *testing.T) {
	f := newFixture(t, 0)

	if out := f.engine.Do(context.Background(), "openai", &provider.Request{Model: "gpt-5.2"}, ""); out != nil {
		t.Fatalf("expected upstream fallback, got %+v", out)
	}
	if len(f.adapter.calls) != 0 {
		t.Fatalf("adapter should not be called: %v", f.adapter.calls)
	}
}

func Test401FallsBackWithoutRetry(t *testing.T) {
	f := newFixture(t, 2, canned(http.StatusUnauthorized, ""))

	if out := f.engine.Do(context.Background(), "openai", &provider.Request{Model: "gpt-5.2"}, ""); out != nil {
		t.Fatalf("401 should fall back, got %+v", out)
	}
	if len(f.adapter.calls) != 1 {
		t.Fatalf("401 must not be retried locally: %v", f.adapter.calls)
	}
}

func Test403DisablesAccountAndReroutes(t *testing.T) {
	// A 403 from account 0 must not reach the client while account 1
	// can still serve: the pair is disabled and the request rotates.
	f := newFixture(t, 2,
		canned(http.StatusForbidden, ""),
		canned(http.StatusOK, ""),
	)

	out := f.engine.Do(context.Background(), "openai", &provider.Request{Model: "gpt-5.2"}, "")
	if out == nil {
		t.Fatal("expected local outcome")
	}
	defer out.Resp.Body.Close()
	if out.Resp.StatusCode != http.StatusOK || out.Account != 1 {
		t.Fatalf("outcome: %+v", out)
	}

	want := []int{0, 1}
	if len(f.adapter.calls) != len(want) || f.adapter.calls[0] != 0 || f.adapter.calls[1] != 1 {
		t.Fatalf("calls = %v, want %v", f.adapter.calls, want)
	}
	if !f.cooldown.IsExhausted("codex", 0) {
		t.Fatal("forbidden account must be disabled")
	}
}

func Test403WithoutAlternativeFallsBack(t *testing.T) {
	f := newFixture(t, 1, canned(http.StatusForbidden, ""))

	if out := f.engine.Do(context.Background(), "openai", &provider.Request{Model: "gpt-5.2"}, ""); out != nil {
		t.Fatalf("expected fallback, got %+v", out)
	}
	if len(f.adapter.calls) != 1 {
		t.Fatalf("403 must not be retried on the same account: %v", f.adapter.calls)
	}
	if !f.cooldown.IsExhausted("codex", 0) {
		t.Fatal("forbidden account must be disabled")
	}
}

func TestCachePreserveRetryThenReroute(t *testing.T) {
	// :0 429s with a short Retry-After, same-account retry 429s again,
	// reroute lands on :1 which succeeds. Three adapter calls total.
	f := newFixture(t, 2,
		canned(http.StatusTooManyRequests, "0"),
		canned(http.StatusTooManyRequests, "0"),
		canned(http.StatusOK, ""),
	)

	out := f.engine.Do(context.Background(), "openai", &provider.Request{Model: "gpt-5.2"}, "")
	if out == nil {
		t.Fatal("expected local outcome")
	}
	defer out.Resp.Body.Close()
	if out.Resp.StatusCode != http.StatusOK || out.Account != 1 {
		t.Fatalf("outcome: %+v", out)
	}

	want := []int{0, 0, 1}
	if len(f.adapter.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", f.adapter.calls, want)
	}
	for i, account := range want {
		if f.adapter.calls[i] != account {
			t.Fatalf("calls = %v, want %v", f.adapter.calls, want)
		}
	}
}

func TestLongRetryAfterSkipsCachePreserve(t *testing.T) {
	f := newFixture(t, 2,
		canned(http.StatusTooManyRequests, "120"),
		canned(http.StatusOK, ""),
	)

	out := f.engine.Do(context.Background(), "openai", &provider.Request{Model: "gpt-5.2"}, "")
	if out == nil {
		t.Fatal("expected local outcome")
	}
	defer out.Resp.Body.Close()
	if out.Account != 1 {
		t.Fatalf("should reroute directly to :1, got %+v", out)
	}
	if len(f.adapter.calls) != 2 {
		t.Fatalf("long retry-after must not retry same account: %v", f.adapter.calls)
	}
}

func TestRerouteExhaustionFallsBack(t *testing.T) {
	// Single account that keeps rate limiting: after the failed
	// cache-preserve retry there are no candidates left.
	f := newFixture(t, 1,
		canned(http.StatusTooManyRequests, "0"),
		canned(http.StatusTooManyRequests, "0"),
	)

	if out := f.engine.Do(context.Background(), "openai", &provider.Request{Model: "gpt-5.2"}, ""); out != nil {
		t.Fatalf("expected fallback, got %+v", out)
	}
	if len(f.adapter.calls) != 2 {
		t.Fatalf("calls = %v", f.adapter.calls)
	}
}

func TestSuccessClearsCooldown(t *testing.T) {
	f := newFixture(t, 2,
		canned(http.StatusTooManyRequests, "120"),
		canned(http.StatusOK, ""),
		canned(http.StatusOK, ""),
	)
	ctx := context.Background()

	out := f.engine.Do(ctx, "openai", &provider.Request{Model: "gpt-5.2"}, "")
	if out == nil || out.Account != 1 {
		t.Fatalf("first request: %+v", out)
	}
	out.Resp.Body.Close()

	// :1 succeeded so its state is clean; :0 still cooling.
	out = f.engine.Do(ctx, "openai", &provider.Request{Model: "gpt-5.2"}, "")
	if out == nil || out.Account != 1 {
		t.Fatalf("second request should reuse :1, got %+v", out)
	}
	out.Resp.Body.Close()
}

func TestCancelledContextStopsCachePreserve(t *testing.T) {
	f := newFixture(t, 1, canned(http.StatusTooManyRequests, "5"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if out := f.engine.Do(ctx, "openai", &provider.Request{Model: "gpt-5.2"}, ""); out != nil {
		t.Fatalf("cancelled request should fall back, got %+v", out)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation must interrupt the cache-preserve sleep")
	}
	// The hit is on the books before the wait starts.
	if !f.cooldown.IsCoolingDown("codex", 0) {
		t.Fatal("429 must be recorded before the cache-preserve wait")
	}
}

func TestParseBodyModelAndStream(t *testing.T) {
	b := ParseBody([]byte(`{"model":"claude-opus-4","stream":true}`), "/v1/messages")
	if b.Model() != "claude-opus-4" {
		t.Fatalf("model = %q", b.Model())
	}
	if !b.Stream() {
		t.Fatal("stream should be true")
	}

	b = ParseBody([]byte(`{}`), "/v1beta/models/gemini-3-flash-preview:streamGenerateContent")
	if b.Model() != "gemini-3-flash-preview" {
		t.Fatalf("url model = %q", b.Model())
	}
	if !b.Stream() {
		t.Fatal("stream action should imply streaming")
	}

	b = ParseBody([]byte(`{}`), "/v1beta/models/gemini-3-pro:generateContent")
	if b.Stream() {
		t.Fatal("non-stream action should not imply streaming")
	}

	raw := []byte(`{"model":"m"}`)
	b = ParseBody(raw, "")
	b.Model()
	if string(b.Raw) != `{"model":"m"}` {
		t.Fatal("raw must not be mutated")
	}
}
