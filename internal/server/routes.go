package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/pi-cli/amp-proxy/internal/provider"
	"github.com/pi-cli/amp-proxy/internal/relay"
	"github.com/pi-cli/amp-proxy/internal/stats"
)

// browserPrefixes are web-UI paths; a CLI-spawned browser lands here and
// gets redirected to the real site.
var browserPrefixes = []string{"/auth", "/threads", "/docs", "/settings"}

// passthroughSegments are /api namespaces owned by the paid gateway.
var passthroughSegments = []string{
	"internal", "user", "auth", "meta", "ads", "telemetry",
	"threads", "otel", "tab", "durable-thread-workers",
}

func isBrowserPath(path string) bool {
	if path == "/threads.rss" || path == "/news.rss" {
		return true
	}
	for _, prefix := range browserPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func isPassthroughPath(path string) bool {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return false
	}
	segment, _, _ := strings.Cut(rest, "/")
	return slices.Contains(passthroughSegments, segment)
}

// splitProviderPath parses /api/provider/<clientProvider>/<subpath>. The
// returned subpath keeps its leading slash.
func splitProviderPath(path string) (clientProvider, sub string, ok bool) {
	rest, found := strings.CutPrefix(path, "/api/provider/")
	if !found || rest == "" {
		return "", "", false
	}
	name, after, _ := strings.Cut(rest, "/")
	return name, "/" + after, true
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if isBrowserPath(path) {
		http.Redirect(w, r, strings.TrimSuffix(s.cfg.UpstreamURL, "/")+path, http.StatusFound)
		return
	}
	if isPassthroughPath(path) {
		s.proxyUpstream(w, r, nil)
		return
	}
	if clientProvider, sub, ok := splitProviderPath(path); ok {
		s.handleProvider(w, r, clientProvider, sub)
		return
	}
	s.proxyUpstream(w, r, nil)
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request, clientProvider, sub string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("request body read failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	r.Body.Close()

	parsed := relay.ParseBody(body, sub)
	threadID := r.Header.Get("x-amp-thread-id")
	preq := &provider.Request{
		Sub:      sub,
		Method:   r.Method,
		Body:     parsed.Raw,
		Header:   r.Header,
		Model:    parsed.Model(),
		Stream:   parsed.Stream(),
		ThreadID: threadID,
	}

	start := time.Now()
	out := s.relay.Do(r.Context(), clientProvider, preq, threadID)
	if out == nil {
		status := s.proxyUpstream(w, r, body)
		s.record(r, provider.RouteUpstream, 0, status, start, parsed.Model())
		return
	}
	defer out.Resp.Body.Close()

	copyHeaders(w.Header(), out.Resp.Header)
	w.WriteHeader(out.Resp.StatusCode)
	streamBody(w, out.Resp.Body)
	s.record(r, out.Route, out.Account, out.Resp.StatusCode, start, parsed.Model())
}

// proxyUpstream forwards the request to the paid gateway verbatim, with
// the configured API key when known. body overrides r.Body when the
// handler already consumed it.
func (s *Server) proxyUpstream(w http.ResponseWriter, r *http.Request, body []byte) int {
	target := strings.TrimSuffix(s.cfg.UpstreamURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reqBody io.Reader = r.Body
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, reqBody)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
		return http.StatusBadGateway
	}
	copyHeaders(req.Header, r.Header)
	// Let the transport negotiate compression so the body is already
	// decoded when Content-Encoding is dropped from the response.
	req.Header.Del("Accept-Encoding")
	if s.cfg.UpstreamKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.UpstreamKey)
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		slog.Warn("upstream proxy failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unreachable"})
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Encoding")
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body)
	return resp.StatusCode
}

func (s *Server) record(r *http.Request, route string, account, status int, start time.Time, model string) {
	s.stats.Record(stats.Request{
		Time:       time.Now(),
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      route,
		Account:    account,
		Status:     status,
		DurationMs: time.Since(start).Milliseconds(),
		Model:      model,
	})
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func streamBody(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 16*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
