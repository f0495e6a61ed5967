package sse

import (
	"bytes"
	"strings"
)

// Chunk is one parsed server-sent event block.
type Chunk struct {
	Event string
	ID    string
	Retry string
	Data  string // multiple data lines joined with \n
}

// Parse splits an event block (without its trailing blank line) into
// fields. It reports false for blocks with no recognized field, which
// callers should pass through untouched.
func Parse(block string) (Chunk, bool) {
	var c Chunk
	var dataLines []string
	recognized := false

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			recognized = true
		case strings.HasPrefix(line, "event:"):
			c.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			recognized = true
		case strings.HasPrefix(line, "id:"):
			c.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			recognized = true
		case strings.HasPrefix(line, "retry:"):
			c.Retry = strings.TrimSpace(strings.TrimPrefix(line, "retry:"))
			recognized = true
		}
	}
	c.Data = strings.Join(dataLines, "\n")
	return c, recognized
}

// Encode renders the chunk back to wire form including the trailing
// blank line.
func (c Chunk) Encode() string {
	var b strings.Builder
	if c.Event != "" {
		b.WriteString("event: ")
		b.WriteString(c.Event)
		b.WriteString("\n")
	}
	if c.ID != "" {
		b.WriteString("id: ")
		b.WriteString(c.ID)
		b.WriteString("\n")
	}
	if c.Retry != "" {
		b.WriteString("retry: ")
		b.WriteString(c.Retry)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(c.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// TransformFunc maps one complete event block (without its blank-line
// terminator) to replacement wire bytes. Returning the empty string
// drops the event.
type TransformFunc func(block string) string

// Transformer rewrites an SSE byte stream event by event. Bytes are
// buffered until a blank-line boundary so a transform never sees a
// partial event, and whatever trails the last boundary is surfaced by
// Flush at end of stream.
type Transformer struct {
	fn  TransformFunc
	buf []byte
}

func NewTransformer(fn TransformFunc) *Transformer {
	return &Transformer{fn: fn}
}

// Next feeds raw stream bytes and returns the transformed output for
// every complete event they closed.
func (t *Transformer) Next(p []byte) []byte {
	t.buf = append(t.buf, p...)

	var out []byte
	for {
		i := bytes.Index(t.buf, []byte("\n\n"))
		if i < 0 {
			break
		}
		block := string(t.buf[:i])
		t.buf = t.buf[i+2:]
		out = append(out, []byte(t.fn(block))...)
	}
	return out
}

// Flush returns the transform of any incomplete tail. Upstreams that
// close without a final blank line still get their last event through.
func (t *Transformer) Flush() []byte {
	if len(t.buf) == 0 {
		return nil
	}
	tail := strings.TrimRight(string(t.buf), "\n")
	t.buf = nil
	if tail == "" {
		return nil
	}
	return []byte(t.fn(tail))
}
