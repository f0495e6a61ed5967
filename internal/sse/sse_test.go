package sse

import (
	"strings"
	"testing"
)

func TestParseFields(t *testing.T) {
	c, ok := Parse("event: message_start\nid: 7\ndata: {\"a\":1}")
	if !ok {
		t.Fatal("block should parse")
	}
	if c.Event != "message_start" || c.ID != "7" || c.Data != `{"a":1}` {
		t.Fatalf("parsed %+v", c)
	}
}

func TestParseMultiLineData(t *testing.T) {
	c, ok := Parse("data: line one\ndata: line two")
	if !ok {
		t.Fatal("block should parse")
	}
	if c.Data != "line one\nline two" {
		t.Fatalf("data = %q", c.Data)
	}
}

func TestParseUnrecognizedBlock(t *testing.T) {
	if _, ok := Parse(": keepalive comment"); ok {
		t.Fatal("comment-only block should not be recognized")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	in := Chunk{Event: "content_block_delta", Data: `{"delta":"hi"}`}
	wire := in.Encode()
	if !strings.HasSuffix(wire, "\n\n") {
		t.Fatalf("missing blank-line terminator: %q", wire)
	}

	out, ok := Parse(strings.TrimSuffix(wire, "\n\n"))
	if !ok || out != in {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestTransformerBuffersPartialEvents(t *testing.T) {
	var seen []string
	tr := NewTransformer(func(block string) string {
		seen = append(seen, block)
		return block + "\n\n"
	})

	out := tr.Next([]byte("data: first ha"))
	if len(out) != 0 || len(seen) != 0 {
		t.Fatalf("partial event should stay buffered, out=%q seen=%v", out, seen)
	}

	out = tr.Next([]byte("lf\n\ndata: second\n\n"))
	if len(seen) != 2 {
		t.Fatalf("expected 2 complete events, got %v", seen)
	}
	if seen[0] != "data: first half" || seen[1] != "data: second" {
		t.Fatalf("events split wrong: %v", seen)
	}
	if string(out) != "data: first half\n\ndata: second\n\n" {
		t.Fatalf("out = %q", out)
	}
}

func TestTransformerDropsEvents(t *testing.T) {
	tr := NewTransformer(func(block string) string {
		if strings.Contains(block, "drop") {
			return ""
		}
		return block + "\n\n"
	})

	out := tr.Next([]byte("data: keep\n\ndata: drop me\n\ndata: keep too\n\n"))
	if string(out) != "data: keep\n\ndata: keep too\n\n" {
		t.Fatalf("out = %q", out)
	}
}

func TestFlushDeliversTail(t *testing.T) {
	tr := NewTransformer(func(block string) string { return block + "\n\n" })

	if out := tr.Next([]byte("data: complete\n\ndata: [DONE]\n")); string(out) != "data: complete\n\n" {
		t.Fatalf("out = %q", out)
	}
	if tail := tr.Flush(); string(tail) != "data: [DONE]\n\n" {
		t.Fatalf("flush = %q", tail)
	}
	if tr.Flush() != nil {
		t.Fatal("second flush should be empty")
	}
}

func TestFlushEmptyTail(t *testing.T) {
	tr := NewTransformer(func(block string) string { return block + "\n\n" })
	tr.Next([]byte("data: done\n\n"))
	if tail := tr.Flush(); tail != nil {
		t.Fatalf("no tail expected, got %q", tail)
	}
}

func TestMultiByteRunesSurviveSplitFeeds(t *testing.T) {
	tr := NewTransformer(func(block string) string { return block + "\n\n" })

	payload := []byte("data: 你好世界\n\n")
	var out []byte
	// Feed one byte at a time so rune boundaries never align with reads.
	for _, b := range payload {
		out = append(out, tr.Next([]byte{b})...)
	}
	if string(out) != "data: 你好世界\n\n" {
		t.Fatalf("out = %q", out)
	}
}
