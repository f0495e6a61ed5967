package relay

import (
	"regexp"

	"github.com/tidwall/gjson"
)

// modelFromURLRe is the fallback for Gemini-style paths where the model
// rides in the URL, not the body.
var (
	modelFromURLRe = regexp.MustCompile(`models/([^/:]+)`)
	streamActionRe = regexp.MustCompile(`:stream\w*`)
)

// ParsedBody extracts routing inputs from a request body lazily. Raw is
// never mutated.
type ParsedBody struct {
	Raw []byte
	sub string

	model       string
	modelParsed bool

	stream       bool
	streamParsed bool
}

func ParseBody(raw []byte, sub string) *ParsedBody {
	return &ParsedBody{Raw: raw, sub: sub}
}

// Model returns the client-requested model, preferring the body's model
// field over the URL.
func (b *ParsedBody) Model() string {
	if b.modelParsed {
		return b.model
	}
	b.modelParsed = true

	if m := gjson.GetBytes(b.Raw, "model"); m.Exists() {
		b.model = m.String()
		return b.model
	}
	if m := modelFromURLRe.FindStringSubmatch(b.sub); m != nil {
		b.model = m[1]
	}
	return b.model
}

// Stream reports whether the client asked for a streamed response.
// Gemini-style paths signal it through the action name instead of a
// body flag.
func (b *ParsedBody) Stream() bool {
	if b.streamParsed {
		return b.stream
	}
	b.streamParsed = true

	if s := gjson.GetBytes(b.Raw, "stream"); s.Exists() {
		b.stream = s.Bool()
		return b.stream
	}
	b.stream = modelFromURLRe.MatchString(b.sub) && streamActionRe.MatchString(b.sub)
	return b.stream
}
