package rewrite

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Envelope describes how one Cloud Code Assist caller identifies
// itself on the wire.
type Envelope struct {
	Project     string
	Model       string
	UserAgent   string
	IDPrefix    string
	RequestType string // empty for callers that omit it
}

// Wrap nests a provider-native request body inside the Cloud Code
// Assist envelope.
func (e Envelope) Wrap(inner []byte) ([]byte, error) {
	out := "{}"
	var err error
	for _, step := range []struct {
		path  string
		value string
	}{
		{"model", e.Model},
		{"project", e.Project},
		{"userAgent", e.UserAgent},
		{"requestId", e.requestID()},
	} {
		if out, err = sjson.Set(out, step.path, step.value); err != nil {
			return nil, fmt.Errorf("build envelope %s: %w", step.path, err)
		}
	}
	if e.RequestType != "" {
		if out, err = sjson.Set(out, "requestType", e.RequestType); err != nil {
			return nil, fmt.Errorf("build envelope requestType: %w", err)
		}
	}
	if out, err = sjson.SetRaw(out, "request", string(inner)); err != nil {
		return nil, fmt.Errorf("nest request: %w", err)
	}
	return []byte(out), nil
}

// requestID is "<prefix>-<epochMillis>-<8 hex chars>".
func (e Envelope) requestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s-%d-%s", e.IDPrefix, time.Now().UnixMilli(), hex.EncodeToString(b))
}

// UnwrapCCA strips the {response, traceId} envelope from one stream
// payload, returning the inner provider-native body. Payloads without
// an envelope pass through; "[DONE]" is dropped because the client
// expects provider framing, not Cloud Code Assist framing.
func UnwrapCCA(data string) (string, bool) {
	if isDone(data) {
		return "", false
	}
	if inner := gjson.Get(data, "response"); inner.Exists() {
		return inner.Raw, true
	}
	return data, true
}
