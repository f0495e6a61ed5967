package provider

import (
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/pi-cli/amp-proxy/internal/rewrite"
	"github.com/pi-cli/amp-proxy/internal/sse"
)

// Cloud Code Assist endpoints.
const (
	ccaProd     = "https://cloudcode-pa.googleapis.com"
	ccaDaily    = "https://daily-cloudcode-pa.googleapis.com"
	ccaAutopush = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
)

// modelActionRe extracts model and action from Gemini-style paths like
// /v1beta/models/gemini-3-pro:streamGenerateContent.
var modelActionRe = regexp.MustCompile(`models/([^/:]+):(\w+)`)

func parseModelAction(sub string) (model, action string, ok bool) {
	m := modelActionRe.FindStringSubmatch(sub)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// wrapCCABody nests a provider-native body in the envelope unless the
// client already speaks the enveloped form.
func wrapCCABody(body []byte, env rewrite.Envelope) ([]byte, error) {
	if gjson.GetBytes(body, "project").Exists() {
		return body, nil
	}
	return env.Wrap(body)
}

// ccaRewrite unwraps the envelope on each stream payload and restores
// the client's model name.
func ccaRewrite(model string) sse.TransformFunc {
	return func(block string) string {
		c, ok := sse.Parse(block)
		if !ok {
			return block + "\n\n"
		}
		inner, keep := rewrite.UnwrapCCA(c.Data)
		if !keep {
			return ""
		}
		c.Data = rewrite.SubstituteModel(inner, model)
		return c.Encode()
	}
}
