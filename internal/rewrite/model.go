// Package rewrite adjusts provider response payloads so the client sees
// the request it made: model names are substituted back, thinking
// blocks that would confuse tool-calling turns are dropped, and Cloud
// Code Assist envelopes are wrapped and unwrapped.
package rewrite

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// modelPaths are every location a backend reports its own model name.
var modelPaths = []string{
	"model",
	"message.model",
	"modelVersion",
	"response.model",
	"response.modelVersion",
}

// SubstituteModel replaces backend model names in one JSON payload with
// the model the client asked for. Only existing string values are
// rewritten; "[DONE]" and malformed payloads pass through untouched.
func SubstituteModel(data, model string) string {
	if model == "" || isDone(data) || !gjson.Valid(data) {
		return data
	}
	for _, path := range modelPaths {
		if gjson.Get(data, path).Type == gjson.String {
			if updated, err := sjson.Set(data, path, model); err == nil {
				data = updated
			}
		}
	}
	return data
}

// contentPaths are the array locations thinking blocks appear in.
var contentPaths = []string{"content", "message.content"}

// SuppressThinking removes thinking blocks from a content array that
// also carries tool_use blocks. Payloads without that combination come
// back unchanged.
func SuppressThinking(data string) string {
	if isDone(data) || !gjson.Valid(data) {
		return data
	}
	for _, path := range contentPaths {
		arr := gjson.Get(data, path)
		if !arr.IsArray() {
			continue
		}

		hasTool, hasThinking := false, false
		arr.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "tool_use":
				hasTool = true
			case "thinking", "redacted_thinking":
				hasThinking = true
			}
			return true
		})
		if !hasTool || !hasThinking {
			continue
		}

		var kept []string
		arr.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "thinking", "redacted_thinking":
			default:
				kept = append(kept, block.Raw)
			}
			return true
		})
		if updated, err := sjson.SetRaw(data, path, "["+strings.Join(kept, ",")+"]"); err == nil {
			data = updated
		}
	}
	return data
}

func isDone(data string) bool {
	return strings.TrimSpace(data) == "[DONE]"
}
