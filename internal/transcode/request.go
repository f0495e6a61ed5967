// Package transcode translates between the Chat-Completions wire shape
// the client speaks and the Responses-API shape the Codex backend
// expects, in both directions.
package transcode

import (
	"encoding/json"
	"fmt"
	"strings"
)

const orphanOutputLimit = 16000

// strippedFields are Chat-Completions parameters with no Responses-API
// equivalent.
var strippedFields = []string{
	"max_tokens",
	"max_completion_tokens",
	"frequency_penalty",
	"logprobs",
	"top_logprobs",
	"n",
	"presence_penalty",
	"seed",
	"stop",
	"logit_bias",
	"response_format",
	"reasoning_effort",
	"stream_options",
}

// NeedsTranscode reports whether a request body is Chat-Completions
// shaped (has messages, lacks input).
func NeedsTranscode(body map[string]any) bool {
	_, hasMessages := body["messages"]
	_, hasInput := body["input"]
	return hasMessages && !hasInput
}

// ToResponses converts a Chat-Completions request body into a
// Responses-API body. threadID, when set, becomes the prompt cache key.
func ToResponses(body []byte, threadID string) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse chat body: %w", err)
	}

	model, _ := req["model"].(string)
	messages, _ := req["messages"].([]any)

	instructions, input := convertMessages(messages)

	out := make(map[string]any, len(req)+8)
	for k, v := range req {
		out[k] = v
	}
	delete(out, "messages")
	for _, f := range strippedFields {
		delete(out, f)
	}

	if instructions != "" {
		out["instructions"] = instructions
	}
	out["input"] = input
	out["store"] = false
	out["stream"] = true
	out["reasoning"] = map[string]any{
		"effort":  clampEffort(model, requestedEffort(req)),
		"summary": "auto",
	}
	out["text"] = map[string]any{"verbosity": "medium"}
	out["include"] = []any{"reasoning.encrypted_content"}
	if threadID != "" {
		out["prompt_cache_key"] = threadID
	}
	if tools, ok := req["tools"].([]any); ok {
		out["tools"] = flattenTools(tools)
	}
	if tc, ok := req["tool_choice"].(map[string]any); ok {
		out["tool_choice"] = normalizeToolChoice(tc)
	}

	return json.Marshal(out)
}

// convertMessages builds the instructions string and input array. The
// first system or developer message becomes instructions; the rest of
// the conversation maps item by item.
func convertMessages(messages []any) (string, []any) {
	var instructions string
	input := make([]any, 0, len(messages))

	// call_ids issued by assistant turns, so orphaned tool outputs can
	// be detected.
	knownCalls := make(map[string]bool)
	for _, raw := range messages {
		msg, _ := raw.(map[string]any)
		for _, tc := range toolCalls(msg) {
			if id, _ := tc["id"].(string); id != "" {
				knownCalls[id] = true
			}
		}
	}

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		switch role {
		case "system", "developer":
			text := contentText(msg["content"])
			if instructions == "" {
				instructions = text
				continue
			}
			input = append(input, map[string]any{
				"role":    "developer",
				"content": []any{map[string]any{"type": "input_text", "text": text}},
			})

		case "user":
			input = append(input, map[string]any{
				"role":    "user",
				"content": userContent(msg["content"]),
			})

		case "assistant":
			if text := contentText(msg["content"]); text != "" {
				input = append(input, assistantMessage(text))
			}
			for _, tc := range toolCalls(msg) {
				fn, _ := tc["function"].(map[string]any)
				name, _ := fn["name"].(string)
				args, _ := fn["arguments"].(string)
				id, _ := tc["id"].(string)
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   id,
					"name":      name,
					"arguments": args,
				})
			}

		case "tool":
			callID, _ := msg["tool_call_id"].(string)
			output := contentText(msg["content"])
			if knownCalls[callID] {
				input = append(input, map[string]any{
					"type":    "function_call_output",
					"call_id": callID,
					"output":  output,
				})
				continue
			}
			// The client truncated history past the originating call.
			// Surface the result as plain assistant text instead of an
			// output the backend cannot pair.
			name, _ := msg["name"].(string)
			if name == "" {
				name = "tool"
			}
			text := fmt.Sprintf("[Previous %s result; call_id=%s]: %s", name, callID, output)
			if len(text) > orphanOutputLimit {
				text = text[:orphanOutputLimit]
			}
			input = append(input, assistantMessage(text))
		}
	}
	return instructions, input
}

func assistantMessage(text string) map[string]any {
	return map[string]any{
		"type": "message",
		"role": "assistant",
		"content": []any{map[string]any{
			"type":        "output_text",
			"text":        text,
			"annotations": []any{},
		}},
		"status": "completed",
	}
}

// userContent maps a user message's content to input parts, handling
// both the plain-string and the multi-part forms.
func userContent(content any) []any {
	switch v := content.(type) {
	case string:
		return []any{map[string]any{"type": "input_text", "text": v}}
	case []any:
		parts := make([]any, 0, len(v))
		for _, raw := range v {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "text":
				text, _ := part["text"].(string)
				parts = append(parts, map[string]any{"type": "input_text", "text": text})
			case "image_url":
				img := map[string]any{"type": "input_image"}
				switch u := part["image_url"].(type) {
				case string:
					img["image_url"] = u
				case map[string]any:
					img["image_url"] = u["url"]
					if detail, ok := u["detail"]; ok {
						img["detail"] = detail
					}
				}
				parts = append(parts, img)
			}
		}
		return parts
	default:
		return []any{}
	}
}

// contentText flattens string-or-parts content to plain text.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, raw := range v {
			if part, ok := raw.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

func toolCalls(msg map[string]any) []map[string]any {
	raw, _ := msg["tool_calls"].([]any)
	calls := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if tc, ok := r.(map[string]any); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// flattenTools lifts nested Chat-Completions function definitions into
// the flat Responses shape.
func flattenTools(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			out = append(out, tool)
			continue
		}
		flat := map[string]any{"type": "function"}
		for _, k := range []string{"name", "description", "parameters", "strict"} {
			if v, ok := fn[k]; ok {
				flat[k] = v
			}
		}
		out = append(out, flat)
	}
	return out
}

// normalizeToolChoice reduces the nested object form to
// {type:"function", name}.
func normalizeToolChoice(tc map[string]any) any {
	if fn, ok := tc["function"].(map[string]any); ok {
		return map[string]any{"type": "function", "name": fn["name"]}
	}
	return tc
}

// requestedEffort reads the client's reasoning effort, defaulting to
// "high".
func requestedEffort(req map[string]any) string {
	if effort, ok := req["reasoning_effort"].(string); ok && effort != "" {
		return effort
	}
	if r, ok := req["reasoning"].(map[string]any); ok {
		if effort, ok := r["effort"].(string); ok && effort != "" {
			return effort
		}
	}
	return "high"
}

// clampEffort restricts the effort to what each model id accepts.
func clampEffort(model, effort string) string {
	switch {
	case model == "gpt-5.1-codex-mini":
		if effort == "high" || effort == "xhigh" {
			return "high"
		}
		return "medium"
	case model == "gpt-5.1":
		if effort == "xhigh" {
			return "high"
		}
		return effort
	case strings.HasPrefix(model, "gpt-5.2") || strings.HasPrefix(model, "gpt-5.3"):
		if effort == "minimal" {
			return "low"
		}
		return effort
	default:
		return effort
	}
}
