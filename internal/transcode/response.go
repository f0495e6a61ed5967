package transcode

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/pi-cli/amp-proxy/internal/sse"
)

// StreamState back-translates a Responses-API SSE stream into
// Chat-Completions chunks. One instance covers one response; it carries
// the identifiers absorbed from response.created and the tool-call
// index allocation.
type StreamState struct {
	model       string
	responseID  string
	created     int64
	nextIndex   int
	toolIndexes map[string]int
	sawTools    bool
	completed   bool
}

func NewStreamState(model string) *StreamState {
	return &StreamState{
		model:       model,
		responseID:  uuid.NewString(),
		created:     time.Now().Unix(),
		toolIndexes: make(map[string]int),
	}
}

// Transform maps one upstream SSE event block to zero or more client
// chunks. It is shaped to plug into an sse.Transformer.
func (s *StreamState) Transform(block string) string {
	data := dataPayload(block)
	if data == "" || data == "[DONE]" {
		return ""
	}

	switch gjson.Get(data, "type").String() {
	case "response.created":
		if id := gjson.Get(data, "response.id").String(); id != "" {
			s.responseID = id
		}
		if created := gjson.Get(data, "response.created_at").Int(); created > 0 {
			s.created = created
		}
		return ""

	case "response.output_item.added":
		item := gjson.Get(data, "item")
		switch item.Get("type").String() {
		case "message":
			if item.Get("role").String() == "assistant" {
				return s.chunk(map[string]any{"role": "assistant", "content": ""}, "")
			}
		case "function_call":
			callID := item.Get("call_id").String()
			index := s.nextIndex
			s.nextIndex++
			s.toolIndexes[callID] = index
			s.sawTools = true
			return s.chunk(map[string]any{
				"tool_calls": []any{map[string]any{
					"index": index,
					"id":    callID,
					"type":  "function",
					"function": map[string]any{
						"name":      item.Get("name").String(),
						"arguments": "",
					},
				}},
			}, "")
		}
		return ""

	case "response.output_text.delta", "response.reasoning_summary_text.delta":
		return s.chunk(map[string]any{"content": gjson.Get(data, "delta").String()}, "")

	case "response.function_call_arguments.delta":
		index, ok := s.toolIndexes[gjson.Get(data, "call_id").String()]
		if !ok {
			return ""
		}
		return s.chunk(map[string]any{
			"tool_calls": []any{map[string]any{
				"index":    index,
				"function": map[string]any{"arguments": gjson.Get(data, "delta").String()},
			}},
		}, "")

	case "response.completed":
		s.completed = true
		finish := "stop"
		if s.sawTools {
			finish = "tool_calls"
		}
		return s.chunk(map[string]any{}, finish, usageFrom(data)...) + "data: [DONE]\n\n"

	default:
		return ""
	}
}

// Finish terminates the client stream if the upstream closed without a
// response.completed event.
func (s *StreamState) Finish() string {
	if s.completed {
		return ""
	}
	s.completed = true
	finish := "stop"
	if s.sawTools {
		finish = "tool_calls"
	}
	return s.chunk(map[string]any{}, finish) + "data: [DONE]\n\n"
}

// chunk renders one Chat-Completions streaming chunk as an SSE data
// line. No event names, matching what OpenAI-compatible clients expect.
func (s *StreamState) chunk(delta map[string]any, finishReason string, usage ...map[string]any) string {
	choice := map[string]any{
		"index":         0,
		"delta":         delta,
		"finish_reason": nil,
	}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	}

	body := map[string]any{
		"id":      "chatcmpl-" + s.responseID,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []any{choice},
	}
	if len(usage) > 0 {
		body["usage"] = usage[0]
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return "data: " + string(encoded) + "\n\n"
}

// usageFrom maps Responses usage fields to Chat-Completions names.
func usageFrom(data string) []map[string]any {
	u := gjson.Get(data, "response.usage")
	if !u.Exists() {
		return nil
	}
	prompt := u.Get("input_tokens").Int()
	completion := u.Get("output_tokens").Int()
	usage := map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      prompt + completion,
	}
	if cached := u.Get("input_tokens_details.cached_tokens"); cached.Exists() {
		usage["prompt_tokens_details"] = map[string]any{"cached_tokens": cached.Int()}
	}
	return []map[string]any{usage}
}

// dataPayload extracts the joined data lines from a raw SSE block.
// Responses streams name their events, but the payload type field is
// authoritative.
func dataPayload(block string) string {
	c, ok := sse.Parse(block)
	if !ok {
		return ""
	}
	return c.Data
}
