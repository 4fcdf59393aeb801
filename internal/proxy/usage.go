package proxy

import (
	"bytes"
	"encoding/json"
)

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type usageFields struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
}

func (f usageFields) toUsage() Usage {
	u := Usage{InputTokens: f.PromptTokens, OutputTokens: f.CompletionTokens}
	if f.InputTokens > u.InputTokens {
		u.InputTokens = f.InputTokens
	}
	if f.OutputTokens > u.OutputTokens {
		u.OutputTokens = f.OutputTokens
	}
	return u
}

// merge keeps the highest value seen for each counter. Streamed responses
// report usage incrementally and the final event carries the totals.
func (u *Usage) merge(other Usage) {
	if other.InputTokens > u.InputTokens {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > u.OutputTokens {
		u.OutputTokens = other.OutputTokens
	}
}

// ParseUsage extracts token counts from a buffered JSON response body. It
// understands the OpenAI usage object, Anthropic's flat input/output counts,
// and Google's usageMetadata.
func ParseUsage(body []byte) Usage {
	var probe struct {
		Usage         *usageFields `json:"usage"`
		UsageMetadata *struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return Usage{}
	}
	var u Usage
	if probe.Usage != nil {
		u.merge(probe.Usage.toUsage())
	}
	if probe.UsageMetadata != nil {
		u.merge(Usage{
			InputTokens:  probe.UsageMetadata.PromptTokenCount,
			OutputTokens: probe.UsageMetadata.CandidatesTokenCount,
		})
	}
	return u
}

// parseSSEEvent extracts usage from a single "data:" payload. Anthropic
// streams carry counts inside message/message_start envelopes, so nested
// objects are probed too.
func parseSSEEvent(payload []byte) Usage {
	var probe struct {
		Usage   *usageFields `json:"usage"`
		Message *struct {
			Usage *usageFields `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Usage{}
	}
	var u Usage
	if probe.Usage != nil {
		u.merge(probe.Usage.toUsage())
	}
	if probe.Message != nil && probe.Message.Usage != nil {
		u.merge(probe.Message.Usage.toUsage())
	}
	return u
}

var sseDataPrefix = []byte("data:")

// ParseSSEUsage walks a captured event stream and accumulates token usage
// from every data event, stopping at the terminal [DONE] marker.
func ParseSSEUsage(stream []byte) Usage {
	var u Usage
	for _, line := range bytes.Split(stream, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, sseDataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(sseDataPrefix):])
		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}
		u.merge(parseSSEEvent(payload))
	}
	return u
}
