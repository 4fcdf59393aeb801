package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// IsStreamingRequest reports whether the client asked for a streamed
// response, via the Accept header or the body's stream flag.
func IsStreamingRequest(r *http.Request, body []byte) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return IsStreamingJSON(body)
}

// IsStreamingJSON reports whether a JSON request body carries "stream":true.
func IsStreamingJSON(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}

// IsSSEContentType reports whether a response content type is a server-sent
// event stream.
func IsSSEContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

// ExtractModel pulls the model name from a JSON request body, empty when
// absent or unparseable.
func ExtractModel(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}

// RequestHash is a stable digest of the request body, stored with the
// request record instead of the body itself.
func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}

// EstimateInputTokens approximates the input token count from the request
// body size. Four bytes per token tracks English prose closely enough for a
// pre-dispatch budget check.
func EstimateInputTokens(body []byte) int64 {
	return int64(len(body)) / 4
}
