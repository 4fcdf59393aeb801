package proxy

import (
	"context"
	"encoding/json"
	"errors"
)

// Normalized error types recorded with failed requests.
const (
	ErrTypeStatus4xx       = "status_4xx"
	ErrTypeStatus5xx       = "status_5xx"
	ErrTypeTransport       = "transport_error"
	ErrTypeClientCancelled = "client_cancelled"
)

// ErrorTypeForStatus normalizes an upstream HTTP status into the recorded
// error type, empty for success.
func ErrorTypeForStatus(status int) string {
	switch {
	case status >= 500:
		return ErrTypeStatus5xx
	case status >= 400:
		return ErrTypeStatus4xx
	default:
		return ""
	}
}

// ErrorTypeForTransport classifies a failed upstream dial or read.
func ErrorTypeForTransport(err error) string {
	if errors.Is(err, context.Canceled) {
		return ErrTypeClientCancelled
	}
	return ErrTypeTransport
}

// ExtractErrorMessage pulls a human-readable message out of an upstream
// error body. Providers wrap it several ways; empty when none is found.
func ExtractErrorMessage(body []byte) string {
	var probe struct {
		Error json.RawMessage `json:"error"`
		// Some providers return the message at the top level.
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	if len(probe.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(probe.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if err := json.Unmarshal(probe.Error, &plain); err == nil {
			return plain
		}
	}
	return probe.Message
}
