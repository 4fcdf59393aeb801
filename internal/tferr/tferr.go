// Package tferr defines the error kinds Tokfence surfaces over the wire and
// the CLI, plus their mapping to HTTP statuses.
package tferr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable error identifier used in JSON bodies and CLI output.
type Kind string

const (
	KindConfigInvalid          Kind = "ConfigInvalid"
	KindVaultNotFound          Kind = "VaultNotFound"
	KindVaultLocked            Kind = "VaultLocked"
	KindVaultCorrupt           Kind = "VaultCorrupt"
	KindUnknownProvider        Kind = "UnknownProvider"
	KindProviderRevoked        Kind = "ProviderRevoked"
	KindRateLimited            Kind = "RateLimited"
	KindBudgetExceeded         Kind = "BudgetExceeded"
	KindRiskDenied             Kind = "RiskDenied"
	KindInvalidCapability      Kind = "InvalidCapability"
	KindUpstreamUnreachable    Kind = "UpstreamUnreachable"
	KindUpstreamStatus         Kind = "UpstreamStatus"
	KindDaemonIdentityMismatch Kind = "DaemonIdentityMismatch"
	KindDaemonNotRunning       Kind = "DaemonNotRunning"
	KindDaemonAlreadyRunning   Kind = "DaemonAlreadyRunning"
	KindFetchFailure           Kind = "FetchFailure"
	KindLocalStoreError        Kind = "LocalStoreError"
	KindInvalidArgument        Kind = "InvalidArgument"
)

// Error is a structured error carrying the kind, the failed operation, and
// the provider it concerns when applicable.
type Error struct {
	Kind     Kind
	Op       string // operation that failed (e.g. "vault.get", "proxy.forward")
	Provider string
	Message  string
	Err      error          // underlying cause
	Fields   map[string]any // extra JSON fields for the wire body
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Provider != "":
		return fmt.Sprintf("%s: %s failed for %s: %s", e.Kind, e.Op, e.Provider, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s failed: %s", e.Kind, e.Op, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind so callers can write errors.Is(err, tferr.New(KindRateLimited, "")).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates an Error with a kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error wrapping a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithProvider attaches the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithField attaches an extra field included in the JSON wire body.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 2)
	}
	e.Fields[key] = value
	return e
}

// KindOf extracts the kind from any error, defaulting to LocalStoreError for
// unrecognized internal failures.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindLocalStoreError
}

// HTTPStatus maps an error kind to the fixed HTTP status the proxy returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidCapability:
		return http.StatusUnauthorized
	case KindProviderRevoked:
		return http.StatusForbidden
	case KindUnknownProvider:
		return http.StatusNotFound
	case KindRateLimited, KindBudgetExceeded:
		return http.StatusTooManyRequests
	case KindRiskDenied:
		return http.StatusUnavailableForLegalReasons
	case KindUpstreamUnreachable:
		return http.StatusBadGateway
	case KindVaultNotFound, KindVaultLocked, KindVaultCorrupt:
		return http.StatusServiceUnavailable
	case KindInvalidArgument, KindConfigInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes the error as the standard JSON body with its mapped status.
func WriteJSON(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	body := map[string]any{
		"error":   kind,
		"message": err.Error(),
	}
	var te *Error
	if errors.As(err, &te) {
		body["message"] = te.publicMessage()
		for k, v := range te.Fields {
			body[k] = v
		}
		if te.Provider != "" {
			body["provider"] = te.Provider
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(body)
}

// publicMessage keeps backend-specific detail out of wire bodies for vault
// failures; credentials infrastructure must not leak through error strings.
func (e *Error) publicMessage() string {
	switch e.Kind {
	case KindVaultLocked:
		return "vault is locked"
	case KindVaultCorrupt:
		return "vault data is corrupt"
	case KindVaultNotFound:
		return "no credential stored for provider"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}
