package tferr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	assert.Equal(t, "RateLimited: slow down",
		New(KindRateLimited, "slow down").Error())
	assert.Equal(t, "LocalStoreError: db.open failed: disk full",
		Wrap(KindLocalStoreError, "db.open", errors.New("disk full")).Error())
	assert.Equal(t, "VaultNotFound: vault.get failed for openai: no entry",
		Wrap(KindVaultNotFound, "vault.get", errors.New("no entry")).WithProvider("openai").Error())
}

func TestIsMatchesByKind(t *testing.T) {
	err := Wrap(KindBudgetExceeded, "budget.check", errors.New("over"))
	assert.True(t, errors.Is(err, New(KindBudgetExceeded, "")))
	assert.False(t, errors.Is(err, New(KindRateLimited, "")))

	wrapped := fmt.Errorf("handling request: %w", err)
	assert.True(t, errors.Is(wrapped, New(KindBudgetExceeded, "")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindRiskDenied, KindOf(New(KindRiskDenied, "")))
	assert.Equal(t, KindLocalStoreError, KindOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidCapability:   http.StatusUnauthorized,
		KindProviderRevoked:     http.StatusForbidden,
		KindUnknownProvider:     http.StatusNotFound,
		KindRateLimited:         http.StatusTooManyRequests,
		KindBudgetExceeded:      http.StatusTooManyRequests,
		KindRiskDenied:          http.StatusUnavailableForLegalReasons,
		KindUpstreamUnreachable: http.StatusBadGateway,
		KindVaultLocked:         http.StatusServiceUnavailable,
		KindInvalidArgument:     http.StatusBadRequest,
		KindLocalStoreError:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}

func TestWriteJSONBody(t *testing.T) {
	rec := httptest.NewRecorder()
	err := New(KindRateLimited, "rate limit exceeded").
		WithProvider("openai").
		WithField("rpm_limit", 2)
	WriteJSON(rec, err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RateLimited", body["error"])
	assert.Equal(t, "rate limit exceeded", body["message"])
	assert.Equal(t, "openai", body["provider"])
	assert.EqualValues(t, 2, body["rpm_limit"])
}

// Vault failures must not leak backend detail into wire bodies.
func TestWriteJSONScrubsVaultDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, Wrap(KindVaultLocked, "vault.get",
		errors.New("argon2 mismatch at /home/u/.tokfence/vault.enc")))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "vault is locked", body["message"])
	assert.NotContains(t, rec.Body.String(), "argon2")
	assert.NotContains(t, rec.Body.String(), "vault.enc")
}
