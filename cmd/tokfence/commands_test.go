package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/tferr"
)

func TestEnvVarName(t *testing.T) {
	assert.Equal(t, "OPENAI_BASE_URL", envVarName("openai"))
	assert.Equal(t, "MY_PROXY_BASE_URL", envVarName("my-proxy"))
	assert.Equal(t, "LOCAL_AI_BASE_URL", envVarName("local.ai"))
}

func TestBaseURLExports(t *testing.T) {
	cfg := config.Default(t.TempDir())
	require.NoError(t, cfg.SetProvider("openai", "https://api.openai.com"))
	require.NoError(t, cfg.SetProvider("anthropic", "https://api.anthropic.com"))

	exports, err := baseURLExports(cfg, "")
	require.NoError(t, err)
	assert.Len(t, exports, 2)
	assert.Equal(t, "http://127.0.0.1:9471/openai", exports["OPENAI_BASE_URL"])

	exports, err = baseURLExports(cfg, "anthropic")
	require.NoError(t, err)
	assert.Len(t, exports, 1)
	assert.Equal(t, "http://127.0.0.1:9471/anthropic", exports["ANTHROPIC_BASE_URL"])

	_, err = baseURLExports(cfg, "mistral")
	assert.Equal(t, tferr.KindUnknownProvider, tferr.KindOf(err))
}

func TestBaseURLExportsNoProviders(t *testing.T) {
	cfg := config.Default(t.TempDir())
	_, err := baseURLExports(cfg, "")
	assert.Equal(t, tferr.KindConfigInvalid, tferr.KindOf(err))
}

func TestParseSince(t *testing.T) {
	since, err := parseSince("2h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(-2*time.Hour), since, 5*time.Second)

	since, err = parseSince("2026-08-24T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, since.Year())

	_, err = parseSince("yesterday")
	assert.Equal(t, tferr.KindInvalidArgument, tferr.KindOf(err))
}

func TestPeriodToSince(t *testing.T) {
	day, err := periodToSince("day")
	require.NoError(t, err)
	assert.Equal(t, 0, day.Hour())
	assert.Equal(t, time.Now().UTC().Day(), day.Day())

	month, err := periodToSince("month")
	require.NoError(t, err)
	assert.Equal(t, 1, month.Day())

	_, err = periodToSince("week")
	assert.Equal(t, tferr.KindInvalidArgument, tferr.KindOf(err))
}

func TestDecodeWireError(t *testing.T) {
	err := decodeWireError(429, []byte(`{"error":"RateLimited","message":"rate limit exceeded","provider":"openai"}`))
	assert.True(t, errors.Is(err, tferr.New(tferr.KindRateLimited, "")))
	assert.Contains(t, err.Error(), "rate limit exceeded")

	err = decodeWireError(502, []byte("bad gateway"))
	assert.Contains(t, err.Error(), "502")
}

func TestNewNonce(t *testing.T) {
	a, err := newNonce()
	require.NoError(t, err)
	b, err := newNonce()
	require.NoError(t, err)
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestDaemonDown(t *testing.T) {
	assert.True(t, daemonDown(tferr.New(tferr.KindDaemonNotRunning, "no daemon")))
	assert.False(t, daemonDown(tferr.New(tferr.KindRateLimited, "slow down")))
	assert.False(t, daemonDown(nil))
}
