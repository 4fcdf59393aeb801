package watcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/vault"
)

func TestParseRemoteUsage(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   RemoteUsage
		parsed bool
	}{
		{
			name: "openai billing total",
			body: `{"object":"list","total_usage":1234.5}`,
			want: RemoteUsage{CostCents: 123450, CostKnown: true},

			parsed: true,
		},
		{
			name: "parts summed",
			body: `{"data":[{"cost_cents":5},{"cost_cents":7}]}`,
			want: RemoteUsage{CostCents: 1200, CostKnown: true},

			parsed: true,
		},
		{
			name: "total beats smaller sum",
			body: `{"total_cost_cents":100,"data":[{"cost_cents":30},{"cost_cents":20}]}`,
			want: RemoteUsage{CostCents: 10000, CostKnown: true},

			parsed: true,
		},
		{
			name: "tokens and requests",
			body: `{"buckets":[{"input_tokens":100,"output_tokens":40,"requests":3},{"input_tokens":50,"output_tokens":10,"requests":2}]}`,
			want: RemoteUsage{InputTokens: 150, OutputTokens: 50, Requests: 5,
				TokensKnown: true, RequestsKnown: true},
			parsed: true,
		},
		{
			name: "anthropic cache tokens count as input",
			body: `{"results":[{"input_tokens":10,"cache_read_input_tokens":90,"output_tokens":5}]}`,
			want: RemoteUsage{InputTokens: 100, OutputTokens: 5, TokensKnown: true},

			parsed: true,
		},
		{
			name: "cost_usd converts to hundredths of a cent",
			body: `{"cost_usd":1.5}`,
			want: RemoteUsage{CostCents: 15000, CostKnown: true},

			parsed: true,
		},
		{
			name:   "nothing recognized",
			body:   `{"status":"ok"}`,
			parsed: false,
		},
		{
			name:   "invalid json",
			body:   `<html>`,
			parsed: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, parsed := ParseRemoteUsage([]byte(tc.body))
			assert.Equal(t, tc.parsed, parsed)
			if tc.parsed {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestUsageEndpoints(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	openai := usageEndpoints("openai", "https://api.openai.com", "", from, to)
	require.Len(t, openai, 3)
	assert.Contains(t, openai[0], "/v1/organization/costs?start_time=")
	assert.Contains(t, openai[1], "start_date=2026-08-01&end_date=2026-08-24")

	anthropic := usageEndpoints("anthropic", "https://api.anthropic.com/", "", from, to)
	require.Len(t, anthropic, 3)
	assert.Contains(t, anthropic[0], "/v1/organizations/cost_report?starting_at=2026-08-01T00:00:00Z")

	custom := usageEndpoints("groq", "https://api.groq.com", "https://example.com/usage", from, to)
	assert.Equal(t, []string{"https://example.com/usage"}, custom)

	assert.Empty(t, usageEndpoints("mystery", "https://x.example", "", from, to))
}

func newWatcherFixture(t *testing.T, upstream string, cfg Config) (*Watcher, *logstore.Store) {
	t.Helper()
	store, err := logstore.Open(filepath.Join(t.TempDir(), "tokfence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	appCfg := config.Default(t.TempDir())
	require.NoError(t, appCfg.SetProvider("openai", upstream))

	v := vault.NewMemoryStore()
	require.NoError(t, v.Set(context.Background(), "openai", "K"))

	if len(cfg.Providers) == 0 {
		cfg.Providers = []string{"openai"}
	}
	w, err := New(cfg, appCfg, store, v)
	require.NoError(t, err)
	return w, store
}

func TestRunOnceLeakSuspected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer K", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total_cost_cents":500,"total_requests":10}`))
	}))
	defer srv.Close()

	w, _ := newWatcherFixture(t, srv.URL, Config{ThresholdUsd: 0.10, ThresholdRequests: 2})

	report := w.RunOnce(context.Background())
	require.Len(t, report.Providers, 1)
	pr := report.Providers[0]
	assert.Empty(t, pr.FetchError)
	// remote $5.00 against zero local spend exceeds the $0.10 threshold
	assert.True(t, pr.LeakSuspected)
	assert.Equal(t, 1, report.Alerts)
	assert.False(t, pr.AutoRevoked)
}

func TestRunOnceWithinThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"total_cost_cents":1}`))
	}))
	defer srv.Close()

	w, _ := newWatcherFixture(t, srv.URL, Config{ThresholdUsd: 1.00})

	report := w.RunOnce(context.Background())
	require.Len(t, report.Providers, 1)
	assert.False(t, report.Providers[0].LeakSuspected)
	assert.Zero(t, report.Alerts)
}

func TestRunOnceAutoRevoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"total_requests":100}`))
	}))
	defer srv.Close()

	w, store := newWatcherFixture(t, srv.URL, Config{ThresholdRequests: 1, AutoRevoke: true})

	report := w.RunOnce(context.Background())
	require.Len(t, report.Providers, 1)
	assert.True(t, report.Providers[0].AutoRevoked)

	revoked, err := store.IsProviderRevoked(context.Background(), "openai")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRunOnceFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	w, _ := newWatcherFixture(t, srv.URL, Config{})

	report := w.RunOnce(context.Background())
	require.Len(t, report.Providers, 1)
	assert.NotEmpty(t, report.Providers[0].FetchError)
	assert.Zero(t, report.Alerts)
}

func TestIdleLeakDetection(t *testing.T) {
	remoteRequests := 10
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"total_requests":%d}`, remoteRequests)
	}))
	defer srv.Close()

	// thresholds high enough that only the idle rule can fire
	w, store := newWatcherFixture(t, srv.URL, Config{ThresholdRequests: 1000, IdleWindow: time.Minute})

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return base }

	// a local request long before the idle window
	require.NoError(t, store.InsertRequest(context.Background(), logstore.RequestRecord{
		ID:        "01TESTIDLE0000000000000000",
		Timestamp: base.Add(-2 * time.Hour),
		Provider:  "openai",
	}))

	first := w.RunOnce(context.Background())
	require.Len(t, first.Providers, 1)
	assert.False(t, first.Providers[0].IdleLeak)

	// remote grew while local stayed idle
	remoteRequests = 20
	w.now = func() time.Time { return base.Add(5 * time.Minute) }
	second := w.RunOnce(context.Background())
	require.Len(t, second.Providers, 1)
	assert.True(t, second.Providers[0].IdleLeak)
	assert.Equal(t, 1, second.Alerts)
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{Interval: time.Second, IdleWindow: time.Second}
	require.NoError(t, cfg.normalize())
	assert.Equal(t, minInterval, cfg.Interval)
	assert.Equal(t, minIdleWindow, cfg.IdleWindow)
	assert.Equal(t, PeriodDay, cfg.Period)

	bad := Config{Period: "weekly"}
	assert.Error(t, bad.normalize())

	negative := Config{ThresholdUsd: -1}
	assert.Error(t, negative.normalize())
}
