package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokfence/tokfence/internal/budget"
	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
	"github.com/tokfence/tokfence/internal/vault"
)

type fixture struct {
	server *Server
	store  *logstore.Store
	cfg    *config.Config
	ts     *httptest.Server
}

func newFixture(t *testing.T, upstream string) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	cfg := config.Default(dataDir)
	require.NoError(t, cfg.SetProvider("openai", upstream))

	store, err := logstore.Open(filepath.Join(dataDir, "tokfence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v := vault.NewMemoryStore()
	require.NoError(t, v.Set(context.Background(), "openai", "K"))

	srv, err := NewServer(cfg, v, store, budget.NewEngine(store))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: srv, store: store, cfg: cfg, ts: ts}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestProxyHappyPath(t *testing.T) {
	var gotAuth, gotAPIKey, gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("X-Api-Key")
		gotCookie = r.Header.Get("Cookie")
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","model":"gpt-4o-mini","usage":{"prompt_tokens":9,"completion_tokens":12},"choices":[{"message":{"content":"OK"}}]}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/openai/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"say OK"}]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer client-side-secret")
	req.Header.Set("Cookie", "session=1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer K", gotAuth)
	assert.Empty(t, gotAPIKey)
	assert.Empty(t, gotCookie)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"content":"OK"`)

	requestID := resp.Header.Get(RequestIDHeader)
	require.NotEmpty(t, requestID)

	record, err := f.store.GetRequest(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, "openai", record.Provider)
	assert.Equal(t, "gpt-4o-mini", record.Model)
	assert.Equal(t, 200, record.StatusCode)
	assert.EqualValues(t, 9, record.InputTokens)
	assert.EqualValues(t, 12, record.OutputTokens)
	assert.False(t, record.IsStreaming)
	assert.NotEmpty(t, record.RequestHash)
}

func TestProxyUnknownProvider(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")

	resp, err := http.Get(f.ts.URL + "/mystery/v1/models")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UnknownProvider", body["error"])

	records, err := f.store.ListRequests(context.Background(), logstore.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProxyRevokedProvider(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")
	require.NoError(t, f.store.SetProviderRevoked(context.Background(), "openai", true))

	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini"}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ProviderRevoked", body["error"])
}

func TestProxyRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	require.NoError(t, f.store.SetRateLimit(context.Background(), "openai", 2))

	var last *http.Response
	for i := 0; i < 3; i++ {
		resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
			strings.NewReader(`{"model":"gpt-4o-mini"}`))
		require.NoError(t, err)
		if i < 2 {
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			continue
		}
		last = resp
	}
	body := decodeBody(t, last)
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.Equal(t, "RateLimited", body["error"])
	assert.EqualValues(t, 2, body["rpm_limit"])
}

// Shutdown must give in-flight streams the full response window to drain.
func TestShutdownDeadlineCoversStreams(t *testing.T) {
	assert.GreaterOrEqual(t, shutdownTimeout, writeTimeout)
}

// A budget charged to exactly its limit must refuse the next request: the
// planned estimate rounds up, so even a tiny body pushes past the limit.
func TestProxyBudgetAtLimitRefused(t *testing.T) {
	var upstreamCalls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	ctx := context.Background()

	engine := f.server.budget
	require.NoError(t, engine.SetBudget(ctx, "openai", 0.10, budget.PeriodDaily))
	handle, err := engine.CheckAndCharge(ctx, "openai", 0)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(ctx, handle, 1000))

	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "BudgetExceeded", body["error"])
	assert.EqualValues(t, 10, body["limit_cents"])
	assert.EqualValues(t, 10, body["current_spend_cents"])
	assert.Zero(t, upstreamCalls.Load())

	records, err := f.store.ListRequests(ctx, logstore.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProxyBudgetExceeded(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")
	ctx := context.Background()

	engine := f.server.budget
	require.NoError(t, engine.SetBudget(ctx, "openai", 0.10, budget.PeriodDaily))
	// spend past the limit so the pre-check refuses before upstream contact
	handle, err := engine.CheckAndCharge(ctx, "openai", 0)
	require.NoError(t, err)
	require.NoError(t, engine.Commit(ctx, handle, 1100))

	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini","messages":[]}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "BudgetExceeded", body["error"])
	// wire body reports whole cents
	assert.EqualValues(t, 10, body["limit_cents"])
	assert.EqualValues(t, 11, body["current_spend_cents"])

	records, err := f.store.ListRequests(ctx, logstore.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProxyStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		time.Sleep(10 * time.Millisecond) // make ttft measurable
		flusher := w.(http.Flusher)
		for _, chunk := range []string{
			`data: {"choices":[{"delta":{"content":"O"}}]}`,
			`data: {"choices":[{"delta":{"content":"K"}}],"usage":{"prompt_tokens":8,"completion_tokens":2}}`,
			`data: [DONE]`,
		} {
			fmt.Fprintf(w, "%s\n\n", chunk)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)

	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"say OK"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "data: [DONE]")

	record, err := f.store.GetRequest(context.Background(), resp.Header.Get(RequestIDHeader))
	require.NoError(t, err)
	assert.True(t, record.IsStreaming)
	assert.Greater(t, record.TTFTMS, int64(0))
	assert.EqualValues(t, 8, record.InputTokens)
	assert.EqualValues(t, 2, record.OutputTokens)
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	// closed port
	f := newFixture(t, "http://127.0.0.1:1")

	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini"}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "UpstreamUnreachable", body["error"])

	record, err := f.store.GetRequest(context.Background(), resp.Header.Get(RequestIDHeader))
	require.NoError(t, err)
	assert.Equal(t, 0, record.StatusCode)
	assert.Equal(t, "transport_error", record.ErrorType)
}

func TestProxySecretSensorDeniesRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)

	// a credential-shaped token in the body escalates the session to
	// YELLOW, where a POST to a non-safe route is refused
	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"use sk-abc123def456ghi789jkl012"}]}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusUnavailableForLegalReasons, resp.StatusCode)
	assert.Equal(t, "RiskDenied", body["error"])
	assert.Equal(t, "YELLOW", body["risk_state"])
}

func TestProxyCanaryLeakEscalatesToRed(t *testing.T) {
	canary := ""
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"choices":[{"message":{"content":"marker %s"}}]}`, canary)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	canary = f.server.immune.Canary()

	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini","messages":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the default session is now RED; all further traffic is refused
	resp2, err := http.Get(f.ts.URL + "/openai/v1/models")
	require.NoError(t, err)
	body := decodeBody(t, resp2)
	assert.Equal(t, http.StatusUnavailableForLegalReasons, resp2.StatusCode)
	assert.Equal(t, "RED", body["risk_state"])
}

func TestProxySafeRouteAllowedUnderYellow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	f.server.immune.Risk.Escalate("default", "secret_leak")

	resp, err := http.Get(f.ts.URL + "/openai/v1/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlHealthAndStatus(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")

	resp, err := http.Get(f.ts.URL + "/__tokfence/health")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])

	resp2, err := http.Get(f.ts.URL + "/__tokfence/status")
	require.NoError(t, err)
	status := decodeBody(t, resp2)
	assert.Equal(t, "GREEN", status["risk_state"])
	assert.Equal(t, true, status["immune_enabled"])
}

func TestControlRevokeRestore(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")

	resp, err := http.Post(f.ts.URL+"/__tokfence/revoke?provider=openai", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	revoked, err := f.store.IsProviderRevoked(context.Background(), "openai")
	require.NoError(t, err)
	assert.True(t, revoked)

	resp2, err := http.Post(f.ts.URL+"/__tokfence/restore?provider=openai", "", nil)
	require.NoError(t, err)
	resp2.Body.Close()

	revoked, err = f.store.IsProviderRevoked(context.Background(), "openai")
	require.NoError(t, err)
	assert.False(t, revoked)

	// unknown provider refuses
	resp3, err := http.Post(f.ts.URL+"/__tokfence/revoke?provider=nope", "", nil)
	require.NoError(t, err)
	body := decodeBody(t, resp3)
	assert.Equal(t, "UnknownProvider", body["error"])
}

func TestControlKillUnkill(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")
	require.NoError(t, f.cfg.SetProvider("anthropic", "https://api.anthropic.com"))

	resp, err := http.Post(f.ts.URL+"/__tokfence/kill", "", nil)
	require.NoError(t, err)
	resp.Body.Close()

	revoked, err := f.store.RevokedProviders(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"openai", "anthropic"}, revoked)

	resp2, err := http.Post(f.ts.URL+"/__tokfence/unkill", "", nil)
	require.NoError(t, err)
	resp2.Body.Close()

	revoked, err = f.store.RevokedProviders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

func TestControlBudgets(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")

	resp, err := http.Post(f.ts.URL+"/__tokfence/budgets", "application/json",
		strings.NewReader(`{"scope":"openai","amount_usd":5,"period":"daily"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.ts.URL + "/__tokfence/budgets")
	require.NoError(t, err)
	body := decodeBody(t, resp2)
	budgets := body["budgets"].([]any)
	require.Len(t, budgets, 1)
	row := budgets[0].(map[string]any)
	assert.Equal(t, "openai", row["scope"])
	assert.EqualValues(t, 500, row["limit_cents"])
	start, err := time.Parse(time.RFC3339, row["period_start"].(string))
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Now().UTC().Truncate(24*time.Hour)))

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/__tokfence/budgets?scope=openai", nil)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestControlRateLimits(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")

	resp, err := http.Post(f.ts.URL+"/__tokfence/ratelimits?provider=openai&rpm=30", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.ts.URL + "/__tokfence/ratelimits")
	require.NoError(t, err)
	body := decodeBody(t, resp2)
	limits := body["rate_limits"].(map[string]any)
	assert.EqualValues(t, 30, limits["openai"])
}

func TestControlRequestsAndStats(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"usage":{"prompt_tokens":5,"completion_tokens":5}}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini"}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp2, err := http.Get(f.ts.URL + "/__tokfence/requests?provider=openai")
	require.NoError(t, err)
	body := decodeBody(t, resp2)
	assert.Len(t, body["requests"].([]any), 1)

	resp3, err := http.Get(f.ts.URL + "/__tokfence/stats?by=provider")
	require.NoError(t, err)
	stats := decodeBody(t, resp3)
	groups := stats["groups"].([]any)
	require.Len(t, groups, 1)
	assert.Equal(t, "openai", groups[0].(map[string]any)["key"])
}

func TestControlSnapshotNeverContainsCredential(t *testing.T) {
	f := newFixture(t, "https://api.openai.com")

	resp, err := http.Get(f.ts.URL + "/__tokfence/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(raw), `"K"`)
	assert.Contains(t, string(raw), `"vault_providers"`)
}

func TestControlMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	resp, err := http.Post(f.ts.URL+"/openai/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o-mini"}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp2, err := http.Get(f.ts.URL + "/__tokfence/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	raw, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "tokfence_requests_total")
}

func TestSocketPathTooLong(t *testing.T) {
	dataDir := t.TempDir()
	cfg := config.Default(dataDir)
	require.NoError(t, cfg.SetProvider("openai", "https://api.openai.com"))
	cfg.Daemon.SocketPath = filepath.Join(dataDir, strings.Repeat("x", 120), "tokfence.sock")
	cfg.Daemon.Port = 0

	store, err := logstore.Open(filepath.Join(dataDir, "tokfence.db"))
	require.NoError(t, err)
	defer store.Close()

	srv, err := NewServer(cfg, vault.NewMemoryStore(), store, budget.NewEngine(store))
	require.NoError(t, err)

	_, lerr := srv.openListeners(&http.Server{Handler: srv.Handler()})
	require.Error(t, lerr)
	assert.Equal(t, tferr.KindConfigInvalid, tferr.KindOf(lerr))
}

func TestRunServesOnUnixSocket(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	dataDir := t.TempDir()
	cfg := config.Default(dataDir)
	require.NoError(t, cfg.SetProvider("openai", upstream.URL))
	cfg.Daemon.SocketPath = filepath.Join(dataDir, "t.sock")
	cfg.Daemon.Port = 0 // unix only

	store, err := logstore.Open(filepath.Join(dataDir, "tokfence.db"))
	require.NoError(t, err)
	defer store.Close()

	v := vault.NewMemoryStore()
	require.NoError(t, v.Set(context.Background(), "openai", "K"))

	srv, err := NewServer(cfg, v, store, budget.NewEngine(store))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (conn net.Conn, err error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", cfg.Daemon.SocketPath)
		},
	}}

	require.Eventually(t, func() bool {
		resp, err := client.Get("http://tokfence/__tokfence/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 25*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	_, err = os.Stat(cfg.Daemon.SocketPath)
	assert.True(t, os.IsNotExist(err))
}
