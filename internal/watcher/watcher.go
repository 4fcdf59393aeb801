// Package watcher reconciles local proxy totals against provider-reported
// usage and raises alerts when the remote side grows beyond what the proxy
// has seen.
package watcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/proxy"
	"github.com/tokfence/tokfence/internal/tferr"
	"github.com/tokfence/tokfence/internal/vault"
)

const (
	// PeriodDay reconciles against today's usage, PeriodMonth against the
	// calendar month so far.
	PeriodDay   = "day"
	PeriodMonth = "month"

	minInterval   = 10 * time.Second
	minIdleWindow = time.Minute

	endpointTimeout = 15 * time.Second
	maxUsageBody    = 4 << 20
)

// Config controls a reconciliation run.
type Config struct {
	Providers         []string
	Period            string
	Interval          time.Duration
	ThresholdUsd      float64
	ThresholdTokens   int64
	ThresholdRequests int64
	IdleWindow        time.Duration
	AutoRevoke        bool
	// CustomEndpoints maps provider name to a full usage URL, replacing
	// the built-in endpoint list.
	CustomEndpoints map[string]string
}

func (c *Config) normalize() error {
	if c.Period == "" {
		c.Period = PeriodDay
	}
	if c.Period != PeriodDay && c.Period != PeriodMonth {
		return tferr.New(tferr.KindInvalidArgument, fmt.Sprintf("unknown watch period %q", c.Period))
	}
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
	if c.IdleWindow < minIdleWindow {
		c.IdleWindow = minIdleWindow
	}
	if c.ThresholdUsd < 0 || c.ThresholdTokens < 0 || c.ThresholdRequests < 0 {
		return tferr.New(tferr.KindInvalidArgument, "watch thresholds must be non-negative")
	}
	return nil
}

// ProviderReport is one provider's reconciliation outcome within a cycle.
type ProviderReport struct {
	Provider      string          `json:"provider"`
	Local         logstore.Totals `json:"local"`
	Remote        RemoteUsage     `json:"remote"`
	DeltaCents    int64           `json:"delta_cents"`
	DeltaTokens   int64           `json:"delta_tokens"`
	DeltaRequests int64           `json:"delta_requests"`
	LeakSuspected bool            `json:"leak_suspected"`
	IdleLeak      bool            `json:"idle_leak"`
	AutoRevoked   bool            `json:"auto_revoked"`
	FetchError    string          `json:"fetch_error,omitempty"`
}

// Report is one reconciliation cycle across all watched providers.
type Report struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Period      string           `json:"period"`
	Alerts      int              `json:"alerts"`
	Providers   []ProviderReport `json:"providers"`
}

// Watcher runs reconciliation cycles. Remote totals from the previous cycle
// are kept in memory for idle-leak detection.
type Watcher struct {
	cfg    Config
	appCfg *config.Config
	store  *logstore.Store
	vault  vault.Store
	client *http.Client
	now    func() time.Time

	mu         sync.Mutex
	prevRemote map[string]RemoteUsage
}

// New validates the configuration and builds a watcher.
func New(cfg Config, appCfg *config.Config, store *logstore.Store, v vault.Store) (*Watcher, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = appCfg.ProviderNames()
	}
	return &Watcher{
		cfg:        cfg,
		appCfg:     appCfg,
		store:      store,
		vault:      v,
		client:     &http.Client{Timeout: endpointTimeout},
		now:        time.Now,
		prevRemote: map[string]RemoteUsage{},
	}, nil
}

// Run emits a report every interval until the context is cancelled.
func (w *Watcher) Run(ctx context.Context, emit func(Report)) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	emit(w.RunOnce(ctx))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			emit(w.RunOnce(ctx))
		}
	}
}

// RunOnce executes a single reconciliation cycle.
func (w *Watcher) RunOnce(ctx context.Context) Report {
	now := w.now().UTC()
	report := Report{GeneratedAt: now, Period: w.cfg.Period}

	for _, provider := range w.cfg.Providers {
		pr := w.checkProvider(ctx, provider, now)
		if pr.LeakSuspected || pr.IdleLeak {
			report.Alerts++
		}
		report.Providers = append(report.Providers, pr)
	}
	return report
}

func (w *Watcher) periodStart(now time.Time) time.Time {
	if w.cfg.Period == PeriodMonth {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (w *Watcher) checkProvider(ctx context.Context, provider string, now time.Time) ProviderReport {
	pr := ProviderReport{Provider: provider}
	from := w.periodStart(now)

	local, err := w.store.TotalsSince(ctx, provider, from)
	if err != nil {
		pr.FetchError = "local totals unavailable"
		log.Warn().Str("provider", provider).Err(err).Msg("watcher local totals failed")
		return pr
	}
	pr.Local = local

	remote, err := w.fetchRemote(ctx, provider, from, now)
	if err != nil {
		pr.FetchError = err.Error()
		log.Warn().Str("provider", provider).Err(err).Msg("watcher remote fetch failed")
		return pr
	}
	pr.Remote = remote

	pr.DeltaCents = remote.CostCents - local.CostCents
	pr.DeltaTokens = remote.TotalTokens() - (local.InputTokens + local.OutputTokens)
	pr.DeltaRequests = remote.Requests - local.RequestCount

	// thresholdUsd is dollars; internal cost units are hundredths of a cent
	if remote.CostKnown && float64(pr.DeltaCents) > w.cfg.ThresholdUsd*10000 {
		pr.LeakSuspected = true
	}
	if remote.TokensKnown && pr.DeltaTokens > w.cfg.ThresholdTokens {
		pr.LeakSuspected = true
	}
	if remote.RequestsKnown && pr.DeltaRequests > w.cfg.ThresholdRequests {
		pr.LeakSuspected = true
	}

	w.mu.Lock()
	prev, hadPrev := w.prevRemote[provider]
	w.prevRemote[provider] = remote
	w.mu.Unlock()

	if hadPrev && !local.LastRequestAt.IsZero() &&
		now.Sub(local.LastRequestAt) >= w.cfg.IdleWindow && remote.Exceeds(prev) {
		pr.IdleLeak = true
	}

	if (pr.LeakSuspected || pr.IdleLeak) && w.cfg.AutoRevoke {
		if err := w.store.SetProviderRevoked(ctx, provider, true); err != nil {
			log.Error().Str("provider", provider).Err(err).Msg("auto-revoke failed")
		} else {
			pr.AutoRevoked = true
			log.Warn().Str("provider", provider).Msg("provider auto-revoked by watcher")
		}
	}
	return pr
}

// fetchRemote tries the provider's usage endpoints in order; the first
// response that parses wins.
func (w *Watcher) fetchRemote(ctx context.Context, provider string, from, to time.Time) (RemoteUsage, error) {
	pcfg, ok := w.appCfg.Providers[provider]
	if !ok {
		return RemoteUsage{}, tferr.New(tferr.KindUnknownProvider, fmt.Sprintf("provider %q is not configured", provider)).WithProvider(provider)
	}
	endpoints := usageEndpoints(provider, pcfg.Upstream, w.cfg.CustomEndpoints[provider], from, to)
	if len(endpoints) == 0 {
		return RemoteUsage{}, tferr.New(tferr.KindFetchFailure, "no usage endpoint known; supply --usage-endpoint").WithProvider(provider)
	}

	credential, err := w.vault.Get(ctx, provider)
	if err != nil {
		return RemoteUsage{}, err
	}

	var lastErr error
	for _, endpoint := range endpoints {
		usage, err := w.fetchOne(ctx, provider, endpoint, credential)
		if err == nil {
			return usage, nil
		}
		lastErr = err
		log.Debug().Str("provider", provider).Err(err).Msg("usage endpoint failed, trying next")
	}
	return RemoteUsage{}, tferr.Wrap(tferr.KindFetchFailure, "watcher.fetch", lastErr).WithProvider(provider)
}

func (w *Watcher) fetchOne(ctx context.Context, provider, endpoint, credential string) (RemoteUsage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, endpointTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RemoteUsage{}, err
	}
	proxy.ApplyProviderAuth(req.Header, provider, credential)

	resp, err := w.client.Do(req)
	if err != nil {
		return RemoteUsage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RemoteUsage{}, fmt.Errorf("usage endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUsageBody))
	if err != nil {
		return RemoteUsage{}, err
	}
	usage, parsed := ParseRemoteUsage(body)
	if !parsed {
		return RemoteUsage{}, fmt.Errorf("no recognizable usage fields in response")
	}
	return usage, nil
}
