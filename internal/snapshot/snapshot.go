// Package snapshot renders the daemon's state to a JSON file consumed by the
// desktop UI and the menu-bar widget. The file never contains credentials.
package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokfence/tokfence/internal/budget"
	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
	"github.com/tokfence/tokfence/internal/vault"
)

// Budget is one budget row as shown to the UI, amounts in whole cents.
type Budget struct {
	Scope             string `json:"scope"`
	Period            string `json:"period"`
	LimitCents        int64  `json:"limit_cents"`
	CurrentSpendCents int64  `json:"current_spend_cents"`
}

// Snapshot is the on-disk UI contract.
type Snapshot struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Running         bool           `json:"running"`
	ListenAddr      string         `json:"listen_addr,omitempty"`
	TodayRequests   int64          `json:"today_requests"`
	TodayInput      int64          `json:"today_input_tokens"`
	TodayOutput     int64          `json:"today_output_tokens"`
	TodayCostCents  int64          `json:"today_cost_cents"`
	TopProvider     string         `json:"top_provider,omitempty"`
	TopProviderCost int64          `json:"top_provider_cost_cents,omitempty"`
	Budgets         []Budget       `json:"budgets"`
	Revoked         []string       `json:"revoked_providers"`
	VaultProviders  []string       `json:"vault_providers"`
	RateLimits      map[string]int `json:"rate_limits"`
	LastRequestAt   *time.Time     `json:"last_request_at,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
}

// Builder assembles snapshots from the live stores. The config is fetched
// through a getter so live reloads are reflected in the next render.
type Builder struct {
	cfg    func() *config.Config
	store  *logstore.Store
	engine *budget.Engine
	vault  vault.Store
	now    func() time.Time
}

func NewBuilder(cfg func() *config.Config, store *logstore.Store, engine *budget.Engine, v vault.Store) *Builder {
	return &Builder{cfg: cfg, store: store, engine: engine, vault: v, now: time.Now}
}

// Build renders the current state. Individual lookups failing produce a
// warning rather than an error so a degraded snapshot is still written.
func (b *Builder) Build(ctx context.Context, running bool, listenAddr string) Snapshot {
	now := b.now().UTC()
	snap := Snapshot{
		GeneratedAt:    now,
		Running:        running,
		ListenAddr:     listenAddr,
		Budgets:        []Budget{},
		Revoked:        []string{},
		VaultProviders: []string{},
		RateLimits:     map[string]int{},
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	totals, err := b.store.TotalsSince(ctx, "", dayStart)
	if err != nil {
		snap.Warnings = append(snap.Warnings, "request totals unavailable")
	} else {
		snap.TodayRequests = totals.RequestCount
		snap.TodayInput = totals.InputTokens
		snap.TodayOutput = totals.OutputTokens
		snap.TodayCostCents = totals.CostCents / 100
		if !totals.LastRequestAt.IsZero() {
			last := totals.LastRequestAt
			snap.LastRequestAt = &last
		}
	}

	if top, cost, err := b.store.TopProviderByCost(ctx, dayStart); err == nil && top != "" {
		snap.TopProvider = top
		snap.TopProviderCost = cost / 100
	}

	if statuses, err := b.engine.Status(ctx); err != nil {
		snap.Warnings = append(snap.Warnings, "budget status unavailable")
	} else {
		for _, row := range statuses {
			snap.Budgets = append(snap.Budgets, Budget{
				Scope:             row.Scope,
				Period:            row.Period,
				LimitCents:        row.LimitCents / 100,
				CurrentSpendCents: row.CurrentSpendCents / 100,
			})
		}
	}

	if revoked, err := b.store.RevokedProviders(ctx); err != nil {
		snap.Warnings = append(snap.Warnings, "revocation state unavailable")
	} else {
		snap.Revoked = revoked
	}

	// intersect the vault list with configured providers so stray keyring
	// entries do not leak into the UI
	if names, err := b.vault.List(ctx); err != nil {
		snap.Warnings = append(snap.Warnings, "vault listing unavailable")
	} else {
		providers := b.cfg().Providers
		for _, name := range names {
			if _, ok := providers[name]; ok {
				snap.VaultProviders = append(snap.VaultProviders, name)
			}
		}
	}

	if limits, err := b.store.ListRateLimits(ctx); err != nil {
		snap.Warnings = append(snap.Warnings, "rate limit state unavailable")
	} else {
		snap.RateLimits = limits
	}

	return snap
}

// Write renders and atomically replaces the snapshot file.
func (b *Builder) Write(ctx context.Context, running bool, listenAddr string) error {
	snap := b.Build(ctx, running, listenAddr)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "snapshot.encode", err)
	}

	path := b.cfg().SnapshotPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "snapshot.mkdir", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "snapshot.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return tferr.Wrap(tferr.KindLocalStoreError, "snapshot.rename", err)
	}
	return nil
}

// Run writes the snapshot on an interval until the context is cancelled,
// then writes a final not-running snapshot.
func (b *Builder) Run(ctx context.Context, interval time.Duration, listenAddr string) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := b.Write(ctx, true, listenAddr); err != nil {
		log.Warn().Err(err).Msg("snapshot write failed")
	}
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.Write(finalCtx, false, ""); err != nil {
				log.Warn().Err(err).Msg("final snapshot write failed")
			}
			return
		case <-ticker.C:
			if err := b.Write(ctx, true, listenAddr); err != nil {
				log.Warn().Err(err).Msg("snapshot write failed")
			}
		}
	}
}
