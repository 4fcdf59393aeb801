// Package budget enforces provider and global spending caps.
package budget

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
)

// GlobalScope matches every provider.
const GlobalScope = "global"

// Valid periods.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// Engine serializes all budget mutations on its own lock. Spend amounts are
// integer hundredths-of-cents throughout.
type Engine struct {
	mu    sync.Mutex
	store *logstore.Store
	now   func() time.Time
}

// NewEngine creates an engine backed by the log store.
func NewEngine(store *logstore.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Handle is the opaque commit token returned by CheckAndCharge. Discarding
// the handle without calling Commit records no spend.
type Handle struct {
	rows         []rowKey
	plannedCents int64
}

type rowKey struct {
	scope  string
	period string
}

// SetBudget creates or overwrites the (scope, period) cap. amountUsd is
// converted to hundredths-of-cents; spend starts at zero for the current
// period.
func (e *Engine) SetBudget(ctx context.Context, scope string, amountUsd float64, period string) error {
	if amountUsd <= 0 {
		return tferr.New(tferr.KindInvalidArgument, "budget amount must be positive")
	}
	period = strings.ToLower(period)
	if period != PeriodDaily && period != PeriodMonthly {
		return tferr.New(tferr.KindInvalidArgument, fmt.Sprintf("unsupported period %q", period))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	return e.store.UpsertBudget(ctx, logstore.BudgetRow{
		Scope:             scope,
		Period:            period,
		LimitCents:        int64(math.Round(amountUsd * 10000)),
		CurrentSpendCents: 0,
		PeriodStart:       periodStart(now, period),
	})
}

// ClearBudget removes all caps for a scope.
func (e *Engine) ClearBudget(ctx context.Context, scope string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.DeleteBudgets(ctx, scope)
}

// Status returns every budget row, rolling over any row whose period has
// elapsed.
func (e *Engine) Status(ctx context.Context) ([]logstore.BudgetRow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rolledOverRows(ctx)
}

// CheckAndCharge is the pre-dispatch gate. It rolls over elapsed periods,
// rejects when any matching row would exceed its limit with plannedCents
// added, and returns a handle for the post-request Commit. The planned
// amount is not recorded; only Commit mutates spend.
func (e *Engine) CheckAndCharge(ctx context.Context, provider string, plannedCents int64) (*Handle, error) {
	if plannedCents < 0 {
		plannedCents = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rows, err := e.rolledOverRows(ctx)
	if err != nil {
		return nil, err
	}

	handle := &Handle{plannedCents: plannedCents}
	for _, row := range rows {
		if row.Scope != provider && row.Scope != GlobalScope {
			continue
		}
		if row.CurrentSpendCents+plannedCents > row.LimitCents {
			return nil, tferr.New(tferr.KindBudgetExceeded, fmt.Sprintf("budget exceeded for %s (%s)", row.Scope, row.Period)).
				WithProvider(provider).
				WithField("limit_cents", row.LimitCents/100).
				WithField("current_spend_cents", row.CurrentSpendCents/100).
				WithField("period", row.Period).
				WithField("scope", row.Scope)
		}
		handle.rows = append(handle.rows, rowKey{scope: row.Scope, period: row.Period})
	}
	return handle, nil
}

// Commit records the measured cost against every row matched at check time.
// The pre-check bounds overshoot to one request's (realCents - plannedCents).
func (e *Engine) Commit(ctx context.Context, handle *Handle, realCents int64) error {
	if handle == nil || len(handle.rows) == 0 || realCents <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, key := range handle.rows {
		if err := e.store.AddBudgetSpend(ctx, key.scope, key.period, realCents); err != nil {
			return err
		}
	}
	return nil
}

// rolledOverRows lists rows, resetting any whose period boundary has passed.
// Caller holds e.mu.
func (e *Engine) rolledOverRows(ctx context.Context) ([]logstore.BudgetRow, error) {
	rows, err := e.store.ListBudgets(ctx)
	if err != nil {
		return nil, tferr.Wrap(tferr.KindLocalStoreError, "budget.list", err)
	}

	now := e.now().UTC()
	for i, row := range rows {
		if periodEnd(row.PeriodStart, row.Period).After(now) {
			continue
		}
		newStart := periodStart(now, row.Period)
		if err := e.store.ResetBudgetPeriod(ctx, row.Scope, row.Period, newStart); err != nil {
			// Rollover failure is non-fatal; the stale row stays in effect.
			log.Warn().Err(err).Str("scope", row.Scope).Str("period", row.Period).Msg("budget rollover failed")
			continue
		}
		rows[i].CurrentSpendCents = 0
		rows[i].PeriodStart = newStart
	}
	return rows, nil
}

// periodStart truncates t to the current period boundary in UTC.
func periodStart(t time.Time, period string) time.Time {
	t = t.UTC()
	if period == PeriodMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func periodEnd(start time.Time, period string) time.Time {
	if period == PeriodMonthly {
		return start.AddDate(0, 1, 0)
	}
	return start.Add(24 * time.Hour)
}
