package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
)

func newTestEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	store, err := logstore.Open(filepath.Join(t.TempDir(), "tokfence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	e := NewEngine(store)
	e.now = func() time.Time { return now }
	return e, &now
}

func TestSetBudgetValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	assert.Error(t, e.SetBudget(ctx, "openai", -1, PeriodDaily))
	assert.Error(t, e.SetBudget(ctx, "openai", 1, "weekly"))
	require.NoError(t, e.SetBudget(ctx, "openai", 0.10, PeriodDaily))

	rows, err := e.Status(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1000), rows[0].LimitCents, "$0.10 is 1000 hundredths-of-cents")
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), rows[0].PeriodStart)
}

func TestCheckAndChargeCommit(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SetBudget(ctx, "openai", 0.10, PeriodDaily))

	handle, err := e.CheckAndCharge(ctx, "openai", 200)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, handle, 600))

	rows, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(600), rows[0].CurrentSpendCents, "commit records real cost, not planned")

	// 600 + planned 500 > 1000 -> rejected
	_, err = e.CheckAndCharge(ctx, "openai", 500)
	require.Error(t, err)
	assert.Equal(t, tferr.KindBudgetExceeded, tferr.KindOf(err))

	// discarded handle records nothing
	handle, err = e.CheckAndCharge(ctx, "openai", 100)
	require.NoError(t, err)
	_ = handle
	rows, err = e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(600), rows[0].CurrentSpendCents)
}

func TestGlobalScopeMatchesEveryProvider(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SetBudget(ctx, GlobalScope, 0.05, PeriodDaily))

	handle, err := e.CheckAndCharge(ctx, "anthropic", 0)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, handle, 400))

	handle, err = e.CheckAndCharge(ctx, "openai", 0)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, handle, 100))

	_, err = e.CheckAndCharge(ctx, "mistral", 1)
	require.Error(t, err)
	assert.Equal(t, tferr.KindBudgetExceeded, tferr.KindOf(err))
}

func TestUnbudgetedProviderAlwaysAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	handle, err := e.CheckAndCharge(ctx, "openai", 1_000_000)
	require.NoError(t, err)
	// no rows matched; commit is a no-op
	require.NoError(t, e.Commit(ctx, handle, 1_000_000))
}

func TestDailyRollover(t *testing.T) {
	e, now := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SetBudget(ctx, "openai", 0.10, PeriodDaily))

	handle, err := e.CheckAndCharge(ctx, "openai", 0)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, handle, 1000))

	_, err = e.CheckAndCharge(ctx, "openai", 1)
	require.Error(t, err)

	// next UTC day: spend resets, period start advances
	*now = now.Add(24 * time.Hour)
	rows, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, rows[0].CurrentSpendCents)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), rows[0].PeriodStart)

	_, err = e.CheckAndCharge(ctx, "openai", 500)
	assert.NoError(t, err)
}

func TestMonthlyRollover(t *testing.T) {
	e, now := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SetBudget(ctx, "openai", 5, PeriodMonthly))

	rows, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), rows[0].PeriodStart)

	handle, err := e.CheckAndCharge(ctx, "openai", 0)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, handle, 30000))

	*now = time.Date(2026, 9, 2, 3, 0, 0, 0, time.UTC)
	rows, err = e.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, rows[0].CurrentSpendCents)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), rows[0].PeriodStart)
}

func TestClearBudget(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SetBudget(ctx, "openai", 1, PeriodDaily))
	require.NoError(t, e.SetBudget(ctx, "openai", 10, PeriodMonthly))

	require.NoError(t, e.ClearBudget(ctx, "openai"))
	rows, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
