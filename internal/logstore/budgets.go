package logstore

import (
	"context"
	"fmt"
	"time"
)

// BudgetRow is one (scope, period) spending cap. Scope is a provider name or
// "global"; period is "daily" or "monthly".
type BudgetRow struct {
	Scope             string    `json:"scope"`
	Period            string    `json:"period"`
	LimitCents        int64     `json:"limit_cents"`
	CurrentSpendCents int64     `json:"current_spend_cents"`
	PeriodStart       time.Time `json:"period_start"`
}

// UpsertBudget creates or replaces a budget row.
func (s *Store) UpsertBudget(ctx context.Context, row BudgetRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (scope, period, limit_cents, current_spend_cents, period_start)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, period) DO UPDATE SET
			limit_cents = excluded.limit_cents,
			current_spend_cents = excluded.current_spend_cents,
			period_start = excluded.period_start`,
		row.Scope, row.Period, row.LimitCents, row.CurrentSpendCents,
		row.PeriodStart.UTC().Unix())
	if err != nil {
		return fmt.Errorf("upsert budget: %w", err)
	}
	return nil
}

// DeleteBudgets removes every row for a scope. Idempotent.
func (s *Store) DeleteBudgets(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("delete budgets: %w", err)
	}
	return nil
}

// ListBudgets returns all budget rows.
func (s *Store) ListBudgets(ctx context.Context) ([]BudgetRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, period, limit_cents, current_spend_cents, period_start
		FROM budgets ORDER BY scope, period`)
	if err != nil {
		return nil, fmt.Errorf("query budgets: %w", err)
	}
	defer rows.Close()

	var budgets []BudgetRow
	for rows.Next() {
		var b BudgetRow
		var start int64
		if err := rows.Scan(&b.Scope, &b.Period, &b.LimitCents, &b.CurrentSpendCents, &start); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		b.PeriodStart = time.Unix(start, 0).UTC()
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// ResetBudgetPeriod zeroes the spend and advances the period start for one row.
func (s *Store) ResetBudgetPeriod(ctx context.Context, scope, period string, newStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE budgets SET current_spend_cents = 0, period_start = ?
		WHERE scope = ? AND period = ?`,
		newStart.UTC().Unix(), scope, period)
	if err != nil {
		return fmt.Errorf("reset budget period: %w", err)
	}
	return nil
}

// AddBudgetSpend adds cents to the current spend of one row.
func (s *Store) AddBudgetSpend(ctx context.Context, scope, period string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE budgets SET current_spend_cents = current_spend_cents + ?
		WHERE scope = ? AND period = ?`,
		cents, scope, period)
	if err != nil {
		return fmt.Errorf("add budget spend: %w", err)
	}
	return nil
}
