package logstore

import (
	"context"
	"database/sql"
	"fmt"
)

// SetProviderRevoked sets the revoked flag for one provider.
func (s *Store) SetProviderRevoked(ctx context.Context, provider string, revoked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if revoked {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_state (provider, revoked) VALUES (?, ?)
		ON CONFLICT(provider) DO UPDATE SET revoked = excluded.revoked`,
		provider, flag)
	if err != nil {
		return fmt.Errorf("set provider state: %w", err)
	}
	return nil
}

// SetAllProvidersRevoked toggles the flag for every listed provider in one
// transaction. This backs the kill/unkill switch.
func (s *Store) SetAllProvidersRevoked(ctx context.Context, providers []string, revoked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if revoked {
		flag = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, provider := range providers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO provider_state (provider, revoked) VALUES (?, ?)
			ON CONFLICT(provider) DO UPDATE SET revoked = excluded.revoked`,
			provider, flag); err != nil {
			return fmt.Errorf("set provider state for %s: %w", provider, err)
		}
	}
	return tx.Commit()
}

// IsProviderRevoked reports the revoked flag; unknown providers default to
// not-revoked.
func (s *Store) IsProviderRevoked(ctx context.Context, provider string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT revoked FROM provider_state WHERE provider = ?`, provider).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query provider state: %w", err)
	}
	return revoked == 1, nil
}

// RevokedProviders lists all providers currently revoked.
func (s *Store) RevokedProviders(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT provider FROM provider_state WHERE revoked = 1 ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query revoked providers: %w", err)
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// SetRateLimit stores the RPM ceiling for a provider.
func (s *Store) SetRateLimit(ctx context.Context, provider string, rpm int) error {
	if rpm <= 0 {
		return fmt.Errorf("rpm must be positive, got %d", rpm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (provider, rpm) VALUES (?, ?)
		ON CONFLICT(provider) DO UPDATE SET rpm = excluded.rpm`,
		provider, rpm)
	if err != nil {
		return fmt.Errorf("set rate limit: %w", err)
	}
	return nil
}

// ClearRateLimit removes a provider's RPM ceiling. Idempotent.
func (s *Store) ClearRateLimit(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("clear rate limit: %w", err)
	}
	return nil
}

// GetRateLimit returns the configured RPM, or 0 when unset.
func (s *Store) GetRateLimit(ctx context.Context, provider string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rpm int
	err := s.db.QueryRowContext(ctx,
		`SELECT rpm FROM rate_limits WHERE provider = ?`, provider).Scan(&rpm)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query rate limit: %w", err)
	}
	return rpm, nil
}

// ListRateLimits returns every provider's configured RPM.
func (s *Store) ListRateLimits(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT provider, rpm FROM rate_limits ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query rate limits: %w", err)
	}
	defer rows.Close()

	limits := make(map[string]int)
	for rows.Next() {
		var provider string
		var rpm int
		if err := rows.Scan(&provider, &rpm); err != nil {
			return nil, err
		}
		limits[provider] = rpm
	}
	return limits, rows.Err()
}
