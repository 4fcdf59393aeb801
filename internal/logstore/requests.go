package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RequestRecord is one proxied request's metadata. Records are immutable
// once inserted.
type RequestRecord struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	Endpoint           string    `json:"endpoint"`
	HTTPMethod         string    `json:"http_method"`
	StatusCode         int       `json:"status_code"`
	InputTokens        int64     `json:"input_tokens"`
	OutputTokens       int64     `json:"output_tokens"`
	EstimatedCostCents int64     `json:"estimated_cost_cents"`
	LatencyMS          int64     `json:"latency_ms"`
	TTFTMS             int64     `json:"ttft_ms"`
	CallerName         string    `json:"caller_name"`
	CallerPID          int       `json:"caller_pid"`
	IsStreaming        bool      `json:"is_streaming"`
	ErrorType          string    `json:"error_type,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	RequestHash        string    `json:"request_hash,omitempty"`
}

// RequestFilter narrows request queries.
type RequestFilter struct {
	Provider string
	Model    string
	Since    time.Time
	Limit    int
}

// InsertRequest appends a record.
func (s *Store) InsertRequest(ctx context.Context, r RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	streaming := 0
	if r.IsStreaming {
		streaming = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (
			id, timestamp, provider, model, endpoint, http_method, status,
			input_tokens, output_tokens, cost_cents, latency_ms, ttft_ms,
			caller_name, caller_pid, is_streaming, error_type, error_message, request_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.UTC().UnixMilli(), r.Provider, r.Model, r.Endpoint,
		r.HTTPMethod, r.StatusCode, r.InputTokens, r.OutputTokens,
		r.EstimatedCostCents, r.LatencyMS, r.TTFTMS, r.CallerName, r.CallerPID,
		streaming, r.ErrorType, r.ErrorMessage, r.RequestHash,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

const requestColumns = `id, timestamp, provider, model, endpoint, http_method, status,
	input_tokens, output_tokens, cost_cents, latency_ms, ttft_ms,
	caller_name, caller_pid, is_streaming, error_type, error_message, request_hash`

// ListRequests returns records matching the filter, newest first.
func (s *Store) ListRequests(ctx context.Context, filter RequestFilter) ([]RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + requestColumns + " FROM requests WHERE 1=1"
	args := []any{}

	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}
	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC().UnixMilli())
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var records []RequestRecord
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetRequest fetches one record by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetRequest(ctx context.Context, id string) (RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+requestColumns+" FROM requests WHERE id = ?", id)
	return scanRequest(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (RequestRecord, error) {
	var r RequestRecord
	var ts int64
	var streaming int
	err := row.Scan(&r.ID, &ts, &r.Provider, &r.Model, &r.Endpoint, &r.HTTPMethod,
		&r.StatusCode, &r.InputTokens, &r.OutputTokens, &r.EstimatedCostCents,
		&r.LatencyMS, &r.TTFTMS, &r.CallerName, &r.CallerPID, &streaming,
		&r.ErrorType, &r.ErrorMessage, &r.RequestHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return r, err
		}
		return r, fmt.Errorf("scan request: %w", err)
	}
	r.Timestamp = time.UnixMilli(ts).UTC()
	r.IsStreaming = streaming == 1
	return r, nil
}

// StatGroup is one aggregation bucket from Stats.
type StatGroup struct {
	Key          string `json:"key"`
	RequestCount int64  `json:"request_count"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CostCents    int64  `json:"cost_cents"`
}

// Stats aggregates requests by provider, model, or hour. The hour key is
// formatted "YYYY-MM-DD HH:00" in UTC.
func (s *Store) Stats(ctx context.Context, filter RequestFilter, groupBy string) ([]StatGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keyExpr string
	switch groupBy {
	case "provider":
		keyExpr = "provider"
	case "model":
		keyExpr = "model"
	case "hour":
		keyExpr = "strftime('%Y-%m-%d %H:00', timestamp/1000, 'unixepoch')"
	default:
		return nil, fmt.Errorf("unsupported group %q", groupBy)
	}

	query := fmt.Sprintf(`
		SELECT %s AS grp, COUNT(*), COALESCE(SUM(input_tokens),0),
			COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_cents),0)
		FROM requests WHERE 1=1`, keyExpr)
	args := []any{}

	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}
	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC().UnixMilli())
	}
	query += " GROUP BY grp ORDER BY grp"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var groups []StatGroup
	for rows.Next() {
		var g StatGroup
		if err := rows.Scan(&g.Key, &g.RequestCount, &g.InputTokens, &g.OutputTokens, &g.CostCents); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Totals is the aggregate view the watcher and snapshot writer consume.
type Totals struct {
	RequestCount  int64
	InputTokens   int64
	OutputTokens  int64
	CostCents     int64
	LastRequestAt time.Time // zero when no requests match
}

// TotalsSince aggregates all requests for a provider (empty = all providers)
// since a point in time.
func (s *Store) TotalsSince(ctx context.Context, provider string, since time.Time) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		COALESCE(SUM(cost_cents),0), COALESCE(MAX(timestamp),0) FROM requests WHERE timestamp >= ?`
	args := []any{since.UTC().UnixMilli()}
	if provider != "" {
		query += " AND provider = ?"
		args = append(args, provider)
	}

	var t Totals
	var last int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&t.RequestCount, &t.InputTokens, &t.OutputTokens, &t.CostCents, &last); err != nil {
		return t, fmt.Errorf("query totals: %w", err)
	}
	if last > 0 {
		t.LastRequestAt = time.UnixMilli(last).UTC()
	}
	return t, nil
}

// TopProviderByCost returns the provider with the highest spend since the
// given time, or empty when there are no requests.
func (s *Store) TopProviderByCost(ctx context.Context, since time.Time) (string, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT provider, COALESCE(SUM(cost_cents),0) AS total
		FROM requests WHERE timestamp >= ?
		GROUP BY provider ORDER BY total DESC LIMIT 1`,
		since.UTC().UnixMilli())

	var provider string
	var cents int64
	if err := row.Scan(&provider, &cents); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("query top provider: %w", err)
	}
	return provider, cents, nil
}
