package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tokfence/tokfence/internal/budget"
	"github.com/tokfence/tokfence/internal/immune"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	revoked, err := s.store.RevokedProviders(r.Context())
	if err != nil {
		tferr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":           s.running.Load(),
		"listen_addr":       s.config().ListenAddr(),
		"socket_path":       s.config().Daemon.SocketPath,
		"started_at":        s.startedAt.Format(time.RFC3339),
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
		"immune_enabled":    s.config().Daemon.ImmuneEnabled,
		"risk_state":        s.immune.Risk.StateFor(immune.DefaultSession),
		"providers":         s.config().ProviderNames(),
		"revoked_providers": revoked,
	})
}

// requireProvider reads and validates the provider query parameter against
// the configured set.
func (s *Server) requireProvider(r *http.Request) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	if provider == "" {
		return "", tferr.New(tferr.KindInvalidArgument, "provider parameter is required")
	}
	if _, ok := s.config().Providers[provider]; !ok {
		return "", tferr.New(tferr.KindUnknownProvider, "provider is not configured").WithProvider(provider)
	}
	return provider, nil
}

func (s *Server) handleRevoke(revoke bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "use POST"))
			return
		}
		provider, err := s.requireProvider(r)
		if err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		if err := s.store.SetProviderRevoked(r.Context(), provider, revoke); err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "revoked": revoke})
	}
}

// handleKill flips revocation for every configured provider in one
// transaction.
func (s *Server) handleKill(revoke bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "use POST"))
			return
		}
		providers := s.config().ProviderNames()
		if err := s.store.SetAllProvidersRevoked(r.Context(), providers, revoke); err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": providers, "revoked": revoke})
	}
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := logstore.RequestFilter{
		Provider: strings.ToLower(strings.TrimSpace(q.Get("provider"))),
		Model:    strings.TrimSpace(q.Get("model")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "since must be RFC3339"))
			return
		}
		filter.Since = since
	}

	if id := strings.TrimSpace(q.Get("id")); id != "" {
		record, err := s.store.GetRequest(r.Context(), id)
		if err != nil {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "no request with that id"))
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}

	records, err := s.store.ListRequests(r.Context(), filter)
	if err != nil {
		tferr.WriteJSON(w, err)
		return
	}
	if records == nil {
		records = []logstore.RequestRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": records})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	groupBy := q.Get("by")
	if groupBy == "" {
		groupBy = "provider"
	}
	filter := logstore.RequestFilter{
		Provider: strings.ToLower(strings.TrimSpace(q.Get("provider"))),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "since must be RFC3339"))
			return
		}
		filter.Since = since
	}
	groups, err := s.store.Stats(r.Context(), filter, groupBy)
	if err != nil {
		tferr.WriteJSON(w, err)
		return
	}
	if groups == nil {
		groups = []logstore.StatGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"by": groupBy, "groups": groups})
}

func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.budget.Status(r.Context())
		if err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, map[string]any{
				"scope":               row.Scope,
				"period":              row.Period,
				"limit_cents":         row.LimitCents / 100,
				"current_spend_cents": row.CurrentSpendCents / 100,
				"period_start":        row.PeriodStart.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"budgets": out})

	case http.MethodPost:
		var body struct {
			Scope     string  `json:"scope"`
			AmountUsd float64 `json:"amount_usd"`
			Period    string  `json:"period"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "invalid JSON body"))
			return
		}
		if body.Period == "" {
			body.Period = budget.PeriodMonthly
		}
		if err := s.budget.SetBudget(r.Context(), body.Scope, body.AmountUsd, body.Period); err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": body.Scope, "period": body.Period})

	case http.MethodDelete:
		scope := strings.TrimSpace(r.URL.Query().Get("scope"))
		if scope == "" {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "scope parameter is required"))
			return
		}
		if err := s.budget.ClearBudget(r.Context(), scope); err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "cleared": true})

	default:
		tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "use GET, POST or DELETE"))
	}
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limits, err := s.store.ListRateLimits(r.Context())
		if err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rate_limits": limits})

	case http.MethodPost:
		provider, err := s.requireProvider(r)
		if err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		rpm, err := strconv.Atoi(r.URL.Query().Get("rpm"))
		if err != nil || rpm < 1 {
			tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "rpm must be a positive integer"))
			return
		}
		if err := s.store.SetRateLimit(r.Context(), provider, rpm); err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "rpm": rpm})

	case http.MethodDelete:
		provider, err := s.requireProvider(r)
		if err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		if err := s.store.ClearRateLimit(r.Context(), provider); err != nil {
			tferr.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "cleared": true})

	default:
		tferr.WriteJSON(w, tferr.New(tferr.KindInvalidArgument, "use GET, POST or DELETE"))
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.builder.Build(r.Context(), s.running.Load(), s.config().ListenAddr())
	writeJSON(w, http.StatusOK, snap)
}
