package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/budget"
	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Manage spend budgets",
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Manage per-provider request rate limits",
}

func init() {
	budgetCmd.AddCommand(budgetSetCmd)
	budgetCmd.AddCommand(budgetStatusCmd)
	budgetCmd.AddCommand(budgetClearCmd)

	budgetSetCmd.Flags().String("period", budget.PeriodMonthly, "daily or monthly")

	ratelimitCmd.AddCommand(ratelimitSetCmd)
	ratelimitCmd.AddCommand(ratelimitStatusCmd)
	ratelimitCmd.AddCommand(ratelimitClearCmd)
}

// withStore runs fn against a freshly opened local store when the daemon is
// unreachable. Budget and rate-limit state lives in sqlite, so offline edits
// are picked up by the daemon on its next request.
func withStore(cfg *config.Config, fn func(*logstore.Store) error) error {
	store, err := logstore.Open(cfg.Logging.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func daemonDown(err error) bool {
	return errors.Is(err, tferr.New(tferr.KindDaemonNotRunning, ""))
}

var budgetSetCmd = &cobra.Command{
	Use:   "set <scope> <amount-usd>",
	Short: "Set a budget for a provider scope or 'global'",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		scope := args[0]
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil || amount <= 0 {
			return tferr.New(tferr.KindInvalidArgument, "amount must be a positive dollar value")
		}
		period, _ := cmd.Flags().GetString("period")

		client := newDaemonClient(cfg)
		body := map[string]any{"scope": scope, "amount_usd": amount, "period": period}
		err = client.post(cmd.Context(), "/__tokfence/budgets", nil, body, nil)
		if daemonDown(err) {
			err = withStore(cfg, func(store *logstore.Store) error {
				return budget.NewEngine(store).SetBudget(cmd.Context(), scope, amount, period)
			})
		}
		if err != nil {
			return err
		}
		return emit(map[string]any{"scope": scope, "amount_usd": amount, "period": period},
			func() { fmt.Printf("budget set: %s $%.2f per %s period\n", scope, amount, period) })
	},
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show budgets and current spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rows, err := budgetRows(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return emit(map[string]any{"budgets": rows}, func() {
			if len(rows) == 0 {
				fmt.Println("no budgets set")
				return
			}
			fmt.Printf("%-16s %-8s %10s %10s\n", "scope", "period", "limit", "spent")
			for _, row := range rows {
				fmt.Printf("%-16s %-8s %9.2f$ %9.2f$\n",
					row.Scope, row.Period,
					float64(row.LimitCents)/100, float64(row.SpendCents)/100)
			}
		})
	},
}

var budgetClearCmd = &cobra.Command{
	Use:   "clear <scope>",
	Short: "Remove a budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		scope := args[0]
		client := newDaemonClient(cfg)
		err = client.del(cmd.Context(), "/__tokfence/budgets", url.Values{"scope": {scope}}, nil)
		if daemonDown(err) {
			err = withStore(cfg, func(store *logstore.Store) error {
				return budget.NewEngine(store).ClearBudget(cmd.Context(), scope)
			})
		}
		if err != nil {
			return err
		}
		return emit(map[string]any{"scope": scope, "cleared": true},
			func() { fmt.Printf("budget cleared for %s\n", scope) })
	},
}

// budgetRow is the CLI's budget view, amounts in whole cents.
type budgetRow struct {
	Scope      string `json:"scope"`
	Period     string `json:"period"`
	LimitCents int64  `json:"limit_cents"`
	SpendCents int64  `json:"current_spend_cents"`
}

func budgetRows(ctx context.Context, cfg *config.Config) ([]budgetRow, error) {
	client := newDaemonClient(cfg)
	var out struct {
		Budgets []budgetRow `json:"budgets"`
	}
	err := client.get(ctx, "/__tokfence/budgets", nil, &out)
	if err == nil {
		return out.Budgets, nil
	}
	if !daemonDown(err) {
		return nil, err
	}
	var rows []budgetRow
	err = withStore(cfg, func(store *logstore.Store) error {
		statuses, err := budget.NewEngine(store).Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			rows = append(rows, budgetRow{
				Scope:      s.Scope,
				Period:     s.Period,
				LimitCents: s.LimitCents / 100,
				SpendCents: s.CurrentSpendCents / 100,
			})
		}
		return nil
	})
	return rows, err
}

var ratelimitSetCmd = &cobra.Command{
	Use:   "set <provider> <rpm>",
	Short: "Set a requests-per-minute cap",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		provider := args[0]
		rpm, err := strconv.Atoi(args[1])
		if err != nil || rpm < 1 {
			return tferr.New(tferr.KindInvalidArgument, "rpm must be a positive integer")
		}
		client := newDaemonClient(cfg)
		query := url.Values{"provider": {provider}, "rpm": {strconv.Itoa(rpm)}}
		err = client.post(cmd.Context(), "/__tokfence/ratelimits", query, nil, nil)
		if daemonDown(err) {
			err = withStore(cfg, func(store *logstore.Store) error {
				return store.SetRateLimit(cmd.Context(), provider, rpm)
			})
		}
		if err != nil {
			return err
		}
		return emit(map[string]any{"provider": provider, "rpm": rpm},
			func() { fmt.Printf("rate limit set: %s %d req/min\n", provider, rpm) })
	},
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured rate limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := newDaemonClient(cfg)
		var out struct {
			RateLimits map[string]int `json:"rate_limits"`
		}
		err = client.get(cmd.Context(), "/__tokfence/ratelimits", nil, &out)
		if daemonDown(err) {
			err = withStore(cfg, func(store *logstore.Store) error {
				limits, err := store.ListRateLimits(cmd.Context())
				if err != nil {
					return err
				}
				out.RateLimits = limits
				return nil
			})
		}
		if err != nil {
			return err
		}
		return emit(map[string]any{"rate_limits": out.RateLimits}, func() {
			if len(out.RateLimits) == 0 {
				fmt.Println("no rate limits set")
				return
			}
			for provider, rpm := range out.RateLimits {
				fmt.Printf("%-16s %d req/min\n", provider, rpm)
			}
		})
	},
}

var ratelimitClearCmd = &cobra.Command{
	Use:   "clear <provider>",
	Short: "Remove a rate limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		provider := args[0]
		client := newDaemonClient(cfg)
		err = client.del(cmd.Context(), "/__tokfence/ratelimits", url.Values{"provider": {provider}}, nil)
		if daemonDown(err) {
			err = withStore(cfg, func(store *logstore.Store) error {
				return store.ClearRateLimit(cmd.Context(), provider)
			})
		}
		if err != nil {
			return err
		}
		return emit(map[string]any{"provider": provider, "cleared": true},
			func() { fmt.Printf("rate limit cleared for %s\n", provider) })
	},
}
