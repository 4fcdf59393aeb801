package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
)

var (
	logProvider string
	logModel    string
	logSince    string
	logLimit    int
	logFollow   bool
)

var logCmd = &cobra.Command{
	Use:   "log [request-id]",
	Short: "Show the request metadata log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return showRequest(cmd.Context(), cfg, args[0])
		}

		filter := logstore.RequestFilter{
			Provider: logProvider,
			Model:    logModel,
			Limit:    logLimit,
		}
		if logSince != "" {
			since, err := parseSince(logSince)
			if err != nil {
				return err
			}
			filter.Since = since
		}

		if logFollow {
			return followRequests(cmd.Context(), cfg, filter)
		}
		records, err := fetchRequests(cmd.Context(), cfg, filter)
		if err != nil {
			return err
		}
		return emit(map[string]any{"requests": records}, func() {
			for i := len(records) - 1; i >= 0; i-- {
				printRecordLine(records[i])
			}
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregated usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		by, _ := cmd.Flags().GetString("by")
		period, _ := cmd.Flags().GetString("period")
		provider, _ := cmd.Flags().GetString("provider")

		since, err := periodToSince(period)
		if err != nil {
			return err
		}
		groups, err := fetchStats(cmd.Context(), cfg, by, provider, since)
		if err != nil {
			return err
		}
		return emit(map[string]any{"by": by, "period": period, "groups": groups}, func() {
			if len(groups) == 0 {
				fmt.Println("no requests in period")
				return
			}
			fmt.Printf("%-24s %8s %10s %10s %10s\n", by, "requests", "input", "output", "cost")
			for _, g := range groups {
				fmt.Printf("%-24s %8d %10d %10d %9.2f$\n",
					g.Key, g.RequestCount, g.InputTokens, g.OutputTokens,
					float64(g.CostCents)/10000)
			}
		})
	},
}

func init() {
	logCmd.Flags().StringVar(&logProvider, "provider", "", "filter by provider")
	logCmd.Flags().StringVar(&logModel, "model", "", "filter by model")
	logCmd.Flags().StringVar(&logSince, "since", "", "RFC3339 timestamp or duration like 2h")
	logCmd.Flags().IntVar(&logLimit, "limit", 50, "maximum rows")
	logCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "stream new requests")

	statsCmd.Flags().String("by", "provider", "group by provider, model or hour")
	statsCmd.Flags().String("period", "day", "day or month")
	statsCmd.Flags().String("provider", "", "filter by provider")
}

func parseSince(raw string) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, tferr.New(tferr.KindInvalidArgument, "since must be RFC3339 or a duration like 2h")
	}
	return t, nil
}

func periodToSince(period string) (time.Time, error) {
	now := time.Now().UTC()
	switch period {
	case "day", "":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	case "month":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, tferr.New(tferr.KindInvalidArgument, "period must be day or month")
	}
}

// fetchRequests prefers the daemon so follow mode sees live inserts, and
// falls back to the store directly when the daemon is down.
func fetchRequests(ctx context.Context, cfg *config.Config, filter logstore.RequestFilter) ([]logstore.RequestRecord, error) {
	client := newDaemonClient(cfg)
	query := url.Values{}
	if filter.Provider != "" {
		query.Set("provider", filter.Provider)
	}
	if filter.Model != "" {
		query.Set("model", filter.Model)
	}
	if !filter.Since.IsZero() {
		query.Set("since", filter.Since.Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out struct {
		Requests []logstore.RequestRecord `json:"requests"`
	}
	err := client.get(ctx, "/__tokfence/requests", query, &out)
	if err == nil {
		return out.Requests, nil
	}
	if !errors.Is(err, tferr.New(tferr.KindDaemonNotRunning, "")) {
		return nil, err
	}

	store, err := logstore.Open(cfg.Logging.DBPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListRequests(ctx, filter)
}

func fetchStats(ctx context.Context, cfg *config.Config, by, provider string, since time.Time) ([]logstore.StatGroup, error) {
	client := newDaemonClient(cfg)
	query := url.Values{"by": {by}, "since": {since.Format(time.RFC3339)}}
	if provider != "" {
		query.Set("provider", provider)
	}
	var out struct {
		Groups []logstore.StatGroup `json:"groups"`
	}
	err := client.get(ctx, "/__tokfence/stats", query, &out)
	if err == nil {
		return out.Groups, nil
	}
	if !errors.Is(err, tferr.New(tferr.KindDaemonNotRunning, "")) {
		return nil, err
	}

	store, err := logstore.Open(cfg.Logging.DBPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Stats(ctx, logstore.RequestFilter{Provider: provider, Since: since}, by)
}

func showRequest(ctx context.Context, cfg *config.Config, id string) error {
	client := newDaemonClient(cfg)
	var record logstore.RequestRecord
	err := client.get(ctx, "/__tokfence/requests", url.Values{"id": {id}}, &record)
	if errors.Is(err, tferr.New(tferr.KindDaemonNotRunning, "")) {
		store, openErr := logstore.Open(cfg.Logging.DBPath)
		if openErr != nil {
			return openErr
		}
		defer store.Close()
		record, err = store.GetRequest(ctx, id)
	}
	if err != nil {
		return err
	}
	return emit(record, func() {
		data, _ := json.MarshalIndent(record, "", "  ")
		fmt.Println(string(data))
	})
}

// followRequests polls for new rows. The record id is a ULID, so ids order
// by insert time and de-duplicate the overlap window.
func followRequests(ctx context.Context, cfg *config.Config, filter logstore.RequestFilter) error {
	seen := make(map[string]bool)
	filter.Limit = 100
	filter.Since = time.Now().UTC().Add(-time.Minute)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		records, err := fetchRequests(ctx, cfg, filter)
		if err != nil {
			return err
		}
		for i := len(records) - 1; i >= 0; i-- {
			r := records[i]
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			printRecordLine(r)
			if r.Timestamp.After(filter.Since) {
				filter.Since = r.Timestamp.Add(-time.Second)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printRecordLine(r logstore.RequestRecord) {
	status := strconv.Itoa(r.StatusCode)
	if r.ErrorType != "" {
		status = r.ErrorType
	}
	stream := ""
	if r.IsStreaming {
		stream = " [stream]"
	}
	fmt.Printf("%s  %-10s %-24s %-16s in=%d out=%d $%.4f %dms%s\n",
		r.Timestamp.Local().Format("15:04:05"), r.Provider, r.Model, status,
		r.InputTokens, r.OutputTokens, float64(r.EstimatedCostCents)/10000,
		r.LatencyMS, stream)
}
