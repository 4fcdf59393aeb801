package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
	"github.com/tokfence/tokfence/internal/vault"
	"github.com/tokfence/tokfence/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reconcile local spend against provider usage APIs",
	Long: `Periodically fetches usage from each provider's billing endpoint and compares
it with the local request log. A remote total that exceeds the local one past
the thresholds means credential use outside the proxy and raises a leak alert.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		providers, _ := cmd.Flags().GetStringSlice("provider")
		period, _ := cmd.Flags().GetString("period")
		interval, _ := cmd.Flags().GetDuration("interval")
		thresholdUsd, _ := cmd.Flags().GetFloat64("threshold-usd")
		thresholdTokens, _ := cmd.Flags().GetInt64("threshold-tokens")
		thresholdReqs, _ := cmd.Flags().GetInt64("threshold-requests")
		idleWindow, _ := cmd.Flags().GetDuration("idle-window")
		autoRevoke, _ := cmd.Flags().GetBool("auto-revoke")
		once, _ := cmd.Flags().GetBool("once")
		endpointOverrides, _ := cmd.Flags().GetStringSlice("usage-endpoint")

		custom := map[string]string{}
		for _, raw := range endpointOverrides {
			name, endpoint, ok := strings.Cut(raw, "=")
			if !ok {
				return tferr.New(tferr.KindInvalidArgument, "usage-endpoint takes provider=url")
			}
			custom[strings.ToLower(name)] = endpoint
		}
		if len(providers) == 0 {
			providers = cfg.ProviderNames()
		}

		store, err := logstore.Open(cfg.Logging.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		v, err := vault.Open(cfg.VaultPath())
		if err != nil {
			return err
		}

		w, err := watcher.New(watcher.Config{
			Providers:         providers,
			Period:            period,
			Interval:          interval,
			ThresholdUsd:      thresholdUsd,
			ThresholdTokens:   thresholdTokens,
			ThresholdRequests: thresholdReqs,
			IdleWindow:        idleWindow,
			AutoRevoke:        autoRevoke,
			CustomEndpoints:   custom,
		}, cfg, store, v)
		if err != nil {
			return err
		}

		if once {
			report := w.RunOnce(cmd.Context())
			printReport(report)
			if report.Alerts > 0 {
				os.Exit(2)
			}
			return nil
		}
		return w.Run(cmd.Context(), printReport)
	},
}

func init() {
	watchCmd.Flags().StringSlice("provider", nil, "providers to watch (default: all configured)")
	watchCmd.Flags().String("period", watcher.PeriodDay, "reconciliation period, day or month")
	watchCmd.Flags().Duration("interval", 5*time.Minute, "time between cycles")
	watchCmd.Flags().Float64("threshold-usd", 0.50, "alert when remote spend exceeds local by this many dollars")
	watchCmd.Flags().Int64("threshold-tokens", 10000, "alert when remote tokens exceed local by this many")
	watchCmd.Flags().Int64("threshold-requests", 10, "alert when remote requests exceed local by this many")
	watchCmd.Flags().Duration("idle-window", 30*time.Minute, "local quiet time before remote growth counts as an idle leak")
	watchCmd.Flags().Bool("auto-revoke", false, "revoke a provider when a leak is suspected")
	watchCmd.Flags().Bool("once", false, "run a single cycle and exit (exit 2 on alerts)")
	watchCmd.Flags().StringSlice("usage-endpoint", nil, "provider=url usage endpoint override")
}

func printReport(report watcher.Report) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}
	stamp := report.GeneratedAt.Local().Format("15:04:05")
	for _, pr := range report.Providers {
		switch {
		case pr.FetchError != "":
			fmt.Printf("%s  %-10s fetch failed: %s\n", stamp, pr.Provider, pr.FetchError)
		case pr.IdleLeak:
			fmt.Printf("%s  %-10s IDLE LEAK: remote usage grew while the proxy was quiet%s\n",
				stamp, pr.Provider, revokedSuffix(pr))
		case pr.LeakSuspected:
			fmt.Printf("%s  %-10s LEAK SUSPECTED: remote exceeds local by $%.2f / %d tokens / %d requests%s\n",
				stamp, pr.Provider,
				float64(pr.DeltaCents)/10000, pr.DeltaTokens, pr.DeltaRequests, revokedSuffix(pr))
		default:
			fmt.Printf("%s  %-10s ok (local $%.2f, %d requests)\n",
				stamp, pr.Provider,
				float64(pr.Local.CostCents)/10000, pr.Local.RequestCount)
		}
	}
}

func revokedSuffix(pr watcher.ProviderReport) string {
	if pr.AutoRevoked {
		return " [auto-revoked]"
	}
	return ""
}
