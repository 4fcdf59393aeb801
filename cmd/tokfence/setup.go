package main

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/tferr"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Integration helpers for external agent launchers",
}

// openclawEntry is the per-provider config the OpenClaw launcher consumes.
type openclawEntry struct {
	BaseURL string `json:"base_url"`
	EnvVar  string `json:"env_var"`
}

var setupOpenclawCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "Emit the OpenClaw launcher provider config",
	Long: `Prints the JSON block the OpenClaw container launcher reads to point its
agents at the proxy. With --test, each provider's models route is probed
through the running daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		only, _ := cmd.Flags().GetString("provider")
		test, _ := cmd.Flags().GetBool("test")

		entries := map[string]openclawEntry{}
		for name := range cfg.Providers {
			if only != "" && name != only {
				continue
			}
			entries[name] = openclawEntry{BaseURL: cfg.BaseURL(name), EnvVar: envVarName(name)}
		}
		if len(entries) == 0 {
			if only != "" {
				return tferr.New(tferr.KindUnknownProvider, "provider is not configured").WithProvider(only)
			}
			return tferr.New(tferr.KindConfigInvalid, "no providers configured, run: tokfence provider set")
		}

		results := map[string]string{}
		if test {
			for name := range entries {
				results[name] = probeProvider(cfg, name)
			}
		}

		payload := map[string]any{"providers": entries}
		if test {
			payload["probe"] = results
		}
		return emit(payload, func() {
			names := make([]string, 0, len(entries))
			for name := range entries {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%-12s %s (%s)\n", name, entries[name].BaseURL, entries[name].EnvVar)
				if test {
					fmt.Printf("             probe: %s\n", results[name])
				}
			}
		})
	},
}

func init() {
	setupOpenclawCmd.Flags().String("provider", "", "limit to one provider")
	setupOpenclawCmd.Flags().Bool("test", false, "probe each provider's models route through the daemon")
	setupCmd.AddCommand(setupOpenclawCmd)
}

// probeProvider issues a non-streaming GET against the provider's models
// route. Streaming probes are not attempted: the google family has no SSE
// equivalent for a cheap probe, so the check stays uniform.
func probeProvider(cfg *config.Config, provider string) string {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(cfg.BaseURL(provider) + "/v1/models")
	if err != nil {
		return "unreachable, is the daemon running?"
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return "ok"
	case resp.StatusCode == http.StatusUnauthorized:
		return "upstream rejected the credential, check: tokfence vault add " + provider
	default:
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
}
