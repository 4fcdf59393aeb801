package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:          "tokfence",
	Short:        "Tokfence - local credential firewall for AI agents",
	Long:         `Tokfence is a local-first daemon that holds model-provider credentials and proxies agent traffic through spend, rate and risk enforcement.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Commands that run the daemon re-initialize with the loaded config.
		logging.Init(logging.Config{Format: "console", Level: "warn"})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Tokfence %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON on stdout")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(ratelimitCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(unkillCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(widgetCmd)
	rootCmd.AddCommand(launchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the data directory and loads config.toml, falling back
// to defaults when the file does not exist yet.
func loadConfig() (*config.Config, error) {
	return config.Load()
}

// emit prints payload as JSON when --json is set, otherwise calls human.
func emit(payload any, human func()) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	human()
	return nil
}
