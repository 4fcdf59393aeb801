package main

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/tferr"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print base-URL exports that point agents at the proxy",
	Long: `Prints shell exports of the form PROVIDER_BASE_URL=http://127.0.0.1:9471/provider.
Evaluate in the agent's shell, e.g.: eval "$(tokfence env)"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shell, _ := cmd.Flags().GetString("shell")
		provider, _ := cmd.Flags().GetString("provider")

		exports, err := baseURLExports(cfg, provider)
		if err != nil {
			return err
		}
		return emit(exports, func() {
			names := make([]string, 0, len(exports))
			for name := range exports {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				switch shell {
				case "fish":
					fmt.Printf("set -x %s %s\n", name, exports[name])
				default:
					fmt.Printf("export %s=%s\n", name, exports[name])
				}
			}
		})
	},
}

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage configured providers",
}

var providerSetCmd = &cobra.Command{
	Use:   "set <name> <upstream-url>",
	Short: "Add or update a provider route",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		name := strings.ToLower(args[0])
		if err := cfg.SetProvider(name, args[1]); err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		return emit(map[string]any{"provider": name, "upstream": cfg.Providers[name].Upstream, "base_url": cfg.BaseURL(name)},
			func() {
				fmt.Printf("provider %s -> %s\n", name, cfg.Providers[name].Upstream)
				fmt.Printf("agents use: %s\n", cfg.BaseURL(name))
			})
	},
}

var launchCmd = &cobra.Command{
	Use:   "launch [--] <command> [args...]",
	Short: "Run a command with proxy base URLs in its environment",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		exports, err := baseURLExports(cfg, "")
		if err != nil {
			return err
		}

		child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
		child.Env = os.Environ()
		for name, value := range exports {
			child.Env = append(child.Env, name+"="+value)
		}
		child.Stdin = os.Stdin
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				os.Exit(exitErr.ExitCode())
			}
			return err
		}
		return nil
	},
}

func init() {
	envCmd.Flags().String("shell", "bash", "bash, zsh or fish")
	envCmd.Flags().String("provider", "", "limit to one provider")
	providerCmd.AddCommand(providerSetCmd)
}

// baseURLExports maps env var names like OPENAI_BASE_URL to the loopback
// proxy URL for each configured provider.
func baseURLExports(cfg *config.Config, only string) (map[string]string, error) {
	exports := map[string]string{}
	for name := range cfg.Providers {
		if only != "" && name != only {
			continue
		}
		exports[envVarName(name)] = cfg.BaseURL(name)
	}
	if len(exports) == 0 {
		if only != "" {
			return nil, tferr.New(tferr.KindUnknownProvider, "provider is not configured").WithProvider(only)
		}
		return nil, tferr.New(tferr.KindConfigInvalid, "no providers configured, run: tokfence provider set")
	}
	return exports, nil
}

func envVarName(provider string) string {
	cleaned := strings.NewReplacer("-", "_", ".", "_").Replace(provider)
	return strings.ToUpper(cleaned) + "_BASE_URL"
}
