package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <provider>",
	Short: "Block all requests to a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRevoked(cmd, args[0], true) },
}

var restoreCmd = &cobra.Command{
	Use:   "restore <provider>",
	Short: "Lift a provider revocation",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setRevoked(cmd, args[0], false) },
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Revoke every configured provider at once",
	RunE:  func(cmd *cobra.Command, args []string) error { return setAllRevoked(cmd, true) },
}

var unkillCmd = &cobra.Command{
	Use:   "unkill",
	Short: "Restore every configured provider",
	RunE:  func(cmd *cobra.Command, args []string) error { return setAllRevoked(cmd, false) },
}

func setRevoked(cmd *cobra.Command, provider string, revoke bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if _, ok := cfg.Providers[provider]; !ok {
		return tferr.New(tferr.KindUnknownProvider, "provider is not configured").WithProvider(provider)
	}

	endpoint := "/__tokfence/restore"
	if revoke {
		endpoint = "/__tokfence/revoke"
	}
	client := newDaemonClient(cfg)
	err = client.post(cmd.Context(), endpoint, url.Values{"provider": {provider}}, nil, nil)
	if daemonDown(err) {
		err = withStore(cfg, func(store *logstore.Store) error {
			return store.SetProviderRevoked(cmd.Context(), provider, revoke)
		})
	}
	if err != nil {
		return err
	}
	verb := "restored"
	if revoke {
		verb = "revoked"
	}
	return emit(map[string]any{"provider": provider, "revoked": revoke},
		func() { fmt.Printf("%s %s\n", provider, verb) })
}

func setAllRevoked(cmd *cobra.Command, revoke bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	endpoint := "/__tokfence/unkill"
	if revoke {
		endpoint = "/__tokfence/kill"
	}
	client := newDaemonClient(cfg)
	err = client.post(cmd.Context(), endpoint, nil, nil, nil)
	if daemonDown(err) {
		err = withStore(cfg, func(store *logstore.Store) error {
			return store.SetAllProvidersRevoked(cmd.Context(), cfg.ProviderNames(), revoke)
		})
	}
	if err != nil {
		return err
	}
	providers := cfg.ProviderNames()
	verb := "restored"
	if revoke {
		verb = "revoked"
	}
	return emit(map[string]any{"providers": providers, "revoked": revoke},
		func() { fmt.Printf("%s all providers: %s\n", verb, strings.Join(providers, ", ")) })
}
