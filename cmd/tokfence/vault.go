package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/tferr"
	"github.com/tokfence/tokfence/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage stored provider credentials",
}

func init() {
	vaultCmd.AddCommand(vaultAddCmd)
	vaultCmd.AddCommand(vaultRemoveCmd)
	vaultCmd.AddCommand(vaultListCmd)
	vaultCmd.AddCommand(vaultRotateCmd)
	vaultCmd.AddCommand(vaultExportCmd)
	vaultCmd.AddCommand(vaultImportCmd)
}

func openVault() (vault.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	v, err := vault.Open(cfg.VaultPath())
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// readCredential prompts on a TTY without echo, or reads one line from a
// piped stdin.
func readCredential(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", tferr.Wrap(tferr.KindInvalidArgument, "vault.prompt", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", tferr.New(tferr.KindInvalidArgument, "no credential on stdin")
	}
	return strings.TrimSpace(line), nil
}

var vaultAddCmd = &cobra.Command{
	Use:   "add <provider>",
	Short: "Store a credential for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, cfg, err := openVault()
		if err != nil {
			return err
		}
		provider := strings.ToLower(args[0])
		if _, ok := cfg.Providers[provider]; !ok {
			return tferr.New(tferr.KindUnknownProvider, "provider is not configured, run: tokfence provider set").WithProvider(provider)
		}
		credential, err := readCredential(fmt.Sprintf("Credential for %s: ", provider))
		if err != nil {
			return err
		}
		if err := v.Set(cmd.Context(), provider, credential); err != nil {
			return err
		}
		return emit(map[string]any{"provider": provider, "stored": true},
			func() { fmt.Printf("credential stored for %s\n", provider) })
	},
}

var vaultRemoveCmd = &cobra.Command{
	Use:   "remove <provider>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, _, err := openVault()
		if err != nil {
			return err
		}
		provider := strings.ToLower(args[0])
		if err := v.Delete(cmd.Context(), provider); err != nil {
			return err
		}
		return emit(map[string]any{"provider": provider, "removed": true},
			func() { fmt.Printf("credential removed for %s\n", provider) })
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, cfg, err := openVault()
		if err != nil {
			return err
		}
		names, err := v.List(cmd.Context())
		if err != nil {
			return err
		}
		// Keyring backends may list entries outside the configured set.
		configured := make([]string, 0, len(names))
		for _, name := range names {
			if _, ok := cfg.Providers[name]; ok {
				configured = append(configured, name)
			}
		}
		sort.Strings(configured)
		return emit(map[string]any{"providers": configured}, func() {
			if len(configured) == 0 {
				fmt.Println("no credentials stored")
				return
			}
			for _, name := range configured {
				fmt.Println(name)
			}
		})
	},
}

var vaultRotateCmd = &cobra.Command{
	Use:   "rotate <provider>",
	Short: "Replace the stored credential for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, _, err := openVault()
		if err != nil {
			return err
		}
		provider := strings.ToLower(args[0])
		if _, err := v.Get(cmd.Context(), provider); err != nil {
			return err
		}
		credential, err := readCredential(fmt.Sprintf("New credential for %s: ", provider))
		if err != nil {
			return err
		}
		if err := vault.Rotate(cmd.Context(), v, provider, credential); err != nil {
			return err
		}
		return emit(map[string]any{"provider": provider, "rotated": true},
			func() { fmt.Printf("credential rotated for %s\n", provider) })
	},
}

var vaultExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the encrypted vault blob",
	Long:  `Writes the passphrase-encrypted vault file to the given path. Only the encrypted-file backend (TOKFENCE_VAULT_PASSPHRASE set) supports export; the blob stays encrypted on disk.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, _, err := openVault()
		if err != nil {
			return err
		}
		fs, ok := v.(*vault.FileStore)
		if !ok {
			return tferr.New(tferr.KindInvalidArgument,
				"export requires the encrypted-file vault backend, set "+vault.PassphraseEnv)
		}
		blob, err := fs.Export()
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], blob, 0o600); err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "vault.export", err)
		}
		return emit(map[string]any{"exported": true, "path": args[0]},
			func() { fmt.Printf("vault exported to %s\n", args[0]) })
	},
}

var vaultImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an encrypted vault blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, _, err := openVault()
		if err != nil {
			return err
		}
		fs, ok := v.(*vault.FileStore)
		if !ok {
			return tferr.New(tferr.KindInvalidArgument,
				"import requires the encrypted-file vault backend, set "+vault.PassphraseEnv)
		}
		blob, err := os.ReadFile(args[0])
		if err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "vault.import", err)
		}
		if err := fs.Import(blob); err != nil {
			return err
		}
		return emit(map[string]any{"imported": true},
			func() { fmt.Printf("vault imported from %s\n", args[0]) })
	},
}
