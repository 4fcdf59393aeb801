// Package vault stores one upstream credential per provider. Credentials
// are read back only at dispatch time and never written to logs, snapshots,
// or error strings.
package vault

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
)

// PassphraseEnv selects the encrypted-file backend when set.
const PassphraseEnv = "TOKFENCE_VAULT_PASSPHRASE"

// Store is the credential vault. Implementations serialize access internally.
type Store interface {
	// Set stores a credential, overwriting any prior value. Empty
	// credentials are rejected.
	Set(ctx context.Context, provider, credential string) error
	// Get returns the credential, or a VaultNotFound error when absent.
	Get(ctx context.Context, provider string) (string, error)
	// Delete removes the credential. Idempotent.
	Delete(ctx context.Context, provider string) error
	// List returns provider names with stored credentials. The platform
	// keyring backend may return a superset; callers intersect with the
	// configured provider set for display.
	List(ctx context.Context) ([]string, error)
}

// Rotate is semantically a Set; providers treat new credentials as
// replacements.
func Rotate(ctx context.Context, s Store, provider, credential string) error {
	return s.Set(ctx, provider, credential)
}

// Open selects the backend: the encrypted file when a passphrase is present
// in the environment, otherwise the platform keyring with a file-path hint
// kept for the export path.
func Open(vaultPath string) (Store, error) {
	if pass := strings.TrimSpace(os.Getenv(PassphraseEnv)); pass != "" {
		log.Debug().Str("backend", "file").Msg("vault backend selected")
		return NewFileStore(vaultPath, []byte(pass)), nil
	}
	if keyringSupported() {
		log.Debug().Str("backend", "keyring").Msg("vault backend selected")
		return NewKeyringStore(), nil
	}
	log.Warn().Msgf("platform keyring unavailable and %s not set; vault is read-only empty", PassphraseEnv)
	return NewMemoryStore(), nil
}

func keyringSupported() bool {
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	default:
		// Linux requires a D-Bus secret service; probe lazily on first use.
		return os.Getenv("DBUS_SESSION_BUS_ADDRESS") != ""
	}
}
