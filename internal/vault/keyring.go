package vault

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/tokfence/tokfence/internal/tferr"
)

const (
	keyringService = "tokfence"

	// indexItem tracks stored provider names because most platform
	// keyrings cannot enumerate items. The index is best-effort; List may
	// miss entries created by other tools, which callers compensate for
	// by intersecting with the configured provider set.
	indexItem = "__providers__"
)

// KeyringStore keeps each credential as a separate platform-keyring item
// keyed by provider.
type KeyringStore struct {
	mu sync.Mutex
}

// NewKeyringStore creates the platform-keyring backend.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (k *KeyringStore) Set(ctx context.Context, provider, credential string) error {
	if credential == "" {
		return tferr.New(tferr.KindInvalidArgument, "credential must be non-empty")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(keyringService, provider, credential); err != nil {
		return tferr.Wrap(tferr.KindVaultLocked, "vault.set", err).WithProvider(provider)
	}
	k.updateIndex(func(index map[string]bool) { index[provider] = true })
	return nil
}

func (k *KeyringStore) Get(ctx context.Context, provider string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	credential, err := keyring.Get(keyringService, provider)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", tferr.New(tferr.KindVaultNotFound, "").WithProvider(provider)
	}
	if err != nil {
		return "", tferr.Wrap(tferr.KindVaultLocked, "vault.get", err).WithProvider(provider)
	}
	return credential, nil
}

func (k *KeyringStore) Delete(ctx context.Context, provider string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := keyring.Delete(keyringService, provider)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return tferr.Wrap(tferr.KindVaultLocked, "vault.delete", err).WithProvider(provider)
	}
	k.updateIndex(func(index map[string]bool) { delete(index, provider) })
	return nil
}

func (k *KeyringStore) List(ctx context.Context) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	index := k.readIndex()
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// readIndex loads the provider index item; a missing or unreadable index is
// treated as empty.
func (k *KeyringStore) readIndex() map[string]bool {
	raw, err := keyring.Get(keyringService, indexItem)
	if err != nil {
		return map[string]bool{}
	}
	index := map[string]bool{}
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return map[string]bool{}
	}
	return index
}

func (k *KeyringStore) updateIndex(mutate func(map[string]bool)) {
	index := k.readIndex()
	mutate(index)
	if raw, err := json.Marshal(index); err == nil {
		_ = keyring.Set(keyringService, indexItem, string(raw))
	}
}
