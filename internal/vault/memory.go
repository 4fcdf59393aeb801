package vault

import (
	"context"
	"sort"
	"sync"

	"github.com/tokfence/tokfence/internal/tferr"
)

// MemoryStore is the in-memory vault used by tests and as a last-resort
// no-op backend.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

// NewMemoryStore creates an empty in-memory vault.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]string)}
}

func (m *MemoryStore) Set(ctx context.Context, provider, credential string) error {
	if credential == "" {
		return tferr.New(tferr.KindInvalidArgument, "credential must be non-empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[provider] = credential
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, provider string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	credential, ok := m.creds[provider]
	if !ok {
		return "", tferr.New(tferr.KindVaultNotFound, "").WithProvider(provider)
	}
	return credential, nil
}

func (m *MemoryStore) Delete(ctx context.Context, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, provider)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.creds))
	for name := range m.creds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
