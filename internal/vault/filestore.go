package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/tokfence/tokfence/internal/tferr"
)

// Argon2id parameters for the file-backend key derivation.
const (
	argonTime    = 3
	argonMemory  = 192 * 1024 // KiB, 192 MiB
	argonThreads = 4
	keyLen       = 32 // AES-256

	saltLen  = 16
	nonceLen = 12

	fileVersion = 1
)

// envelope is the on-disk header plus the AEAD-sealed provider map.
type envelope struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Data    string `json:"data"`
}

// FileStore is the encrypted-file vault backend. The whole credential map
// is re-sealed on every write with a fresh nonce.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
}

// NewFileStore creates a file-backend vault at path. The file is created on
// first write; a missing file reads as empty.
func NewFileStore(path string, passphrase []byte) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

func (f *FileStore) Set(ctx context.Context, provider, credential string) error {
	if credential == "" {
		return tferr.New(tferr.KindInvalidArgument, "credential must be non-empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		return err
	}
	creds[provider] = credential
	return f.save(creds)
}

func (f *FileStore) Get(ctx context.Context, provider string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		return "", err
	}
	credential, ok := creds[provider]
	if !ok {
		return "", tferr.New(tferr.KindVaultNotFound, "").WithProvider(provider)
	}
	return credential, nil
}

func (f *FileStore) Delete(ctx context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := creds[provider]; !ok {
		return nil
	}
	delete(creds, provider)
	return f.save(creds)
}

func (f *FileStore) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Export returns the raw encrypted file contents for backup. The blob is
// only useful with the original passphrase.
func (f *FileStore) Export() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, tferr.New(tferr.KindVaultNotFound, "vault file does not exist")
	}
	if err != nil {
		return nil, tferr.Wrap(tferr.KindLocalStoreError, "vault.export", err)
	}
	return data, nil
}

// Import replaces the vault with a previously exported blob after verifying
// it decrypts with this store's passphrase.
func (f *FileStore) Import(blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.decrypt(blob); err != nil {
		return err
	}
	return f.writeAtomic(blob)
}

// load reads and decrypts the provider map; a missing file is empty.
func (f *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, tferr.Wrap(tferr.KindLocalStoreError, "vault.read", err)
	}
	return f.decrypt(data)
}

func (f *FileStore) decrypt(data []byte) (map[string]string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, tferr.Wrap(tferr.KindVaultCorrupt, "vault.decode", err)
	}
	if env.Version != fileVersion {
		return nil, tferr.New(tferr.KindVaultCorrupt, fmt.Sprintf("unsupported vault version %d", env.Version))
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || len(salt) != saltLen {
		return nil, tferr.New(tferr.KindVaultCorrupt, "vault salt is malformed")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceLen {
		return nil, tferr.New(tferr.KindVaultCorrupt, "vault nonce is malformed")
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, tferr.New(tferr.KindVaultCorrupt, "vault payload is malformed")
	}

	aead, err := newAEAD(f.passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		// AEAD failure is indistinguishable between tampering and a wrong
		// passphrase; surface the recoverable interpretation.
		return nil, tferr.New(tferr.KindVaultLocked, "")
	}

	creds := map[string]string{}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, tferr.Wrap(tferr.KindVaultCorrupt, "vault.decode", err)
	}
	return creds, nil
}

// save seals the map with a fresh salt and nonce and writes atomically.
func (f *FileStore) save(creds map[string]string) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.encode", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.salt", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.nonce", err)
	}

	aead, err := newAEAD(f.passphrase, salt)
	if err != nil {
		return err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	blob, err := json.Marshal(envelope{
		Version: fileVersion,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Data:    base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.encode", err)
	}
	return f.writeAtomic(blob)
}

// writeAtomic writes tmp + fsync + rename with 0600, forcing the containing
// directory to 0700.
func (f *FileStore) writeAtomic(blob []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.mkdir", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.chmod", err)
	}

	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.write", err)
	}
	if _, err := file.Write(blob); err != nil {
		file.Close()
		os.Remove(tmp)
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.write", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.sync", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.close", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return tferr.Wrap(tferr.KindLocalStoreError, "vault.rename", err)
	}
	return nil
}

func newAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tferr.Wrap(tferr.KindLocalStoreError, "vault.cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, tferr.Wrap(tferr.KindLocalStoreError, "vault.cipher", err)
	}
	return aead, nil
}
