package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tokfence/tokfence/internal/tferr"
)

// PIDFile identifies a running daemon process so control commands can verify
// they signal the right process before acting.
type PIDFile struct {
	PID        int       `json:"pid"`
	ListenAddr string    `json:"listen_addr"`
	StartedAt  time.Time `json:"started_at"`
	UID        int       `json:"uid"`
	BinaryPath string    `json:"binary_path"`
	Nonce      string    `json:"nonce"`
}

// WritePIDFile atomically writes the identity file with mode 0600, parent
// directory 0700. A symlink at the target path is refused.
func WritePIDFile(path string, info PIDFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "pidfile.mkdir", err)
	}
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return tferr.New(tferr.KindLocalStoreError, "refusing to overwrite symlinked pid file")
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "pidfile.encode", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "pidfile.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return tferr.Wrap(tferr.KindLocalStoreError, "pidfile.rename", err)
	}
	return nil
}

// ReadPIDFile loads the identity file; a missing file means no daemon.
func ReadPIDFile(path string) (PIDFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return PIDFile{}, tferr.New(tferr.KindDaemonNotRunning, "daemon is not running")
	}
	if err != nil {
		return PIDFile{}, tferr.Wrap(tferr.KindLocalStoreError, "pidfile.read", err)
	}
	var info PIDFile
	if err := json.Unmarshal(data, &info); err != nil {
		return PIDFile{}, tferr.Wrap(tferr.KindLocalStoreError, "pidfile.decode", err)
	}
	if info.PID <= 0 {
		return PIDFile{}, tferr.New(tferr.KindDaemonNotRunning, "pid file is incomplete")
	}
	return info, nil
}

// RemovePIDFile deletes the identity file. Idempotent.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return tferr.Wrap(tferr.KindLocalStoreError, "pidfile.remove", err)
	}
	return nil
}
