package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokfence/tokfence/internal/tferr"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tokfence.pid")
	info := PIDFile{
		PID:        4242,
		ListenAddr: "127.0.0.1:9471",
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		UID:        os.Getuid(),
		BinaryPath: "/usr/local/bin/tokfence",
		Nonce:      "abc123",
	}
	require.NoError(t, WritePIDFile(path, info))

	got, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path))
	_, err = ReadPIDFile(path)
	assert.Equal(t, tferr.KindDaemonNotRunning, tferr.KindOf(err))
}

func TestPIDFileRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	link := filepath.Join(dir, "tokfence.pid")
	require.NoError(t, os.Symlink(target, link))

	err := WritePIDFile(link, PIDFile{PID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
}

func TestPIDFileRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokfence.pid")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen_addr":"x"}`), 0o600))

	_, err := ReadPIDFile(path)
	assert.Equal(t, tferr.KindDaemonNotRunning, tferr.KindOf(err))
}

func TestVerifyIdentityUIDMismatch(t *testing.T) {
	err := VerifyIdentity(context.Background(), PIDFile{PID: os.Getpid(), UID: os.Getuid() + 1, Nonce: "n"})
	assert.Equal(t, tferr.KindDaemonIdentityMismatch, tferr.KindOf(err))
}

func TestVerifyIdentityDeadProcess(t *testing.T) {
	// pid from far outside any plausible live range
	err := VerifyIdentity(context.Background(), PIDFile{PID: 1 << 22, UID: os.Getuid(), Nonce: "n"})
	assert.Equal(t, tferr.KindDaemonNotRunning, tferr.KindOf(err))
}

func TestVerifyIdentityMissingNonce(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	verr := VerifyIdentity(context.Background(), PIDFile{PID: os.Getpid(), UID: os.Getuid(), BinaryPath: exe})
	assert.Equal(t, tferr.KindDaemonIdentityMismatch, tferr.KindOf(verr))
}

func TestVerifyIdentityWrongBinary(t *testing.T) {
	err := VerifyIdentity(context.Background(), PIDFile{
		PID: os.Getpid(), UID: os.Getuid(), BinaryPath: "/usr/bin/definitely-not-this", Nonce: "n",
	})
	assert.Equal(t, tferr.KindDaemonIdentityMismatch, tferr.KindOf(err))
}

func TestVerifyIdentityNonceNotCarried(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	verr := VerifyIdentity(context.Background(), PIDFile{
		PID: os.Getpid(), UID: os.Getuid(), BinaryPath: exe, Nonce: "nonce-this-process-does-not-have",
	})
	assert.Equal(t, tferr.KindDaemonIdentityMismatch, tferr.KindOf(verr))
}
