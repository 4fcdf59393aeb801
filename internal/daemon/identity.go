package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tokfence/tokfence/internal/tferr"
)

const (
	// NonceFlag marks the daemon's argv so control commands can verify the
	// pid they are about to signal really is our daemon.
	NonceFlag = "--tokfence-daemon-nonce"
	// NonceEnv carries the nonce for daemons launched without argv control.
	NonceEnv = "TOKFENCE_DAEMON_NONCE"
)

// VerifyIdentity checks that the process named by the PID file is alive,
// owned by the current user, runs the expected binary, and carries the
// recorded nonce in its argv or environment. Any mismatch refuses.
func VerifyIdentity(ctx context.Context, info PIDFile) error {
	if info.UID != os.Getuid() {
		return tferr.New(tferr.KindDaemonIdentityMismatch,
			fmt.Sprintf("pid file uid %d does not match current user", info.UID))
	}

	proc, err := process.NewProcessWithContext(ctx, int32(info.PID))
	if err != nil {
		return tferr.New(tferr.KindDaemonNotRunning, fmt.Sprintf("process %d is not running", info.PID))
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return tferr.New(tferr.KindDaemonNotRunning, fmt.Sprintf("process %d is not running", info.PID))
	}

	exe, err := proc.ExeWithContext(ctx)
	if err == nil && exe != "" && info.BinaryPath != "" {
		if filepath.Base(exe) != filepath.Base(info.BinaryPath) {
			return tferr.New(tferr.KindDaemonIdentityMismatch,
				fmt.Sprintf("process %d runs %q, expected %q", info.PID, filepath.Base(exe), filepath.Base(info.BinaryPath)))
		}
	}

	if info.Nonce == "" {
		return tferr.New(tferr.KindDaemonIdentityMismatch, "pid file carries no nonce")
	}
	if nonceInArgv(ctx, proc, info.Nonce) || nonceInEnviron(ctx, proc, info.Nonce) {
		return nil
	}
	return tferr.New(tferr.KindDaemonIdentityMismatch,
		fmt.Sprintf("process %d does not carry the expected daemon nonce", info.PID))
}

// nonceInArgv accepts both "--tokfence-daemon-nonce <n>" and
// "--tokfence-daemon-nonce=<n>".
func nonceInArgv(ctx context.Context, proc *process.Process, nonce string) bool {
	argv, err := proc.CmdlineSliceWithContext(ctx)
	if err != nil {
		return false
	}
	joined := NonceFlag + "=" + nonce
	for i, arg := range argv {
		if arg == joined {
			return true
		}
		if arg == NonceFlag && i+1 < len(argv) && argv[i+1] == nonce {
			return true
		}
	}
	return false
}

func nonceInEnviron(ctx context.Context, proc *process.Process, nonce string) bool {
	environ, err := proc.EnvironWithContext(ctx)
	if err != nil {
		return false
	}
	want := NonceEnv + "=" + nonce
	for _, entry := range environ {
		if strings.TrimSpace(entry) == want {
			return true
		}
	}
	return false
}
