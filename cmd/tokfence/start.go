package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/budget"
	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/daemon"
	"github.com/tokfence/tokfence/internal/logging"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/tferr"
	"github.com/tokfence/tokfence/internal/vault"
)

// backgroundEnv marks a re-exec'd child so it logs to file and skips the
// detach branch.
const backgroundEnv = "TOKFENCE_BACKGROUND"

var startDetach bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon (foreground by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	startCmd.Flags().BoolVarP(&startDetach, "detach", "d", false, "run in the background")
	// The nonce flag only exists so it shows up in the daemon's argv for
	// identity verification. The value is read from the environment.
	startCmd.Flags().String("tokfence-daemon-nonce", "", "")
	_ = startCmd.Flags().MarkHidden("tokfence-daemon-nonce")
}

func runStart() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Refuse to start twice. A stale pid file from a crashed daemon does
	// not count: identity verification fails for it.
	if info, err := daemon.ReadPIDFile(cfg.PIDFilePath()); err == nil {
		if daemon.VerifyIdentity(context.Background(), info) == nil {
			return tferr.New(tferr.KindDaemonAlreadyRunning,
				fmt.Sprintf("daemon already running with pid %d", info.PID)).WithField("pid", info.PID)
		}
		_ = daemon.RemovePIDFile(cfg.PIDFilePath())
	}

	if startDetach && os.Getenv(backgroundEnv) == "" {
		return detach(cfg)
	}
	return runForeground(cfg)
}

// detach re-execs the binary with the nonce in its environment and argv,
// then returns once the child has written its pid file.
func detach(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "start.executable", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(cfg.LogFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "start.logfile", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "start", "--detach", daemon.NonceFlag+"="+nonce)
	child.Env = append(os.Environ(),
		backgroundEnv+"=1",
		daemon.NonceEnv+"="+nonce,
	)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "start.spawn", err)
	}

	// Wait for the child's pid file rather than trusting child.Process.Pid,
	// so a crash during startup surfaces here.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := daemon.ReadPIDFile(cfg.PIDFilePath()); err == nil && info.Nonce == nonce {
			return emit(map[string]any{"started": true, "pid": info.PID, "listen_addr": info.ListenAddr},
				func() { fmt.Printf("tokfence daemon started (pid %d) on %s\n", info.PID, info.ListenAddr) })
		}
		time.Sleep(100 * time.Millisecond)
	}
	return tferr.New(tferr.KindLocalStoreError, "daemon did not come up within 10s, check the log file")
}

func runForeground(cfg *config.Config) error {
	logCfg := logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "daemon",
	}
	if os.Getenv(backgroundEnv) != "" {
		logCfg.Format = "json"
		logCfg.FilePath = cfg.LogFilePath()
	}
	logging.Init(logCfg)
	defer logging.Close()

	// Identity verification reads the nonce out of /proc argv or environ,
	// which are fixed at exec time. A start without one re-execs itself so
	// the nonce is actually visible to stop.
	nonce := os.Getenv(daemon.NonceEnv)
	if nonce == "" {
		n, err := newNonce()
		if err != nil {
			return err
		}
		exe, err := os.Executable()
		if err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "start.executable", err)
		}
		argv := append(os.Args, daemon.NonceFlag+"="+n)
		env := append(os.Environ(), daemon.NonceEnv+"="+n)
		if err := syscall.Exec(exe, argv, env); err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "start.reexec", err)
		}
	}

	store, err := logstore.Open(cfg.Logging.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	v, err := vault.Open(cfg.VaultPath())
	if err != nil {
		return err
	}

	engine := budget.NewEngine(store)
	srv, err := daemon.NewServer(cfg, v, store, engine)
	if err != nil {
		return err
	}

	exe, _ := os.Executable()
	info := daemon.PIDFile{
		PID:        os.Getpid(),
		ListenAddr: cfg.ListenAddr(),
		StartedAt:  time.Now().UTC(),
		UID:        os.Getuid(),
		BinaryPath: exe,
		Nonce:      nonce,
	}
	if err := daemon.WritePIDFile(cfg.PIDFilePath(), info); err != nil {
		return err
	}
	defer func() {
		if err := daemon.RemovePIDFile(cfg.PIDFilePath()); err != nil {
			log.Warn().Err(err).Msg("pid file removal failed")
		}
	}()

	cfgWatcher, err := config.NewWatcher(cfg, srv.ReloadConfig)
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable, edits need a restart")
	} else if err := cfgWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("config watch failed to start")
	} else {
		defer cfgWatcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Version).Int("pid", info.PID).Msg("tokfence daemon starting")
	return srv.Run(ctx)
}

func newNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", tferr.Wrap(tferr.KindLocalStoreError, "nonce.generate", err)
	}
	return id.String(), nil
}
