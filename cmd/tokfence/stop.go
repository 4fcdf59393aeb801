package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/daemon"
	"github.com/tokfence/tokfence/internal/tferr"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		info, err := daemon.ReadPIDFile(cfg.PIDFilePath())
		if err != nil {
			return err
		}
		// Never signal a pid the identity check does not vouch for.
		if err := daemon.VerifyIdentity(cmd.Context(), info); err != nil {
			if tferr.KindOf(err) == tferr.KindDaemonIdentityMismatch {
				return fmt.Errorf("%w (clear the stale PID file at %s if the daemon is gone)", err, cfg.PIDFilePath())
			}
			return err
		}
		if err := syscall.Kill(info.PID, syscall.SIGTERM); err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "stop.signal", err)
		}

		deadline := time.Now().Add(15 * time.Second)
		for time.Now().Before(deadline) {
			if err := syscall.Kill(info.PID, 0); err != nil {
				_ = daemon.RemovePIDFile(cfg.PIDFilePath())
				return emit(map[string]any{"stopped": true, "pid": info.PID},
					func() { fmt.Printf("tokfence daemon stopped (pid %d)\n", info.PID) })
			}
			time.Sleep(200 * time.Millisecond)
		}
		return tferr.New(tferr.KindLocalStoreError,
			fmt.Sprintf("daemon pid %d did not exit within 15s", info.PID))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := daemon.ReadPIDFile(cfg.PIDFilePath()); err != nil {
			return emit(map[string]any{"running": false},
				func() { fmt.Println("tokfence daemon is not running") })
		}

		client := newDaemonClient(cfg)
		var status map[string]any
		if err := client.get(cmd.Context(), "/__tokfence/status", nil, &status); err != nil {
			return err
		}
		return emit(status, func() {
			fmt.Printf("running:      %v\n", status["running"])
			fmt.Printf("listen:       %v\n", status["listen_addr"])
			if sock, ok := status["socket_path"].(string); ok && sock != "" {
				fmt.Printf("socket:       %v\n", sock)
			}
			fmt.Printf("uptime:       %vs\n", status["uptime_seconds"])
			fmt.Printf("immune:       %v\n", status["immune_enabled"])
			fmt.Printf("risk state:   %v\n", status["risk_state"])
			fmt.Printf("providers:    %v\n", status["providers"])
			if revoked, ok := status["revoked_providers"].([]any); ok && len(revoked) > 0 {
				fmt.Printf("revoked:      %v\n", revoked)
			}
		})
	},
}
