package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokfence/tokfence/internal/snapshot"
	"github.com/tokfence/tokfence/internal/tferr"
)

const widgetScriptName = "tokfence.30s.sh"

var widgetCmd = &cobra.Command{
	Use:   "widget",
	Short: "Menu-bar widget integration (SwiftBar)",
}

var widgetInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the SwiftBar plugin script",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := widgetDir(cmd)
		if err != nil {
			return err
		}
		// TOKFENCE_BINARY lets the desktop installer point the plugin at a
		// bundled binary instead of the one running this command.
		exe := os.Getenv("TOKFENCE_BINARY")
		if exe == "" {
			var err error
			exe, err = os.Executable()
			if err != nil {
				return tferr.Wrap(tferr.KindLocalStoreError, "widget.executable", err)
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "widget.mkdir", err)
		}
		script := fmt.Sprintf("#!/bin/sh\nexec %q widget render\n", exe)
		path := filepath.Join(dir, widgetScriptName)
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "widget.write", err)
		}
		return emit(map[string]any{"installed": true, "path": path},
			func() { fmt.Printf("widget plugin installed at %s\n", path) })
	},
}

var widgetUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the SwiftBar plugin script",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := widgetDir(cmd)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, widgetScriptName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return tferr.Wrap(tferr.KindLocalStoreError, "widget.remove", err)
		}
		return emit(map[string]any{"uninstalled": true, "path": path},
			func() { fmt.Printf("widget plugin removed from %s\n", path) })
	},
}

var widgetRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the menu-bar summary from the snapshot file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(cfg.SnapshotPath())
		if os.IsNotExist(err) {
			fmt.Println("tokfence: off")
			return nil
		}
		if err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "widget.snapshot", err)
		}
		var snap snapshot.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "widget.decode", err)
		}
		return emit(snap, func() { renderWidget(snap) })
	},
}

func init() {
	widgetCmd.PersistentFlags().String("dir", "", "plugin directory (default: SwiftBar plugins folder)")
	widgetCmd.AddCommand(widgetInstallCmd)
	widgetCmd.AddCommand(widgetUninstallCmd)
	widgetCmd.AddCommand(widgetRenderCmd)
}

func widgetDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", tferr.Wrap(tferr.KindLocalStoreError, "widget.home", err)
	}
	return filepath.Join(home, "Library", "Application Support", "SwiftBar", "Plugins"), nil
}

// renderWidget prints the SwiftBar format: first line is the menu-bar text,
// lines after the separator form the dropdown.
func renderWidget(snap snapshot.Snapshot) {
	if !snap.Running {
		fmt.Println("tokfence: off")
		return
	}
	title := fmt.Sprintf("tokfence $%.2f", float64(snap.TodayCostCents)/100)
	if len(snap.Revoked) > 0 {
		title += " !"
	}
	fmt.Println(title)
	fmt.Println("---")
	fmt.Printf("requests today: %d\n", snap.TodayRequests)
	fmt.Printf("tokens: %d in / %d out\n", snap.TodayInput, snap.TodayOutput)
	if snap.TopProvider != "" {
		fmt.Printf("top provider: %s ($%.2f)\n", snap.TopProvider, float64(snap.TopProviderCost)/100)
	}
	for _, b := range snap.Budgets {
		fmt.Printf("budget %s: $%.2f of $%.2f\n", b.Scope,
			float64(b.CurrentSpendCents)/100, float64(b.LimitCents)/100)
	}
	if len(snap.Revoked) > 0 {
		fmt.Printf("revoked: %s\n", strings.Join(snap.Revoked, ", "))
	}
	for _, warning := range snap.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
}
