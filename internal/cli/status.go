package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/harun/retina/internal/daemon"
	"github.com/harun/retina/pkg/memory"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the Retina daemon is running and where its memory snapshot lives.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.RunningPID(cfg.DataDir)
	switch {
	case errors.Is(err, daemon.ErrNotRunning):
		fmt.Fprintln(out, "Status: stopped")
	case err != nil:
		return err
	default:
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		// PID file modification time approximates the start time
		if info, statErr := os.Stat(daemon.PIDFilePath(cfg.DataDir)); statErr == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	}

	exists, err := memory.FileExists(cfg.Memory.SnapshotPath)
	if err != nil {
		return fmt.Errorf("failed to stat snapshot: %w", err)
	}
	if exists {
		fmt.Fprintf(out, "Snapshot: %s\n", cfg.Memory.SnapshotPath)
	} else {
		fmt.Fprintf(out, "Snapshot: %s (not written yet)\n", cfg.Memory.SnapshotPath)
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
