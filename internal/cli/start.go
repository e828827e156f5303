package cli

import (
	"errors"
	"fmt"

	"github.com/harun/retina/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Retina daemon service",
	Long: `Start the Retina daemon in the foreground.
The daemon restores the memory snapshot, serves the gateway, reloads memory
tuning when the config file changes and saves the snapshot on shutdown.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if pid, err := daemon.RunningPID(cfg.DataDir); err == nil {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	} else if !errors.Is(err, daemon.ErrNotRunning) {
		return err
	}

	log, err := newLogger(cfg, cfg.Logging.Console)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.WatchConfig(loader); err != nil {
		cliLog := log.Component("cli")
		cliLog.Warn().Err(err).Msg("Config hot reload disabled")
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Retina daemon started (PID file: %s)\n", daemon.PIDFilePath(cfg.DataDir))

	return d.Wait()
}
