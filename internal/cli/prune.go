package cli

import (
	"fmt"
	"time"

	"github.com/harun/retina/internal/observability"
	"github.com/harun/retina/internal/tracing"
	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Evict decayed records from the memory snapshot",
	Long: `Run an eviction pass now, regardless of the cleanup interval, and save
the snapshot. The daemon must be stopped.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := ensureDaemonStopped(cfg); err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	ctx := tracing.NewRequestContext(cmd.Context(), "cli")
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	removed := store.Evict(ctx, time.Now())
	if err := store.Save(ctx); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err == nil {
		defer observability.GetAuditLogger().Close()
	}
	observability.RecordSnapshotAudit(ctx, "snapshot.prune", "cli", "success", map[string]interface{}{
		"path":      cfg.Memory.SnapshotPath,
		"removed":   removed,
		"remaining": store.Len(),
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records, %d remaining\n", removed, store.Len())
	return nil
}
