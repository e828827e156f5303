package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/retina/internal/config"
	"github.com/harun/retina/internal/daemon"
	"github.com/harun/retina/internal/logger"
	"github.com/harun/retina/pkg/memory"
)

// ensureDaemonStopped refuses offline writes while a daemon owns the snapshot,
// since its next save would overwrite them.
func ensureDaemonStopped(cfg *config.Config) error {
	pid, err := daemon.RunningPID(cfg.DataDir)
	if errors.Is(err, daemon.ErrNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("daemon is running (PID %d), send observations through the gateway instead", pid)
}

// openStore creates a store from cfg and restores its snapshot
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*memory.Store, error) {
	params, err := cfg.MemoryParams()
	if err != nil {
		return nil, err
	}

	store, err := memory.NewStore(memory.Config{
		SnapshotPath: cfg.Memory.SnapshotPath,
		Params:       params,
		Logger:       log.GetZerolog(),
	})
	if err != nil {
		return nil, err
	}

	if err := store.Load(ctx); err != nil {
		if errors.Is(err, memory.ErrPersistenceCorrupt) {
			return nil, fmt.Errorf("snapshot %s is unreadable: %w", cfg.Memory.SnapshotPath, err)
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return store, nil
}
