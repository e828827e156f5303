package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/harun/retina/internal/tracing"
	"github.com/harun/retina/pkg/memory"
	"github.com/spf13/cobra"
)

// maxLineSize bounds one JSON line; 1 MiB holds embeddings far wider than any detector emits.
const maxLineSize = 1 << 20

var ingestCmd = &cobra.Command{
	Use:   "ingest [file|-]",
	Short: "Match a file of embeddings against the memory",
	Long: `Read observations as JSON lines and match each one against the memory,
then save the snapshot. Each line holds an object such as

  {"embedding": [0.1, 0.7, 0.2], "timestamp": 1718000000.25}

The timestamp is seconds since the Unix epoch and defaults to now. With no
argument, or "-", observations are read from stdin. The daemon must be stopped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

type observationLine struct {
	Embedding []float32 `json:"embedding"`
	Timestamp *float64  `json:"timestamp,omitempty"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := ensureDaemonStopped(cfg); err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	ctx := tracing.NewRequestContext(cmd.Context(), "cli")
	if err := memory.EnsureSnapshotDirectory(cfg.Memory.SnapshotPath); err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var lineNo, newCount, knownCount int
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var obs observationLine
		if err := json.Unmarshal(line, &obs); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", lineNo, err)
		}

		now := time.Now()
		if obs.Timestamp != nil {
			sec, frac := math.Modf(*obs.Timestamp)
			now = time.Unix(int64(sec), int64(frac*1e9))
		}

		match, err := store.MatchOrCreate(ctx, obs.Embedding, now)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}

		if match.Status == memory.StatusNew {
			newCount++
		} else {
			knownCount++
		}
		fmt.Fprintf(out, "%-5s %s seen=%d similarity=%.4f\n",
			match.Status, match.Record.ID, match.Record.SeenCount, match.Similarity)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	if err := store.Save(ctx); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	fmt.Fprintf(out, "Ingested %d observations (%d new, %d known), %d records stored\n",
		newCount+knownCount, newCount, knownCount, store.Len())
	return nil
}
