package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/harun/retina/internal/tracing"
	"github.com/spf13/cobra"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the records in the memory snapshot",
	Long: `List every record in the memory snapshot with its current decay score,
highest score first. Records scoring below the decay threshold are removed
on the next eviction pass.`,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print records as JSON")
	rootCmd.AddCommand(inspectCmd)
}

type recordView struct {
	ID         string    `json:"id"`
	SeenCount  int       `json:"seen_count"`
	Stability  float64   `json:"stability"`
	DecayScore float64   `json:"decay_score"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Expiring   bool      `json:"expiring"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	store, err := openStore(tracing.NewRequestContext(cmd.Context(), "cli"), cfg, log)
	if err != nil {
		return err
	}

	params := store.Params()
	now := time.Now()
	records := store.Records()
	views := make([]recordView, 0, len(records))
	for _, r := range records {
		score := r.DecayScore(now, params.Tau)
		views = append(views, recordView{
			ID:         r.ID,
			SeenCount:  r.SeenCount,
			Stability:  r.Stability,
			DecayScore: score,
			FirstSeen:  r.FirstSeen,
			LastSeen:   r.LastSeen,
			Expiring:   score < params.DecayThreshold,
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].DecayScore > views[j].DecayScore
	})

	out := cmd.OutOrStdout()
	if inspectJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"dimension": store.Dimension(),
			"records":   views,
		})
	}

	fmt.Fprintf(out, "Records: %d\n", len(views))
	fmt.Fprintf(out, "Dimension: %d\n", store.Dimension())
	if len(views) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEEN\tSTABILITY\tDECAY\tLAST SEEN\t")
	for _, v := range views {
		mark := ""
		if v.Expiring {
			mark = "expiring"
		}
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.4f\t%s\t%s\n",
			v.ID, v.SeenCount, v.Stability, v.DecayScore, v.LastSeen.Format(time.RFC3339), mark)
	}
	return tw.Flush()
}
