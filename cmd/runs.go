package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and summarizing ingest, validate and curate runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		stage, _ := cmd.Flags().GetString("stage")
		status, _ := cmd.Flags().GetString("status")
		partition, _ := cmd.Flags().GetString("partition")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Stage:     model.RunStage(stage),
			Status:    model.RunStatus(status),
			Partition: partition,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return printJSON(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.RunFilter{Limit: 10000} // high limit for stats
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("stage", "", "filter by stage (ingest, validate, curate)")
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	runsListCmd.Flags().String("partition", "", "filter by partition date (YYYY-MM-DD)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Complete   int
	Failed     int
	Running    int
	ByStage    map[model.RunStage]int
	Bronze     int64
	Clean      int64
	Rejected   int64
	Facts      int64
	AvgDurSecs float64
}

// RejectRate is rejected / (clean + rejected) over completed validate runs.
func (s runStats) RejectRate() float64 {
	if s.Clean+s.Rejected == 0 {
		return 0
	}
	return float64(s.Rejected) / float64(s.Clean+s.Rejected)
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	s := runStats{Total: len(runs), ByStage: make(map[model.RunStage]int)}

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		s.ByStage[r.Stage]++
		switch r.Status {
		case model.RunStatusComplete:
			s.Complete++
			totalDur += r.Duration()
			durCount++
			switch r.Stage {
			case model.RunStageIngest:
				s.Bronze += r.Counts.Bronze
			case model.RunStageValidate:
				s.Clean += r.Counts.Clean
				s.Rejected += r.Counts.Rejected
			case model.RunStageCurate:
				s.Facts += r.Counts.Facts
			}
		case model.RunStatusFailed:
			s.Failed++
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tPARTITION\tVERSION\tSTATUS\tBRONZE\tCLEAN\tREJECTED\tDUPES\tFACTS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t---------\t-------\t------\t------\t-----\t--------\t-----\t-----\t-------\t--------")

	for _, r := range runs {
		status := string(r.Status)
		if r.Status == model.RunStatusFailed && r.Error != "" {
			msg := r.Error
			if len(msg) > 40 {
				msg = msg[:37] + "..."
			}
			status += " (" + msg + ")"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.Stage,
			r.Partition,
			r.ContractVersion,
			status,
			r.Counts.Bronze,
			r.Counts.Clean,
			r.Counts.Rejected,
			r.Counts.Duplicates,
			r.Counts.Facts,
			r.StartedAt.Format("2006-01-02 15:04"),
			r.Duration().Round(time.Millisecond).String(),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	for _, stage := range []model.RunStage{model.RunStageIngest, model.RunStageValidate, model.RunStageCurate} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", stage, s.ByStage[stage])
	}
	_, _ = fmt.Fprintf(w, "Bronze records:\t%d\n", s.Bronze)
	_, _ = fmt.Fprintf(w, "Clean / rejected:\t%d / %d (%.1f%% rejected)\n", s.Clean, s.Rejected, s.RejectRate()*100)
	_, _ = fmt.Fprintf(w, "Gold facts:\t%d\n", s.Facts)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
