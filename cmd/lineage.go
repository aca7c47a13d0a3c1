package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/model"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage <partition>",
	Short: "Show contract versions and lineage events for a partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		partition := args[0]
		if _, err := model.DayWindow(partition); err != nil {
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

		counts, err := st.SilverCounts(ctx, partition)
		if err != nil {
			return eris.Wrap(err, "lineage: silver counts")
		}
		events, err := st.ListLineage(ctx, partition)
		if err != nil {
			return eris.Wrap(err, "lineage: events")
		}

		formatLineage(os.Stdout, counts, events)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lineageCmd)
}

func formatLineage(out io.Writer, counts []model.SilverCounts, events []model.LineageEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tCLEAN\tREJECTED\tDUPES")
	for _, c := range counts {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", c.ContractVersion, c.Clean, c.Rejected, c.Duplicates)
	}
	_ = w.Flush()

	if len(events) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo lineage events.")
		return
	}

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FROM\tTO\tDIRECTION\tRUN\tAT")
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.FromVersion, e.ToVersion, e.Direction, truncateID(e.RunID), e.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
