package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/monitoring"
)

var (
	signalsFrom     string
	signalsTo       string
	signalsLookback time.Duration
	signalsJSON     bool
)

var signalsCmd = &cobra.Command{
	Use:   "signals [name...]",
	Short: "Compute monitoring signals over a time window",
	Long: "Computes the named signals (default: all) over [--from, --to). Names: " +
		strings.Join(monitoring.SignalNames(), ", ") +
		". missing_evidence_rate also accepts a reason code, as in missing_evidence_rate:MISSING_POLICY_ID.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		w, err := parseWindowFlags(signalsFrom, signalsTo, signalsLookback, time.Now())
		if err != nil {
			return err
		}

		rules, err := loadRules()
		if err != nil {
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
		bs, err := initBronze(ctx, st)
		if err != nil {
			return err
		}

		computer := newComputer(st, bs, rules.Version)
		var sigs []model.Signal
		if len(args) == 0 {
			sigs, err = computer.ComputeAll(ctx, w)
			if err != nil {
				return eris.Wrap(err, "signals")
			}
		} else {
			for _, name := range args {
				sig, err := computer.ComputeSignal(ctx, name, w)
				if err != nil {
					return eris.Wrapf(err, "signal %s", name)
				}
				sigs = append(sigs, sig)
			}
		}

		if signalsJSON {
			return printJSON(sigs)
		}
		fmt.Fprintf(os.Stdout, "Window: %s\n\n", w)
		formatSignals(os.Stdout, sigs)
		return nil
	},
}

func init() {
	signalsCmd.Flags().StringVar(&signalsFrom, "from", "", "window start (RFC3339 or YYYY-MM-DD)")
	signalsCmd.Flags().StringVar(&signalsTo, "to", "", "window end (RFC3339 or YYYY-MM-DD, default now)")
	signalsCmd.Flags().DurationVar(&signalsLookback, "lookback", 24*time.Hour, "window length when --from is not set")
	signalsCmd.Flags().BoolVar(&signalsJSON, "json", false, "print signals as JSON")
	rootCmd.AddCommand(signalsCmd)
}

// parseWindowFlags builds a window from optional from/to values. A missing
// to means now; a missing from means to minus lookback.
func parseWindowFlags(from, to string, lookback time.Duration, now time.Time) (model.Window, error) {
	end := now.UTC()
	if to != "" {
		t, err := parseTimeFlag(to)
		if err != nil {
			return model.Window{}, eris.Wrapf(err, "--to %q", to)
		}
		end = t
	}
	start := end.Add(-lookback)
	if from != "" {
		t, err := parseTimeFlag(from)
		if err != nil {
			return model.Window{}, eris.Wrapf(err, "--from %q", from)
		}
		start = t
	}
	return model.NewWindow(start, end)
}

func parseTimeFlag(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(model.PartitionLayout, v)
	if err != nil {
		return time.Time{}, eris.New("expected RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}

// formatSignals writes one row per signal with its attributes sorted by key.
func formatSignals(out io.Writer, sigs []model.Signal) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SIGNAL\tVALUE\tATTRS")
	_, _ = fmt.Fprintln(w, "------\t-----\t-----")
	for _, s := range sigs {
		keys := make([]string, 0, len(s.Attrs))
		for k := range s.Attrs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		attrs := make([]string, len(keys))
		for i, k := range keys {
			attrs[i] = fmt.Sprintf("%s=%g", k, s.Attrs[k])
		}
		_, _ = fmt.Fprintf(w, "%s\t%.4f\t%s\n", s.Name, s.Value, strings.Join(attrs, " "))
	}
	_ = w.Flush()
}
