package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/monitoring"
)

var checkWatch bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compute signals over the lookback window and send threshold alerts",
	Long:  "Runs one alert check and prints triggered alerts. With --watch, checks repeatedly every monitoring.check_interval_secs until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("check"); err != nil {
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

		checker := monitoring.NewChecker(
			newComputer(st, bs, rules.Version),
			monitoring.NewAlerter(cfg.Monitoring),
			nil,
			cfg.Monitoring,
		)

		if checkWatch {
			checker.Run(ctx)
			return nil
		}

		alerts, err := checker.CheckOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "check")
		}
		fmt.Fprintf(os.Stdout, "Window: %s\n", checker.Window())
		formatAlerts(os.Stdout, alerts)
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkWatch, "watch", false, "keep checking on an interval until interrupted")
	rootCmd.AddCommand(checkCmd)
}

func formatAlerts(out io.Writer, alerts []monitoring.Alert) {
	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "No alerts triggered.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tSEVERITY\tSIGNAL\tMESSAGE")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Type, a.Severity, a.Signal, a.Message)
	}
	_ = w.Flush()
}
