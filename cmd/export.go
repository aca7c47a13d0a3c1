package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/export"
)

var (
	exportFrom    string
	exportTo      string
	exportDays    int
	exportOutDir  string
	exportFormats []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write daily gold aggregates and reject counts for BI tools",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if exportOutDir != "" {
			cfg.Export.OutDir = exportOutDir
		}
		if len(exportFormats) > 0 {
			cfg.Export.Formats = exportFormats
		}
		if err := cfg.Validate("export"); err != nil {
			return err
		}

		formats, err := export.ParseFormats(cfg.Export.Formats)
		if err != nil {
			return err
		}
		w, err := parseWindowFlags(exportFrom, exportTo, time.Duration(exportDays)*24*time.Hour, time.Now())
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

		daily, err := st.ListDaily(ctx, w)
		if err != nil {
			return eris.Wrap(err, "export: daily aggregates")
		}
		rejects, err := st.ListRejectDaily(ctx, w, rules.Version)
		if err != nil {
			return eris.Wrap(err, "export: reject daily")
		}

		paths, err := export.WriteFiles(cfg.Export.OutDir, formats, export.DailyTable(daily), export.RejectTable(rejects))
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(os.Stdout, p)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "first decision day (RFC3339 or YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "end of range, exclusive (default now)")
	exportCmd.Flags().IntVar(&exportDays, "days", 30, "range length in days when --from is not set")
	exportCmd.Flags().StringVar(&exportOutDir, "out", "", "output directory (overrides export.out_dir)")
	exportCmd.Flags().StringSliceVar(&exportFormats, "format", nil, "formats: csv, jsonl, xlsx (overrides export.formats)")
	rootCmd.AddCommand(exportCmd)
}
