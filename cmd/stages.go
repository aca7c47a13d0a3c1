package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
)

var (
	ingestDir      string
	ingestSourceID string
	runIngestFirst bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Preserve pending landing batches into bronze",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if ingestDir != "" {
			cfg.Intake.Kind = "dir"
			cfg.Intake.LandingDir = ingestDir
		}
		if ingestSourceID != "" {
			cfg.Intake.SourceID = ingestSourceID
		}

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := initSource()
		if err != nil {
			return err
		}

		res, err := env.Runner.Ingest(ctx, src)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		zap.L().Info("ingest complete",
			zap.String("source_id", src.ID()),
			zap.Int("batches", res.Batches),
			zap.Int("records", res.Records),
		)
		return printJSON(res)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [partition...]",
	Short: "Split bronze partitions into clean and reject streams",
	Long:  "Validates every record of each partition against the active contract version. With no partitions, every bronze partition is validated.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		partitions, err := resolvePartitions(ctx, env, args)
		if err != nil {
			return err
		}

		var runs []model.Run
		failed := 0
		for _, p := range partitions {
			res, err := env.Runner.Validate(ctx, p)
			if res != nil && res.Run != nil {
				runs = append(runs, *res.Run)
			}
			if err != nil {
				failed++
				continue
			}
			if res.Lineage != nil {
				zap.L().Info("partition reprocessed under new contract version",
					zap.String("partition", p),
					zap.String("from_version", res.Lineage.FromVersion),
					zap.String("to_version", res.Lineage.ToVersion),
					zap.String("direction", string(res.Lineage.Direction)),
				)
			}
		}

		formatRunsList(os.Stdout, runs)
		if failed > 0 {
			return eris.Errorf("validate: %d of %d partitions failed", failed, len(partitions))
		}
		return nil
	},
}

var curateCmd = &cobra.Command{
	Use:   "curate [partition...]",
	Short: "Fold clean silver records into gold facts and daily aggregates",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		partitions, err := resolvePartitions(ctx, env, args)
		if err != nil {
			return err
		}

		var runs []model.Run
		failed := 0
		for _, p := range partitions {
			res, err := env.Runner.Curate(ctx, p)
			if res != nil && res.Run != nil {
				runs = append(runs, *res.Run)
			}
			if err != nil {
				failed++
			}
		}

		formatRunsList(os.Stdout, runs)
		if failed > 0 {
			return eris.Errorf("curate: %d of %d partitions failed", failed, len(partitions))
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [partition...]",
	Short: "Validate and curate partitions concurrently",
	Long:  "Runs validate then curate for each partition, bounded by pipeline.max_concurrent_partitions. With --ingest, pending landing batches are preserved first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		if runIngestFirst {
			src, err := initSource()
			if err != nil {
				return err
			}
			if _, err := env.Runner.Ingest(ctx, src); err != nil {
				return eris.Wrap(err, "ingest")
			}
		}

		results, runErr := env.Runner.RunPartitions(ctx, args)

		var runs []model.Run
		for _, r := range results {
			if r.Validate != nil && r.Validate.Run != nil {
				runs = append(runs, *r.Validate.Run)
			}
			if r.Curate != nil && r.Curate.Run != nil {
				runs = append(runs, *r.Curate.Run)
			}
		}
		formatRunsList(os.Stdout, runs)
		return runErr
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "landing directory (overrides intake config)")
	ingestCmd.Flags().StringVar(&ingestSourceID, "source-id", "", "source identifier stamped on bronze records")
	runCmd.Flags().BoolVar(&runIngestFirst, "ingest", false, "ingest pending landing batches before running")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(curateCmd)
	rootCmd.AddCommand(runCmd)
}

// resolvePartitions returns args, or every bronze partition when args is
// empty.
func resolvePartitions(ctx context.Context, env *evidenceEnv, args []string) ([]string, error) {
	if len(args) > 0 {
		for _, p := range args {
			if _, err := model.DayWindow(p); err != nil {
				return nil, eris.Wrapf(err, "partition %q", p)
			}
		}
		return args, nil
	}
	partitions, err := env.Bronze.ListPartitions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list partitions")
	}
	if len(partitions) == 0 {
		zap.L().Warn("no bronze partitions found")
	}
	return partitions, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
