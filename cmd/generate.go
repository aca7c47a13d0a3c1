package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/synth"
)

var (
	generateN       int
	generateBadRate float64
	generateSeed    uint64
	generateOutDir  string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a batch of synthetic decision events to the landing directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir := generateOutDir
		if dir == "" {
			dir = cfg.Intake.LandingDir
		}

		path, st, err := synth.WriteFile(dir, synth.Options{
			N:       generateN,
			BadRate: generateBadRate,
			Seed:    generateSeed,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Wrote %d events (%d corrupted) to %s\n", st.Total, st.Corrupted, path)
		return nil
	},
}

func init() {
	generateCmd.Flags().IntVar(&generateN, "n", 250, "number of events to generate")
	generateCmd.Flags().Float64Var(&generateBadRate, "bad-rate", 0.12, "fraction of events to corrupt (0..1)")
	generateCmd.Flags().Uint64Var(&generateSeed, "seed", 0, "random seed for reproducibility")
	generateCmd.Flags().StringVar(&generateOutDir, "out", "", "output directory (default intake.landing_dir)")
	rootCmd.AddCommand(generateCmd)
}
