package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"polybot/internal/simulator"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	var (
		outputDir string
		save      bool
	)
	cmd := &cobra.Command{
		Use:   "report [session.jsonl]",
		Short: "Rebuild the performance report of a paper trading session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feeRate := decimal.NewFromFloat(0.02)
			if cfg, err := opts.load(); err == nil {
				feeRate = decimal.NewFromFloat(cfg.Trading.WinnerFee)
				if outputDir == "" {
					outputDir = cfg.Testing.OutputDir
				}
			}
			if outputDir == "" {
				outputDir = "simulation_results"
			}

			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				latest, err := latestSession(outputDir)
				if err != nil {
					return err
				}
				path = latest
			}

			sim, err := simulator.Replay(path, feeRate)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), sim.GenerateReport())
			if !save {
				return nil
			}
			report, err := sim.SaveFinalReport()
			if err != nil {
				return err
			}
			csvPath, err := sim.ExportCSV()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nreport: %s\ncsv: %s\n", report, csvPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "dir", "", "session directory (default testing.output_dir)")
	cmd.Flags().BoolVar(&save, "save", false, "also write the report and CSV next to the session log")
	return cmd
}

// latestSession picks the most recently modified session log in dir.
func latestSession(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "sim_*.jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no session logs in %s", dir)
	}
	type entry struct {
		path string
		mod  int64
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: m, mod: info.ModTime().UnixNano()})
	}
	if len(entries) == 0 {
		return "", errors.New("no readable session logs")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod > entries[j].mod })
	return entries[0].path, nil
}
