package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-shield/pkg/redteam"
	"github.com/polisai/polis-shield/pkg/scanner"
)

type redteamOptions struct {
	Category     string
	Difficulty   string
	CatalogFile  string
	MinCoverage  float64
	OutputFormat string
}

func newRedteamCmd(opts *GlobalOptions) *cobra.Command {
	ro := &redteamOptions{}
	cmd := &cobra.Command{
		Use:   "redteam",
		Short: "Run attack scenarios through the detectors and report coverage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRedteam(cmd, opts, ro)
		},
	}
	cmd.Flags().StringVar(&ro.Category, "category", "", "Only run scenarios in this category")
	cmd.Flags().StringVar(&ro.Difficulty, "difficulty", "", "Only run scenarios of this difficulty")
	cmd.Flags().StringVar(&ro.CatalogFile, "scenarios", "", "YAML scenario catalogue (defaults to the built-in one)")
	cmd.Flags().Float64Var(&ro.MinCoverage, "min-coverage", 0, "Exit with status 2 when coverage falls below this fraction")
	cmd.Flags().StringVarP(&ro.OutputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func runRedteam(cmd *cobra.Command, opts *GlobalOptions, ro *redteamOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	catalog := redteam.Builtin()
	if ro.CatalogFile != "" {
		//nolint:gosec // Path is supplied by the operator
		data, err := os.ReadFile(ro.CatalogFile)
		if err != nil {
			return fmt.Errorf("read scenarios: %w", err)
		}
		if catalog, err = redteam.ParseCatalog(data); err != nil {
			return err
		}
	}

	registry, err := buildRegistry(cfg.Detectors, logger)
	if err != nil {
		return err
	}
	sc := scanner.New(registry, nil, logger)

	scenarios := catalog.List(redteam.Filter{
		Category:   redteam.Category(ro.Category),
		Difficulty: redteam.Difficulty(ro.Difficulty),
	})
	report, err := redteam.Run(cmd.Context(), sc, scenarios)
	if err != nil {
		return err
	}

	if err := writeReport(cmd, ro.OutputFormat, report); err != nil {
		return err
	}
	if report.Coverage < ro.MinCoverage {
		return &exitError{code: exitUnsafe}
	}
	return nil
}

func writeReport(cmd *cobra.Command, format string, report redteam.Report) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "table", "":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCENARIO\tDETECTED\tTOTAL")
		for _, s := range report.Scenarios {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", s.ID, s.Detected, s.Total)
		}
		fmt.Fprintf(tw, "TOTAL\t%d\t%d\n", report.Detected, report.Total)
		if err := tw.Flush(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "coverage: %.1f%%\n", report.Coverage*100)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
