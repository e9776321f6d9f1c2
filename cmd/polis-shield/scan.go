package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-shield/pkg/domain"
	"github.com/polisai/polis-shield/pkg/scanner"
)

type scanOptions struct {
	Checks     []string
	Frameworks []string
	PolicyFile string
}

func newScanCmd(opts *GlobalOptions) *cobra.Command {
	so := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan [text...]",
		Short: "Scan text from arguments or stdin and print the result",
		Long: `Scan runs the detectors over the given text and prints the ScanResult as JSON.
The exit status is 2 when the content is not safe.

With --frameworks, the policy engine also runs over the YAML or JSON document
given by --policy-config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts, so, args)
		},
	}
	cmd.Flags().StringSliceVar(&so.Checks, "checks", nil, "Check types to run (injection, pii, toxicity, judge)")
	cmd.Flags().StringSliceVar(&so.Frameworks, "frameworks", nil, "Compliance frameworks to evaluate")
	cmd.Flags().StringVar(&so.PolicyFile, "policy-config", "", "YAML or JSON document evaluated by policies")
	return cmd
}

func runScan(cmd *cobra.Command, opts *GlobalOptions, so *scanOptions, args []string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	content := strings.Join(args, " ")
	if content == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		content = strings.TrimRight(string(data), "\n")
	}

	policyConfig, err := readPolicyConfig(so.PolicyFile)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg.Detectors, logger)
	if err != nil {
		return err
	}
	engine, err := buildEngine(cmd.Context(), cfg.Policies, logger)
	if err != nil {
		return err
	}

	req := domain.ScanRequest{
		Content:    content,
		Config:     policyConfig,
		Frameworks: so.Frameworks,
	}
	for _, c := range so.Checks {
		req.CheckTypes = append(req.CheckTypes, domain.ParseCheckType(c))
	}

	result, err := scanner.New(registry, engine, logger).Scan(cmd.Context(), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.IsSafe {
		return &exitError{code: exitUnsafe}
	}
	return nil
}

// readPolicyConfig loads the document policies evaluate. YAML is a superset of
// JSON, so one decoder serves both.
func readPolicyConfig(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	//nolint:gosec // Path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy config %s: %w", path, err)
	}
	return doc, nil
}
