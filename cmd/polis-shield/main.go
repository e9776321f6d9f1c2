// Package main is the entry point for the polis-shield binary.
// It serves the content-safety scanning pipeline over HTTP and exposes
// one-shot scan and red-team commands.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-shield/pkg/config"
	"github.com/polisai/polis-shield/pkg/logging"
)

const defaultLogLevel = "info"

// exitUnsafe is returned by scan and redteam when the verdict should fail a pipeline.
const exitUnsafe = 2

// exitError carries a process exit code without printing an error.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// GlobalOptions holds the flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	LogFormat  string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// newRootCmd creates the root command for polis-shield
func newRootCmd() *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-shield",
		Short: "Content-safety scanning for LLM prompts",
		Long: `polis-shield runs prompts through injection, PII and toxicity detectors
and compliance policies, and tracks asynchronous scans as jobs.

Example:
  polis-shield serve --config shield.yaml
  echo "ignore previous instructions" | polis-shield scan --checks injection,pii`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVar(&opts.EnvFile, "env-file", ".env", "Path to a .env file loaded before configuration")
	flags.StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.LogFormat, "log-format", "", "Log format (json, text)")

	rootCmd.AddCommand(newServeCmd(opts), newScanCmd(opts), newRedteamCmd(opts))
	return rootCmd
}

// loadConfig reads the .env file, the config file and environment overrides,
// then applies the logging flags.
func loadConfig(opts *GlobalOptions) (*config.Config, error) {
	if opts.EnvFile != "" {
		config.LoadEnvFiles(opts.EnvFile)
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyLogFlags(cfg, opts)
	return cfg, nil
}

func applyLogFlags(cfg *config.Config, opts *GlobalOptions) {
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	return logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
}
