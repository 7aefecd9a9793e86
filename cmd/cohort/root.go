package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"mercator-hq/cohort/pkg/cli"
	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/engine"
)

var (
	// Global flags
	cfgFile      string
	verbose      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "cohort",
	Short: "Cohort - experiment allocation and event recording",
	Long: `Cohort assigns users and sessions to experiment variants with stable
hash bucketing, gates experiments by segment, and records exposure and
conversion events for analysis.

Configuration is read from the --config file, then COHORT_* environment
variables. Without --config the built-in defaults are used.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return cli.ExitCode(err)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json, yaml")
}

// loadConfig reads the configuration named by --config with environment
// overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError(cfgFile, err)
	}
	return cfg, nil
}

// commandLogger is the logger for one-shot commands: text on stderr, warnings
// only unless --verbose.
func commandLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEngine builds an engine for a management command. Background tasks
// are not started. The file feed is skipped; with a Redis feed, changes are
// always published so running servers pick them up. adjust runs on the
// loaded configuration before the engine is built.
func openEngine(cmd *cobra.Command, adjust ...func(*config.Config)) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, fn := range adjust {
		fn(cfg)
	}

	switch cfg.Store.Feed.Type {
	case config.FeedFile:
		cfg.Store.Feed.Type = config.FeedNone
	case config.FeedRedis:
		cfg.Store.Feed.Redis.Publish = true
	}

	eng, err := engine.New(cfg, engine.WithLogger(commandLogger(cmd.ErrOrStderr())))
	if err != nil {
		return nil, cli.NewCommandError(cmd.CommandPath(), err)
	}
	return eng, nil
}

func closeEngine(cmd *cobra.Command, eng *engine.Engine) {
	if err := eng.Close(context.Background()); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning:", err)
	}
}

// printResult writes v to the command's output in the --output format.
// Text output uses table when it is not nil.
func printResult(cmd *cobra.Command, v any, table cli.Tabular) error {
	format, err := cli.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	if format == cli.FormatText && table != nil {
		return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), table)
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), v)
}

// fields is a two-column FIELD/VALUE table.
type fields [][2]string

func (f fields) Header() []string { return []string{"FIELD", "VALUE"} }

func (f fields) Rows() [][]string {
	rows := make([][]string, len(f))
	for i, kv := range f {
		rows[i] = []string{kv[0], kv[1]}
	}
	return rows
}
