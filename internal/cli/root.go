// Package cli wires the cobra command tree. Each subcommand is one bulk
// operation profile: it builds a search query and an action closure, then
// hands both to the same generic engine runner.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/inboxops/sweep/internal/config"
	"github.com/inboxops/sweep/internal/engine"
	"github.com/inboxops/sweep/internal/engine/retry"
	"github.com/inboxops/sweep/internal/intercom"
	"github.com/inboxops/sweep/internal/logging"
)

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// runFlags are the engine tunables shared by every bulk subcommand.
type runFlags struct {
	team      string
	mode      string
	batchSize int
	workers   int
	maxItems  int
	perPage   int
	delay     time.Duration
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.team, "team", "", "team inbox ID to search (required)")
	cmd.Flags().StringVar(&f.mode, "mode", "hybrid", "processing mode: hybrid, maximal, or sequential")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", engine.DefaultBatchSize, "identifiers per dispatch batch")
	cmd.Flags().IntVar(&f.workers, "workers", engine.DefaultWorkers, "concurrent workers per batch")
	cmd.Flags().IntVar(&f.maxItems, "max-items", 0, "stop after this many items (0 = unlimited)")
	cmd.Flags().IntVar(&f.perPage, "per-page", 0, "search page size hint")
	cmd.Flags().DurationVar(&f.delay, "delay", engine.DefaultDelay, "sequential-mode pause between item groups")
	_ = cmd.MarkFlagRequired("team")
}

// engineConfig converts the parsed flags into an engine.Config.
func (f *runFlags) engineConfig() (engine.Config, error) {
	mode, err := engine.ParseMode(f.mode)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Mode:      mode,
		BatchSize: f.batchSize,
		Workers:   f.workers,
		MaxItems:  f.maxItems,
		PerPage:   f.perPage,
		Delay:     f.delay,
	}, nil
}

// NewRootCmd creates the root cobra command for the sweep CLI.
func NewRootCmd(ver string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "sweep",
		Short:   "Bulk-close and bulk-mutate conversations in a team inbox",
		Long:    "sweep searches a ticketing API for matching conversations and applies an action to each, in parallel batches, under the service's rate limits.",
		Version: ver,
		Example: rootCmdExample,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd, configPath)
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")

	cmd.AddCommand(
		newCloseCmd(&configPath),
		newTagCmd(&configPath),
		newStateCmd(&configPath),
	)

	return cmd
}

const rootCmdExample = `  # Close every open conversation in a team inbox
  sweep close --team 12345

  # Close at most 500, one conversation at a time, with maximum safety
  sweep close --team 12345 --mode sequential --max-items 500

  # Tag open conversations
  sweep tag --team 12345 --tag urgent-id --tag follow-up-id

  # Snooze everything that is currently open
  sweep state --team 12345 --from open --to snoozed`

// defaultConfigPath places the config file under the user's home directory.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.sweep/config.yaml"
}

// setupLogging configures the package logger from the config file's logging
// section and the --debug flag.
func setupLogging(cmd *cobra.Command, configPath string) {
	logger = logging.ComponentLogger(logging.New(loggingConfig(cmd, configPath)), "cli")
	cmd.SetContext(logger.WithContext(cmd.Context()))
}

// loggingConfig merges the config file's logging section with the --debug
// flag. --debug forces debug level; an empty format selects console output
// when stderr is a terminal and JSON otherwise. Load errors are ignored here
// so logging still comes up; loadClient surfaces them once a command needs
// credentials.
func loggingConfig(cmd *cobra.Command, configPath string) logging.Config {
	var lc config.LoggingConfig
	if cfg, err := config.Load(configPath); err == nil {
		lc = cfg.Logging
	}

	level := lc.Level
	if level == "" {
		level = "info"
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = "debug"
	}

	format := lc.Format
	if format == "" {
		format = "json"
		if isTerminal(os.Stderr) {
			format = "console"
		}
	}

	return logging.Config{Level: level, Format: format}
}

// loadClient loads and validates configuration, then builds the API client.
func loadClient(path string) (*intercom.Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := intercom.NewClient(cfg, logging.ComponentLogger(logger, "api"))
	logger.Debug().
		Str("admin_id", client.AdminID()).
		Str("base_url", cfg.BaseURL).
		Msg("api client ready")
	return client, nil
}

// runBulk executes one configured bulk operation and prints the summary.
func runBulk(cmd *cobra.Command, client *intercom.Client, q intercom.Query, action retry.Action, flags *runFlags) error {
	cfg, err := flags.engineConfig()
	if err != nil {
		return err
	}

	runner := engine.NewRunner(
		client.Pager(q),
		action,
		cfg,
		logging.ComponentLogger(logger, "engine"),
	)

	report, err := runner.Run(cmd.Context())
	cmd.Printf("%s\n", report)
	if err != nil {
		return fmt.Errorf("bulk run aborted: %w", err)
	}
	return nil
}
