package cli

import (
	"github.com/spf13/cobra"

	"github.com/BartekS5/etlrunner/internal/config"
	"github.com/BartekS5/etlrunner/pkg/logger"
)

// RootOptions holds the persistent flags and the environment configuration
// shared by every command.
type RootOptions struct {
	LogLevel  string
	LogFormat string
	LogDir    string

	cfg *config.Config
}

func NewRootCmd() *cobra.Command {
	opts := &RootOptions{}

	rootCmd := &cobra.Command{
		Use:   "etlrunner",
		Short: "etlrunner - resumable ETL pipeline runner",
		Long: `etlrunner runs extract, transform and load stages declared in a YAML file.
Transient failures are retried with exponential backoff, progress can be
checkpointed and resumed, and every run is logged as structured events.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "Log format: text or json (default $LOG_FORMAT or text)")
	rootCmd.PersistentFlags().StringVar(&opts.LogDir, "log-dir", "", "Also write logs to <dir>/etlrunner.log (default $LOG_DIR)")

	rootCmd.AddCommand(NewRunCmd(opts), NewValidateCmd(opts), NewMigrateCmd(opts))

	return rootCmd
}

// init loads the environment configuration and sets up logging. Flags win
// over environment variables.
func (o *RootOptions) init(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	o.cfg = cfg

	flags := cmd.Flags()
	if !flags.Changed("log-level") {
		o.LogLevel = cfg.Log.Level
	}
	if !flags.Changed("log-format") {
		o.LogFormat = cfg.Log.Format
	}
	if !flags.Changed("log-dir") {
		o.LogDir = cfg.Log.Dir
	}

	_, err = logger.Init(logger.Options{
		Level:  o.LogLevel,
		Format: o.LogFormat,
		Dir:    o.LogDir,
		Name:   "etlrunner",
	})
	return err
}
