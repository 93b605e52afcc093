package cli

import (
	"fmt"

	"github.com/ibbo/rowan/internal/config"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths    config.Paths
	cfg      config.Config
	log      *logging.Logger
	closeLog = func() error { return nil }
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rowan",
		Short: "Rowan, a Scottish country dance assistant",
		Long: "Rowan answers questions about Scottish country dances using the SCDDB dance " +
			"database and the RSCDS manual. Ask once, chat, or serve it over WebSocket and SSE.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}

			cfg, err = config.Load(paths.Config)
			if err != nil {
				return err
			}
			cfg.ApplyPaths(paths)

			if logLevel != "" {
				if !logging.ValidLevel(logLevel) {
					return fmt.Errorf("unknown log level %q", logLevel)
				}
				cfg.Logging.Level = logLevel
			}
			log, closeLog, err = logging.Open(logging.Options{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				File:   cfg.Logging.File,
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeLog()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.rowan/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newThreadsCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newManualCmd())
	cmd.AddCommand(newToolsCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
