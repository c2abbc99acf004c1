package cmd

import (
	"log/slog"
	"os"

	"github.com/pliu/devfusion/internal/config"
	"github.com/spf13/cobra"
)

var cfg = config.Load()

var rootCmd = &cobra.Command{
	Use:           "devfusion",
	Short:         "DevFusion: project chat rooms with an AI pair programmer",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		level, _ := config.ParseLevel(cfg.LogLevel)
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
	RunE: runServe,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.DB.Driver, "db-driver", cfg.DB.Driver, "store backend: sqlite3, postgres or gorm")
	flags.StringVar(&cfg.DB.DSN, "db-dsn", cfg.DB.DSN, "database connection string or file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
