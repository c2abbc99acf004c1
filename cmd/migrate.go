package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg.DB)
		if err != nil {
			return err
		}
		defer st.Close()
		slog.Info("Schema is up to date", "driver", cfg.DB.Driver)
		return nil
	},
}
