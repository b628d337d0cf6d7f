package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.CountProperties(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("store migrated",
			zap.String("driver", cfg.Store.Driver),
			zap.Int("properties", n),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
