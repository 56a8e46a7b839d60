package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/store"
)

type migrateResult struct {
	Driver  string `json:"driver"`
	Version int64  `json:"version,omitempty"`
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEngine(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		res := migrateResult{Driver: cfg.Store.Driver}
		// Postgres applies its schema inline and carries no version.
		if sq, ok := env.Store.(*store.SQLiteStore); ok {
			if res.Version, err = sq.MigrationVersion(); err != nil {
				return err
			}
		}
		zap.L().Info("store migrated", zap.String("driver", res.Driver), zap.Int64("version", res.Version))
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
