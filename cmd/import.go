package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/ingest"
	"github.com/sells-group/comp-engine/internal/ruleset"
)

var (
	importTenant    string
	importPeriod    string
	importDataType  string
	importEntityCol string
	importChunk     int
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load source rows, entities or rule sets into the store",
}

var importRowsCmd = &cobra.Command{
	Use:   "rows <file.csv|file.xlsx>",
	Short: "Append source rows from a CSV file or every sheet of a workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if importTenant == "" {
			return eris.New("--tenant is required")
		}

		rows, err := ingest.LoadFile(ctx, args[0], ingest.RowOptions{
			TenantID:     importTenant,
			PeriodID:     importPeriod,
			DataType:     importDataType,
			EntityColumn: importEntityCol,
		})
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := ingest.Import(ctx, env.Store, rows, importChunk)
		if err != nil {
			return eris.Wrap(err, "import rows")
		}
		zap.L().Info("import complete", zap.Int("rows", n), zap.String("file", args[0]))
		return nil
	},
}

var importEntitiesCmd = &cobra.Command{
	Use:   "entities <file.csv>",
	Short: "Upsert the tenant's entity roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if importTenant == "" {
			return eris.New("--tenant is required")
		}

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open entities file")
		}
		defer f.Close() //nolint:errcheck

		ents, err := ingest.ReadEntitiesCSV(ctx, f, importTenant)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.UpsertEntities(ctx, ents)
		if err != nil {
			return eris.Wrap(err, "upsert entities")
		}
		zap.L().Info("entities imported", zap.Int("entities", n), zap.String("tenant", importTenant))
		return nil
	},
}

var importRulesCmd = &cobra.Command{
	Use:   "rules <file.yaml|file.json>",
	Short: "Validate and save a rule set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rs, warnings, err := ruleset.LoadFile(args[0])
		if err != nil {
			return err
		}
		for _, w := range warnings {
			zap.L().Warn("rule set warning", zap.String("warning", w))
		}
		if importTenant != "" {
			rs.TenantID = importTenant
		}
		if rs.TenantID == "" || rs.ID == "" {
			return eris.New("rule set needs an id and a tenant (set tenant_id or --tenant)")
		}

		env, err := initEngine(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.SaveRuleSet(ctx, rs); err != nil {
			return eris.Wrap(err, "save rule set")
		}
		env.Rules.Invalidate(rs.TenantID, rs.ID)
		zap.L().Info("rule set saved",
			zap.String("tenant", rs.TenantID),
			zap.String("rule_set", rs.ID),
			zap.Int("components", len(rs.Components)),
		)
		return nil
	},
}

func init() {
	importCmd.PersistentFlags().StringVar(&importTenant, "tenant", "", "tenant id")
	importRowsCmd.Flags().StringVar(&importPeriod, "period", "", "period id for rows without a period_id column")
	importRowsCmd.Flags().StringVar(&importDataType, "data-type", "", "data type for CSV rows (default: file base name)")
	importRowsCmd.Flags().StringVar(&importEntityCol, "entity-column", "", "column holding the owning entity id (default entity_id)")
	importRowsCmd.Flags().IntVar(&importChunk, "chunk", 1000, "rows per store write")

	importCmd.AddCommand(importRowsCmd, importEntitiesCmd, importRulesCmd)
	rootCmd.AddCommand(importCmd)
}
