package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/pipeline"
)

var (
	runTenant   string
	runRuleSet  string
	runPeriod   string
	runActor    string
	runEntities []string
	runTraces   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute a DRAFT batch for a tenant, rule set and period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Run(ctx, pipeline.RunRequest{
			TenantID:  runTenant,
			RuleSetID: runRuleSet,
			PeriodID:  runPeriod,
			Actor:     runActor,
			EntityIDs: runEntities,
		})
		if err != nil {
			return eris.Wrap(err, "run batch")
		}
		for _, w := range res.Warnings {
			zap.L().Warn("run warning", zap.String("warning", w))
		}

		if !runTraces {
			res.Traces = nil
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "tenant id (required)")
	runCmd.Flags().StringVar(&runRuleSet, "rule-set", "", "rule set id (required)")
	runCmd.Flags().StringVar(&runPeriod, "period", "", "period id (required)")
	runCmd.Flags().StringVar(&runActor, "actor", "", "user recorded as the batch creator")
	runCmd.Flags().StringSliceVar(&runEntities, "entity", nil, "restrict the run to these entity ids")
	runCmd.Flags().BoolVar(&runTraces, "traces", false, "include entity traces in the output")
	_ = runCmd.MarkFlagRequired("tenant")
	_ = runCmd.MarkFlagRequired("rule-set")
	_ = runCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(runCmd)
}
