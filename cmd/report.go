package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/ingest"
	"github.com/sells-group/comp-engine/internal/model"
	"github.com/sells-group/comp-engine/internal/reconcile"
	"github.com/sells-group/comp-engine/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history <batch-id>",
	Short: "Show a batch's lifecycle transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, "report")
		if err != nil {
			return err
		}
		defer env.Close()

		hist, err := env.Store.History(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "history for batch %s", args[0])
		}
		return printJSON(cmd.OutOrStdout(), hist)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <batch-id>",
	Short: "Show a batch's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, "report")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Store.GetBatch(ctx, args[0]); err != nil {
			return eris.Wrapf(err, "audit for batch %s", args[0])
		}
		recs, err := env.Store.AuditFor(ctx, model.ResourceBatch, args[0])
		if err != nil {
			return eris.Wrapf(err, "audit for batch %s", args[0])
		}
		if recs == nil {
			recs = []model.AuditRecord{}
		}
		return printJSON(cmd.OutOrStdout(), recs)
	},
}

var (
	summaryTenant  string
	summaryRuleSet string
	summaryPeriod  string
)

var summaryCmd = &cobra.Command{
	Use:   "summary [batch-id]",
	Short: "Show a batch summary; without an id, the current batch for --tenant/--rule-set/--period",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, "report")
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := resolveBatch(cmd, env.Store, args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), b)
	},
}

func resolveBatch(cmd *cobra.Command, st store.BatchStore, args []string) (*model.Batch, error) {
	if len(args) == 1 {
		b, err := st.GetBatch(cmd.Context(), args[0])
		return b, eris.Wrapf(err, "load batch %s", args[0])
	}
	if summaryTenant == "" || summaryRuleSet == "" || summaryPeriod == "" {
		return nil, eris.New("a batch id or --tenant, --rule-set and --period are required")
	}
	b, err := st.CurrentBatch(cmd.Context(), model.BatchKey{
		TenantID: summaryTenant, RuleSetID: summaryRuleSet, PeriodID: summaryPeriod,
	})
	return b, eris.Wrap(err, "load current batch")
}

var reconcileTruthPath string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <batch-id>",
	Short: "Compare a batch to an externally supplied ground-truth CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(reconcileTruthPath)
		if err != nil {
			return eris.Wrap(err, "open ground truth")
		}
		defer f.Close() //nolint:errcheck

		truths, err := ingest.ReadGroundTruth(ctx, f)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "report")
		if err != nil {
			return err
		}
		defer env.Close()

		traces, err := env.Store.ReadTraces(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "read traces for batch %s", args[0])
		}

		rep := reconcile.Compare(traces, truths, reconcile.Options{
			TotalEpsilon:     cfg.Reconcile.TotalEpsilon,
			ComponentEpsilon: cfg.Reconcile.ComponentEpsilon,
		})
		zap.L().Info("reconcile complete",
			zap.String("batch_id", args[0]),
			zap.Int("true_matches", rep.TrueMatches),
			zap.Int("coincidental_matches", rep.CoincidentalMatches),
			zap.Int("mismatches", rep.Mismatches),
			zap.Float64("match_rate", rep.MatchRate()),
		)
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

func init() {
	summaryCmd.Flags().StringVar(&summaryTenant, "tenant", "", "tenant id")
	summaryCmd.Flags().StringVar(&summaryRuleSet, "rule-set", "", "rule set id")
	summaryCmd.Flags().StringVar(&summaryPeriod, "period", "", "period id")

	reconcileCmd.Flags().StringVar(&reconcileTruthPath, "truth", "", "path to ground-truth CSV (required)")
	_ = reconcileCmd.MarkFlagRequired("truth")

	rootCmd.AddCommand(historyCmd, auditCmd, summaryCmd, reconcileCmd)
}
