package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/comp-engine/internal/lifecycle"
	"github.com/sells-group/comp-engine/internal/model"
)

var (
	transitionActor string
	transitionNote  string
)

var transitionCmd = &cobra.Command{
	Use:   "transition <batch-id> <target-state>",
	Short: "Move a batch to another lifecycle state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		target, err := parseState(args[1])
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "transition")
		if err != nil {
			return err
		}
		defer env.Close()

		var details map[string]any
		if transitionNote != "" {
			details = map[string]any{"note": transitionNote}
		}

		res, err := env.Lifecycle.Transition(ctx, args[0], target, transitionActor, details)
		if err != nil {
			return eris.Wrapf(err, "transition batch %s", args[0])
		}
		for _, w := range res.Warnings {
			zap.L().Warn("transition warning", zap.String("warning", w))
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func parseState(s string) (model.LifecycleState, error) {
	st := model.LifecycleState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", eris.Errorf("unknown lifecycle state %q", s)
	}
	return st, nil
}

var statesCmd = &cobra.Command{
	Use:   "states [state]",
	Short: "List lifecycle states, or the targets reachable from one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return printJSON(cmd.OutOrStdout(), model.LinearStates)
		}
		st, err := parseState(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), lifecycle.Targets(st))
	},
}

func init() {
	transitionCmd.Flags().StringVar(&transitionActor, "actor", "", "acting user (required)")
	transitionCmd.Flags().StringVar(&transitionNote, "note", "", "note recorded with the transition")
	_ = transitionCmd.MarkFlagRequired("actor")
	transitionCmd.AddCommand(statesCmd)
	rootCmd.AddCommand(transitionCmd)
}
