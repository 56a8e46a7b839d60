package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/comp-engine/internal/derive"
	"github.com/sells-group/comp-engine/internal/ruleset"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with rule set files",
}

// validateResult is printed by rules validate.
type validateResult struct {
	ID         string   `json:"id"`
	Components int      `json:"components"`
	Metrics    []string `json:"metrics"`
	Warnings   []string `json:"warnings,omitempty"`
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file.yaml|file.json>",
	Short: "Check a rule set for authoring defects without touching the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, warnings, err := ruleset.LoadFile(args[0])
		if err != nil {
			return err
		}
		prog, err := derive.Compile(rs.DerivationRules)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), validateResult{
			ID:         rs.ID,
			Components: len(rs.Components),
			Metrics:    prog.Metrics(),
			Warnings:   warnings,
		})
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}
