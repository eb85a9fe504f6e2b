package cli

import (
	"github.com/spf13/cobra"

	"token-alerts/internal/app"
	"token-alerts/internal/storage"
)

var (
	evaluateClass  string
	evaluateNotify bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one evaluation cycle for a metric class",
	RunE: func(cmd *cobra.Command, args []string) error {
		class, err := storage.ParseMetricClass(evaluateClass)
		if err != nil {
			return err
		}
		return getApp().Evaluate(cmd.Context(), app.EvaluateOptions{Class: class, Notify: evaluateNotify})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateClass, "class", string(storage.ClassPrice), "Metric class to evaluate (price|volume)")
	evaluateCmd.Flags().BoolVar(&evaluateNotify, "notify", false, "Claim and deliver fired alerts; without it the cycle is a dry run")
}
