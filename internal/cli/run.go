package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run both detectors once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		reports, err := getApp().Check(cmd.Context())
		for _, r := range reports {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\talerts=%d\n", r.Pipeline, r.Outcome, len(r.Result.Alerts))
		}
		return err
	},
}
