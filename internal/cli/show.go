package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-change-alerts/internal/app"
	"market-change-alerts/internal/market"
)

var (
	showLimit    int
	showFamilies []string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent snapshots and notification records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}
		for _, name := range showFamilies {
			family, err := market.ParseFamily(name)
			if err != nil {
				return err
			}
			opts.Families = append(opts.Families, family)
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 5, "Number of snapshots to display per family")
	showCmd.Flags().StringSliceVar(&showFamilies, "family", nil, "Families to display (spot, futures, mark_iv, pool_dv, pool_price); defaults to all")
}
