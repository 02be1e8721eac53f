package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-change-alerts/internal/app"
	"market-change-alerts/internal/market"
)

var (
	exportFamily    string
	exportInstance  string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one instance's snapshot history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		family, err := market.ParseFamily(exportFamily)
		if err != nil {
			return fmt.Errorf("invalid --family value: %w", err)
		}

		key := market.PoolKey
		if family != market.PoolDepositedValue && family != market.PoolSharePrice {
			key, err = market.ParseInstanceKey(exportInstance)
			if err != nil {
				return fmt.Errorf("invalid --instance value: %w", err)
			}
		}

		opts := app.ExportOptions{
			Family:    family,
			Instance:  key,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFamily, "family", "spot", "Metric family (spot, futures, mark_iv, pool_dv, pool_price)")
	exportCmd.Flags().StringVar(&exportInstance, "instance", "BTC", "Instance key, e.g. BTC or BTC:call:1700035200:37000")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
