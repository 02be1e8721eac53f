package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"market-change-alerts/internal/app"
	"market-change-alerts/internal/market"
)

var (
	simulateFamily   string
	simulateAsset    string
	simulatePrevious float64
	simulateCurrent  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次指标变动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrevious <= 0 || simulateCurrent <= 0 {
			return errors.New("--previous 与 --current 必须大于 0")
		}
		family, err := market.ParseFamily(simulateFamily)
		if err != nil {
			return err
		}

		report, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Family:   family,
			Asset:    simulateAsset,
			Previous: simulatePrevious,
			Current:  simulateCurrent,
		})
		if err != nil {
			return err
		}
		if report.Result.Message.Empty() {
			fmt.Fprintln(cmd.OutOrStdout(), "变动未超过阈值，未触发告警")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), report.Result.Message.Body)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateFamily, "family", "spot", "指标类别 (spot, futures, mark_iv, pool_dv, pool_price)")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "资产代码，默认取配置中的第一个")
	simulateCmd.Flags().Float64Var(&simulatePrevious, "previous", 0, "一个窗口之前的读数")
	simulateCmd.Flags().Float64Var(&simulateCurrent, "current", 0, "当前读数")
}
