package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"soilwatch/internal/app"
)

var (
	showDevice  string
	showLimit   int
	showRollups bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent readings or rollup points",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			DeviceID: showDevice,
			Limit:    showLimit,
			Rollups:  showRollups,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showDevice, "device", "", "Device id")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of entries to display")
	showCmd.Flags().BoolVar(&showRollups, "rollups", false, "Show rollup points instead of fine history")
	_ = showCmd.MarkFlagRequired("device")
}
