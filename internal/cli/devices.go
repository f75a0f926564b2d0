package cli

import (
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Devices(cmd.Context())
	},
}

var statsDevice string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show retained history, rollups and window state of a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context(), statsDevice)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsDevice, "device", "", "Device id")
	_ = statsCmd.MarkFlagRequired("device")
}
