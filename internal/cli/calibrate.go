package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"soilwatch/internal/app"
)

var (
	calibrateDevice string
	calibrateDry    float64
	calibrateWet    float64
	calibrateReset  bool
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Set the dry/wet reference values of a device, or reset them",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.CalibrateOptions{DeviceID: calibrateDevice, Reset: calibrateReset}
		if cmd.Flags().Changed("dry") {
			v := calibrateDry
			opts.RawDry = &v
		}
		if cmd.Flags().Changed("wet") {
			v := calibrateWet
			opts.RawWet = &v
		}
		if !opts.Reset && opts.RawDry == nil && opts.RawWet == nil {
			return fmt.Errorf("one of --dry, --wet or --reset is required")
		}
		return getApp().Calibrate(cmd.Context(), opts)
	},
}

func init() {
	calibrateCmd.Flags().StringVar(&calibrateDevice, "device", "", "Device id")
	calibrateCmd.Flags().Float64Var(&calibrateDry, "dry", 0, "Raw value of the sensor in dry soil")
	calibrateCmd.Flags().Float64Var(&calibrateWet, "wet", 0, "Raw value of the sensor in saturated soil")
	calibrateCmd.Flags().BoolVar(&calibrateReset, "reset", false, "Remove the calibration")
	calibrateCmd.MarkFlagsMutuallyExclusive("reset", "dry")
	calibrateCmd.MarkFlagsMutuallyExclusive("reset", "wet")
	_ = calibrateCmd.MarkFlagRequired("device")
}
