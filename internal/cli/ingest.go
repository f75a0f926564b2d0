package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"soilwatch/internal/app"
)

var (
	ingestDevice string
	ingestRaw    float64
	ingestAt     string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a single raw reading",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.IngestOptions{DeviceID: ingestDevice, Raw: ingestRaw}
		if ingestAt != "" {
			at, err := time.Parse(time.RFC3339, ingestAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
			opts.At = at
		}
		return getApp().Ingest(cmd.Context(), opts)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDevice, "device", "", "Device id")
	ingestCmd.Flags().Float64Var(&ingestRaw, "raw", 0, "Raw ADC value")
	ingestCmd.Flags().StringVar(&ingestAt, "at", "", "Reading timestamp (RFC3339, defaults to now)")
	_ = ingestCmd.MarkFlagRequired("device")
	_ = ingestCmd.MarkFlagRequired("raw")
}
