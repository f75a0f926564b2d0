package cli

import (
	"github.com/spf13/cobra"

	"soilwatch/internal/app"
)

var (
	queryDevice string
	queryRange  string
	queryJSON   bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print the resampled series of a device for a named range",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Query(cmd.Context(), app.QueryOptions{
			DeviceID: queryDevice,
			Range:    queryRange,
			JSON:     queryJSON,
		})
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryDevice, "device", "", "Device id")
	queryCmd.Flags().StringVar(&queryRange, "range", "latest", "Range name or alias (latest, short/1h, medium/24h, long/7d)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print the response as JSON")
	_ = queryCmd.MarkFlagRequired("device")
}
