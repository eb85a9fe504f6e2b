package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"token-alerts/internal/app"
	"token-alerts/internal/storage"
)

var (
	showInstrument string
	showClass      string
	showWindow     string
	showLimit      int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent metric samples, or enabled subscriptions without --instrument",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		class, window, err := parseTarget(showClass, showWindow)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Instrument: showInstrument,
			Class:      class,
			Window:     window,
			Limit:      showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showInstrument, "instrument", "", "Instrument id, e.g. btc-bitcoin")
	showCmd.Flags().StringVar(&showClass, "class", string(storage.ClassPrice), "Metric class (price|volume)")
	showCmd.Flags().StringVar(&showWindow, "window", "", "Volume window (24h|7d|30d)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
