package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"token-alerts/internal/app"
	"token-alerts/internal/config"
	"token-alerts/internal/logging"
	"token-alerts/internal/storage"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:          "alertd",
	Short:        "Evaluate token price and volume alerts and dispatch notifications",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd == versionCmd {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// parseTarget validates the --class/--window pair shared by several commands.
func parseTarget(class, window string) (storage.MetricClass, storage.Window, error) {
	mc, err := storage.ParseMetricClass(class)
	if err != nil {
		return "", "", err
	}
	w, err := storage.ParseWindow(window)
	if err != nil {
		return "", "", err
	}
	switch {
	case mc == storage.ClassPrice && w != storage.WindowNone:
		return "", "", fmt.Errorf("price has no window, got %q", w)
	case mc == storage.ClassVolume && w == storage.WindowNone:
		w = storage.Window24h
	}
	return mc, w, nil
}
