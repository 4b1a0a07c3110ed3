package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"plughub/config"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "plugctl",
	Short: "Control smart plugs and keep the live session in sync",
	Long: `plugctl runs the device control core: a bounded device registry,
the state reconciler that polls plugs without clobbering user commands,
per-vendor commissioning flows and the session interrupt arbiter.

Examples:
  plugctl serve                      # Run the control API
  plugctl devices                    # List configured devices
  plugctl state 192.168.1.20:8006A1  # Read one device's relay state
  plugctl on 192.168.1.20            # Turn a device on`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDevicesCmd())
	rootCmd.AddCommand(newStateCmd())
	rootCmd.AddCommand(newPowerCmd("on", "Turn a device on"))
	rootCmd.AddCommand(newPowerCmd("off", "Turn a device off"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file, then the YAML config, and builds the
// logger from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", envFile, err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.Log), nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
