// Package cli implements the kioku command line.
package cli

import (
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

var (
	configPath string
	envFile    string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "kioku",
	Short:         "Per-user memory lifecycle and context assembly",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $KIOKU_CONFIG)")
	RootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read, if present")
}

// setup loads the environment and config and installs the logger.
func setup() (*config.Config, *slog.Logger, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(envFile)

	path := configPath
	if path == "" {
		path = config.EnvPrefix.StringOr("CONFIG", "")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}

func openApp() (*app.App, *slog.Logger, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("config loaded", "settings", cfg.Redacted())
	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}
