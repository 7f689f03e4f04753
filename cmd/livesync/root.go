package main

import (
	"github.com/spf13/cobra"

	"github.com/tutorly/livesync/internal/config"
	"github.com/tutorly/livesync/internal/logging"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	dev        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "livesync",
		Short: "livesync - real-time refresh coordinator",
		Long: `livesync decides when a connected client should refresh after a server-side
change. It listens on a WebSocket push channel, falls back to adaptive polling
when push is unavailable, and schedules refreshes by priority, safe zone and
user activity.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "Path to config file (missing file means defaults)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional dotenv file with "+config.TokenEnv)
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "Development mode (text logs, dev poll interval)")

	cmd.AddCommand(newRunCmd(opts), newDevServerCmd(opts))
	return cmd
}

// load reads dotenv and config, applies flag overrides and installs the
// logger.
func (o *rootOptions) load() (*config.Config, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dev {
		cfg.DevMode = true
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logging.Setup(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		DevMode: cfg.DevMode,
	})
	return cfg, nil
}
