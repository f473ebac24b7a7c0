package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"polybot/internal/config"
)

const version = "0.1.0"

type rootOptions struct {
	configPath string
	envOnly    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "polybot",
		Short:         "Multi-strategy Polymarket trading bot",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfgPath := os.Getenv("PM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := false
	if raw := os.Getenv("PM_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", cfgPath, "config file path")
	root.PersistentFlags().BoolVar(&opts.envOnly, "env-only", envOnly, "skip the config file and read settings from the environment")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newReportCmd(opts))
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configPath, o.envOnly)
}
