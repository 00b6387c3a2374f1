package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kwv/puppeteer/fleet"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	logLevel   = "info"
	configPath = "config.yaml"
)

func main() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCommand builds the puppeteer root command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "puppeteer",
		Short: "puppeteer tracks robot identities from anonymous position detections",
		Long: `puppeteer assigns a stable identity to each robot in an anonymous
stream of tracker detections, calibrates the tracker against the known
start poses, and republishes identified positions over MQTT.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return fleet.SetupLogger(logLevel, cmd.ErrOrStderr())
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")

	cmd.AddCommand(
		NewServeCommand(),
		NewCheckConfigCommand(),
		NewReplayCommand(),
		NewVersionCommand(),
	)
	return cmd
}

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MQTT and HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := fleet.LoadConfig(configPath)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, AppOptions{MQTT: true, Logger: logrus.StandardLogger()})
			if err != nil {
				return err
			}
			logrus.WithField("version", Version).Info("puppeteer starting")
			return app.RunService(context.Background())
		},
	}
}

func NewCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := fleet.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return CheckConfig(cfg, cmd.OutOrStdout())
		},
	}
}

func NewReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file>",
		Short: "Feed recorded detections through a running coordinator",
		Long: `Replay reads one JSON detection message per line and prints the
coordinator's status, calibration and assignment events as JSON lines.
Messages without a timestamp are spaced one tick apart. Every robot needs
a start pose in the configuration. Use "-" to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fleet.LoadConfig(configPath)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening replay file: %w", err)
				}
				defer f.Close()
				in = f
			}
			return RunReplay(cfg, in, cmd.OutOrStdout(), logrus.StandardLogger())
		},
	}
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "puppeteer version: %s\n", Version)
		},
	}
}
