package main

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taskhub/internal/app"
	"github.com/taskhub/internal/deploy"
)

type Dependencies struct {
	Config  *app.Config
	Options deploy.Options
}

func main() {
	if err := newRootCmd(&Dependencies{}).ExecuteContext(context.Background()); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func newRootCmd(dependencies *Dependencies) *cobra.Command {
	var (
		configPath  string
		installPath string
		debugFlags  app.DebugFlags
	)

	rootCmd := &cobra.Command{
		Use:           "deploy",
		Short:         "Prepare this host for a new taskhub release.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dependencies.Config == nil {
				config, err := app.Load(configPath)
				if err != nil {
					return err
				}
				dependencies.Config = config
			}
			if installPath != "" {
				dependencies.Config.Deploy.InstallPath = installPath
			}
			debugFlags.Apply(&dependencies.Config.Logging)
			return app.SetupLogging(dependencies.Config.Logging, cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "config.yaml", "Config file")
	flags.StringVar(&installPath, "install-path", "", "Installation directory, overrides the config")
	flags.BoolVar(&dependencies.Options.DryRun, "dry-run", false, "Log the actions without doing them")
	flags.BoolVarP(&debugFlags.Verbose, "verbose", "v", false, "Verbose logging")
	flags.BoolVarP(&debugFlags.Debug, "debug", "d", false, "Debug logging")

	rootCmd.AddCommand(cmdRun(dependencies))
	rootCmd.AddCommand(cmdStop(dependencies))
	rootCmd.AddCommand(cmdRotate(dependencies))

	return rootCmd
}

func cmdRun(dependencies *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stop services, back up the installation and rotate old backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := dependencies.Config
			runner, err := deploy.New(config.Deploy, config.StopTimeout(), dependencies.Options)
			if err != nil {
				return err
			}
			warnings, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}
			if len(warnings) > 0 {
				logrus.Warnf("deployment prepared with %d warnings", len(warnings))
				return nil
			}
			logrus.Info("deployment prepared")
			return nil
		},
	}
}

func cmdStop(dependencies *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the configured services",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := dependencies.Config
			open := dependencies.Options.Open
			if open == nil {
				open = deploy.OpenService
			}
			stop := deploy.NewStopServices(config.Deploy.Services, open, config.StopTimeout(), dependencies.Options.Poll, dependencies.Options.DryRun)
			return stop.Run(cmd.Context())
		},
	}
}

func cmdRotate(dependencies *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Delete all but the most recent backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := dependencies.Config.Deploy
			if config.InstallPath == "" {
				return errors.New("install path is empty")
			}
			rotate := &deploy.Rotate{
				Path:   config.InstallPath,
				Layout: config.TimestampLayout,
				Keep:   config.Keep,
				DryRun: dependencies.Options.DryRun,
			}
			return rotate.Run(cmd.Context())
		},
	}
}
