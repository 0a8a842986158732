package powerschedd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"PowerSched/internal/daemon"
	"PowerSched/internal/util"
)

var (
	FlagConfigPath string
	FlagDebugLevel string
)

var RootCmd = &cobra.Command{
	Use:     "powerschedd",
	Short:   "powerschedd manages the power state of a batch-compute machine pool",
	Args:    cobra.ExactArgs(0),
	Version: util.Version(),
	Run: func(cmd *cobra.Command, args []string) {
		config, err := daemon.LoadConfig(FlagConfigPath)
		if err != nil {
			log.Errorf("Failed to load config: %v", err)
			os.Exit(util.ErrorDaemonConfig)
		}

		level := config.Log.Level
		if cmd.Flags().Changed("debug-level") {
			level = FlagDebugLevel
		}
		if config.Log.File != "" {
			util.InitFileLogger(level, config.Log.File)
		} else {
			util.InitLogger(level)
		}

		daemon.PrintConfig(config)

		d, err := daemon.New(config)
		if err != nil {
			log.Errorf("Failed to initialize daemon: %v", err)
			os.Exit(util.ErrorManifest)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			log.Infof("Received %s, stopping after the current cycle...", sig)
			d.Stop()
		}()

		if err := d.Run(context.Background()); err != nil {
			log.Errorf("Daemon exited with error: %v", err)
			os.Exit(util.ErrorStateLoad)
		}
	},
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.Flags().StringVarP(&FlagConfigPath, "config", "C", util.DefaultConfigPath, "Path to config file")
	RootCmd.Flags().StringVarP(&FlagDebugLevel, "debug-level", "D", "", "Available debug level (trace, debug, info)")
}

func ParseCmdArgs() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(util.ErrorExecuteFailed)
	}
}
