package powerctl

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"PowerSched/internal/daemon"
	"PowerSched/internal/util"
)

var (
	FlagConfigFilePath string
	FlagNoHeader       bool

	manifestPath string

	RootCmd = &cobra.Command{
		Use:     "powerctl",
		Short:   "Query and control the powerschedd machine pool",
		Long:    "",
		Version: util.Version(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			socketPath := util.DefaultSocketPath
			manifestPath = util.DefaultManifestPath
			if config, err := daemon.LoadConfig(FlagConfigFilePath); err == nil {
				socketPath = config.SocketPath
				manifestPath = config.ManifestPath
			} else if cmd.Flags().Changed("config") {
				log.Errorf("Failed to load config: %v", err)
				os.Exit(util.ErrorDaemonConfig)
			}
			client = NewClient(socketPath)
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display the power state of every machine",
		Long:  "",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			if err := Status(); err != util.ErrorSuccess {
				os.Exit(err)
			}
		},
	}
	stateCmd = &cobra.Command{
		Use:   "state [flags] state machine...",
		Short: "Override the power state of the specified machines",
		Long:  "",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := ChangeMachineState(args[1:], args[0]); err != util.ErrorSuccess {
				os.Exit(err)
			}
		},
	}
	showCmd = &cobra.Command{
		Use:   "show",
		Short: "Display details of the specified entity",
		Long:  "",
	}
	showMachineCmd = &cobra.Command{
		Use:   "machine [flags] machine_name",
		Short: "Display manifest details and current state of one machine",
		Long:  "",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := ShowMachine(manifestPath, args[0]); err != util.ErrorSuccess {
				os.Exit(err)
			}
		},
	}
	shutdownCmd = &cobra.Command{
		Use:   "shutdown",
		Short: "Stop powerschedd after its in-flight cycle",
		Long:  "",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			if err := ShutdownDaemon(); err != util.ErrorSuccess {
				os.Exit(err)
			}
		},
	}
)

func ParseCmdArgs() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(util.ErrorExecuteFailed)
	}
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.PersistentFlags().StringVarP(&FlagConfigFilePath, "config", "C", util.DefaultConfigPath,
		"Path to configuration file")

	RootCmd.AddCommand(statusCmd)
	{
		statusCmd.Flags().BoolVarP(&FlagNoHeader, "noheader", "H", false,
			"Do not print header line in the output")
	}

	RootCmd.AddCommand(stateCmd)

	RootCmd.AddCommand(showCmd)
	{
		showCmd.AddCommand(showMachineCmd)
	}

	RootCmd.AddCommand(shutdownCmd)
}
