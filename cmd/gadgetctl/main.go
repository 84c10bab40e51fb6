package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/gadgetlink/internal/observability"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gadgetctl",
		Short: "Drive and inspect gadget link sessions",
		Long: `gadgetctl exercises the gadget link layer: it runs the reference
host/peripheral exchange in process, replays captured deliveries, serves a
peripheral over websocket with an admin API, and sends commands to one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			observability.InitLogger("gadgetctl")
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")

	load := func() (appConfig, error) {
		return loadAppConfig(configPath)
	}

	rootCmd.AddCommand(
		sampleCmd(load),
		replayCmd(load),
		serveCmd(load),
		sendCmd(load),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gadgetctl: %v\n", err)
		os.Exit(1)
	}
}
