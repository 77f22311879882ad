package main

import (
	"github.com/spf13/cobra"
)

type globalOpts struct {
	url     string
	jsonOut bool
}

// newRootCmd creates the root fleetctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Inspect and command an AGV relay",
		Long:          "fleetctl talks to the agvbridge HTTP API.\nRead commands need no login; send needs the admin credentials.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.url, "url", "u", "http://127.0.0.1:8090", "agvbridge base URL")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	cmd.AddCommand(
		newHealthCmd(opts),
		newVehiclesCmd(opts),
		newVehicleCmd(opts),
		newLogCmd(opts),
		newSendCmd(opts),
		newHashPasswordCmd(),
	)
	return cmd
}
