package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parakeet",
	Short: "Heartbeat-routed forwarding for vehicular networks",
	Long: `parakeet runs the VANET forwarding core: OBU and RSU nodes joined by a
heartbeat-driven routing protocol, tunneling client IP traffic inside its
own data frames. The simulate command drives a whole topology in-process
over simulated channels.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

