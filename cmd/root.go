package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tunnelgate",
	Short: "Reverse HTTP tunnel gateway",
	Long:  `tunnelgate exposes local HTTP servers on public subdomains through agent-held WebSocket tunnels, with traffic inspection and request replay.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
