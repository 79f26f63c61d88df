package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tunnelgate/tunnelgate/internal/agent"
)

var (
	agentServer    string
	agentSubdomain string
	agentPort      int
	agentToken     string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Connect a local HTTP server to a gateway",
	Long:  `Open a tunnel to the gateway and forward public requests for the assigned subdomain to a local port.`,
	Run: func(cmd *cobra.Command, args []string) {
		if agentToken == "" {
			agentToken = os.Getenv("TUNNELGATE_AUTH_TOKEN")
		}

		client := agent.NewClient(agentServer, agentSubdomain, agentPort, agentToken)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			log.Printf("Received %v, disconnecting...", sig)
			cancel()
		}()

		log.Printf("Connecting to %s (forwarding to localhost:%d)...", agentServer, agentPort)
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("Agent error: %v", err)
		}
		log.Println("Agent disconnected.")
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVarP(&agentServer, "server", "s", "http://localhost:8080", "Gateway base URL")
	agentCmd.Flags().StringVar(&agentSubdomain, "subdomain", "", "Requested subdomain (random when empty)")
	agentCmd.Flags().IntVarP(&agentPort, "port", "p", 3000, "Local port to forward to")
	agentCmd.Flags().StringVar(&agentToken, "token", "", "Auth token (or TUNNELGATE_AUTH_TOKEN env)")
}
