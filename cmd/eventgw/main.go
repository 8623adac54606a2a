package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eventgw",
		Short: "Instrument event gateway",
		Long: `eventgw serves instrument resources over HTTP and broadcasts an
event to every connected WebSocket client for each GET or PUT.

Examples:
  eventgw serve --mock
  eventgw serve --config=eventgw.yaml --port=9000
  eventgw watch --url=ws://localhost:8080/ws/v1`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		watchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
