package main

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var natsURL string

func main() {
	rootCmd := &cobra.Command{
		Use:   "routerctl",
		Short: "routing engine CLI - drive the engine over the NATS bus",
		Long: `routerctl places state-change commands on the routing engine's NATS bus,
exactly as a sibling service would. The engine consumes each command
through the same code path as a local API call.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", getDefaultNats(), "NATS server URL")

	rootCmd.AddCommand(newAgentCommand())
	rootCmd.AddCommand(newTaskCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultNats() string {
	if u := os.Getenv("ROUTING_NATS_URL"); u != "" {
		return u
	}
	return "nats://localhost:4222"
}
