package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Instance orchestration and gateway daemon",
	Long: `Warren multiplexes isolated agent workloads onto a shared host.

It manages a fleet of sandboxed containers, keeps a durable record of their
lifecycle state, reconciles that record against the container engine, and
proxies inbound upgrade traffic to each workload's private control channel.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
