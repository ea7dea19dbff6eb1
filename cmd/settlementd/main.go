// Command settlementd meters inference work per job and settles it on chain.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "settlementd",
		Short:         "Usage checkpointing and on-chain settlement for inference hosts",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml or /app/config.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newChainsCmd(&configPath),
		newBalanceCmd(&configPath),
	)
	return root
}
