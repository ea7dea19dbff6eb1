package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
	"github.com/0gfoundation/0g-inference-settlement/internal/config"
)

func newChainsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List the configured chains and contract addresses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cs, err := cfg.ChainConfigs()
			if err != nil {
				return err
			}
			reg, err := chains.NewRegistry(cs...)
			if err != nil {
				return err
			}
			return printChains(cmd.OutOrStdout(), reg)
		},
	}
}

func printChains(out io.Writer, reg *chains.Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN ID\tNAME\tTOKEN\tCONFIRMATIONS\tJOB MARKETPLACE\tNODE REGISTRY\tDEFAULT")
	for _, c := range reg.All() {
		def := ""
		if c.ChainID == reg.DefaultChainID() {
			def = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			c.ChainID, c.Name, c.NativeToken.Symbol, c.ConfirmationBlocks,
			c.Contracts.JobMarketplace.Hex(), c.Contracts.NodeRegistry.Hex(), def)
	}
	return w.Flush()
}
