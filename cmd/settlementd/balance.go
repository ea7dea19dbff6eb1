package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/config"
	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/signer"
)

func newBalanceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the host wallet's gas balance on every configured chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			hk, err := signer.Get(signer.Source{
				PrivateKeyHex:    cfg.Signer.PrivateKey,
				KeystorePath:     cfg.Signer.KeystorePath,
				KeystorePassword: cfg.Signer.KeystorePassword,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			ledgers, err := dialLedgers(ctx, cfg, hk, zap.NewNop())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "host: %s\n", hk.Address.Hex())
			return printBalances(ctx, cmd.OutOrStdout(), ledgers, cfg.MinGasBalance())
		},
	}
}

func printBalances(ctx context.Context, out io.Writer, ledgers []*ledger.Client, min *big.Int) error {
	for _, l := range ledgers {
		cc := l.Config()
		bal, err := l.Balance(ctx)
		if err != nil {
			return fmt.Errorf("chain %d balance: %w", cc.ChainID, err)
		}
		warn := ""
		if min != nil && bal.Cmp(min) < 0 {
			warn = "  (below minimum)"
		}
		fmt.Fprintf(out, "%-16s %6d  %s %s%s\n", cc.Name, cc.ChainID, formatEther(bal), cc.NativeToken.Symbol, warn)
	}
	return nil
}

// formatEther renders wei with 18 decimals, trimmed to 6 places.
func formatEther(wei *big.Int) string {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))
	return f.Text('f', 6)
}
