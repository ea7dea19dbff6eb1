package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
)

const hostKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const twoChains = `
signer:
  private_key: ` + hostKey + `
checkpoint:
  threshold: 500
chains:
  - preset: base-sepolia
    job_marketplace: "0x1000000000000000000000000000000000000001"
    node_registry: "0x1000000000000000000000000000000000000002"
  - preset: opbnb-testnet
    rpc_url: https://bnb.example
    job_marketplace: "0x2000000000000000000000000000000000000001"
    gas_multiplier: 1.2
operators:
  - "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
`

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, twoChains))
	require.NoError(t, err)

	require.Equal(t, uint64(500), cfg.Checkpoint.Threshold)
	require.Equal(t, uint64(100), cfg.Checkpoint.MinProvenTokens)
	require.Equal(t, 60*time.Second, cfg.Checkpoint.SubmitTimeout())
	require.Equal(t, 10*time.Minute, cfg.Checkpoint.ReconcileWindow())
	require.Equal(t, 1000, cfg.Session.MaxSessions)
	require.Equal(t, 300*time.Second, cfg.Session.SweepInterval())
	require.Equal(t, 10, cfg.Settlement.MaxAttempts)
	require.Equal(t, "1000000000000000", cfg.MinGasBalance().String())

	cs, err := cfg.ChainConfigs()
	require.NoError(t, err)
	require.Len(t, cs, 2)
	require.Equal(t, chains.BaseSepoliaID, cs[0].ChainID)
	require.Equal(t, uint64(3), cs[0].ConfirmationBlocks)
	require.Equal(t, "https://sepolia.base.org", cs[0].RPCURL)
	require.Equal(t, common.HexToAddress("0x1000000000000000000000000000000000000002"), cs[0].Contracts.NodeRegistry)
	require.Equal(t, chains.OpBNBTestnetID, cs[1].ChainID)
	require.Equal(t, uint64(15), cs[1].ConfirmationBlocks)
	require.Equal(t, "https://bnb.example", cs[1].RPCURL)
	require.InDelta(t, 1.2, cs[1].GasMultiplier, 1e-9)

	require.Equal(t, []common.Address{common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")}, cfg.OperatorAddresses())

	_, err = chains.NewRegistry(cs...)
	require.NoError(t, err)
}

func TestLoad_EnvDefaultChain(t *testing.T) {
	t.Setenv("HOST_PRIVATE_KEY", hostKey)
	t.Setenv("CHAIN_ID", "84532")
	t.Setenv("RPC_URL", "https://rpc.example")
	t.Setenv("JOB_MARKETPLACE_CONTRACT", "0x1000000000000000000000000000000000000001")
	t.Setenv("CHECKPOINT_THRESHOLD", "2000")

	cfg, err := Load(writeConfig(t, "redis:\n  addr: localhost:6379\n"))
	require.NoError(t, err)
	require.Equal(t, uint64(2000), cfg.Checkpoint.Threshold)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)

	cs, err := cfg.ChainConfigs()
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, uint64(84532), cs[0].ChainID)
	require.Equal(t, "https://rpc.example", cs[0].RPCURL)
}

func TestLoad_EnvRPCOverridesFirstChain(t *testing.T) {
	t.Setenv("RPC_URL", "wss://override.example")
	cfg, err := Load(writeConfig(t, twoChains))
	require.NoError(t, err)
	cs, err := cfg.ChainConfigs()
	require.NoError(t, err)
	require.Equal(t, "wss://override.example", cs[0].RPCURL)
	require.Equal(t, "https://bnb.example", cs[1].RPCURL)
}

func TestLoad_ValidationCollectsAll(t *testing.T) {
	_, err := Load(writeConfig(t, `
checkpoint:
  threshold: 50
settlement:
  min_gas_balance_wei: lots
chains:
  - preset: mainnet
operators: ["not-an-address"]
`))
	require.Error(t, err)
	for _, want := range []string{
		"HOST_PRIVATE_KEY",
		"min_proven_tokens",
		"min_gas_balance_wei",
		"unknown preset",
		"not an address",
	} {
		require.Contains(t, err.Error(), want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
