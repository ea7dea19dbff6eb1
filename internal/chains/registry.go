// Package chains holds the static table of networks the node can settle on.
package chains

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
)

const (
	BaseSepoliaID  uint64 = 84532
	OpBNBTestnetID uint64 = 5611
)

// ErrUnsupportedChain is returned for chain ids absent from the registry.
var ErrUnsupportedChain = errors.New("unsupported chain")

// TokenInfo describes a chain's native asset.
type TokenInfo struct {
	Symbol   string
	Decimals uint8
}

// Contracts is the set of contract addresses the node talks to on one chain.
type Contracts struct {
	JobMarketplace common.Address
	NodeRegistry   common.Address
	HostEarnings   common.Address
	ProofSystem    common.Address
	StableToken    common.Address
}

// Config is the immutable description of one chain.
type Config struct {
	ChainID            uint64
	Name               string
	RPCURL             string
	NativeToken        TokenInfo
	Contracts          Contracts
	ConfirmationBlocks uint64
	GasMultiplier      float64 // 0 means no adjustment
}

// Deployed reports whether the settlement contracts are configured.
func (c Config) Deployed() bool {
	return c.Contracts.JobMarketplace != (common.Address{}) &&
		c.Contracts.NodeRegistry != (common.Address{})
}

// BaseSepolia returns the Base Sepolia preset; contract addresses must be filled in by the caller.
func BaseSepolia(rpcURL string) Config {
	if rpcURL == "" {
		rpcURL = "https://sepolia.base.org"
	}
	return Config{
		ChainID:            BaseSepoliaID,
		Name:               "Base Sepolia",
		RPCURL:             rpcURL,
		NativeToken:        TokenInfo{Symbol: "ETH", Decimals: 18},
		ConfirmationBlocks: 3,
	}
}

// OpBNBTestnet returns the opBNB testnet preset. BNB chains need deeper confirmation.
func OpBNBTestnet(rpcURL string) Config {
	if rpcURL == "" {
		rpcURL = "https://opbnb-testnet-rpc.bnbchain.org"
	}
	return Config{
		ChainID:            OpBNBTestnetID,
		Name:               "opBNB Testnet",
		RPCURL:             rpcURL,
		NativeToken:        TokenInfo{Symbol: "BNB", Decimals: 18},
		ConfirmationBlocks: 15,
	}
}

// Registry is a read-only lookup of chain configs. Safe for concurrent use
// because it is never mutated after NewRegistry returns.
type Registry struct {
	chains       map[uint64]Config
	defaultChain uint64
}

// NewRegistry validates cfgs and builds the registry. The first entry is the default chain.
func NewRegistry(cfgs ...Config) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("chains: at least one chain must be configured")
	}
	var result *multierror.Error
	chains := make(map[uint64]Config, len(cfgs))
	for _, c := range cfgs {
		if _, dup := chains[c.ChainID]; dup {
			result = multierror.Append(result, fmt.Errorf("chain %d: duplicate entry", c.ChainID))
			continue
		}
		if err := c.validate(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		chains[c.ChainID] = c
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Registry{chains: chains, defaultChain: cfgs[0].ChainID}, nil
}

func (c Config) validate() error {
	if c.ChainID == 0 {
		return errors.New("chain id must be non-zero")
	}
	if err := ValidateRPCURL(c.RPCURL); err != nil {
		return fmt.Errorf("chain %d: %w", c.ChainID, err)
	}
	if c.Contracts.JobMarketplace == (common.Address{}) {
		return fmt.Errorf("chain %d: job marketplace address is required", c.ChainID)
	}
	if c.GasMultiplier < 0 {
		return fmt.Errorf("chain %d: gas multiplier must not be negative", c.ChainID)
	}
	return nil
}

// ValidateRPCURL accepts http(s) and ws(s) endpoints only.
func ValidateRPCURL(url string) error {
	if url == "" {
		return errors.New("rpc url cannot be empty")
	}
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(url, scheme) {
			return nil
		}
	}
	return fmt.Errorf("rpc url %q must start with http://, https://, ws:// or wss://", url)
}

// Get returns the config for chainID.
func (r *Registry) Get(chainID uint64) (Config, bool) {
	c, ok := r.chains[chainID]
	return c, ok
}

// Lookup is Get with an ErrUnsupportedChain error.
func (r *Registry) Lookup(chainID uint64) (Config, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return Config{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return c, nil
}

func (r *Registry) IsSupported(chainID uint64) bool {
	_, ok := r.chains[chainID]
	return ok
}

func (r *Registry) DefaultChainID() uint64 { return r.defaultChain }

// IDs returns the configured chain ids in ascending order.
func (r *Registry) IDs() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns every config ordered by chain id.
func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.chains))
	for _, id := range r.IDs() {
		out = append(out, r.chains[id])
	}
	return out
}
