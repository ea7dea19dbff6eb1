package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// JobMarketplaceABI is the subset of the job marketplace contract the node calls.
const JobMarketplaceABI = `[
	{"type":"function","name":"submitProofOfWork","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"jobId","type":"uint256"},
		{"name":"tokensClaimed","type":"uint256"},
		{"name":"proofHash","type":"bytes32"},
		{"name":"signature","type":"bytes"},
		{"name":"proofCID","type":"string"}]},
	{"type":"function","name":"completeSessionJob","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"jobId","type":"uint256"},
		{"name":"conversationCID","type":"string"}]}
]`

// NodeRegistryABI is the subset of the node registry events the slash monitor decodes.
const NodeRegistryABI = `[
	{"type":"event","name":"SlashExecuted","anonymous":false,"inputs":[
		{"name":"host","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"remainingStake","type":"uint256","indexed":false},
		{"name":"evidenceCID","type":"string","indexed":false},
		{"name":"reason","type":"string","indexed":false},
		{"name":"executor","type":"address","indexed":true},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"HostAutoUnregistered","anonymous":false,"inputs":[
		{"name":"host","type":"address","indexed":true},
		{"name":"slashedAmount","type":"uint256","indexed":false},
		{"name":"returnedAmount","type":"uint256","indexed":false},
		{"name":"reason","type":"string","indexed":false}]}
]`

var (
	jobMarketplaceABI = mustParse(JobMarketplaceABI)
	nodeRegistryABI   = mustParse(NodeRegistryABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

// NodeRegistry returns the parsed node registry event ABI.
func NodeRegistry() abi.ABI { return nodeRegistryABI }
