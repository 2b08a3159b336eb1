package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// hubABI is the payment hub contract surface used by the payee
const hubABI = `[
	{
		"type": "function",
		"name": "openChannel",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "payerDid", "type": "string"},
			{"name": "payeeDid", "type": "string"},
			{"name": "asset", "type": "address"}
		],
		"outputs": [{"name": "channelId", "type": "bytes32"}]
	},
	{
		"type": "function",
		"name": "authorizeSubChannel",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "channelId", "type": "bytes32"},
			{"name": "vmIdFragment", "type": "string"},
			{"name": "publicKey", "type": "string"},
			{"name": "methodType", "type": "string"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "claimFromChannel",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "channelId", "type": "bytes32"},
			{"name": "vmIdFragment", "type": "string"},
			{"name": "channelEpoch", "type": "uint64"},
			{"name": "accumulatedAmount", "type": "uint256"},
			{"name": "nonce", "type": "uint64"},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "closeChannel",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "channelId", "type": "bytes32"}],
		"outputs": []
	},
	{
		"type": "function",
		"name": "getChannelInfo",
		"stateMutability": "view",
		"inputs": [{"name": "channelId", "type": "bytes32"}],
		"outputs": [
			{"name": "payerDid", "type": "string"},
			{"name": "payeeDid", "type": "string"},
			{"name": "asset", "type": "address"},
			{"name": "epoch", "type": "uint64"},
			{"name": "status", "type": "uint8"}
		]
	},
	{
		"type": "function",
		"name": "getSubChannel",
		"stateMutability": "view",
		"inputs": [
			{"name": "channelId", "type": "bytes32"},
			{"name": "vmIdFragment", "type": "string"}
		],
		"outputs": [
			{"name": "publicKey", "type": "string"},
			{"name": "methodType", "type": "string"},
			{"name": "lastClaimedAmount", "type": "uint256"},
			{"name": "lastConfirmedNonce", "type": "uint64"}
		]
	},
	{
		"type": "function",
		"name": "hubBalance",
		"stateMutability": "view",
		"inputs": [
			{"name": "ownerDid", "type": "string"},
			{"name": "asset", "type": "address"}
		],
		"outputs": [{"name": "balance", "type": "uint256"}]
	},
	{
		"type": "event",
		"name": "ChannelOpened",
		"anonymous": false,
		"inputs": [
			{"name": "channelId", "type": "bytes32", "indexed": true},
			{"name": "payerDid", "type": "string", "indexed": false},
			{"name": "payeeDid", "type": "string", "indexed": false},
			{"name": "asset", "type": "address", "indexed": false},
			{"name": "epoch", "type": "uint64", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "SubChannelAuthorized",
		"anonymous": false,
		"inputs": [
			{"name": "channelId", "type": "bytes32", "indexed": true},
			{"name": "vmIdFragment", "type": "string", "indexed": false},
			{"name": "publicKey", "type": "string", "indexed": false},
			{"name": "methodType", "type": "string", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "ChannelClaimed",
		"anonymous": false,
		"inputs": [
			{"name": "channelId", "type": "bytes32", "indexed": true},
			{"name": "vmIdFragment", "type": "string", "indexed": false},
			{"name": "accumulatedAmount", "type": "uint256", "indexed": false},
			{"name": "nonce", "type": "uint64", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "ChannelClosing",
		"anonymous": false,
		"inputs": [{"name": "channelId", "type": "bytes32", "indexed": true}]
	},
	{
		"type": "event",
		"name": "ChannelClosed",
		"anonymous": false,
		"inputs": [{"name": "channelId", "type": "bytes32", "indexed": true}]
	}
]`

// Contract status codes returned by getChannelInfo
const (
	statusNone uint8 = iota
	statusActive
	statusClosing
	statusClosed
)

var parsedABI = mustParseABI(hubABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
