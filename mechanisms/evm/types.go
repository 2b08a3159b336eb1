package evm

import "math/big"

// TypedDataDomain represents the EIP-712 domain
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DomainConfig is the chain-independent part of the voucher signing domain.
// The chain id always comes from the voucher itself.
type DomainConfig struct {
	Name              string
	Version           string
	VerifyingContract string
}

// DefaultDomain is used when no channel contract address is configured
var DefaultDomain = DomainConfig{
	Name:              "PaymentChannel",
	Version:           "1",
	VerifyingContract: "0x0000000000000000000000000000000000000000",
}

// SubRAVPrimaryType is the EIP-712 primary type signed by payers
const SubRAVPrimaryType = "SubRAV"

// SubRAVTypes returns the EIP-712 type definitions of a voucher
func SubRAVTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		SubRAVPrimaryType: {
			{Name: "version", Type: "uint8"},
			{Name: "chainId", Type: "uint256"},
			{Name: "channelId", Type: "bytes32"},
			{Name: "channelEpoch", Type: "uint256"},
			{Name: "vmIdFragment", Type: "string"},
			{Name: "accumulatedAmount", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
	}
}
