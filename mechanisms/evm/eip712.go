package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/x402-foundation/paychan"
)

// HashTypedData hashes EIP-712 typed data according to the specification
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
//
// Args:
//
//	domain: The EIP-712 domain separator parameters
//	types: The type definitions for the structured data
//	primaryType: The name of the primary type being hashed
//	message: The message data to hash
//
// Returns:
//
//	32-byte hash suitable for signing or verification
//	error if hashing fails
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// 0x19 0x01 <domainSeparator> <dataHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// HashSubRAV returns the EIP-712 digest a payer signs for voucher
func HashSubRAV(voucher paychan.Voucher, domain DomainConfig) ([]byte, error) {
	channelID, err := hexutil.Decode(voucher.ChannelID)
	if err != nil || len(channelID) != common.HashLength {
		return nil, fmt.Errorf("channelId must be a 32-byte hex string: %q", voucher.ChannelID)
	}

	message := map[string]interface{}{
		"version":           big.NewInt(int64(voucher.Version)),
		"chainId":           new(big.Int).SetUint64(voucher.ChainID),
		"channelId":         channelID,
		"channelEpoch":      new(big.Int).SetUint64(voucher.ChannelEpoch),
		"vmIdFragment":      voucher.VMIDFragment,
		"accumulatedAmount": new(big.Int).Set(voucher.Amount()),
		"nonce":             new(big.Int).SetUint64(voucher.Nonce),
	}

	return HashTypedData(
		TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainID:           new(big.Int).SetUint64(voucher.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		SubRAVTypes(),
		SubRAVPrimaryType,
		message,
	)
}
