// Package svm verifies vouchers signed with ed25519 keys over their Borsh encoding
package svm

import (
	"bytes"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"

	"github.com/x402-foundation/paychan"
	"github.com/x402-foundation/paychan/types"
)

// subRAV is the canonical Borsh layout of a voucher
type subRAV struct {
	Version           uint8
	ChainID           uint64
	ChannelID         [32]byte
	ChannelEpoch      uint64
	VMIDFragment      string
	AccumulatedAmount bin.Uint128
	Nonce             uint64
}

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// EncodeSubRAV returns the canonical bytes a payer signs for voucher
func EncodeSubRAV(voucher paychan.Voucher) ([]byte, error) {
	channelID, err := types.DecodeHex(voucher.ChannelID)
	if err != nil || len(channelID) != 32 {
		return nil, fmt.Errorf("channelId must be a 32-byte hex string: %q", voucher.ChannelID)
	}

	amount := voucher.Amount()
	if amount.Sign() < 0 || amount.Cmp(maxUint128) > 0 {
		return nil, fmt.Errorf("accumulatedAmount %s does not fit in u128", amount)
	}

	rav := subRAV{
		Version:      voucher.Version,
		ChainID:      voucher.ChainID,
		ChannelEpoch: voucher.ChannelEpoch,
		VMIDFragment: voucher.VMIDFragment,
		AccumulatedAmount: bin.Uint128{
			Lo: new(big.Int).And(amount, new(big.Int).SetUint64(^uint64(0))).Uint64(),
			Hi: new(big.Int).Rsh(amount, 64).Uint64(),
		},
		Nonce: voucher.Nonce,
	}
	copy(rav.ChannelID[:], channelID)

	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(rav); err != nil {
		return nil, fmt.Errorf("failed to encode voucher: %w", err)
	}
	return buf.Bytes(), nil
}
