// Package evm verifies vouchers signed with secp256k1 keys over their EIP-712 encoding
package evm

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-foundation/paychan"
)

// Verifier implements paychan.SignatureVerifier for EcdsaSecp256k1VerificationKey2019 keys.
// A sub-channel's PublicKey may be a 20-byte address or a compressed or
// uncompressed public key, all hex encoded.
type Verifier struct {
	domain DomainConfig
}

// NewVerifier creates a verifier for the given signing domain
func NewVerifier(domain DomainConfig) *Verifier {
	return &Verifier{domain: domain}
}

func (v *Verifier) MethodType() string {
	return paychan.MethodSecp256k1
}

// Verify recovers the signer of voucher and compares it with the sub-channel key
func (v *Verifier) Verify(_ context.Context, sub paychan.SubChannel, voucher paychan.Voucher, signature []byte) (bool, error) {
	if len(signature) != crypto.SignatureLength {
		return false, fmt.Errorf("invalid signature length %d", len(signature))
	}

	expected, err := AddressFromKey(sub.PublicKey)
	if err != nil {
		return false, err
	}

	digest, err := HashSubRAV(voucher, v.domain)
	if err != nil {
		return false, err
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	// Ethereum wallets produce v = 27/28; recovery wants 0/1
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, nil
	}
	return bytes.Equal(crypto.PubkeyToAddress(*pub).Bytes(), expected.Bytes()), nil
}

// AddressFromKey derives the Ethereum address of a hex address or public key
func AddressFromKey(key string) (common.Address, error) {
	if !strings.HasPrefix(key, "0x") {
		key = "0x" + key
	}
	raw, err := hexutil.Decode(key)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid key encoding: %w", err)
	}

	switch len(raw) {
	case common.AddressLength:
		return common.BytesToAddress(raw), nil
	case 33:
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return common.Address{}, fmt.Errorf("invalid compressed key: %w", err)
		}
		return crypto.PubkeyToAddress(*pub), nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return common.Address{}, fmt.Errorf("invalid public key: %w", err)
		}
		return crypto.PubkeyToAddress(*pub), nil
	default:
		return common.Address{}, fmt.Errorf("unsupported key length %d", len(raw))
	}
}

var _ paychan.SignatureVerifier = (*Verifier)(nil)
