package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-foundation/paychan"
	paychanevm "github.com/x402-foundation/paychan/mechanisms/evm"
)

// VoucherSigner implements paychan.VoucherSigner using an ECDSA private key.
// This provides payer-side EIP-712 signing of channel vouchers.
type VoucherSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     paychanevm.DomainConfig
}

// NewVoucherSignerFromPrivateKey creates a signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//	domain: EIP-712 domain the payee verifies against
//
// Returns:
//
//	VoucherSigner ready for use with the HTTP payment round tripper
//	Error if private key is invalid
//
// Example:
//
//	signer, err := evm.NewVoucherSignerFromPrivateKey("0x1234...", paychanevm.DefaultDomain)
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewVoucherSignerFromPrivateKey(privateKeyHex string, domain paychanevm.DomainConfig) (*VoucherSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &VoucherSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		domain:     domain,
	}, nil
}

// Address returns the Ethereum address of the signer
func (s *VoucherSigner) Address() string {
	return s.address.Hex()
}

func (s *VoucherSigner) MethodType() string {
	return paychan.MethodSecp256k1
}

// PublicKey returns the compressed public key, hex encoded
func (s *VoucherSigner) PublicKey() string {
	return hexutil.Encode(crypto.CompressPubkey(&s.privateKey.PublicKey))
}

// Sign returns a 65-byte (r, s, v) signature over the voucher's EIP-712 digest
func (s *VoucherSigner) Sign(_ context.Context, voucher paychan.Voucher) ([]byte, error) {
	digest, err := paychanevm.HashSubRAV(voucher, s.domain)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}

var _ paychan.VoucherSigner = (*VoucherSigner)(nil)
