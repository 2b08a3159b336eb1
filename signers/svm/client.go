package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	"github.com/x402-foundation/paychan"
	paychansvm "github.com/x402-foundation/paychan/mechanisms/svm"
)

// VoucherSigner implements paychan.VoucherSigner with an ed25519 Solana key
type VoucherSigner struct {
	privateKey solana.PrivateKey
}

// NewVoucherSignerFromPrivateKey creates a signer from a base58-encoded private key.
//
// Example:
//
//	signer, err := svm.NewVoucherSignerFromPrivateKey("5J7W...")
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewVoucherSignerFromPrivateKey(privateKeyBase58 string) (*VoucherSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewVoucherSigner(privateKey), nil
}

// NewVoucherSigner wraps an existing private key
func NewVoucherSigner(privateKey solana.PrivateKey) *VoucherSigner {
	return &VoucherSigner{privateKey: privateKey}
}

func (s *VoucherSigner) MethodType() string {
	return paychan.MethodEd25519
}

// PublicKey returns the base58 public key
func (s *VoucherSigner) PublicKey() string {
	return s.privateKey.PublicKey().String()
}

// Sign signs the voucher's Borsh encoding
func (s *VoucherSigner) Sign(_ context.Context, voucher paychan.Voucher) ([]byte, error) {
	msg, err := paychansvm.EncodeSubRAV(voucher)
	if err != nil {
		return nil, err
	}
	sig, err := s.privateKey.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig[:], nil
}

var _ paychan.VoucherSigner = (*VoucherSigner)(nil)
