package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	"github.com/x402-foundation/paychan"
)

// Verifier implements paychan.SignatureVerifier for Ed25519VerificationKey2020 keys.
// Sub-channel public keys are base58 encoded.
type Verifier struct{}

// NewVerifier creates an ed25519 voucher verifier
func NewVerifier() *Verifier {
	return &Verifier{}
}

func (v *Verifier) MethodType() string {
	return paychan.MethodEd25519
}

func (v *Verifier) Verify(_ context.Context, sub paychan.SubChannel, voucher paychan.Voucher, signature []byte) (bool, error) {
	pub, err := solana.PublicKeyFromBase58(sub.PublicKey)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %w", err)
	}
	if len(signature) != len(solana.Signature{}) {
		return false, fmt.Errorf("invalid signature length %d", len(signature))
	}

	msg, err := EncodeSubRAV(voucher)
	if err != nil {
		return false, err
	}

	var sig solana.Signature
	copy(sig[:], signature)
	return sig.Verify(pub, msg), nil
}

var _ paychan.SignatureVerifier = (*Verifier)(nil)
