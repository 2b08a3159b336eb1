package paychan

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// ============================================================================
// Repositories
// ============================================================================

// PendingVoucherStore holds at most one unsigned proposal per sub-channel.
// Put overwrites any earlier proposal for the same sub-channel.
type PendingVoucherStore interface {
	GetPending(ctx context.Context, channelID, vmIDFragment string) (*PendingVoucher, error)
	PutPending(ctx context.Context, pending PendingVoucher) error
	DeletePending(ctx context.Context, channelID, vmIDFragment string) error
}

// VoucherRepository holds the latest confirmed signed voucher per sub-channel
type VoucherRepository interface {
	GetLatest(ctx context.Context, channelID, vmIDFragment string) (*SignedVoucher, error)
	PutLatest(ctx context.Context, voucher SignedVoucher) error
	// ListSubChannels returns the vmIdFragments that have a confirmed voucher
	ListSubChannels(ctx context.Context, channelID string) ([]string, error)
}

// VoucherArchive is implemented by voucher repositories that keep every confirmed voucher
type VoucherArchive interface {
	GetByNonce(ctx context.Context, channelID, vmIDFragment string, nonce uint64) (*SignedVoucher, error)
}

// ChannelRepository caches channel and sub-channel metadata mirrored from the ledger
type ChannelRepository interface {
	GetChannel(ctx context.Context, channelID string) (*Channel, error)
	PutChannel(ctx context.Context, channel Channel) error
	ListChannels(ctx context.Context) ([]Channel, error)
	GetSubChannel(ctx context.Context, channelID, vmIDFragment string) (*SubChannel, error)
	PutSubChannel(ctx context.Context, sub SubChannel) error
}

// ============================================================================
// Ledger Contract
// ============================================================================

// ClaimResult is returned by a successful ledger claim
type ClaimResult struct {
	TxHash        string
	ClaimedAmount *big.Int
}

// OpenChannelRequest describes a channel to open on the ledger
type OpenChannelRequest struct {
	PayerID string
	PayeeID string
	AssetID string
}

// LedgerContract is the settlement ledger binding. Implementations must honour
// context deadlines; every call may fail transiently.
type LedgerContract interface {
	OpenChannel(ctx context.Context, req OpenChannelRequest) (*Channel, string, error)
	AuthorizeSubChannel(ctx context.Context, channelID string, sub SubChannel) (string, error)
	Claim(ctx context.Context, voucher SignedVoucher) (*ClaimResult, error)
	CloseChannel(ctx context.Context, channelID string, final *SignedVoucher) (string, error)
	GetChannelStatus(ctx context.Context, channelID string) (*Channel, error)
	GetSubChannel(ctx context.Context, channelID, vmIDFragment string) (*SubChannel, error)
	GetHubBalance(ctx context.Context, ownerID, assetID string) (*big.Int, error)
}

// ============================================================================
// Signatures
// ============================================================================

// SignatureVerifier checks a payer signature for one verification method type
type SignatureVerifier interface {
	MethodType() string
	Verify(ctx context.Context, sub SubChannel, voucher Voucher, signature []byte) (bool, error)
}

// VoucherSigner is the payer side counterpart of SignatureVerifier
type VoucherSigner interface {
	MethodType() string
	PublicKey() string
	Sign(ctx context.Context, voucher Voucher) ([]byte, error)
}

// VerifierRegistry resolves signature verifiers by method type. It is passed
// explicitly to the components that need it.
type VerifierRegistry struct {
	mu        sync.RWMutex
	verifiers map[string]SignatureVerifier
}

// NewVerifierRegistry creates a registry holding the given verifiers
func NewVerifierRegistry(verifiers ...SignatureVerifier) *VerifierRegistry {
	r := &VerifierRegistry{verifiers: make(map[string]SignatureVerifier)}
	for _, v := range verifiers {
		r.Register(v)
	}
	return r
}

// Register adds or replaces the verifier for its method type
func (r *VerifierRegistry) Register(v SignatureVerifier) *VerifierRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[v.MethodType()] = v
	return r
}

// VerifySubChannel verifies signature over voucher with the sub-channel's key
func (r *VerifierRegistry) VerifySubChannel(ctx context.Context, sub SubChannel, voucher Voucher, signature []byte) error {
	r.mu.RLock()
	v, ok := r.verifiers[sub.MethodType]
	r.mu.RUnlock()
	if !ok {
		return newErr(ErrInvalidSignature, "no verifier for method type %q", sub.MethodType)
	}

	valid, err := v.Verify(ctx, sub, voucher, signature)
	if err != nil {
		return &PaymentError{
			Code:    ErrCodeInvalidSignature,
			Message: fmt.Sprintf("signature verification failed: %v", err),
		}
	}
	if !valid {
		return newErr(ErrInvalidSignature, "signature does not match key %s", sub.VMIDFragment)
	}
	return nil
}

// ============================================================================
// Claim notification
// ============================================================================

// ClaimNotifier receives non-blocking hints that new confirmed amount is available
type ClaimNotifier interface {
	Notify(key SubChannelKey)
}
