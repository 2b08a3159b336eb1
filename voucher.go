package paychan

import "math/big"

// IsHandshake reports whether v is the distinguished zero-nonce, zero-amount opening voucher
func IsHandshake(v Voucher) bool {
	return v.Nonce == 0 && v.Amount().Sign() == 0
}

// HandshakeVoucher builds the opening voucher for a sub-channel
func HandshakeVoucher(chainID uint64, channelID string, epoch uint64, vmIDFragment string) Voucher {
	return Voucher{
		Version:           VoucherVersion,
		ChainID:           chainID,
		ChannelID:         channelID,
		ChannelEpoch:      epoch,
		VMIDFragment:      vmIDFragment,
		AccumulatedAmount: new(big.Int),
		Nonce:             0,
	}
}

// VoucherVersion is the canonical voucher layout version signed by payers
const VoucherVersion uint8 = 1

// ValidateProgression checks that candidate is the direct successor of previous.
//
// Args:
//
//	previous: Latest confirmed signed voucher, or nil when none exists
//	candidate: Voucher presented by the payer
//	currentEpoch: Epoch of the channel as known to the payee
//
// Returns:
//
//	nil when the candidate is acceptable, otherwise a *PaymentError with code
//	epoch_mismatch, nonce_not_sequential or amount_regressed
func ValidateProgression(previous *SignedVoucher, candidate Voucher, currentEpoch uint64) error {
	if IsHandshake(candidate) {
		return nil
	}

	if candidate.ChannelEpoch != currentEpoch {
		return newErr(ErrEpochMismatch, "voucher epoch %d, channel epoch %d", candidate.ChannelEpoch, currentEpoch)
	}

	var prevNonce uint64
	prevAmount := new(big.Int)
	if previous != nil {
		prevNonce = previous.Voucher.Nonce
		prevAmount = previous.Voucher.Amount()
	}

	if candidate.Nonce != prevNonce+1 {
		return newErr(ErrNonceNotSequential, "expected nonce %d, got %d", prevNonce+1, candidate.Nonce)
	}

	if candidate.Amount().Cmp(prevAmount) < 0 {
		return newErr(ErrAmountRegressed, "accumulated amount %s is below previous %s", candidate.Amount(), prevAmount)
	}

	return nil
}

// DeltaOwed returns the marginal amount owed between previous and candidate.
// A nil or handshake previous voucher counts as zero.
func DeltaOwed(previous *SignedVoucher, candidate Voucher) *big.Int {
	if previous == nil || IsHandshake(previous.Voucher) {
		return new(big.Int).Set(candidate.Amount())
	}
	return new(big.Int).Sub(candidate.Amount(), previous.Voucher.Amount())
}

// NextProposal returns the voucher following base with cost added
func NextProposal(base Voucher, cost *big.Int) Voucher {
	next := base
	next.Nonce = base.Nonce + 1
	next.AccumulatedAmount = new(big.Int).Add(base.Amount(), nonNil(cost))
	return next
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func maxBig(a, b *big.Int) *big.Int {
	if nonNil(a).Cmp(nonNil(b)) >= 0 {
		return nonNil(a)
	}
	return nonNil(b)
}
