package paychan

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func testVoucher(nonce uint64, amount int64) Voucher {
	return Voucher{
		Version:           VoucherVersion,
		ChainID:           4,
		ChannelID:         "0xchan",
		ChannelEpoch:      0,
		VMIDFragment:      "key-1",
		AccumulatedAmount: big.NewInt(amount),
		Nonce:             nonce,
	}
}

func signed(v Voucher) *SignedVoucher {
	return &SignedVoucher{Voucher: v, Signature: []byte{0x01}}
}

func TestIsHandshake(t *testing.T) {
	require.True(t, IsHandshake(testVoucher(0, 0)))
	require.True(t, IsHandshake(Voucher{}))
	require.False(t, IsHandshake(testVoucher(0, 5)))
	require.False(t, IsHandshake(testVoucher(1, 0)))
}

func TestValidateProgression(t *testing.T) {
	tests := []struct {
		name     string
		previous *SignedVoucher
		cand     Voucher
		epoch    uint64
		wantErr  error
	}{
		{name: "handshake always accepted", previous: signed(testVoucher(7, 100)), cand: testVoucher(0, 0), epoch: 3},
		{name: "first voucher after nothing", cand: testVoucher(1, 10)},
		{name: "sequential", previous: signed(testVoucher(1, 10)), cand: testVoucher(2, 25)},
		{name: "zero cost step", previous: signed(testVoucher(2, 25)), cand: testVoucher(3, 25)},
		{name: "replay", previous: signed(testVoucher(2, 25)), cand: testVoucher(2, 25), wantErr: ErrNonceNotSequential},
		{name: "skip", previous: signed(testVoucher(2, 25)), cand: testVoucher(4, 40), wantErr: ErrNonceNotSequential},
		{name: "first voucher with wrong nonce", cand: testVoucher(2, 10), wantErr: ErrNonceNotSequential},
		{name: "regressed", previous: signed(testVoucher(2, 25)), cand: testVoucher(3, 24), wantErr: ErrAmountRegressed},
		{name: "stale epoch", previous: signed(testVoucher(2, 25)), cand: testVoucher(3, 30), epoch: 1, wantErr: ErrEpochMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProgression(tt.previous, tt.cand, tt.epoch)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestDeltaOwed(t *testing.T) {
	require.Equal(t, "10", DeltaOwed(nil, testVoucher(1, 10)).String())
	require.Equal(t, "10", DeltaOwed(signed(testVoucher(0, 0)), testVoucher(1, 10)).String())
	require.Equal(t, "15", DeltaOwed(signed(testVoucher(1, 10)), testVoucher(2, 25)).String())
}

func TestNextProposalDoesNotMutateBase(t *testing.T) {
	base := testVoucher(3, 30)
	next := NextProposal(base, big.NewInt(5))

	require.Equal(t, uint64(4), next.Nonce)
	require.Equal(t, "35", next.AccumulatedAmount.String())
	require.Equal(t, "30", base.AccumulatedAmount.String())
	require.Equal(t, base.ChannelID, next.ChannelID)
}

func TestVoucherWireRoundTrip(t *testing.T) {
	v := testVoucher(9, 123456789)
	got, err := VoucherFromWire(v.ToWire())
	require.NoError(t, err)
	require.True(t, v.Equal(got))

	w := v.ToWire()
	w.AccumulatedAmount = "-1"
	_, err = VoucherFromWire(w)
	require.Error(t, err)
}

func TestDeriveChannelID(t *testing.T) {
	a := DeriveChannelID("did:payer", "did:payee", "0xusdc")
	b := DeriveChannelID("DID:PAYER", "did:payee", "0xUSDC")
	c := DeriveChannelID("did:payer", "did:payee", "0xdai")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 66)
}
