package mongo

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paychan"
)

func TestVoucherDocKeepsLargeAmounts(t *testing.T) {
	amount, ok := new(big.Int).SetString("340282366920938463463374607431768211455", 10)
	require.True(t, ok)

	sv := paychan.SignedVoucher{
		Voucher: paychan.Voucher{
			Version:           paychan.VoucherVersion,
			ChainID:           84532,
			ChannelID:         "0xc1",
			ChannelEpoch:      3,
			VMIDFragment:      "key-1",
			AccumulatedAmount: amount,
			Nonce:             17,
		},
		Signature: []byte{0xde, 0xad, 0xbe, 0xef},
	}

	doc := toSignedDoc(archiveID("0xc1", "key-1", 17), sv)
	require.Equal(t, "0xc1#key-1#17", doc.ID)
	require.Equal(t, amount.String(), doc.AccumulatedAmount)
	require.Equal(t, "0xdeadbeef", doc.Signature)

	back, err := doc.signed()
	require.NoError(t, err)
	require.True(t, back.Voucher.Equal(sv.Voucher))
	require.Equal(t, sv.Signature, back.Signature)
}

func TestSubChannelDocDefaultsClaimed(t *testing.T) {
	doc := toSubChannelDoc(paychan.SubChannel{ChannelID: "0xc1", VMIDFragment: "key-1", LastConfirmedNonce: 4})
	require.Equal(t, "0xc1#key-1", doc.ID)
	require.Equal(t, "0", doc.LastClaimedAmount)

	sub, err := doc.subChannel()
	require.NoError(t, err)
	require.Equal(t, uint64(4), sub.LastConfirmedNonce)
	require.Equal(t, int64(0), sub.Claimed().Int64())
}

func TestCorruptDocsAreRejected(t *testing.T) {
	_, err := voucherDoc{ID: "x", AccumulatedAmount: "12abc"}.voucher()
	require.Error(t, err)

	_, err = voucherDoc{ID: "x", AccumulatedAmount: "1", Signature: "0xzz"}.signed()
	require.Error(t, err)

	_, err = subChannelDoc{ID: "x", LastClaimedAmount: ""}.subChannel()
	require.Error(t, err)
}
