//go:build integration

package mongo

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/x402-foundation/paychan"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	uri := os.Getenv("PAYCHAN_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("set PAYCHAN_TEST_MONGO_URI (e.g. mongodb://localhost:27017) to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	dbName := "paychan_test_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	s := NewStore(client, dbName)
	require.NoError(t, s.EnsureIndexes(ctx))
	return s, ctx
}

func TestMongoStore(t *testing.T) {
	s, ctx := newTestStore(t)

	ch := paychan.Channel{ChannelID: "0xc1", PayerID: "payer", PayeeID: "payee", AssetID: "usdc", Epoch: 2, Status: paychan.ChannelActive}
	require.NoError(t, s.PutChannel(ctx, ch))
	got, err := s.GetChannel(ctx, "0xc1")
	require.NoError(t, err)
	require.Equal(t, ch, *got)

	_, err = s.GetChannel(ctx, "0xmissing")
	require.ErrorIs(t, err, paychan.ErrNotFound)

	require.NoError(t, s.PutSubChannel(ctx, paychan.SubChannel{ChannelID: "0xc1", VMIDFragment: "k", LastClaimedAmount: big.NewInt(7)}))
	sub, err := s.GetSubChannel(ctx, "0xc1", "k")
	require.NoError(t, err)
	require.Equal(t, int64(7), sub.Claimed().Int64())

	for n := uint64(1); n <= 3; n++ {
		require.NoError(t, s.PutLatest(ctx, paychan.SignedVoucher{
			Voucher:   paychan.Voucher{ChannelID: "0xc1", VMIDFragment: "k", Nonce: n, AccumulatedAmount: big.NewInt(int64(n * 10))},
			Signature: []byte{byte(n)},
		}))
	}
	latest, err := s.GetLatest(ctx, "0xc1", "k")
	require.NoError(t, err)
	require.Equal(t, uint64(3), latest.Voucher.Nonce)

	old, err := s.GetByNonce(ctx, "0xc1", "k", 2)
	require.NoError(t, err)
	require.Equal(t, int64(20), old.Voucher.Amount().Int64())

	vms, err := s.ListSubChannels(ctx, "0xc1")
	require.NoError(t, err)
	require.Equal(t, []string{"k"}, vms)

	require.NoError(t, s.PutPending(ctx, paychan.PendingVoucher{Voucher: paychan.Voucher{ChannelID: "0xc1", VMIDFragment: "k", Nonce: 4, AccumulatedAmount: big.NewInt(45)}, IssuedAt: 99}))
	p, err := s.GetPending(ctx, "0xc1", "k")
	require.NoError(t, err)
	require.Equal(t, int64(99), p.IssuedAt)

	require.NoError(t, s.DeletePending(ctx, "0xc1", "k"))
	_, err = s.GetPending(ctx, "0xc1", "k")
	require.ErrorIs(t, err, paychan.ErrNotFound)
}
