package paychan_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paychan"
	paychanevm "github.com/x402-foundation/paychan/mechanisms/evm"
	evmsigner "github.com/x402-foundation/paychan/signers/evm"
	"github.com/x402-foundation/paychan/storage/memory"
	"github.com/x402-foundation/paychan/types"
)

func TestHandshakeThenSignedProgression(t *testing.T) {
	h := newHarness(t)

	resp := h.round(h.handshake(), 100)
	require.False(t, resp.IsError())
	require.Equal(t, uint64(1), resp.NextVoucher.Nonce)
	require.Equal(t, "100", resp.NextVoucher.AccumulatedAmount)
	require.Equal(t, "100", resp.Cost)
	require.NotEmpty(t, resp.ServiceTxRef)

	session, err := h.processor.Verify(h.ctx, h.sign(resp.NextVoucher))
	require.NoError(t, err)
	require.False(t, session.Handshake())
	require.Equal(t, int64(100), session.Paid().Int64())

	resp, err = session.Settle(h.ctx, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, uint64(2), resp.NextVoucher.Nonce)
	require.Equal(t, "150", resp.NextVoucher.AccumulatedAmount)

	latest, err := h.store.GetLatest(h.ctx, h.key.ChannelID, h.key.VMIDFragment)
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest.Voucher.Nonce)

	pending, err := h.store.GetPending(h.ctx, h.key.ChannelID, h.key.VMIDFragment)
	require.NoError(t, err)
	require.Equal(t, uint64(2), pending.Voucher.Nonce)
	require.Equal(t, int64(150), pending.Voucher.Amount().Int64())

	sub, err := h.store.GetSubChannel(h.ctx, h.key.ChannelID, h.key.VMIDFragment)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sub.LastConfirmedNonce)
}

func TestSequentialRequestsLeaveOnePending(t *testing.T) {
	h := newHarness(t)

	const n = 5
	resp := h.round(h.handshake(), 10)
	for i := 1; i < n; i++ {
		resp = h.round(h.sign(resp.NextVoucher), 10)
	}

	require.Equal(t, 1, h.store.PendingCount())
	pending, err := h.store.GetPending(h.ctx, h.key.ChannelID, h.key.VMIDFragment)
	require.NoError(t, err)
	require.Equal(t, uint64(n), pending.Voucher.Nonce)
	require.Equal(t, int64(10*n), pending.Voucher.Amount().Int64())

	latest, err := h.store.GetLatest(h.ctx, h.key.ChannelID, h.key.VMIDFragment)
	require.NoError(t, err)
	require.Equal(t, uint64(n-1), latest.Voucher.Nonce)
}

func TestVerifyRejections(t *testing.T) {
	t.Run("replayed voucher", func(t *testing.T) {
		h := newHarness(t)
		first := h.round(h.handshake(), 100)
		signed := h.sign(first.NextVoucher)
		h.round(signed, 0)

		_, err := h.processor.Verify(h.ctx, signed)
		require.ErrorIs(t, err, paychan.ErrNonceNotSequential)
	})

	t.Run("skipped nonce", func(t *testing.T) {
		h := newHarness(t)
		resp := h.round(h.handshake(), 100)
		v, err := paychan.VoucherFromWire(*resp.NextVoucher)
		require.NoError(t, err)
		v.Nonce = 3

		_, err = h.processor.Verify(h.ctx, h.signVoucher(v))
		require.ErrorIs(t, err, paychan.ErrNonceNotSequential)
	})

	t.Run("regressed amount", func(t *testing.T) {
		h := newHarness(t)
		resp := h.confirmAmount(100)
		v, err := paychan.VoucherFromWire(*resp.NextVoucher)
		require.NoError(t, err)
		v.AccumulatedAmount = big.NewInt(50)

		_, err = h.processor.Verify(h.ctx, h.signVoucher(v))
		require.ErrorIs(t, err, paychan.ErrAmountRegressed)
	})

	t.Run("signature by another key", func(t *testing.T) {
		h := newHarness(t)
		resp := h.round(h.handshake(), 100)
		other, err := evmsigner.NewVoucherSignerFromPrivateKey(otherKey, paychanevm.DefaultDomain)
		require.NoError(t, err)
		v, err := paychan.VoucherFromWire(*resp.NextVoucher)
		require.NoError(t, err)
		sig, err := other.Sign(h.ctx, v)
		require.NoError(t, err)

		req := types.RequestPayload{
			Version:       types.CurrentVersion,
			SignedVoucher: paychan.SignedVoucher{Voucher: v, Signature: sig}.ToWire(),
			ClientTxRef:   "client-7",
		}
		_, err = h.processor.Verify(h.ctx, req)
		require.ErrorIs(t, err, paychan.ErrInvalidSignature)
		require.Equal(t, "client-7", paychan.AsPaymentError(err).ClientTxRef)
		require.Equal(t, 403, paychan.AsPaymentError(err).HTTPStatus())
	})

	t.Run("epoch mismatch", func(t *testing.T) {
		h := newHarness(t)
		resp := h.round(h.handshake(), 100)
		v, err := paychan.VoucherFromWire(*resp.NextVoucher)
		require.NoError(t, err)
		v.ChannelEpoch = h.channel.Epoch + 1

		_, err = h.processor.Verify(h.ctx, h.signVoucher(v))
		require.ErrorIs(t, err, paychan.ErrEpochMismatch)
	})

	t.Run("signed amount differs from proposal", func(t *testing.T) {
		h := newHarness(t)
		resp := h.round(h.handshake(), 100)
		v, err := paychan.VoucherFromWire(*resp.NextVoucher)
		require.NoError(t, err)
		v.AccumulatedAmount = big.NewInt(90)

		_, err = h.processor.Verify(h.ctx, h.signVoucher(v))
		require.ErrorIs(t, err, paychan.ErrProposalMismatch)
	})

	t.Run("wrong chain", func(t *testing.T) {
		h := newHarness(t)
		req := h.handshake()
		req.SignedVoucher.Voucher.ChainID = 1

		_, err := h.processor.Verify(h.ctx, req)
		require.ErrorIs(t, err, paychan.ErrMalformedEnvelope)
	})

	t.Run("unsupported version", func(t *testing.T) {
		h := newHarness(t)
		req := h.handshake()
		req.Version = 9

		_, err := h.processor.Verify(h.ctx, req)
		require.ErrorIs(t, err, paychan.ErrMalformedEnvelope)
	})

	t.Run("invalid maxAmount", func(t *testing.T) {
		h := newHarness(t)
		req := h.handshake()
		req.MaxAmount = "-5"

		_, err := h.processor.Verify(h.ctx, req)
		require.ErrorIs(t, err, paychan.ErrMalformedEnvelope)
	})

	t.Run("closed channel", func(t *testing.T) {
		h := newHarness(t)
		closed := h.channel
		closed.Status = paychan.ChannelClosed
		require.NoError(t, h.store.PutChannel(h.ctx, closed))

		_, err := h.processor.Verify(h.ctx, h.handshake())
		require.ErrorIs(t, err, paychan.ErrChannelClosed)
	})

	t.Run("unknown sub-channel", func(t *testing.T) {
		h := newHarness(t)
		req := h.handshake()
		req.SignedVoucher.Voucher.VMIDFragment = "key-9"

		_, err := h.processor.Verify(h.ctx, req)
		require.ErrorIs(t, err, paychan.ErrChannelNotFound)
	})
}

func TestVerifyFallsBackToLedger(t *testing.T) {
	h := newHarness(t)
	store := memory.NewStore()
	processor, err := paychan.NewProcessor(paychan.ProcessorConfig{
		ChainID:   testChainID,
		Channels:  store,
		Vouchers:  store,
		Pending:   store,
		Verifiers: h.verifiers,
		Ledger:    h.ledger,
	})
	require.NoError(t, err)

	session, err := processor.Verify(h.ctx, h.handshake())
	require.NoError(t, err)
	require.True(t, session.Handshake())

	cached, err := store.GetChannel(h.ctx, h.key.ChannelID)
	require.NoError(t, err)
	require.Equal(t, h.channel.PayerID, cached.PayerID)
	_, err = store.GetSubChannel(h.ctx, h.key.ChannelID, h.key.VMIDFragment)
	require.NoError(t, err)

	unknown := h.handshake()
	unknown.SignedVoucher.Voucher.ChannelID = paychan.DeriveChannelID("a", "b", "c")
	_, err = processor.Verify(h.ctx, unknown)
	require.ErrorIs(t, err, paychan.ErrChannelNotFound)
}

func TestHandshakeOnExistingSubChannelResumesFromLatest(t *testing.T) {
	h := newHarness(t)
	resp := h.round(h.handshake(), 100)
	h.round(h.sign(resp.NextVoucher), 50)

	// the payer reconnects without the unsigned nonce 2 proposal
	resp = h.round(h.handshake(), 20)
	require.Equal(t, uint64(2), resp.NextVoucher.Nonce)
	require.Equal(t, "170", resp.NextVoucher.AccumulatedAmount)
}

func TestConcurrentHandshakesFoldIntoOneProposal(t *testing.T) {
	h := newHarness(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := h.processor.Verify(h.ctx, h.handshake())
			if err != nil {
				errs <- err
				return
			}
			_, err = session.Settle(h.ctx, big.NewInt(10))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, h.store.PendingCount())
	pending, err := h.store.GetPending(h.ctx, h.key.ChannelID, h.key.VMIDFragment)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pending.Voucher.Nonce)
	require.Equal(t, int64(10*n), pending.Voucher.Amount().Int64())
}

func TestConcurrentReplayAcceptsOnce(t *testing.T) {
	h := newHarness(t)
	resp := h.round(h.handshake(), 100)
	signed := h.sign(resp.NextVoucher)

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.processor.Verify(h.ctx, signed)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var accepted int
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, paychan.ErrNonceNotSequential)
	}
	require.Equal(t, 1, accepted)
}

func TestMaxAmount(t *testing.T) {
	h := newHarness(t)
	req := h.handshake()
	req.MaxAmount = "100"

	session, err := h.processor.Verify(h.ctx, req)
	require.NoError(t, err)
	require.NoError(t, session.CheckCost(big.NewInt(100)))
	require.ErrorIs(t, session.CheckCost(big.NewInt(101)), paychan.ErrAmountExceedsMax)

	resp, err := session.Settle(h.ctx, big.NewInt(150))
	require.NoError(t, err)
	require.Equal(t, "100", resp.Cost)
	require.Equal(t, "100", resp.NextVoucher.AccumulatedAmount)

	_, err = session.Settle(h.ctx, big.NewInt(1))
	require.Error(t, err)
}

func TestVerifyNotifiesClaimEngine(t *testing.T) {
	notifier := &recordingNotifier{keys: make(chan paychan.SubChannelKey, 4)}
	h := newHarness(t, paychan.WithClaimNotifier(notifier))

	resp := h.round(h.handshake(), 100)
	require.Len(t, notifier.keys, 0)

	h.round(h.sign(resp.NextVoucher), 0)
	require.Len(t, notifier.keys, 1)
	require.Equal(t, h.key, <-notifier.keys)
}

func TestProcessorHooks(t *testing.T) {
	h := newHarness(t)

	var verified, settled int
	var failures []string
	h.processor.
		OnAfterVerify(func(ctx paychan.VerifyResultContext) error {
			verified++
			return nil
		}).
		OnVerifyFailure(func(ctx paychan.VerifyFailureContext) error {
			failures = append(failures, ctx.Error.Code)
			return errors.New("hook errors are logged, not returned")
		}).
		OnAfterSettle(func(ctx paychan.SettleResultContext) error {
			settled++
			return nil
		})

	resp := h.round(h.handshake(), 100)
	signed := h.sign(resp.NextVoucher)
	h.round(signed, 0)
	_, err := h.processor.Verify(h.ctx, signed)
	require.Error(t, err)

	require.Equal(t, 2, verified)
	require.Equal(t, 2, settled)
	require.Equal(t, []string{paychan.ErrCodeNonceNotSequential}, failures)
}

func TestErrorResponse(t *testing.T) {
	resp := paychan.ErrorResponse(paychan.ErrChannelClosed.WithClientTxRef("c-1"), "")
	require.True(t, resp.IsError())
	require.Equal(t, paychan.ErrCodeChannelClosed, resp.Error.Code)
	require.Equal(t, "c-1", resp.ClientTxRef)
	require.Nil(t, resp.NextVoucher)

	resp = paychan.ErrorResponse(context.DeadlineExceeded, "c-2")
	require.Equal(t, paychan.ErrCodeInternal, resp.Error.Code)
}

func TestSettleCostBeyondInt64(t *testing.T) {
	h := newHarness(t)
	// 18-decimal assets exceed int64 after ~9.2 whole tokens
	cost, ok := new(big.Int).SetString("25000000000000000000", 10)
	require.True(t, ok)

	session, err := h.processor.Verify(h.ctx, h.handshake())
	require.NoError(t, err)
	resp, err := session.Settle(h.ctx, cost)
	require.NoError(t, err)
	require.Equal(t, cost.String(), resp.Cost)
	require.Equal(t, cost.String(), resp.NextVoucher.AccumulatedAmount)
}
