package paychan_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paychan"
	memledger "github.com/x402-foundation/paychan/ledger/memory"
	paychanevm "github.com/x402-foundation/paychan/mechanisms/evm"
	evmsigner "github.com/x402-foundation/paychan/signers/evm"
	"github.com/x402-foundation/paychan/storage/memory"
	"github.com/x402-foundation/paychan/types"
)

const (
	testChainID  = 84532
	testPayerKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	otherKey     = "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	testPayer    = "did:example:payer"
	testPayee    = "did:example:payee"
	testAsset    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testVM       = "key-1"
)

type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	ledger    *memledger.Ledger
	verifiers *paychan.VerifierRegistry
	processor *paychan.Processor
	signer    *evmsigner.VoucherSigner
	channel   paychan.Channel
	key       paychan.SubChannelKey
}

// newHarness opens and funds a channel on a simulated ledger, mirrors it into
// a memory store and builds a processor over both
func newHarness(t *testing.T, opts ...paychan.ProcessorOption) *harness {
	t.Helper()
	ctx := context.Background()

	verifiers := paychan.NewVerifierRegistry(paychanevm.NewVerifier(paychanevm.DefaultDomain))
	signer, err := evmsigner.NewVoucherSignerFromPrivateKey(testPayerKey, paychanevm.DefaultDomain)
	require.NoError(t, err)

	ledger := memledger.New(testChainID, verifiers)
	ch, _, err := ledger.OpenChannel(ctx, paychan.OpenChannelRequest{PayerID: testPayer, PayeeID: testPayee, AssetID: testAsset})
	require.NoError(t, err)
	_, err = ledger.AuthorizeSubChannel(ctx, ch.ChannelID, paychan.SubChannel{
		VMIDFragment: testVM,
		PublicKey:    signer.PublicKey(),
		MethodType:   signer.MethodType(),
	})
	require.NoError(t, err)
	ledger.Deposit(testPayer, testAsset, big.NewInt(10_000_000_000))

	store := memory.NewStore()
	require.NoError(t, store.PutChannel(ctx, *ch))
	sub, err := ledger.GetSubChannel(ctx, ch.ChannelID, testVM)
	require.NoError(t, err)
	require.NoError(t, store.PutSubChannel(ctx, *sub))

	processor, err := paychan.NewProcessor(paychan.ProcessorConfig{
		ChainID:   testChainID,
		Channels:  store,
		Vouchers:  store,
		Pending:   store,
		Verifiers: verifiers,
	}, opts...)
	require.NoError(t, err)

	return &harness{
		t:         t,
		ctx:       ctx,
		store:     store,
		ledger:    ledger,
		verifiers: verifiers,
		processor: processor,
		signer:    signer,
		channel:   *ch,
		key:       paychan.SubChannelKey{ChannelID: ch.ChannelID, VMIDFragment: testVM},
	}
}

func (h *harness) handshake() types.RequestPayload {
	v := paychan.HandshakeVoucher(testChainID, h.key.ChannelID, h.channel.Epoch, h.key.VMIDFragment)
	return types.RequestPayload{
		Version:       types.CurrentVersion,
		SignedVoucher: paychan.SignedVoucher{Voucher: v}.ToWire(),
	}
}

// sign turns a proposal received from the payee into the next request
func (h *harness) sign(proposal *types.Voucher) types.RequestPayload {
	h.t.Helper()
	require.NotNil(h.t, proposal)
	v, err := paychan.VoucherFromWire(*proposal)
	require.NoError(h.t, err)
	return h.signVoucher(v)
}

func (h *harness) signVoucher(v paychan.Voucher) types.RequestPayload {
	h.t.Helper()
	sig, err := h.signer.Sign(h.ctx, v)
	require.NoError(h.t, err)
	return types.RequestPayload{
		Version:       types.CurrentVersion,
		SignedVoucher: paychan.SignedVoucher{Voucher: v, Signature: sig}.ToWire(),
	}
}

// round verifies req and settles cost, failing the test on any error
func (h *harness) round(req types.RequestPayload, cost int64) *types.ResponsePayload {
	h.t.Helper()
	session, err := h.processor.Verify(h.ctx, req)
	require.NoError(h.t, err)
	resp, err := session.Settle(h.ctx, big.NewInt(cost))
	require.NoError(h.t, err)
	return resp
}

// confirmAmount drives the channel until a signed voucher for amount is confirmed
func (h *harness) confirmAmount(amount int64) *types.ResponsePayload {
	h.t.Helper()
	resp := h.round(h.handshake(), amount)
	return h.round(h.sign(resp.NextVoucher), 0)
}

type recordingNotifier struct {
	keys chan paychan.SubChannelKey
}

func (n *recordingNotifier) Notify(key paychan.SubChannelKey) {
	select {
	case n.keys <- key:
	default:
	}
}
