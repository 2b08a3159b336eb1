// Package paychantest builds a payee processor and a matching payer over a
// simulated ledger and in-memory storage for transport tests.
package paychantest

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paychan"
	paychanhttp "github.com/x402-foundation/paychan/http"
	memledger "github.com/x402-foundation/paychan/ledger/memory"
	paychanevm "github.com/x402-foundation/paychan/mechanisms/evm"
	evmsigner "github.com/x402-foundation/paychan/signers/evm"
	"github.com/x402-foundation/paychan/storage/memory"
	"github.com/x402-foundation/paychan/types"
)

const (
	ChainID      = 84532
	PayerKey     = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	Payer        = "did:example:payer"
	Payee        = "did:example:payee"
	Asset        = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	VMIDFragment = "key-1"
)

// Fixture is one funded channel with a single authorized sub-channel,
// mirrored from the ledger into the store
type Fixture struct {
	Ledger    *memledger.Ledger
	Store     *memory.Store
	Verifiers *paychan.VerifierRegistry
	Processor *paychan.Processor
	Signer    *evmsigner.VoucherSigner
	Channel   paychan.Channel
	Key       paychan.SubChannelKey
}

// New creates a fixture with an empty voucher history
func New(t *testing.T, opts ...paychan.ProcessorOption) *Fixture {
	t.Helper()
	ctx := context.Background()

	verifiers := paychan.NewVerifierRegistry(paychanevm.NewVerifier(paychanevm.DefaultDomain))
	signer, err := evmsigner.NewVoucherSignerFromPrivateKey(PayerKey, paychanevm.DefaultDomain)
	require.NoError(t, err)

	ledger := memledger.New(ChainID, verifiers)
	ch, _, err := ledger.OpenChannel(ctx, paychan.OpenChannelRequest{PayerID: Payer, PayeeID: Payee, AssetID: Asset})
	require.NoError(t, err)
	_, err = ledger.AuthorizeSubChannel(ctx, ch.ChannelID, paychan.SubChannel{
		VMIDFragment: VMIDFragment,
		PublicKey:    signer.PublicKey(),
		MethodType:   signer.MethodType(),
	})
	require.NoError(t, err)
	ledger.Deposit(Payer, Asset, big.NewInt(10_000_000_000))

	store := memory.NewStore()
	require.NoError(t, store.PutChannel(ctx, *ch))
	sub, err := ledger.GetSubChannel(ctx, ch.ChannelID, VMIDFragment)
	require.NoError(t, err)
	require.NoError(t, store.PutSubChannel(ctx, *sub))

	processor, err := paychan.NewProcessor(paychan.ProcessorConfig{
		ChainID:   ChainID,
		Channels:  store,
		Vouchers:  store,
		Pending:   store,
		Verifiers: verifiers,
	}, opts...)
	require.NoError(t, err)

	return &Fixture{
		Ledger:    ledger,
		Store:     store,
		Verifiers: verifiers,
		Processor: processor,
		Signer:    signer,
		Channel:   *ch,
		Key:       paychan.SubChannelKey{ChannelID: ch.ChannelID, VMIDFragment: VMIDFragment},
	}
}

// Client returns a payer client for the fixture's sub-channel
func (f *Fixture) Client(t *testing.T) *paychanhttp.PaymentClient {
	t.Helper()
	pc, err := paychanhttp.NewPaymentClient(paychanhttp.PaymentClientConfig{
		Signer:       f.Signer,
		ChainID:      ChainID,
		ChannelID:    f.Channel.ChannelID,
		VMIDFragment: VMIDFragment,
	})
	require.NoError(t, err)
	return pc
}

// Confirm drives the processor until a signed voucher for amount is the
// latest confirmed one, leaving a zero-cost proposal pending
func (f *Fixture) Confirm(t *testing.T, amount int64) {
	t.Helper()
	ctx := context.Background()

	hs := paychan.HandshakeVoucher(ChainID, f.Key.ChannelID, f.Channel.Epoch, f.Key.VMIDFragment)
	resp := f.round(t, types.RequestPayload{
		Version:       types.CurrentVersion,
		SignedVoucher: paychan.SignedVoucher{Voucher: hs}.ToWire(),
	}, amount)

	require.NotNil(t, resp.NextVoucher)
	next, err := paychan.VoucherFromWire(*resp.NextVoucher)
	require.NoError(t, err)
	sig, err := f.Signer.Sign(ctx, next)
	require.NoError(t, err)
	f.round(t, types.RequestPayload{
		Version:       types.CurrentVersion,
		SignedVoucher: paychan.SignedVoucher{Voucher: next, Signature: sig}.ToWire(),
	}, 0)
}

func (f *Fixture) round(t *testing.T, req types.RequestPayload, cost int64) *types.ResponsePayload {
	t.Helper()
	ctx := context.Background()
	session, err := f.Processor.Verify(ctx, req)
	require.NoError(t, err)
	resp, err := session.Settle(ctx, big.NewInt(cost))
	require.NoError(t, err)
	return resp
}

// Rules parses pricing rules, failing the test on error
func Rules(t *testing.T, yaml string) paychan.RouteRules {
	t.Helper()
	rules, err := paychan.LoadRouteRules(strings.NewReader(yaml))
	require.NoError(t, err)
	return rules
}
