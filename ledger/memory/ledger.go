// Package memory provides an in-process ledger used by the development daemon and tests.
package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/ipfs/go-log/v2"

	"github.com/x402-foundation/paychan"
)

var logger = log.Logger("paychan/ledger")

// ErrInjected is returned by claims failed through FailClaims
var ErrInjected = errors.New("injected ledger failure")

// Ledger simulates the settlement contract: hub balances, channel epochs and
// claims whose signatures are checked with the same verifier registry the
// payee uses.
type Ledger struct {
	chainID   uint64
	verifiers *paychan.VerifierRegistry

	mu       sync.Mutex
	channels map[string]*paychan.Channel
	subs     map[paychan.SubChannelKey]*paychan.SubChannel
	hub      map[string]*big.Int
	txCount  uint64
	events   chan paychan.LedgerEvent

	failClaims  int
	failErr     error
	dropReplies int
	claimDelay  time.Duration
	claimCalls  int
}

// Option configures a Ledger
type Option func(*Ledger)

// WithEvents makes the ledger publish events on a channel of the given capacity.
// Events are dropped when the buffer is full.
func WithEvents(capacity int) Option {
	return func(l *Ledger) {
		l.events = make(chan paychan.LedgerEvent, capacity)
	}
}

// New creates an empty ledger for chainID
func New(chainID uint64, verifiers *paychan.VerifierRegistry, opts ...Option) *Ledger {
	l := &Ledger{
		chainID:   chainID,
		verifiers: verifiers,
		channels:  make(map[string]*paychan.Channel),
		subs:      make(map[paychan.SubChannelKey]*paychan.SubChannel),
		hub:       make(map[string]*big.Int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Events returns the event stream, or nil when events are disabled
func (l *Ledger) Events() <-chan paychan.LedgerEvent {
	return l.events
}

// ChainID returns the chain the ledger is bound to
func (l *Ledger) ChainID() uint64 {
	return l.chainID
}

// ============================================================================
// Test controls
// ============================================================================

// FailClaims makes the next n claims fail with err before touching state
func (l *Ledger) FailClaims(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	l.failClaims = n
	l.failErr = err
}

// DropClaimReplies makes the next n claims land but report an error to the caller
func (l *Ledger) DropClaimReplies(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropReplies = n
}

// SetClaimDelay delays every claim by d or until the caller's context ends
func (l *Ledger) SetClaimDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claimDelay = d
}

// ClaimCalls returns the number of Claim invocations so far
func (l *Ledger) ClaimCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimCalls
}

// Deposit credits amount to owner's hub balance for asset
func (l *Ledger) Deposit(ownerID, assetID string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(ownerID, assetID, amount)
}

// ============================================================================
// LedgerContract
// ============================================================================

// OpenChannel opens the channel derived from req. Re-opening a closed channel
// advances its epoch; opening an active channel returns it unchanged.
func (l *Ledger) OpenChannel(ctx context.Context, req paychan.OpenChannelRequest) (*paychan.Channel, string, error) {
	if req.PayerID == "" || req.PayeeID == "" || req.AssetID == "" {
		return nil, "", errors.New("payer, payee and asset are required")
	}
	id := paychan.DeriveChannelID(req.PayerID, req.PayeeID, req.AssetID)

	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.channels[id]
	switch {
	case !ok:
		ch = &paychan.Channel{
			ChannelID: id,
			PayerID:   req.PayerID,
			PayeeID:   req.PayeeID,
			AssetID:   req.AssetID,
			Status:    paychan.ChannelActive,
		}
		l.channels[id] = ch
	case ch.Status == paychan.ChannelClosed:
		ch.Epoch++
		ch.Status = paychan.ChannelActive
		for key, sub := range l.subs {
			if key.ChannelID == id {
				sub.LastClaimedAmount = new(big.Int)
				sub.LastConfirmedNonce = 0
			}
		}
	default:
		return copyChannel(ch), "", nil
	}

	tx := l.nextTx()
	l.publish(paychan.LedgerEvent{Kind: paychan.EventChannelOpened, ChannelID: id, TxHash: tx, Opened: copyChannel(ch)})
	logger.Infow("channel opened", "channel", id, "epoch", ch.Epoch)
	return copyChannel(ch), tx, nil
}

// AuthorizeSubChannel registers a signing key under channelID
func (l *Ledger) AuthorizeSubChannel(ctx context.Context, channelID string, sub paychan.SubChannel) (string, error) {
	if sub.VMIDFragment == "" || sub.PublicKey == "" || sub.MethodType == "" {
		return "", errors.New("vmIdFragment, public key and method type are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.channels[channelID]
	if !ok {
		return "", fmt.Errorf("channel %s: %w", channelID, paychan.ErrNotFound)
	}
	if !ch.Usable() {
		return "", fmt.Errorf("channel %s is %s", channelID, ch.Status)
	}

	key := paychan.SubChannelKey{ChannelID: channelID, VMIDFragment: sub.VMIDFragment}
	stored := &paychan.SubChannel{
		ChannelID:         channelID,
		VMIDFragment:      sub.VMIDFragment,
		PublicKey:         sub.PublicKey,
		MethodType:        sub.MethodType,
		LastClaimedAmount: new(big.Int),
	}
	if existing, ok := l.subs[key]; ok {
		stored.LastClaimedAmount = existing.LastClaimedAmount
		stored.LastConfirmedNonce = existing.LastConfirmedNonce
	}
	l.subs[key] = stored

	tx := l.nextTx()
	l.publish(paychan.LedgerEvent{Kind: paychan.EventSubChannelAuthorized, ChannelID: channelID, TxHash: tx, Authorized: copySub(stored)})
	return tx, nil
}

// Claim settles the delta between voucher and the sub-channel's claimed amount,
// moving it from the payer's hub balance to the payee's
func (l *Ledger) Claim(ctx context.Context, voucher paychan.SignedVoucher) (*paychan.ClaimResult, error) {
	l.mu.Lock()
	l.claimCalls++
	delay := l.claimDelay
	if l.failClaims > 0 {
		l.failClaims--
		err := l.failErr
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	v := voucher.Voucher
	key := v.Key()

	l.mu.Lock()
	defer l.mu.Unlock()

	if v.ChainID != l.chainID {
		return nil, fmt.Errorf("voucher for chain %d on chain %d", v.ChainID, l.chainID)
	}
	ch, ok := l.channels[key.ChannelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", key.ChannelID, paychan.ErrNotFound)
	}
	if ch.Status == paychan.ChannelClosed {
		return nil, fmt.Errorf("channel %s is closed", key.ChannelID)
	}
	if v.ChannelEpoch != ch.Epoch {
		return nil, fmt.Errorf("voucher epoch %d, channel epoch %d", v.ChannelEpoch, ch.Epoch)
	}
	sub, ok := l.subs[key]
	if !ok {
		return nil, fmt.Errorf("sub-channel %s: %w", key, paychan.ErrNotFound)
	}
	if l.verifiers != nil {
		if err := l.verifiers.VerifySubChannel(ctx, *sub, v, voucher.Signature); err != nil {
			return nil, err
		}
	}

	claimed := sub.Claimed()
	delta := new(big.Int).Sub(v.Amount(), claimed)
	if delta.Sign() <= 0 {
		return nil, fmt.Errorf("voucher amount %s does not exceed claimed %s", v.Amount(), claimed)
	}
	payer := l.balance(ch.PayerID, ch.AssetID)
	if payer.Cmp(delta) < 0 {
		return nil, fmt.Errorf("payer hub balance %s below claim %s", payer, delta)
	}
	payer.Sub(payer, delta)
	l.credit(ch.PayeeID, ch.AssetID, delta)

	sub.LastClaimedAmount = new(big.Int).Set(v.Amount())
	if v.Nonce > sub.LastConfirmedNonce {
		sub.LastConfirmedNonce = v.Nonce
	}

	tx := l.nextTx()
	l.publish(paychan.LedgerEvent{
		Kind:      paychan.EventChannelClaimed,
		ChannelID: key.ChannelID,
		TxHash:    tx,
		Claimed: &paychan.ClaimedEvent{
			VMIDFragment:      key.VMIDFragment,
			AccumulatedAmount: new(big.Int).Set(v.Amount()),
			Nonce:             v.Nonce,
		},
	})

	if l.dropReplies > 0 {
		l.dropReplies--
		return nil, fmt.Errorf("claim %s: reply lost", tx)
	}
	return &paychan.ClaimResult{TxHash: tx, ClaimedAmount: delta}, nil
}

// CloseChannel claims final when it is ahead of the claimed amount, then closes the channel
func (l *Ledger) CloseChannel(ctx context.Context, channelID string, final *paychan.SignedVoucher) (string, error) {
	if final != nil {
		if _, err := l.Claim(ctx, *final); err != nil {
			logger.Warnw("final claim on close failed", "channel", channelID, "err", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.channels[channelID]
	if !ok {
		return "", fmt.Errorf("channel %s: %w", channelID, paychan.ErrNotFound)
	}
	if ch.Status == paychan.ChannelClosed {
		return "", fmt.Errorf("channel %s already closed", channelID)
	}
	ch.Status = paychan.ChannelClosed

	tx := l.nextTx()
	l.publish(paychan.LedgerEvent{Kind: paychan.EventChannelClosed, ChannelID: channelID, TxHash: tx})
	logger.Infow("channel closed", "channel", channelID, "epoch", ch.Epoch)
	return tx, nil
}

// GetChannelStatus returns the channel or an error wrapping paychan.ErrNotFound
func (l *Ledger) GetChannelStatus(ctx context.Context, channelID string) (*paychan.Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, paychan.ErrNotFound)
	}
	return copyChannel(ch), nil
}

// GetSubChannel returns the sub-channel or an error wrapping paychan.ErrNotFound
func (l *Ledger) GetSubChannel(ctx context.Context, channelID, vmIDFragment string) (*paychan.SubChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.subs[paychan.SubChannelKey{ChannelID: channelID, VMIDFragment: vmIDFragment}]
	if !ok {
		return nil, fmt.Errorf("sub-channel %s#%s: %w", channelID, vmIDFragment, paychan.ErrNotFound)
	}
	return copySub(sub), nil
}

// GetHubBalance returns owner's hub balance for asset
func (l *Ledger) GetHubBalance(ctx context.Context, ownerID, assetID string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(ownerID, assetID)), nil
}

// ============================================================================
// Helpers
// ============================================================================

func (l *Ledger) balance(ownerID, assetID string) *big.Int {
	k := ownerID + "|" + assetID
	b, ok := l.hub[k]
	if !ok {
		b = new(big.Int)
		l.hub[k] = b
	}
	return b
}

func (l *Ledger) credit(ownerID, assetID string, amount *big.Int) {
	b := l.balance(ownerID, assetID)
	b.Add(b, amount)
}

func (l *Ledger) nextTx() string {
	l.txCount++
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], l.chainID)
	binary.BigEndian.PutUint64(buf[8:], l.txCount)
	return crypto.Keccak256Hash(buf[:]).Hex()
}

func (l *Ledger) publish(e paychan.LedgerEvent) {
	if l.events == nil {
		return
	}
	select {
	case l.events <- e:
	default:
		logger.Warnw("ledger event dropped", "kind", e.Kind, "channel", e.ChannelID)
	}
}

func copyChannel(ch *paychan.Channel) *paychan.Channel {
	cp := *ch
	return &cp
}

func copySub(sub *paychan.SubChannel) *paychan.SubChannel {
	cp := *sub
	cp.LastClaimedAmount = new(big.Int).Set(sub.Claimed())
	return &cp
}

var _ paychan.LedgerContract = (*Ledger)(nil)
