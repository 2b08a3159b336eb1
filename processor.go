package paychan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opencensus.io/stats"

	"github.com/x402-foundation/paychan/metrics"
	"github.com/x402-foundation/paychan/types"
)

// ProcessorConfig carries the collaborators of a Processor
type ProcessorConfig struct {
	// ChainID every voucher must be bound to
	ChainID uint64

	Channels  ChannelRepository
	Vouchers  VoucherRepository
	Pending   PendingVoucherStore
	Verifiers *VerifierRegistry

	// Ledger is consulted when a channel or sub-channel is missing from the
	// local cache. Optional.
	Ledger LedgerContract
}

// Processor is the per-request payment engine. It verifies the voucher a
// payer presents, then issues the next unsigned proposal once cost is known.
type Processor struct {
	cfg      ProcessorConfig
	locks    *SubChannelLocks
	notifier ClaimNotifier
	clock    clock.Clock

	mu                   sync.RWMutex
	afterVerifyHooks     []AfterVerifyHook
	onVerifyFailureHooks []OnVerifyFailureHook
	afterSettleHooks     []AfterSettleHook
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithClaimNotifier wires the claim engine that is told about new confirmed amounts
func WithClaimNotifier(n ClaimNotifier) ProcessorOption {
	return func(p *Processor) {
		p.notifier = n
	}
}

// WithSubChannelLocks shares a lock table with other writers of sub-channel state
func WithSubChannelLocks(l *SubChannelLocks) ProcessorOption {
	return func(p *Processor) {
		p.locks = l
	}
}

// WithProcessorClock overrides the clock used for proposal timestamps
func WithProcessorClock(c clock.Clock) ProcessorOption {
	return func(p *Processor) {
		p.clock = c
	}
}

// NewProcessor creates a processor from its collaborators
func NewProcessor(cfg ProcessorConfig, opts ...ProcessorOption) (*Processor, error) {
	if cfg.Channels == nil || cfg.Vouchers == nil || cfg.Pending == nil {
		return nil, errors.New("channel, voucher and pending repositories are required")
	}
	if cfg.Verifiers == nil {
		return nil, errors.New("verifier registry is required")
	}

	p := &Processor{
		cfg:   cfg,
		locks: NewSubChannelLocks(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Locks returns the sub-channel lock table used by the processor
func (p *Processor) Locks() *SubChannelLocks {
	return p.locks
}

// Session is the state carried from Verify to Settle for one request
type Session struct {
	p            *Processor
	key          SubChannelKey
	base         Voucher
	paid         *big.Int
	maxAmount    *big.Int
	handshake    bool
	clientTxRef  string
	serviceTxRef string

	mu      sync.Mutex
	settled bool
}

// ClientTxRef is the payer's correlation reference
func (s *Session) ClientTxRef() string { return s.clientTxRef }

// ServiceTxRef is the payee-generated reference of this request
func (s *Session) ServiceTxRef() string { return s.serviceTxRef }

// Handshake reports whether the request opened the proposal cycle
func (s *Session) Handshake() bool { return s.handshake }

// Key returns the sub-channel the session is bound to
func (s *Session) Key() SubChannelKey { return s.key }

// Paid is the marginal amount confirmed by the voucher of this request
func (s *Session) Paid() *big.Int { return new(big.Int).Set(s.paid) }

// CheckCost rejects a cost above the payer's declared ceiling. Pre-flight
// billing calls it before the handler runs.
func (s *Session) CheckCost(cost *big.Int) error {
	if s.maxAmount != nil && nonNil(cost).Cmp(s.maxAmount) > 0 {
		return (&PaymentError{
			Code:    ErrCodeAmountExceedsMax,
			Message: fmt.Sprintf("cost %s exceeds maxAmount %s", cost, s.maxAmount),
		}).WithClientTxRef(s.clientTxRef)
	}
	return nil
}

// Verify decodes, resolves and validates the voucher carried by req. On success the
// voucher is stored as the sub-channel's latest confirmed voucher and the pending
// proposal it answers is consumed, all under the sub-channel lock.
//
// Args:
//
//	ctx: Context for cancellation
//	req: Decoded request payload
//
// Returns:
//
//	Session to settle once the cost is known
//	*PaymentError if the payment must short-circuit the request
func (p *Processor) Verify(ctx context.Context, req types.RequestPayload) (*Session, error) {
	session, err := p.verify(ctx, req)
	if err != nil {
		pe := AsPaymentError(err).WithClientTxRef(req.ClientTxRef)
		metrics.RecordTagged(ctx, metrics.Error, pe.Code, metrics.VoucherRejectedCount.M(1))
		p.runVerifyFailureHooks(ctx, req, pe)
		return nil, pe
	}

	if session.handshake {
		stats.Record(ctx, metrics.HandshakeCount.M(1))
	} else {
		stats.Record(ctx, metrics.VoucherVerifiedCount.M(1))
	}
	p.runAfterVerifyHooks(ctx, req, session)
	return session, nil
}

func (p *Processor) verify(ctx context.Context, req types.RequestPayload) (*Session, error) {
	if req.Version < 1 || req.Version > types.CurrentVersion {
		return nil, newErr(ErrMalformedEnvelope, "unsupported envelope version %d", req.Version)
	}

	sv, err := SignedVoucherFromWire(req.SignedVoucher)
	if err != nil {
		return nil, newErr(ErrMalformedEnvelope, "%v", err)
	}

	var maxAmount *big.Int
	if req.MaxAmount != "" {
		var ok bool
		maxAmount, ok = new(big.Int).SetString(req.MaxAmount, 10)
		if !ok || maxAmount.Sign() < 0 {
			return nil, newErr(ErrMalformedEnvelope, "invalid maxAmount %q", req.MaxAmount)
		}
	}

	if sv.Voucher.ChainID != p.cfg.ChainID {
		return nil, newErr(ErrMalformedEnvelope, "voucher chain %d, expected %d", sv.Voucher.ChainID, p.cfg.ChainID)
	}

	key := sv.Voucher.Key()
	unlock := p.locks.Lock(key)
	defer unlock()

	ch, err := p.resolveChannel(ctx, key.ChannelID)
	if err != nil {
		return nil, err
	}
	if !ch.Usable() {
		return nil, newErr(ErrChannelClosed, "channel %s is %s", ch.ChannelID, ch.Status)
	}

	sub, err := p.resolveSubChannel(ctx, key)
	if err != nil {
		return nil, err
	}

	previous, err := p.latestInEpoch(ctx, key, ch.Epoch)
	if err != nil {
		return nil, err
	}

	session := &Session{
		p:            p,
		key:          key,
		maxAmount:    maxAmount,
		clientTxRef:  req.ClientTxRef,
		serviceTxRef: uuid.NewString(),
		paid:         new(big.Int),
	}

	if IsHandshake(sv.Voucher) {
		session.handshake = true
		if previous != nil {
			session.base = previous.Voucher
		} else {
			session.base = HandshakeVoucher(p.cfg.ChainID, key.ChannelID, ch.Epoch, key.VMIDFragment)
		}
		logger.Debugw("handshake accepted", "subChannel", key, "baseNonce", session.base.Nonce)
		return session, nil
	}

	if err := p.cfg.Verifiers.VerifySubChannel(ctx, *sub, sv.Voucher, sv.Signature); err != nil {
		return nil, err
	}

	if err := ValidateProgression(previous, sv.Voucher, ch.Epoch); err != nil {
		return nil, err
	}

	pending, err := p.cfg.Pending.GetPending(ctx, key.ChannelID, key.VMIDFragment)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load pending proposal: %w", err)
	}
	if pending != nil && pending.Voucher.Nonce == sv.Voucher.Nonce && !pending.Voucher.Equal(sv.Voucher) {
		return nil, newErr(ErrProposalMismatch, "signed amount %s, proposed %s for nonce %d",
			sv.Voucher.Amount(), pending.Voucher.Amount(), sv.Voucher.Nonce)
	}

	if err := p.cfg.Vouchers.PutLatest(ctx, sv); err != nil {
		return nil, fmt.Errorf("failed to persist confirmed voucher: %w", err)
	}
	if pending != nil {
		if err := p.cfg.Pending.DeletePending(ctx, key.ChannelID, key.VMIDFragment); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to consume pending proposal: %w", err)
		}
	}
	if sv.Voucher.Nonce > sub.LastConfirmedNonce {
		updated := *sub
		updated.LastConfirmedNonce = sv.Voucher.Nonce
		if err := p.cfg.Channels.PutSubChannel(ctx, updated); err != nil {
			return nil, fmt.Errorf("failed to update sub-channel: %w", err)
		}
	}

	session.base = sv.Voucher
	session.paid = DeltaOwed(previous, sv.Voucher)

	if p.notifier != nil {
		p.notifier.Notify(key)
	}

	logger.Debugw("voucher confirmed", "subChannel", key, "nonce", sv.Voucher.Nonce, "paid", session.paid)
	return session, nil
}

// Settle issues the next proposal with cost added and returns the response payload.
// A session settles once; under post-flight billing a cost above the payer's
// ceiling is capped at maxAmount.
func (s *Session) Settle(ctx context.Context, cost *big.Int) (*types.ResponsePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return nil, errors.New("session already settled")
	}

	cost = new(big.Int).Set(nonNil(cost))
	if cost.Sign() < 0 {
		return nil, fmt.Errorf("negative cost %s", cost)
	}
	if s.maxAmount != nil && cost.Cmp(s.maxAmount) > 0 {
		logger.Warnw("cost above payer ceiling, capping", "subChannel", s.key, "cost", cost, "maxAmount", s.maxAmount)
		cost = new(big.Int).Set(s.maxAmount)
	}

	next, err := s.p.issue(ctx, s.key, s.base, cost)
	if err != nil {
		return nil, err
	}
	s.settled = true

	stats.Record(ctx, metrics.ProposalIssuedCount.M(1), metrics.ProposalCost.M(metrics.Amount(cost)))

	wire := next.ToWire()
	resp := &types.ResponsePayload{
		Version:      types.CurrentVersion,
		NextVoucher:  &wire,
		Cost:         cost.String(),
		ClientTxRef:  s.clientTxRef,
		ServiceTxRef: s.serviceTxRef,
	}
	s.p.runAfterSettleHooks(ctx, s, next, cost)
	return resp, nil
}

// Fail builds the error response for a request that verified but could not be served
func (s *Session) Fail(err error) *types.ResponsePayload {
	resp := ErrorResponse(err, s.clientTxRef)
	resp.ServiceTxRef = s.serviceTxRef
	return resp
}

func (p *Processor) issue(ctx context.Context, key SubChannelKey, base Voucher, cost *big.Int) (Voucher, error) {
	unlock := p.locks.Lock(key)
	defer unlock()

	next := NextProposal(base, cost)

	// A proposal issued for the same nonce by a concurrent request carries cost
	// the payer has not signed for yet; fold it in rather than dropping it.
	pending, err := p.cfg.Pending.GetPending(ctx, key.ChannelID, key.VMIDFragment)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Voucher{}, fmt.Errorf("failed to load pending proposal: %w", err)
	}
	if pending != nil && pending.Voucher.Nonce == next.Nonce && pending.Voucher.Amount().Cmp(base.Amount()) > 0 {
		next.AccumulatedAmount = new(big.Int).Add(pending.Voucher.Amount(), cost)
	}

	if err := p.cfg.Pending.PutPending(ctx, PendingVoucher{Voucher: next, IssuedAt: p.clock.Now().Unix()}); err != nil {
		return Voucher{}, fmt.Errorf("failed to persist proposal: %w", err)
	}
	return next, nil
}

// ErrorResponse builds the response payload reporting err to the payer
func ErrorResponse(err error, clientTxRef string) *types.ResponsePayload {
	pe := AsPaymentError(err)
	if clientTxRef == "" {
		clientTxRef = pe.ClientTxRef
	}
	return &types.ResponsePayload{
		Version:     types.CurrentVersion,
		ClientTxRef: clientTxRef,
		Error:       &types.ErrorInfo{Code: pe.Code, Message: pe.Message},
	}
}

// ============================================================================
// State resolution
// ============================================================================

func (p *Processor) resolveChannel(ctx context.Context, channelID string) (*Channel, error) {
	ch, err := p.cfg.Channels.GetChannel(ctx, channelID)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if p.cfg.Ledger == nil {
		return nil, newErr(ErrChannelNotFound, "channel %s not found", channelID)
	}

	ch, err = p.cfg.Ledger.GetChannelStatus(ctx, channelID)
	if errors.Is(err, ErrNotFound) {
		return nil, newErr(ErrChannelNotFound, "channel %s not found", channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger channel: %w", err)
	}
	if err := p.cfg.Channels.PutChannel(ctx, *ch); err != nil {
		logger.Warnw("failed to cache channel", "channel", channelID, "err", err)
	}
	return ch, nil
}

func (p *Processor) resolveSubChannel(ctx context.Context, key SubChannelKey) (*SubChannel, error) {
	sub, err := p.cfg.Channels.GetSubChannel(ctx, key.ChannelID, key.VMIDFragment)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load sub-channel: %w", err)
	}
	if p.cfg.Ledger == nil {
		return nil, newErr(ErrChannelNotFound, "sub-channel %s not authorized", key)
	}

	sub, err = p.cfg.Ledger.GetSubChannel(ctx, key.ChannelID, key.VMIDFragment)
	if errors.Is(err, ErrNotFound) {
		return nil, newErr(ErrChannelNotFound, "sub-channel %s not authorized", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger sub-channel: %w", err)
	}
	if err := p.cfg.Channels.PutSubChannel(ctx, *sub); err != nil {
		logger.Warnw("failed to cache sub-channel", "subChannel", key, "err", err)
	}
	return sub, nil
}

// latestInEpoch returns the latest confirmed voucher if it belongs to the current epoch
func (p *Processor) latestInEpoch(ctx context.Context, key SubChannelKey, epoch uint64) (*SignedVoucher, error) {
	latest, err := p.cfg.Vouchers.GetLatest(ctx, key.ChannelID, key.VMIDFragment)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest voucher: %w", err)
	}
	if latest.Voucher.ChannelEpoch != epoch {
		return nil, nil
	}
	return latest, nil
}
