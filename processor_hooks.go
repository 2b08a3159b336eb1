package paychan

import (
	"context"
	"math/big"

	"github.com/x402-foundation/paychan/types"
)

// ============================================================================
// Processor Hook Context Types
// ============================================================================

// VerifyResultContext is passed to hooks after a voucher is accepted
type VerifyResultContext struct {
	Ctx     context.Context
	Request types.RequestPayload
	Session *Session
}

// VerifyFailureContext is passed to hooks after a voucher is rejected
type VerifyFailureContext struct {
	Ctx     context.Context
	Request types.RequestPayload
	Error   *PaymentError
}

// SettleResultContext is passed to hooks after a proposal is issued
type SettleResultContext struct {
	Ctx      context.Context
	Session  *Session
	Proposal Voucher
	Cost     *big.Int
}

// ============================================================================
// Processor Hook Function Types
// ============================================================================

// AfterVerifyHook is called after a voucher is accepted.
// Any error returned will be logged but will not affect the request.
type AfterVerifyHook func(VerifyResultContext) error

// OnVerifyFailureHook is called when a voucher is rejected.
// Any error returned will be logged; the rejection stands.
type OnVerifyFailureHook func(VerifyFailureContext) error

// AfterSettleHook is called after the next proposal is persisted.
// Any error returned will be logged but will not affect the response.
type AfterSettleHook func(SettleResultContext) error

// ============================================================================
// Processor Hook Registration
// ============================================================================

// OnAfterVerify registers a hook to execute after a voucher is accepted
func (p *Processor) OnAfterVerify(hook AfterVerifyHook) *Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.afterVerifyHooks = append(p.afterVerifyHooks, hook)
	return p
}

// OnVerifyFailure registers a hook to execute when a voucher is rejected
func (p *Processor) OnVerifyFailure(hook OnVerifyFailureHook) *Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onVerifyFailureHooks = append(p.onVerifyFailureHooks, hook)
	return p
}

// OnAfterSettle registers a hook to execute after a proposal is issued
func (p *Processor) OnAfterSettle(hook AfterSettleHook) *Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.afterSettleHooks = append(p.afterSettleHooks, hook)
	return p
}

func (p *Processor) runAfterVerifyHooks(ctx context.Context, req types.RequestPayload, s *Session) {
	p.mu.RLock()
	hooks := p.afterVerifyHooks
	p.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(VerifyResultContext{Ctx: ctx, Request: req, Session: s}); err != nil {
			logger.Warnw("after verify hook failed", "err", err)
		}
	}
}

func (p *Processor) runVerifyFailureHooks(ctx context.Context, req types.RequestPayload, pe *PaymentError) {
	p.mu.RLock()
	hooks := p.onVerifyFailureHooks
	p.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(VerifyFailureContext{Ctx: ctx, Request: req, Error: pe}); err != nil {
			logger.Warnw("verify failure hook failed", "err", err)
		}
	}
}

func (p *Processor) runAfterSettleHooks(ctx context.Context, s *Session, next Voucher, cost *big.Int) {
	p.mu.RLock()
	hooks := p.afterSettleHooks
	p.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(SettleResultContext{Ctx: ctx, Session: s, Proposal: next, Cost: cost}); err != nil {
			logger.Warnw("after settle hook failed", "err", err)
		}
	}
}
