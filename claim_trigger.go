package paychan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opencensus.io/stats"
	"golang.org/x/sync/semaphore"

	"github.com/x402-foundation/paychan/metrics"
)

// ClaimState is the per sub-channel claim lifecycle state
type ClaimState string

const (
	ClaimIdle     ClaimState = "idle"
	ClaimClaiming ClaimState = "claiming"
	ClaimCooldown ClaimState = "cooldown"
	ClaimFailed   ClaimState = "failed"
)

// ClaimConfig controls when and how aggressively claims are submitted
type ClaimConfig struct {
	// MinClaimAmount is the unsettled amount that triggers a reactive claim
	MinClaimAmount *big.Int
	// MaxConcurrentClaims is shared by all sub-channels
	MaxConcurrentClaims int64
	// MaxRetries is the number of retries after the first failed attempt
	MaxRetries int
	// RetryDelay is the cooldown between attempts and the wait for a free slot
	RetryDelay time.Duration
	// ClaimTimeout bounds every ledger call made by the engine
	ClaimTimeout time.Duration
	// RequireHubBalance gates claims on the payer's cached hub balance
	RequireHubBalance bool
	// QueueSize bounds pending notifications; overflow is picked up by sweeps
	QueueSize int
	// SweepInterval re-evaluates every known sub-channel periodically; 0 disables it
	SweepInterval time.Duration
}

// DefaultClaimConfig returns production defaults
func DefaultClaimConfig() ClaimConfig {
	return ClaimConfig{
		MinClaimAmount:      big.NewInt(500_000_000),
		MaxConcurrentClaims: 4,
		MaxRetries:          3,
		RetryDelay:          30 * time.Second,
		ClaimTimeout:        60 * time.Second,
		QueueSize:           1024,
		SweepInterval:       5 * time.Minute,
	}
}

// ClaimRecord is the in-memory claim tracking entry of one sub-channel.
// It is rebuilt from repository state on restart.
type ClaimRecord struct {
	ChannelID     string     `json:"channelId"`
	VMIDFragment  string     `json:"vmIdFragment"`
	State         ClaimState `json:"state"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorCode string     `json:"lastErrorCode,omitempty"`
	NextRetryAt   time.Time  `json:"nextRetryAt,omitempty"`
	LastTxHash    string     `json:"lastTxHash,omitempty"`
	ClaimedAmount *big.Int   `json:"claimedAmount,omitempty"`
	Unsettled     *big.Int   `json:"unsettled,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type claimEntry struct {
	record   ClaimRecord
	busy     bool
	dirty    bool
	failedAt *big.Int
	timer    *clock.Timer
}

// ClaimEngine decides per sub-channel when accumulated but unsettled amount is
// submitted to the ledger. At most one claim per sub-channel is in flight and a
// weighted semaphore caps claims across sub-channels.
type ClaimEngine struct {
	cfg      ClaimConfig
	ledger   LedgerContract
	channels ChannelRepository
	vouchers VoucherRepository
	balances *BalanceCache
	locks    *SubChannelLocks
	clock    clock.Clock
	sem      *semaphore.Weighted

	mu          sync.Mutex
	entries     map[SubChannelKey]*claimEntry
	queued      map[SubChannelKey]struct{}
	subscribers []func(ClaimRecord)
	closed      bool

	queue  chan SubChannelKey
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// ClaimEngineOption configures a ClaimEngine
type ClaimEngineOption func(*ClaimEngine)

// WithClaimClock overrides the engine clock
func WithClaimClock(c clock.Clock) ClaimEngineOption {
	return func(e *ClaimEngine) {
		e.clock = c
	}
}

// WithClaimBalanceCache sets the cache consulted when RequireHubBalance is set
func WithClaimBalanceCache(b *BalanceCache) ClaimEngineOption {
	return func(e *ClaimEngine) {
		e.balances = b
	}
}

// WithClaimLocks shares the sub-channel lock table with the payment processor
func WithClaimLocks(l *SubChannelLocks) ClaimEngineOption {
	return func(e *ClaimEngine) {
		e.locks = l
	}
}

// NewClaimEngine creates an engine; call Start to begin processing notifications
func NewClaimEngine(cfg ClaimConfig, ledger LedgerContract, channels ChannelRepository, vouchers VoucherRepository, opts ...ClaimEngineOption) (*ClaimEngine, error) {
	if ledger == nil || channels == nil || vouchers == nil {
		return nil, errors.New("ledger, channel and voucher repositories are required")
	}
	if cfg.MaxConcurrentClaims <= 0 {
		cfg.MaxConcurrentClaims = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultClaimConfig().QueueSize
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimConfig().ClaimTimeout
	}
	if cfg.MinClaimAmount == nil {
		cfg.MinClaimAmount = new(big.Int)
	}

	e := &ClaimEngine{
		cfg:      cfg,
		ledger:   ledger,
		channels: channels,
		vouchers: vouchers,
		clock:    clock.New(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentClaims),
		entries:  make(map[SubChannelKey]*claimEntry),
		queued:   make(map[SubChannelKey]struct{}),
		queue:    make(chan SubChannelKey, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locks == nil {
		e.locks = NewSubChannelLocks()
	}
	if cfg.RequireHubBalance && e.balances == nil {
		return nil, errors.New("RequireHubBalance needs a balance cache")
	}
	return e, nil
}

// Subscribe registers fn to receive a snapshot after every claim state change
func (e *ClaimEngine) Subscribe(fn func(ClaimRecord)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Notify queues a reactive evaluation of key. It never blocks; duplicate
// notifications coalesce and overflow is dropped until the next sweep.
func (e *ClaimEngine) Notify(key SubChannelKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.queued[key]; ok {
		return
	}
	select {
	case e.queue <- key:
		e.queued[key] = struct{}{}
	default:
		claimLogger.Debugw("claim queue full, dropping notification", "subChannel", key)
	}
}

// Start runs the engine until ctx is cancelled or Close is called
func (e *ClaimEngine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.run(ctx)
}

// Close stops the engine and waits for in-flight evaluations
func (e *ClaimEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	for _, ent := range e.entries {
		if ent.timer != nil {
			ent.timer.Stop()
		}
	}
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return nil
}

func (e *ClaimEngine) run(ctx context.Context) {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.cfg.SweepInterval > 0 {
		ticker := e.clock.Ticker(e.cfg.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// rebuild claim records from repository state
	e.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case key := <-e.queue:
			e.mu.Lock()
			delete(e.queued, key)
			e.mu.Unlock()

			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if _, err := e.evaluate(ctx, key, false); err != nil {
					claimLogger.Debugw("claim evaluation ended with error", "subChannel", key, "err", err)
				}
			}()
		case <-tick:
			e.Sweep(ctx)
		}
	}
}

// Sweep notifies every sub-channel holding a confirmed voucher on a channel that is not closed
func (e *ClaimEngine) Sweep(ctx context.Context) {
	channels, err := e.channels.ListChannels(ctx)
	if err != nil {
		claimLogger.Warnw("claim sweep failed to list channels", "err", err)
		return
	}
	for _, ch := range channels {
		if ch.Status == ChannelClosed {
			continue
		}
		vms, err := e.vouchers.ListSubChannels(ctx, ch.ChannelID)
		if err != nil {
			claimLogger.Warnw("claim sweep failed to list sub-channels", "channel", ch.ChannelID, "err", err)
			continue
		}
		for _, vm := range vms {
			e.Notify(SubChannelKey{ChannelID: ch.ChannelID, VMIDFragment: vm})
		}
	}
}

// TriggerClaim submits a claim for key now, bypassing the threshold. It fails
// immediately with ErrNoClaimSlot when the global budget is exhausted and with
// ErrClaimInFlight when the sub-channel is already being claimed.
func (e *ClaimEngine) TriggerClaim(ctx context.Context, key SubChannelKey) (ClaimRecord, error) {
	return e.evaluate(ctx, key, true)
}

// Record returns the claim record of one sub-channel
func (e *ClaimEngine) Record(key SubChannelKey) ClaimRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entryLocked(key).record
}

// Status returns the claim records of every sub-channel of channelID with
// their current unsettled amounts
func (e *ClaimEngine) Status(ctx context.Context, channelID string) ([]ClaimRecord, error) {
	if _, err := e.channels.GetChannel(ctx, channelID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newErr(ErrChannelNotFound, "channel %s not found", channelID)
		}
		return nil, err
	}
	vms, err := e.vouchers.ListSubChannels(ctx, channelID)
	if err != nil {
		return nil, err
	}

	out := make([]ClaimRecord, 0, len(vms))
	for _, vm := range vms {
		key := SubChannelKey{ChannelID: channelID, VMIDFragment: vm}
		rec := e.Record(key)
		if unsettled, err := e.unsettled(ctx, key); err == nil {
			rec.Unsettled = unsettled
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *ClaimEngine) unsettled(ctx context.Context, key SubChannelKey) (*big.Int, error) {
	sub, err := e.channels.GetSubChannel(ctx, key.ChannelID, key.VMIDFragment)
	if err != nil {
		return nil, err
	}
	latest, err := e.vouchers.GetLatest(ctx, key.ChannelID, key.VMIDFragment)
	if err != nil {
		return nil, err
	}
	u := new(big.Int).Sub(latest.Voucher.Amount(), sub.Claimed())
	if u.Sign() < 0 {
		u.SetInt64(0)
	}
	return u, nil
}

func (e *ClaimEngine) entryLocked(key SubChannelKey) *claimEntry {
	ent, ok := e.entries[key]
	if !ok {
		ent = &claimEntry{record: ClaimRecord{
			ChannelID:    key.ChannelID,
			VMIDFragment: key.VMIDFragment,
			State:        ClaimIdle,
			UpdatedAt:    e.clock.Now(),
		}}
		e.entries[key] = ent
	}
	return ent
}

// evaluate applies the Idle -> Claiming transition rules for key
func (e *ClaimEngine) evaluate(ctx context.Context, key SubChannelKey, manual bool) (ClaimRecord, error) {
	e.mu.Lock()
	ent := e.entryLocked(key)
	if ent.busy {
		rec := ent.record
		if manual {
			e.mu.Unlock()
			return rec, ErrClaimInFlight
		}
		ent.dirty = true
		e.mu.Unlock()
		return rec, nil
	}
	if !manual && ent.record.State == ClaimCooldown && e.clock.Now().Before(ent.record.NextRetryAt) {
		rec := ent.record
		e.mu.Unlock()
		return rec, nil
	}
	state := ent.record.State
	failedAt := ent.failedAt
	ent.busy = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		ent.busy = false
		again := ent.dirty
		ent.dirty = false
		e.mu.Unlock()
		if again {
			e.Notify(key)
		}
	}()

	ch, err := e.channels.GetChannel(ctx, key.ChannelID)
	if err != nil {
		return e.Record(key), fmt.Errorf("failed to load channel: %w", err)
	}
	if ch.Status == ChannelClosed {
		if manual {
			return e.Record(key), newErr(ErrChannelClosed, "channel %s is closed", key.ChannelID)
		}
		return e.Record(key), nil
	}
	sub, err := e.channels.GetSubChannel(ctx, key.ChannelID, key.VMIDFragment)
	if err != nil {
		return e.Record(key), fmt.Errorf("failed to load sub-channel: %w", err)
	}
	latest, err := e.vouchers.GetLatest(ctx, key.ChannelID, key.VMIDFragment)
	if errors.Is(err, ErrNotFound) {
		latest = nil
	} else if err != nil {
		return e.Record(key), fmt.Errorf("failed to load latest voucher: %w", err)
	}

	unsettled := new(big.Int)
	if latest != nil {
		unsettled.Sub(latest.Voucher.Amount(), sub.Claimed())
	}
	if unsettled.Sign() <= 0 {
		rec := e.Record(key)
		if state == ClaimCooldown || state == ClaimFailed {
			// the claim landed outside the engine, for example mirrored from a ledger event
			claimLogger.Infow("unsettled amount cleared, resetting claim state", "subChannel", key, "state", state)
			rec = e.update(ent, func(r *ClaimRecord) {
				r.State = ClaimIdle
				r.Attempts = 0
				r.LastError = ""
				r.LastErrorCode = ""
				r.NextRetryAt = time.Time{}
				r.ClaimedAmount = new(big.Int).Set(sub.Claimed())
				ent.failedAt = nil
			})
		}
		if manual {
			return rec, ErrNothingToClaim
		}
		return rec, nil
	}

	if !manual {
		if unsettled.Cmp(e.cfg.MinClaimAmount) < 0 {
			return e.Record(key), nil
		}
		if state == ClaimFailed {
			grown := new(big.Int).Sub(latest.Voucher.Amount(), nonNil(failedAt))
			if grown.Cmp(e.cfg.MinClaimAmount) < 0 || grown.Sign() <= 0 {
				return e.Record(key), nil
			}
		}
	}

	if e.cfg.RequireHubBalance {
		balance, err := e.balances.Get(ctx, ch.PayerID, ch.AssetID)
		if err != nil {
			return e.Record(key), fmt.Errorf("failed to read hub balance: %w", err)
		}
		if balance.Cmp(unsettled) < 0 {
			pe := newErr(ErrInsufficientHubBalance, "hub balance %s below unsettled %s", balance, unsettled)
			rec := e.update(ent, func(r *ClaimRecord) {
				r.LastError = pe.Message
				r.LastErrorCode = pe.Code
			})
			return rec, pe
		}
	}

	if !e.sem.TryAcquire(1) {
		stats.Record(ctx, metrics.ClaimSlotBusyCount.M(1))
		if manual {
			return e.Record(key), ErrNoClaimSlot
		}
		e.scheduleNotify(ent, key, e.cfg.RetryDelay)
		return e.Record(key), nil
	}
	defer e.sem.Release(1)

	return e.claim(ctx, key, ent, ch, latest, state == ClaimFailed)
}

func (e *ClaimEngine) claim(ctx context.Context, key SubChannelKey, ent *claimEntry, ch *Channel, latest *SignedVoucher, resetAttempts bool) (ClaimRecord, error) {
	e.update(ent, func(r *ClaimRecord) {
		if resetAttempts {
			r.Attempts = 0
		}
		r.State = ClaimClaiming
		r.Attempts++
		r.NextRetryAt = time.Time{}
	})
	stats.Record(ctx, metrics.ClaimSubmittedCount.M(1))
	claimLogger.Infow("submitting claim", "subChannel", key, "nonce", latest.Voucher.Nonce, "amount", latest.Voucher.Amount())

	start := e.clock.Now()
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ClaimTimeout)
	result, err := e.ledger.Claim(cctx, *latest)
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()
	stats.Record(ctx, metrics.ClaimDuration.M(e.clock.Since(start).Seconds()))

	if err != nil {
		// never assume the outcome of an unconfirmed call; ask the ledger
		if e.landedOnLedger(ctx, key, latest) {
			claimLogger.Infow("claim landed despite error", "subChannel", key, "err", err)
			result, err = &ClaimResult{}, nil
		}
	}

	if err != nil {
		code := ErrCodeClaimFailed
		if timedOut {
			code = ErrCodeClaimTimeout
		}
		return e.recordFailure(ctx, key, ent, latest, code, err)
	}
	return e.recordSuccess(ctx, key, ent, ch, latest, result), nil
}

func (e *ClaimEngine) landedOnLedger(ctx context.Context, key SubChannelKey, latest *SignedVoucher) bool {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.ClaimTimeout)
	defer cancel()
	onLedger, err := e.ledger.GetSubChannel(qctx, key.ChannelID, key.VMIDFragment)
	if err != nil {
		claimLogger.Warnw("failed to re-query ledger after claim error", "subChannel", key, "err", err)
		return false
	}
	return onLedger.Claimed().Cmp(latest.Voucher.Amount()) >= 0
}

func (e *ClaimEngine) recordSuccess(ctx context.Context, key SubChannelKey, ent *claimEntry, ch *Channel, latest *SignedVoucher, result *ClaimResult) ClaimRecord {
	unlock := e.locks.Lock(key)
	sub, err := e.channels.GetSubChannel(ctx, key.ChannelID, key.VMIDFragment)
	if err == nil {
		updated := *sub
		updated.LastClaimedAmount = new(big.Int).Set(maxBig(sub.LastClaimedAmount, latest.Voucher.Amount()))
		if latest.Voucher.Nonce > updated.LastConfirmedNonce {
			updated.LastConfirmedNonce = latest.Voucher.Nonce
		}
		err = e.channels.PutSubChannel(ctx, updated)
	}
	unlock()
	if err != nil {
		claimLogger.Errorw("claim landed but sub-channel update failed", "subChannel", key, "err", err)
	}

	if e.balances != nil {
		e.balances.Invalidate(ch.PayerID, ch.AssetID)
	}

	stats.Record(ctx, metrics.ClaimSuccessCount.M(1))
	claimLogger.Infow("claim succeeded", "subChannel", key, "tx", result.TxHash, "amount", latest.Voucher.Amount())

	return e.update(ent, func(r *ClaimRecord) {
		r.State = ClaimIdle
		r.Attempts = 0
		r.LastError = ""
		r.LastErrorCode = ""
		r.NextRetryAt = time.Time{}
		if result.TxHash != "" {
			r.LastTxHash = result.TxHash
		}
		r.ClaimedAmount = new(big.Int).Set(latest.Voucher.Amount())
		ent.failedAt = nil
	})
}

func (e *ClaimEngine) recordFailure(ctx context.Context, key SubChannelKey, ent *claimEntry, latest *SignedVoucher, code string, cause error) (ClaimRecord, error) {
	metrics.RecordTagged(ctx, metrics.Error, code, metrics.ClaimFailCount.M(1))
	pe := &PaymentError{Code: code, Message: cause.Error()}

	var exhausted bool
	rec := e.update(ent, func(r *ClaimRecord) {
		r.LastError = cause.Error()
		r.LastErrorCode = code
		if r.Attempts > e.cfg.MaxRetries {
			exhausted = true
			r.State = ClaimFailed
			r.NextRetryAt = time.Time{}
			ent.failedAt = new(big.Int).Set(latest.Voucher.Amount())
			return
		}
		r.State = ClaimCooldown
		r.NextRetryAt = e.clock.Now().Add(e.cfg.RetryDelay)
		e.scheduleLocked(ent, key, e.cfg.RetryDelay)
	})

	if exhausted {
		claimLogger.Errorw("claim retries exhausted", "subChannel", key, "attempts", rec.Attempts, "err", cause)
	} else {
		claimLogger.Warnw("claim failed, cooling down", "subChannel", key, "attempts", rec.Attempts, "retryAt", rec.NextRetryAt, "err", cause)
	}
	return rec, pe
}

// update mutates the record under the engine lock and fans out the snapshot.
// fn runs with e.mu held.
func (e *ClaimEngine) update(ent *claimEntry, fn func(*ClaimRecord)) ClaimRecord {
	e.mu.Lock()
	fn(&ent.record)
	ent.record.UpdatedAt = e.clock.Now()
	rec := ent.record
	subs := e.subscribers
	e.mu.Unlock()

	for _, sub := range subs {
		sub(rec)
	}
	return rec
}

func (e *ClaimEngine) scheduleNotify(ent *claimEntry, key SubChannelKey, after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduleLocked(ent, key, after)
}

// scheduleLocked arms the retry timer of ent; e.mu must be held
func (e *ClaimEngine) scheduleLocked(ent *claimEntry, key SubChannelKey, after time.Duration) {
	if e.closed {
		return
	}
	if ent.timer != nil {
		ent.timer.Stop()
	}
	ent.timer = e.clock.AfterFunc(after, func() { e.Notify(key) })
}

var _ ClaimNotifier = (*ClaimEngine)(nil)
