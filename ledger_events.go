package paychan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// LedgerEventKind tags a decoded ledger event
type LedgerEventKind string

const (
	EventChannelOpened        LedgerEventKind = "channel_opened"
	EventSubChannelAuthorized LedgerEventKind = "sub_channel_authorized"
	EventChannelClaimed       LedgerEventKind = "channel_claimed"
	EventChannelClosing       LedgerEventKind = "channel_closing"
	EventChannelClosed        LedgerEventKind = "channel_closed"
	EventEpochAdvanced        LedgerEventKind = "epoch_advanced"
)

// LedgerEvent is a ledger notification decoded at the contract boundary.
// Exactly one of the payload pointers matching Kind is set.
type LedgerEvent struct {
	Kind      LedgerEventKind
	ChannelID string
	TxHash    string

	Opened     *Channel
	Authorized *SubChannel
	Claimed    *ClaimedEvent
	Epoch      *uint64
}

// ClaimedEvent reports a landed claim for one sub-channel
type ClaimedEvent struct {
	VMIDFragment      string
	AccumulatedAmount *big.Int
	Nonce             uint64
}

// Validate checks that the payload matches the tag
func (e LedgerEvent) Validate() error {
	if e.ChannelID == "" {
		return fmt.Errorf("ledger event %s without channel id", e.Kind)
	}
	switch e.Kind {
	case EventChannelOpened:
		if e.Opened == nil {
			return fmt.Errorf("ledger event %s missing channel", e.Kind)
		}
	case EventSubChannelAuthorized:
		if e.Authorized == nil {
			return fmt.Errorf("ledger event %s missing sub-channel", e.Kind)
		}
	case EventChannelClaimed:
		if e.Claimed == nil {
			return fmt.Errorf("ledger event %s missing claim", e.Kind)
		}
	case EventEpochAdvanced:
		if e.Epoch == nil {
			return fmt.Errorf("ledger event %s missing epoch", e.Kind)
		}
	case EventChannelClosing, EventChannelClosed:
	default:
		return fmt.Errorf("unknown ledger event kind %q", e.Kind)
	}
	return nil
}

// ApplyLedgerEvent mirrors a ledger event into the local channel cache.
// Sub-channel updates take the sub-channel lock so they never interleave
// with voucher confirmation or claim bookkeeping.
func ApplyLedgerEvent(ctx context.Context, repo ChannelRepository, locks *SubChannelLocks, e LedgerEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}

	switch e.Kind {
	case EventChannelOpened:
		return repo.PutChannel(ctx, *e.Opened)

	case EventSubChannelAuthorized:
		sub := *e.Authorized
		sub.ChannelID = e.ChannelID
		unlock := locks.Lock(sub.Key())
		defer unlock()
		existing, err := repo.GetSubChannel(ctx, sub.ChannelID, sub.VMIDFragment)
		switch {
		case errors.Is(err, ErrNotFound):
			return repo.PutSubChannel(ctx, sub)
		case err != nil:
			return err
		}
		// re-authorization rotates the key; progress counters never move back
		updated := *existing
		updated.PublicKey = sub.PublicKey
		updated.MethodType = sub.MethodType
		updated.LastClaimedAmount = maxBig(existing.LastClaimedAmount, sub.LastClaimedAmount)
		if sub.LastConfirmedNonce > updated.LastConfirmedNonce {
			updated.LastConfirmedNonce = sub.LastConfirmedNonce
		}
		return repo.PutSubChannel(ctx, updated)

	case EventChannelClaimed:
		unlock := locks.Lock(SubChannelKey{ChannelID: e.ChannelID, VMIDFragment: e.Claimed.VMIDFragment})
		defer unlock()
		sub, err := repo.GetSubChannel(ctx, e.ChannelID, e.Claimed.VMIDFragment)
		if err != nil {
			return err
		}
		updated := *sub
		updated.LastClaimedAmount = maxBig(sub.LastClaimedAmount, e.Claimed.AccumulatedAmount)
		if e.Claimed.Nonce > updated.LastConfirmedNonce {
			updated.LastConfirmedNonce = e.Claimed.Nonce
		}
		return repo.PutSubChannel(ctx, updated)
	}

	ch, err := repo.GetChannel(ctx, e.ChannelID)
	if errors.Is(err, ErrNotFound) {
		logger.Debugw("ledger event for unknown channel", "kind", e.Kind, "channel", e.ChannelID)
		return nil
	}
	if err != nil {
		return err
	}
	updated := *ch
	switch e.Kind {
	case EventChannelClosing:
		updated.Status = ChannelClosing
	case EventChannelClosed:
		updated.Status = ChannelClosed
	case EventEpochAdvanced:
		if *e.Epoch > updated.Epoch {
			updated.Epoch = *e.Epoch
		}
	}
	return repo.PutChannel(ctx, updated)
}
