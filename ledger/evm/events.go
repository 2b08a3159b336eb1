package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/x402-foundation/paychan"
)

// ErrUnknownEvent is returned for logs that are not hub events
var ErrUnknownEvent = errors.New("unknown hub event")

// DecodeLog converts a hub contract log into a ledger event
func DecodeLog(lg types.Log) (paychan.LedgerEvent, error) {
	if len(lg.Topics) < 2 {
		return paychan.LedgerEvent{}, ErrUnknownEvent
	}
	event, err := parsedABI.EventByID(lg.Topics[0])
	if err != nil {
		return paychan.LedgerEvent{}, ErrUnknownEvent
	}

	values := make(map[string]interface{})
	if err := parsedABI.UnpackIntoMap(values, event.Name, lg.Data); err != nil {
		return paychan.LedgerEvent{}, fmt.Errorf("failed to unpack %s: %w", event.Name, err)
	}

	e := paychan.LedgerEvent{
		ChannelID: lg.Topics[1].Hex(),
		TxHash:    lg.TxHash.Hex(),
	}
	switch event.Name {
	case "ChannelOpened":
		payer, _ := values["payerDid"].(string)
		payee, _ := values["payeeDid"].(string)
		asset, _ := values["asset"].(common.Address)
		epoch, _ := values["epoch"].(uint64)
		e.Kind = paychan.EventChannelOpened
		e.Opened = &paychan.Channel{
			ChannelID: e.ChannelID,
			PayerID:   payer,
			PayeeID:   payee,
			AssetID:   asset.Hex(),
			Epoch:     epoch,
			Status:    paychan.ChannelActive,
		}
	case "SubChannelAuthorized":
		vm, _ := values["vmIdFragment"].(string)
		pub, _ := values["publicKey"].(string)
		method, _ := values["methodType"].(string)
		e.Kind = paychan.EventSubChannelAuthorized
		e.Authorized = &paychan.SubChannel{
			ChannelID:         e.ChannelID,
			VMIDFragment:      vm,
			PublicKey:         pub,
			MethodType:        method,
			LastClaimedAmount: new(big.Int),
		}
	case "ChannelClaimed":
		vm, _ := values["vmIdFragment"].(string)
		amount, _ := values["accumulatedAmount"].(*big.Int)
		nonce, _ := values["nonce"].(uint64)
		if amount == nil {
			amount = new(big.Int)
		}
		e.Kind = paychan.EventChannelClaimed
		e.Claimed = &paychan.ClaimedEvent{
			VMIDFragment:      vm,
			AccumulatedAmount: amount,
			Nonce:             nonce,
		}
	case "ChannelClosing":
		e.Kind = paychan.EventChannelClosing
	case "ChannelClosed":
		e.Kind = paychan.EventChannelClosed
	default:
		return paychan.LedgerEvent{}, ErrUnknownEvent
	}
	return e, e.Validate()
}

// FilterEvents returns the hub events mined in blocks [from, to]
func (l *Ledger) FilterEvents(ctx context.Context, from, to uint64) ([]paychan.LedgerEvent, error) {
	logs, err := l.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.contract},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	events := make([]paychan.LedgerEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		e, err := DecodeLog(lg)
		if errors.Is(err, ErrUnknownEvent) {
			continue
		}
		if err != nil {
			logger.Warnw("skipping malformed hub log", "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Watch polls for hub events from block from onwards and hands each to apply
// until ctx is cancelled. A failing apply stops the watch so the block range
// is retried by the next caller.
func (l *Ledger) Watch(ctx context.Context, from uint64, interval time.Duration, apply func(paychan.LedgerEvent) error) error {
	if interval <= 0 {
		interval = l.poll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := from
	for {
		head, err := l.backend.BlockNumber(ctx)
		if err != nil {
			logger.Warnw("failed to read block number", "err", err)
		} else if head >= next {
			events, err := l.FilterEvents(ctx, next, head)
			if err != nil {
				logger.Warnw("failed to read hub events", "from", next, "to", head, "err", err)
			} else {
				for _, e := range events {
					if err := apply(e); err != nil {
						return fmt.Errorf("apply %s for %s: %w", e.Kind, e.ChannelID, err)
					}
				}
				next = head + 1
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
