package metrics

import (
	"context"
	"math/big"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Measures
var (
	VoucherVerifiedCount   = stats.Int64("voucher_verified_total", "The number of inbound vouchers accepted", stats.UnitDimensionless)
	VoucherRejectedCount   = stats.Int64("voucher_rejected_total", "The number of inbound vouchers rejected", stats.UnitDimensionless)
	HandshakeCount         = stats.Int64("voucher_handshake_total", "The number of handshake vouchers accepted", stats.UnitDimensionless)
	ProposalIssuedCount    = stats.Int64("proposal_issued_total", "The number of unsigned proposals issued", stats.UnitDimensionless)
	ProposalCost           = stats.Float64("proposal_cost", "The cost attached to an issued proposal in the asset's smallest unit", stats.UnitDimensionless)
	ClaimSubmittedCount    = stats.Int64("claim_submitted_total", "The number of claims submitted to the ledger", stats.UnitDimensionless)
	ClaimSuccessCount      = stats.Int64("claim_success_total", "The number of claims that landed on the ledger", stats.UnitDimensionless)
	ClaimFailCount         = stats.Int64("claim_fail_total", "The number of failed claim attempts", stats.UnitDimensionless)
	ClaimDuration          = stats.Float64("claim_duration_seconds", "The duration in seconds of a ledger claim call", stats.UnitSeconds)
	ClaimSlotBusyCount     = stats.Int64("claim_slot_busy_total", "The number of claim evaluations deferred for lack of a free slot", stats.UnitDimensionless)
	BalanceCacheHitCount   = stats.Int64("balance_cache_hit_total", "The number of hub balance lookups served fresh from cache", stats.UnitDimensionless)
	BalanceCacheStaleCount = stats.Int64("balance_cache_stale_total", "The number of hub balance lookups served stale while refreshing", stats.UnitDimensionless)
	BalanceCacheMissCount  = stats.Int64("balance_cache_miss_total", "The number of hub balance lookups that queried the ledger synchronously", stats.UnitDimensionless)
	ResponseDeliveredCount = stats.Int64("payment_response_delivered_total", "The number of payment responses delivered, by transport", stats.UnitDimensionless)
)

// Tags
var (
	Error, _     = tag.NewKey("error")
	Transport, _ = tag.NewKey("transport")
)

// Views
var (
	voucherVerifiedView = &view.View{
		Measure:     VoucherVerifiedCount,
		Aggregation: view.Count(),
	}
	voucherRejectedView = &view.View{
		Measure:     VoucherRejectedCount,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Error},
	}
	handshakeView = &view.View{
		Measure:     HandshakeCount,
		Aggregation: view.Count(),
	}
	proposalIssuedView = &view.View{
		Measure:     ProposalIssuedCount,
		Aggregation: view.Count(),
	}
	proposalCostView = &view.View{
		Measure:     ProposalCost,
		Aggregation: view.Sum(),
	}
	responseDeliveredView = &view.View{
		Measure:     ResponseDeliveredCount,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Transport},
	}
	claimSubmittedView = &view.View{
		Measure:     ClaimSubmittedCount,
		Aggregation: view.Count(),
	}
	claimSuccessView = &view.View{
		Measure:     ClaimSuccessCount,
		Aggregation: view.Count(),
	}
	claimFailView = &view.View{
		Measure:     ClaimFailCount,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Error},
	}
	claimDurationView = &view.View{
		Measure:     ClaimDuration,
		Aggregation: view.Distribution(0, 1, 2, 5, 10, 20, 30, 60, 120),
	}
	claimSlotBusyView = &view.View{
		Measure:     ClaimSlotBusyCount,
		Aggregation: view.Count(),
	}
	balanceCacheHitView = &view.View{
		Measure:     BalanceCacheHitCount,
		Aggregation: view.Count(),
	}
	balanceCacheStaleView = &view.View{
		Measure:     BalanceCacheStaleCount,
		Aggregation: view.Count(),
	}
	balanceCacheMissView = &view.View{
		Measure:     BalanceCacheMissCount,
		Aggregation: view.Count(),
	}
)

// DefaultViews with all views in it.
var DefaultViews = []*view.View{
	voucherVerifiedView,
	voucherRejectedView,
	handshakeView,
	proposalIssuedView,
	proposalCostView,
	responseDeliveredView,
	claimSubmittedView,
	claimSuccessView,
	claimFailView,
	claimDurationView,
	claimSlotBusyView,
	balanceCacheHitView,
	balanceCacheStaleView,
	balanceCacheMissView,
}

// RecordTagged records a measurement under a single tag value
func RecordTagged(ctx context.Context, key tag.Key, value string, m stats.Measurement) {
	if err := stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(key, value)}, m); err != nil {
		logger.Debugw("failed to record tagged metric", "key", key.Name(), "err", err)
	}
}

// Amount converts an asset amount for float measures. Values beyond float64
// precision are rounded, never wrapped.
func Amount(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
