package paychan

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"go.opencensus.io/stats"
	"golang.org/x/sync/singleflight"

	"github.com/x402-foundation/paychan/metrics"
)

// HubBalanceSource answers hub balance queries; LedgerContract satisfies it
type HubBalanceSource interface {
	GetHubBalance(ctx context.Context, ownerID, assetID string) (*big.Int, error)
}

// BalanceCacheConfig controls freshness and size of a BalanceCache
type BalanceCacheConfig struct {
	// TTL is how long a positive balance is served without revalidation
	TTL time.Duration
	// NegativeTTL applies to zero balances, typically shorter than TTL
	NegativeTTL time.Duration
	// StaleWhileRevalidate is the window after expiry during which the old
	// value is served while one background refresh runs
	StaleWhileRevalidate time.Duration
	// MaxEntries bounds the cache; least recently used entries are evicted
	MaxEntries int
	// RefreshTimeout bounds background refreshes
	RefreshTimeout time.Duration
}

// DefaultBalanceCacheConfig returns production defaults
func DefaultBalanceCacheConfig() BalanceCacheConfig {
	return BalanceCacheConfig{
		TTL:                  30 * time.Second,
		NegativeTTL:          5 * time.Second,
		StaleWhileRevalidate: 60 * time.Second,
		MaxEntries:           10000,
		RefreshTimeout:       10 * time.Second,
	}
}

// BalanceEntry is a point-in-time snapshot of a hub balance
type BalanceEntry struct {
	OwnerID    string
	AssetID    string
	Balance    *big.Int
	FetchedAt  time.Time
	IsNegative bool
	TTL        time.Duration
}

// BalanceCache caches hub balances with TTL, negative TTL and
// stale-while-revalidate semantics. At most one ledger query per key is in
// flight at any time, whether synchronous or background.
type BalanceCache struct {
	source  HubBalanceSource
	cfg     BalanceCacheConfig
	clock   clock.Clock
	entries *lru.Cache
	group   singleflight.Group

	// generations counts invalidations per key; a load started before an
	// invalidation does not write its result back
	genMu       sync.Mutex
	generations map[string]uint64
}

// BalanceCacheOption configures a BalanceCache
type BalanceCacheOption func(*BalanceCache)

// WithBalanceCacheClock overrides the cache clock
func WithBalanceCacheClock(c clock.Clock) BalanceCacheOption {
	return func(b *BalanceCache) {
		b.clock = c
	}
}

// NewBalanceCache creates a cache over source
func NewBalanceCache(source HubBalanceSource, cfg BalanceCacheConfig, opts ...BalanceCacheOption) (*BalanceCache, error) {
	if source == nil {
		return nil, errors.New("balance source is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultBalanceCacheConfig().MaxEntries
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultBalanceCacheConfig().RefreshTimeout
	}
	entries, err := lru.New(cfg.MaxEntries)
	if err != nil {
		return nil, err
	}

	c := &BalanceCache{
		source:  source,
		cfg:     cfg,
		clock:       clock.New(),
		entries:     entries,
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func balanceKey(ownerID, assetID string) string {
	return ownerID + "|" + assetID
}

// Get returns the hub balance of ownerID for assetID
func (c *BalanceCache) Get(ctx context.Context, ownerID, assetID string) (*big.Int, error) {
	key := balanceKey(ownerID, assetID)
	now := c.clock.Now()

	if v, ok := c.entries.Get(key); ok {
		entry := v.(BalanceEntry)
		age := now.Sub(entry.FetchedAt)
		if age < entry.TTL {
			stats.Record(ctx, metrics.BalanceCacheHitCount.M(1))
			return new(big.Int).Set(entry.Balance), nil
		}
		if age < entry.TTL+c.cfg.StaleWhileRevalidate {
			stats.Record(ctx, metrics.BalanceCacheStaleCount.M(1))
			c.refreshAsync(key, ownerID, assetID)
			return new(big.Int).Set(entry.Balance), nil
		}
	}

	stats.Record(ctx, metrics.BalanceCacheMissCount.M(1))
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.load(ctx, ownerID, assetID)
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(v.(BalanceEntry).Balance), nil
}

// Peek returns the cached entry without refreshing or touching recency
func (c *BalanceCache) Peek(ownerID, assetID string) (BalanceEntry, bool) {
	v, ok := c.entries.Peek(balanceKey(ownerID, assetID))
	if !ok {
		return BalanceEntry{}, false
	}
	return v.(BalanceEntry), true
}

// Invalidate drops the cached balance, forcing the next Get to query the
// ledger. Queries already in flight are neither joined nor cached.
func (c *BalanceCache) Invalidate(ownerID, assetID string) {
	key := balanceKey(ownerID, assetID)
	c.genMu.Lock()
	c.generations[key]++
	c.entries.Remove(key)
	c.genMu.Unlock()
	c.group.Forget(key)
}

func (c *BalanceCache) generation(key string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.generations[key]
}

// Len returns the number of cached entries
func (c *BalanceCache) Len() int {
	return c.entries.Len()
}

func (c *BalanceCache) refreshAsync(key, ownerID, assetID string) {
	// DoChan runs the load on its own goroutine and joins an in-flight one
	c.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
		defer cancel()
		entry, err := c.load(ctx, ownerID, assetID)
		if err != nil {
			logger.Warnw("background balance refresh failed", "owner", ownerID, "asset", assetID, "err", err)
		}
		return entry, err
	})
}

func (c *BalanceCache) load(ctx context.Context, ownerID, assetID string) (BalanceEntry, error) {
	key := balanceKey(ownerID, assetID)
	gen := c.generation(key)
	balance, err := c.source.GetHubBalance(ctx, ownerID, assetID)
	if err != nil {
		return BalanceEntry{}, err
	}
	balance = new(big.Int).Set(nonNil(balance))

	entry := BalanceEntry{
		OwnerID:   ownerID,
		AssetID:   assetID,
		Balance:   balance,
		FetchedAt: c.clock.Now(),
		TTL:       c.cfg.TTL,
	}
	if balance.Sign() <= 0 {
		entry.IsNegative = true
		entry.TTL = c.cfg.NegativeTTL
	}

	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.generations[key] != gen {
		logger.Debugw("dropping balance read before invalidation", "owner", ownerID, "asset", assetID)
		return entry, nil
	}
	c.entries.Add(key, entry)
	return entry, nil
}
