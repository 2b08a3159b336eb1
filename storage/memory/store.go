// Package memory provides in-process implementations of the payment channel
// repositories. State is lost on restart; use storage/mongo for durability.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/x402-foundation/paychan"
)

// Store implements every repository interface over mutex-guarded maps.
// Values are copied on the way in and out so callers never share big.Int state.
//
// Features:
//   - Latest voucher per sub-channel plus an archive of every confirmed voucher
//   - At most one pending proposal per sub-channel
//   - Channel and sub-channel metadata cache
type Store struct {
	mu          sync.RWMutex
	channels    map[string]paychan.Channel
	subChannels map[paychan.SubChannelKey]paychan.SubChannel
	latest      map[paychan.SubChannelKey]paychan.SignedVoucher
	archive     map[paychan.SubChannelKey]map[uint64]paychan.SignedVoucher
	pending     map[paychan.SubChannelKey]paychan.PendingVoucher
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		channels:    make(map[string]paychan.Channel),
		subChannels: make(map[paychan.SubChannelKey]paychan.SubChannel),
		latest:      make(map[paychan.SubChannelKey]paychan.SignedVoucher),
		archive:     make(map[paychan.SubChannelKey]map[uint64]paychan.SignedVoucher),
		pending:     make(map[paychan.SubChannelKey]paychan.PendingVoucher),
	}
}

func key(channelID, vm string) paychan.SubChannelKey {
	return paychan.SubChannelKey{ChannelID: channelID, VMIDFragment: vm}
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyVoucher(v paychan.Voucher) paychan.Voucher {
	v.AccumulatedAmount = copyInt(v.AccumulatedAmount)
	return v
}

func copySigned(s paychan.SignedVoucher) paychan.SignedVoucher {
	s.Voucher = copyVoucher(s.Voucher)
	s.Signature = append([]byte(nil), s.Signature...)
	return s
}

// ============================================================================
// PendingVoucherStore
// ============================================================================

func (s *Store) GetPending(_ context.Context, channelID, vm string) (*paychan.PendingVoucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[key(channelID, vm)]
	if !ok {
		return nil, paychan.ErrNotFound
	}
	p.Voucher = copyVoucher(p.Voucher)
	return &p, nil
}

func (s *Store) PutPending(_ context.Context, p paychan.PendingVoucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Voucher = copyVoucher(p.Voucher)
	s.pending[p.Voucher.Key()] = p
	return nil
}

func (s *Store) DeletePending(_ context.Context, channelID, vm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key(channelID, vm))
	return nil
}

// PendingCount returns the number of pending proposals held
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// ============================================================================
// VoucherRepository
// ============================================================================

func (s *Store) GetLatest(_ context.Context, channelID, vm string) (*paychan.SignedVoucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.latest[key(channelID, vm)]
	if !ok {
		return nil, paychan.ErrNotFound
	}
	v = copySigned(v)
	return &v, nil
}

func (s *Store) PutLatest(_ context.Context, v paychan.SignedVoucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := v.Voucher.Key()
	s.latest[k] = copySigned(v)
	if s.archive[k] == nil {
		s.archive[k] = make(map[uint64]paychan.SignedVoucher)
	}
	s.archive[k][v.Voucher.Nonce] = copySigned(v)
	return nil
}

func (s *Store) ListSubChannels(_ context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.latest {
		if k.ChannelID == channelID {
			out = append(out, k.VMIDFragment)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetByNonce returns an archived confirmed voucher
func (s *Store) GetByNonce(_ context.Context, channelID, vm string, nonce uint64) (*paychan.SignedVoucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.archive[key(channelID, vm)][nonce]
	if !ok {
		return nil, paychan.ErrNotFound
	}
	v = copySigned(v)
	return &v, nil
}

// ============================================================================
// ChannelRepository
// ============================================================================

func (s *Store) GetChannel(_ context.Context, channelID string) (*paychan.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, paychan.ErrNotFound
	}
	return &ch, nil
}

func (s *Store) PutChannel(_ context.Context, ch paychan.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ChannelID] = ch
	return nil
}

func (s *Store) ListChannels(_ context.Context) ([]paychan.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]paychan.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (s *Store) GetSubChannel(_ context.Context, channelID, vm string) (*paychan.SubChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subChannels[key(channelID, vm)]
	if !ok {
		return nil, paychan.ErrNotFound
	}
	sub.LastClaimedAmount = copyInt(sub.LastClaimedAmount)
	return &sub, nil
}

func (s *Store) PutSubChannel(_ context.Context, sub paychan.SubChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.LastClaimedAmount = copyInt(sub.LastClaimedAmount)
	s.subChannels[sub.Key()] = sub
	return nil
}

var (
	_ paychan.PendingVoucherStore = (*Store)(nil)
	_ paychan.VoucherRepository   = (*Store)(nil)
	_ paychan.VoucherArchive      = (*Store)(nil)
	_ paychan.ChannelRepository   = (*Store)(nil)
)
