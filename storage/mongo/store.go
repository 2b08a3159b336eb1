// Package mongo persists channels, sub-channels and vouchers in MongoDB
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/ipfs/go-log/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/x402-foundation/paychan"
)

var logger = log.Logger("paychan/storage")

const opTimeout = 5 * time.Second

// Collection names
const (
	ChannelsCollection       = "channels"
	SubChannelsCollection    = "sub_channels"
	LatestVouchersCollection = "vouchers_latest"
	VoucherArchiveCollection = "voucher_archive"
	PendingCollection        = "pending_vouchers"
)

// Store implements every repository of the payment processor on one database
type Store struct {
	channels    *mongo.Collection
	subChannels *mongo.Collection
	latest      *mongo.Collection
	archive     *mongo.Collection
	pending     *mongo.Collection
}

var (
	_ paychan.ChannelRepository   = (*Store)(nil)
	_ paychan.VoucherRepository   = (*Store)(nil)
	_ paychan.VoucherArchive      = (*Store)(nil)
	_ paychan.PendingVoucherStore = (*Store)(nil)
)

// NewStore creates a store over database dbName
func NewStore(client *mongo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		channels:    db.Collection(ChannelsCollection),
		subChannels: db.Collection(SubChannelsCollection),
		latest:      db.Collection(LatestVouchersCollection),
		archive:     db.Collection(VoucherArchiveCollection),
		pending:     db.Collection(PendingCollection),
	}
}

// EnsureIndexes creates the secondary indexes the queries rely on
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.subChannels.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "channel_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", SubChannelsCollection, err)
	}

	_, err = s.latest.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "vm_id_fragment", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", LatestVouchersCollection, err)
	}

	_, err = s.archive.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "vm_id_fragment", Value: 1}, {Key: "nonce", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", VoucherArchiveCollection, err)
	}

	_, err = s.pending.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "issued_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", PendingCollection, err)
	}
	return nil
}

// ============================================================================
// Channels
// ============================================================================

func (s *Store) GetChannel(ctx context.Context, channelID string) (*paychan.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc channelDoc
	if err := s.channels.FindOne(ctx, bson.M{"_id": channelID}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	ch := doc.channel()
	return &ch, nil
}

func (s *Store) PutChannel(ctx context.Context, ch paychan.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := toChannelDoc(ch)
	_, err := s.channels.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) ListChannels(ctx context.Context) ([]paychan.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.channels.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []channelDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]paychan.Channel, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.channel())
	}
	return out, nil
}

func (s *Store) GetSubChannel(ctx context.Context, channelID, vm string) (*paychan.SubChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc subChannelDoc
	if err := s.subChannels.FindOne(ctx, bson.M{"_id": subID(channelID, vm)}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	sub, err := doc.subChannel()
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) PutSubChannel(ctx context.Context, sub paychan.SubChannel) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := toSubChannelDoc(sub)
	_, err := s.subChannels.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// ============================================================================
// Vouchers
// ============================================================================

func (s *Store) GetLatest(ctx context.Context, channelID, vm string) (*paychan.SignedVoucher, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc voucherDoc
	if err := s.latest.FindOne(ctx, bson.M{"_id": subID(channelID, vm)}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	sv, err := doc.signed()
	if err != nil {
		return nil, err
	}
	return &sv, nil
}

// PutLatest replaces the latest voucher of the sub-channel and archives it
func (s *Store) PutLatest(ctx context.Context, sv paychan.SignedVoucher) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	v := sv.Voucher
	archived := toSignedDoc(archiveID(v.ChannelID, v.VMIDFragment, v.Nonce), sv)
	if _, err := s.archive.ReplaceOne(ctx, bson.M{"_id": archived.ID}, archived, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to archive voucher: %w", err)
	}

	doc := toSignedDoc(subID(v.ChannelID, v.VMIDFragment), sv)
	_, err := s.latest.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) ListSubChannels(ctx context.Context, channelID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	values, err := s.latest.Distinct(ctx, "vm_id_fragment", bson.M{"channel_id": channelID})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if vm, ok := v.(string); ok {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (s *Store) GetByNonce(ctx context.Context, channelID, vm string, nonce uint64) (*paychan.SignedVoucher, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc voucherDoc
	if err := s.archive.FindOne(ctx, bson.M{"_id": archiveID(channelID, vm, nonce)}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	sv, err := doc.signed()
	if err != nil {
		return nil, err
	}
	return &sv, nil
}

// ============================================================================
// Pending proposals
// ============================================================================

func (s *Store) GetPending(ctx context.Context, channelID, vm string) (*paychan.PendingVoucher, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc voucherDoc
	if err := s.pending.FindOne(ctx, bson.M{"_id": subID(channelID, vm)}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	v, err := doc.voucher()
	if err != nil {
		return nil, err
	}
	return &paychan.PendingVoucher{Voucher: v, IssuedAt: doc.IssuedAt}, nil
}

func (s *Store) PutPending(ctx context.Context, p paychan.PendingVoucher) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc := toVoucherDoc(subID(p.Voucher.ChannelID, p.Voucher.VMIDFragment), p.Voucher)
	doc.IssuedAt = p.IssuedAt
	_, err := s.pending.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) DeletePending(ctx context.Context, channelID, vm string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.pending.DeleteOne(ctx, bson.M{"_id": subID(channelID, vm)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		logger.Debugw("no pending proposal to delete", "channel", channelID, "vm", vm)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return paychan.ErrNotFound
	}
	return err
}
