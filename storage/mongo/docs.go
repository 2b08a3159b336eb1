package mongo

import (
	"fmt"
	"math/big"
	"time"

	"github.com/x402-foundation/paychan"
	"github.com/x402-foundation/paychan/types"
)

// Amounts are stored as decimal strings and counters as int64; BSON has no
// arbitrary precision integer and no unsigned 64-bit type.

type channelDoc struct {
	ID      string `bson:"_id"`
	PayerID string `bson:"payer_id"`
	PayeeID string `bson:"payee_id"`
	AssetID string `bson:"asset_id"`
	Epoch   int64  `bson:"epoch"`
	Status  string `bson:"status"`
}

type subChannelDoc struct {
	ID                 string `bson:"_id"`
	ChannelID          string `bson:"channel_id"`
	VMIDFragment       string `bson:"vm_id_fragment"`
	PublicKey          string `bson:"public_key"`
	MethodType         string `bson:"method_type"`
	LastClaimedAmount  string `bson:"last_claimed_amount"`
	LastConfirmedNonce int64  `bson:"last_confirmed_nonce"`
}

type voucherDoc struct {
	ID                string    `bson:"_id"`
	Version           int32     `bson:"version"`
	ChainID           int64     `bson:"chain_id"`
	ChannelID         string    `bson:"channel_id"`
	ChannelEpoch      int64     `bson:"channel_epoch"`
	VMIDFragment      string    `bson:"vm_id_fragment"`
	AccumulatedAmount string    `bson:"accumulated_amount"`
	Nonce             int64     `bson:"nonce"`
	Signature         string    `bson:"signature,omitempty"`
	IssuedAt          int64     `bson:"issued_at,omitempty"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

func subID(channelID, vm string) string {
	return channelID + "#" + vm
}

func archiveID(channelID, vm string, nonce uint64) string {
	return fmt.Sprintf("%s#%s#%d", channelID, vm, nonce)
}

func toChannelDoc(ch paychan.Channel) channelDoc {
	return channelDoc{
		ID:      ch.ChannelID,
		PayerID: ch.PayerID,
		PayeeID: ch.PayeeID,
		AssetID: ch.AssetID,
		Epoch:   int64(ch.Epoch),
		Status:  string(ch.Status),
	}
}

func (d channelDoc) channel() paychan.Channel {
	return paychan.Channel{
		ChannelID: d.ID,
		PayerID:   d.PayerID,
		PayeeID:   d.PayeeID,
		AssetID:   d.AssetID,
		Epoch:     uint64(d.Epoch),
		Status:    paychan.ChannelStatus(d.Status),
	}
}

func toSubChannelDoc(sub paychan.SubChannel) subChannelDoc {
	return subChannelDoc{
		ID:                 subID(sub.ChannelID, sub.VMIDFragment),
		ChannelID:          sub.ChannelID,
		VMIDFragment:       sub.VMIDFragment,
		PublicKey:          sub.PublicKey,
		MethodType:         sub.MethodType,
		LastClaimedAmount:  sub.Claimed().String(),
		LastConfirmedNonce: int64(sub.LastConfirmedNonce),
	}
}

func (d subChannelDoc) subChannel() (paychan.SubChannel, error) {
	claimed, ok := new(big.Int).SetString(d.LastClaimedAmount, 10)
	if !ok {
		return paychan.SubChannel{}, fmt.Errorf("sub-channel %s: invalid claimed amount %q", d.ID, d.LastClaimedAmount)
	}
	return paychan.SubChannel{
		ChannelID:          d.ChannelID,
		VMIDFragment:       d.VMIDFragment,
		PublicKey:          d.PublicKey,
		MethodType:         d.MethodType,
		LastClaimedAmount:  claimed,
		LastConfirmedNonce: uint64(d.LastConfirmedNonce),
	}, nil
}

func toVoucherDoc(id string, v paychan.Voucher) voucherDoc {
	return voucherDoc{
		ID:                id,
		Version:           int32(v.Version),
		ChainID:           int64(v.ChainID),
		ChannelID:         v.ChannelID,
		ChannelEpoch:      int64(v.ChannelEpoch),
		VMIDFragment:      v.VMIDFragment,
		AccumulatedAmount: v.Amount().String(),
		Nonce:             int64(v.Nonce),
		UpdatedAt:         time.Now().UTC(),
	}
}

func toSignedDoc(id string, sv paychan.SignedVoucher) voucherDoc {
	d := toVoucherDoc(id, sv.Voucher)
	d.Signature = types.EncodeHex(sv.Signature)
	return d
}

func (d voucherDoc) voucher() (paychan.Voucher, error) {
	amount, ok := new(big.Int).SetString(d.AccumulatedAmount, 10)
	if !ok {
		return paychan.Voucher{}, fmt.Errorf("voucher %s: invalid amount %q", d.ID, d.AccumulatedAmount)
	}
	return paychan.Voucher{
		Version:           uint8(d.Version),
		ChainID:           uint64(d.ChainID),
		ChannelID:         d.ChannelID,
		ChannelEpoch:      uint64(d.ChannelEpoch),
		VMIDFragment:      d.VMIDFragment,
		AccumulatedAmount: amount,
		Nonce:             uint64(d.Nonce),
	}, nil
}

func (d voucherDoc) signed() (paychan.SignedVoucher, error) {
	v, err := d.voucher()
	if err != nil {
		return paychan.SignedVoucher{}, err
	}
	sig, err := types.DecodeHex(d.Signature)
	if err != nil {
		return paychan.SignedVoucher{}, fmt.Errorf("voucher %s: %w", d.ID, err)
	}
	return paychan.SignedVoucher{Voucher: v, Signature: sig}, nil
}
