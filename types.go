package paychan

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-foundation/paychan/types"
)

// ChannelStatus mirrors the ledger-side lifecycle of a channel
type ChannelStatus string

const (
	ChannelActive  ChannelStatus = "active"
	ChannelClosing ChannelStatus = "closing"
	ChannelClosed  ChannelStatus = "closed"
)

// Verification method types understood by the bundled mechanisms
const (
	MethodSecp256k1 = "EcdsaSecp256k1VerificationKey2019"
	MethodEd25519   = "Ed25519VerificationKey2020"
)

// Channel identifies a payer to payee relationship for one asset
type Channel struct {
	ChannelID string        `json:"channelId"`
	PayerID   string        `json:"payerId"`
	PayeeID   string        `json:"payeeId"`
	AssetID   string        `json:"assetId"`
	Epoch     uint64        `json:"epoch"`
	Status    ChannelStatus `json:"status"`
}

// Usable reports whether vouchers may still be accepted on the channel
func (c Channel) Usable() bool {
	return c.Status == ChannelActive || c.Status == ""
}

// SubChannel is one authorized signing key under a channel.
// LastClaimedAmount never decreases and LastConfirmedNonce never goes backwards.
type SubChannel struct {
	ChannelID          string   `json:"channelId"`
	VMIDFragment       string   `json:"vmIdFragment"`
	PublicKey          string   `json:"publicKey"`
	MethodType         string   `json:"methodType"`
	LastClaimedAmount  *big.Int `json:"lastClaimedAmount"`
	LastConfirmedNonce uint64   `json:"lastConfirmedNonce"`
}

// Key returns the lock and map key of the sub-channel
func (s SubChannel) Key() SubChannelKey {
	return SubChannelKey{ChannelID: s.ChannelID, VMIDFragment: s.VMIDFragment}
}

// Claimed returns LastClaimedAmount, treating nil as zero
func (s SubChannel) Claimed() *big.Int {
	if s.LastClaimedAmount == nil {
		return new(big.Int)
	}
	return s.LastClaimedAmount
}

// SubChannelKey addresses one sub-channel
type SubChannelKey struct {
	ChannelID    string
	VMIDFragment string
}

func (k SubChannelKey) String() string {
	return k.ChannelID + "#" + k.VMIDFragment
}

// Voucher asserts that the payer owes AccumulatedAmount in total as of Nonce.
// Values are immutable: AccumulatedAmount is never modified in place.
type Voucher struct {
	Version           uint8
	ChainID           uint64
	ChannelID         string
	ChannelEpoch      uint64
	VMIDFragment      string
	AccumulatedAmount *big.Int
	Nonce             uint64
}

// Key returns the sub-channel the voucher belongs to
func (v Voucher) Key() SubChannelKey {
	return SubChannelKey{ChannelID: v.ChannelID, VMIDFragment: v.VMIDFragment}
}

// Amount returns AccumulatedAmount, treating nil as zero
func (v Voucher) Amount() *big.Int {
	if v.AccumulatedAmount == nil {
		return new(big.Int)
	}
	return v.AccumulatedAmount
}

// Equal compares every field of two vouchers
func (v Voucher) Equal(o Voucher) bool {
	return v.Version == o.Version &&
		v.ChainID == o.ChainID &&
		strings.EqualFold(v.ChannelID, o.ChannelID) &&
		v.ChannelEpoch == o.ChannelEpoch &&
		v.VMIDFragment == o.VMIDFragment &&
		v.Nonce == o.Nonce &&
		v.Amount().Cmp(o.Amount()) == 0
}

// ToWire converts the voucher into its transport form
func (v Voucher) ToWire() types.Voucher {
	return types.Voucher{
		Version:           v.Version,
		ChainID:           v.ChainID,
		ChannelID:         v.ChannelID,
		ChannelEpoch:      v.ChannelEpoch,
		VMIDFragment:      v.VMIDFragment,
		AccumulatedAmount: v.Amount().String(),
		Nonce:             v.Nonce,
	}
}

// VoucherFromWire parses a transport voucher
func VoucherFromWire(w types.Voucher) (Voucher, error) {
	amount, ok := new(big.Int).SetString(w.AccumulatedAmount, 10)
	if !ok || amount.Sign() < 0 {
		return Voucher{}, fmt.Errorf("invalid accumulatedAmount %q", w.AccumulatedAmount)
	}
	if w.ChannelID == "" || w.VMIDFragment == "" {
		return Voucher{}, fmt.Errorf("channelId and vmIdFragment are required")
	}
	return Voucher{
		Version:           w.Version,
		ChainID:           w.ChainID,
		ChannelID:         w.ChannelID,
		ChannelEpoch:      w.ChannelEpoch,
		VMIDFragment:      w.VMIDFragment,
		AccumulatedAmount: amount,
		Nonce:             w.Nonce,
	}, nil
}

// SignedVoucher carries the payer's signature over the canonical encoding of Voucher
type SignedVoucher struct {
	Voucher   Voucher
	Signature []byte
}

// ToWire converts the signed voucher into its transport form
func (s SignedVoucher) ToWire() types.SignedVoucher {
	return types.SignedVoucher{
		Voucher:   s.Voucher.ToWire(),
		Signature: types.EncodeHex(s.Signature),
	}
}

// SignedVoucherFromWire parses a transport signed voucher
func SignedVoucherFromWire(w types.SignedVoucher) (SignedVoucher, error) {
	v, err := VoucherFromWire(w.Voucher)
	if err != nil {
		return SignedVoucher{}, err
	}
	sig, err := types.DecodeHex(w.Signature)
	if err != nil {
		return SignedVoucher{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return SignedVoucher{Voucher: v, Signature: sig}, nil
}

// PendingVoucher is a proposal issued by the payee and awaiting the payer's signature
type PendingVoucher struct {
	Voucher  Voucher
	IssuedAt int64
}

// DeriveChannelID computes the deterministic channel identifier for a payer, payee and asset
func DeriveChannelID(payerID, payeeID, assetID string) string {
	parts := []string{strings.ToLower(payerID), strings.ToLower(payeeID), strings.ToLower(assetID)}
	hash := crypto.Keccak256([]byte(strings.Join(parts, "\x00")))
	return common.BytesToHash(hash).Hex()
}
