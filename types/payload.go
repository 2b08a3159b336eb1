// Package types holds the transport representation of payment channel envelopes.
// Amounts travel as decimal strings and signatures as 0x-prefixed hex so that
// payloads survive JSON round trips in any language.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CurrentVersion is the envelope version produced by this module
const CurrentVersion = 1

// Voucher is the wire form of an unsigned voucher (SubRAV)
type Voucher struct {
	Version           uint8  `json:"version"`
	ChainID           uint64 `json:"chainId"`
	ChannelID         string `json:"channelId"`
	ChannelEpoch      uint64 `json:"channelEpoch"`
	VMIDFragment      string `json:"vmIdFragment"`
	AccumulatedAmount string `json:"accumulatedAmount"`
	Nonce             uint64 `json:"nonce"`
}

// SignedVoucher is the wire form of a voucher plus the payer's signature
type SignedVoucher struct {
	Voucher   Voucher `json:"voucher"`
	Signature string  `json:"signature"`
}

// RequestPayload is carried by the payer on every paid request
type RequestPayload struct {
	Version       int           `json:"version"`
	SignedVoucher SignedVoucher `json:"signedVoucher"`
	MaxAmount     string        `json:"maxAmount,omitempty"`
	ClientTxRef   string        `json:"clientTxRef,omitempty"`
}

// ErrorInfo describes a protocol failure in a response payload
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsePayload is returned by the payee, either as a header or an in-band frame
type ResponsePayload struct {
	Version      int        `json:"version"`
	NextVoucher  *Voucher   `json:"nextVoucher,omitempty"`
	Cost         string     `json:"cost,omitempty"`
	ClientTxRef  string     `json:"clientTxRef,omitempty"`
	ServiceTxRef string     `json:"serviceTxRef,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

// IsError reports whether the payload carries a protocol error
func (r ResponsePayload) IsError() bool {
	return r.Error != nil
}

// DetectVersion extracts the version tag from a raw envelope
func DetectVersion(data []byte) (int, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, fmt.Errorf("invalid envelope JSON: %w", err)
	}
	if probe.Version == nil {
		return 0, fmt.Errorf("missing version field")
	}
	if *probe.Version < 1 || *probe.Version > CurrentVersion {
		return 0, fmt.Errorf("unsupported envelope version %d", *probe.Version)
	}
	return *probe.Version, nil
}

// ToRequestPayload unmarshals bytes to a request payload
func ToRequestPayload(data []byte) (*RequestPayload, error) {
	var payload RequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ToResponsePayload unmarshals bytes to a response payload
func ToResponsePayload(data []byte) (*ResponsePayload, error) {
	var payload ResponsePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// EncodeHex encodes bytes as a 0x-prefixed hex string
func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHex decodes a hex string with or without a 0x prefix
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
