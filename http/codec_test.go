package http

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paychan"
	"github.com/x402-foundation/paychan/types"
)

func testRequestPayload() types.RequestPayload {
	return types.RequestPayload{
		Version: types.CurrentVersion,
		SignedVoucher: types.SignedVoucher{
			Voucher: types.Voucher{
				Version:           1,
				ChainID:           84532,
				ChannelID:         "0x5f0c0b8f7bba8a1e1a2a8c8f8e6a2c3d4e5f60718293a4b5c6d7e8f901234567",
				ChannelEpoch:      0,
				VMIDFragment:      "key-1",
				AccumulatedAmount: "1500",
				Nonce:             3,
			},
			Signature: "0xdeadbeef",
		},
		MaxAmount:   "1000",
		ClientTxRef: "client-1",
	}
}

func TestRequestHeaderRoundTrip(t *testing.T) {
	encoded, err := EncodeEnvelope(testRequestPayload())
	require.NoError(t, err)
	require.NotContains(t, encoded, "=")

	decoded, err := DecodeRequestHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, testRequestPayload(), *decoded)

	// padded input is accepted too
	padded := base64.URLEncoding.EncodeToString(mustJSON(t, testRequestPayload()))
	_, err = DecodeRequestHeader(padded)
	require.NoError(t, err)
}

func TestDecodeRequestHeaderErrors(t *testing.T) {
	_, err := DecodeRequestHeader("")
	require.ErrorIs(t, err, paychan.ErrPaymentRequired)

	tests := []struct {
		name   string
		header string
	}{
		{"not base64url", "a+b/c"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("nope"))},
		{"missing voucher", encodeRaw(t, map[string]interface{}{"version": 1})},
		{"non numeric amount", encodeRaw(t, func() interface{} {
			p := testRequestPayload()
			p.SignedVoucher.Voucher.AccumulatedAmount = "12.5"
			return p
		}())},
		{"bad signature hex", encodeRaw(t, func() interface{} {
			p := testRequestPayload()
			p.SignedVoucher.Signature = "0xzz"
			return p
		}())},
		{"future version", encodeRaw(t, func() interface{} {
			p := testRequestPayload()
			p.Version = 7
			return p
		}())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequestHeader(tt.header)
			require.ErrorIs(t, err, paychan.ErrMalformedEnvelope)
		})
	}
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	next := testRequestPayload().SignedVoucher.Voucher
	resp := &types.ResponsePayload{
		Version:      types.CurrentVersion,
		NextVoucher:  &next,
		Cost:         "25",
		ClientTxRef:  "client-1",
		ServiceTxRef: "svc-1",
	}
	encoded, err := EncodeEnvelope(resp)
	require.NoError(t, err)

	decoded, err := DecodeResponseHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, resp, decoded)

	errResp := paychan.ErrorResponse(paychan.ErrChannelClosed, "client-2")
	encoded, err = EncodeEnvelope(errResp)
	require.NoError(t, err)
	decoded, err = DecodeResponseHeader(encoded)
	require.NoError(t, err)
	require.True(t, decoded.IsError())
	require.Equal(t, paychan.ErrCodeChannelClosed, decoded.Error.Code)
}

func encodeRaw(t *testing.T, v interface{}) string {
	t.Helper()
	return base64.RawURLEncoding.EncodeToString(mustJSON(t, v))
}
