package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectVersion(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{name: "current", data: `{"version":1,"signedVoucher":{}}`, want: 1},
		{name: "missing", data: `{"signedVoucher":{}}`, wantErr: true},
		{name: "future major", data: `{"version":7}`, wantErr: true},
		{name: "zero", data: `{"version":0}`, wantErr: true},
		{name: "not json", data: `version=1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectVersion([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestHexHelpers(t *testing.T) {
	require.Equal(t, "0xdead", EncodeHex([]byte{0xde, 0xad}))

	b, err := DecodeHex("0xDEAD")
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad}, b)

	b, err = DecodeHex("beef")
	require.NoError(t, err)
	require.Equal(t, []byte{0xbe, 0xef}, b)

	_, err = DecodeHex("0xzz")
	require.Error(t, err)
}

func TestResponsePayloadIsError(t *testing.T) {
	require.False(t, ResponsePayload{Version: 1, Cost: "10"}.IsError())
	require.True(t, ResponsePayload{Version: 1, Error: &ErrorInfo{Code: "x"}}.IsError())
}
