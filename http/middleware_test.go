package http_test

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paychan"
	paychanhttp "github.com/x402-foundation/paychan/http"
	"github.com/x402-foundation/paychan/internal/paychantest"
	"github.com/x402-foundation/paychan/types"
)

const (
	chainID = paychantest.ChainID
	vm      = paychantest.VMIDFragment
)

type fixture struct {
	*paychantest.Fixture
	ctx    context.Context
	server *httptest.Server
}

const pricingYAML = `
rules:
  - route: "GET /fixed"
    price: "100"
  - route: "GET /sse"
    price: "5"
  - route: "POST /ndjson/*"
    perUnit: "2"
    base: "10"
  - route: "GET /broken"
    price: "100"
`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	base := paychantest.New(t)
	rules := paychantest.Rules(t, pricingYAML)

	mux := http.NewServeMux()
	mux.HandleFunc("/fixed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"quote":42}`)
	})
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "free")
	})
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: one\n\n")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, "data: two\n\ndata: [DONE]\n\n")
	})
	mux.HandleFunc("/ndjson/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for i := 0; i < 5; i++ {
			_, _ = fmt.Fprintf(w, `{"token":%d}`+"\n", i)
		}
		paychanhttp.ReportUsage(r.Context(), paychan.Usage{Units: 5})
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	})

	server := httptest.NewServer(paychanhttp.PaymentMiddleware(base.Processor, rules)(mux))
	t.Cleanup(server.Close)

	return &fixture{Fixture: base, ctx: ctx, server: server}
}

func (f *fixture) client(t *testing.T, maxAmount *big.Int) (*http.Client, *paychanhttp.PaymentClient) {
	t.Helper()
	pc, err := paychanhttp.NewPaymentClient(paychanhttp.PaymentClientConfig{
		Signer:       f.Signer,
		ChainID:      chainID,
		ChannelID:    f.Channel.ChannelID,
		VMIDFragment: vm,
		MaxAmount:    maxAmount,
	})
	require.NoError(t, err)
	return paychanhttp.WrapHTTPClient(f.server.Client(), pc), pc
}

func decodeResponseHeader(t *testing.T, resp *http.Response) *types.ResponsePayload {
	t.Helper()
	decoded, err := paychanhttp.DecodeResponseHeader(resp.Header.Get(paychanhttp.HeaderPaymentResponse))
	require.NoError(t, err)
	return decoded
}

func TestMissingPaymentIsRejected(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/fixed")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, paychan.ErrCodePaymentRequired, decodeResponseHeader(t, resp).Error.Code)
}

func TestMalformedPaymentIsRejected(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/fixed", nil)
	require.NoError(t, err)
	req.Header.Set(paychanhttp.HeaderPaymentData, "not*base64")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, paychan.ErrCodeMalformedEnvelope, decodeResponseHeader(t, resp).Error.Code)
}

func TestFreeRoutePassesThrough(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/free")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "free", string(body))
	require.Empty(t, resp.Header.Get(paychanhttp.HeaderPaymentResponse))
}

func TestClientPaysAcrossRequests(t *testing.T) {
	f := newFixture(t)
	client, pc := f.client(t, nil)

	for i := 1; i <= 3; i++ {
		resp, err := paychanhttp.Get(f.ctx, client, f.server.URL+"/fixed")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, `{"quote":42}`, string(body))
		require.Equal(t, "100", decodeResponseHeader(t, resp).Cost)

		pending := pc.Pending()
		require.NotNil(t, pending)
		require.Equal(t, uint64(i), pending.Nonce)
		require.Equal(t, int64(100*i), pending.Amount().Int64())
	}

	latest, err := f.Store.GetLatest(f.ctx, f.Channel.ChannelID, vm)
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest.Voucher.Nonce)
	require.Equal(t, int64(300), pc.Spent().Int64())
}

func TestSSEFrameBeforeDone(t *testing.T) {
	f := newFixture(t)

	_, pc := f.client(t, nil)
	payload, err := pc.NextRequest(f.ctx)
	require.NoError(t, err)
	encoded, err := paychanhttp.EncodeEnvelope(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set(paychanhttp.HeaderPaymentData, encoded)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(raw)
	require.Less(t, strings.Index(body, "data: two"), strings.Index(body, "event: payment"))
	require.Less(t, strings.Index(body, "event: payment"), strings.Index(body, "data: [DONE]"))

	frames := paychanhttp.ScanFrames(raw)
	require.Len(t, frames, 1)
	require.Equal(t, "5", frames[0].Cost)
	require.Equal(t, "data: one\n\ndata: two\n\ndata: [DONE]\n\n", string(paychanhttp.StripFrames(raw)))
}

func TestClientStripsStreamFrames(t *testing.T) {
	f := newFixture(t)
	client, pc := f.client(t, nil)

	resp, err := paychanhttp.Post(f.ctx, client, f.server.URL+"/ndjson/chat", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	require.Equal(t, 5, strings.Count(string(body), "\n"))
	require.NotContains(t, string(body), paychanhttp.NDJSONFrameKey)

	// 10 base + 2 per unit for 5 units
	pending := pc.Pending()
	require.NotNil(t, pending)
	require.Equal(t, int64(20), pending.Amount().Int64())
}

func TestServerErrorIsNotCharged(t *testing.T) {
	f := newFixture(t)
	client, pc := f.client(t, nil)

	resp, err := paychanhttp.Get(f.ctx, client, f.server.URL+"/broken")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "0", decodeResponseHeader(t, resp).Cost)
	require.NotNil(t, pc.Pending())
	require.Equal(t, int64(0), pc.Pending().Amount().Int64())
}

func TestPreFlightCostAboveMax(t *testing.T) {
	f := newFixture(t)
	client, _ := f.client(t, big.NewInt(50))

	resp, err := paychanhttp.Get(f.ctx, client, f.server.URL+"/fixed")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, paychan.ErrCodeAmountExceedsMax, decodeResponseHeader(t, resp).Error.Code)
}

func TestClientRecoversFromStaleProposal(t *testing.T) {
	f := newFixture(t)
	client, pc := f.client(t, nil)

	resp, err := paychanhttp.Get(f.ctx, client, f.server.URL+"/fixed")
	require.NoError(t, err)
	resp.Body.Close()
	stale := pc.Pending()
	require.NotNil(t, stale)

	// another process confirms the same proposal first
	sig, err := f.Signer.Sign(f.ctx, *stale)
	require.NoError(t, err)
	session, err := f.Processor.Verify(f.ctx, types.RequestPayload{
		Version:       types.CurrentVersion,
		SignedVoucher: paychan.SignedVoucher{Voucher: *stale, Signature: sig}.ToWire(),
	})
	require.NoError(t, err)
	_, err = session.Settle(f.ctx, big.NewInt(0))
	require.NoError(t, err)

	resp, err = paychanhttp.Get(f.ctx, client, f.server.URL+"/fixed")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint64(2), pc.Pending().Nonce)
}

func handshakeRequest(t *testing.T, f *fixture, path string) *http.Request {
	t.Helper()
	_, pc := f.client(t, nil)
	payload, err := pc.NextRequest(f.ctx)
	require.NoError(t, err)
	encoded, err := paychanhttp.EncodeEnvelope(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(paychanhttp.HeaderPaymentData, encoded)
	return req
}

func TestPreFlightResponseStreamsThrough(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	var onWire int
	var flushed bool
	var header string
	handler := paychanhttp.PaymentMiddleware(f.Processor, paychantest.Rules(t, pricingYAML))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "chunk-1")
			w.(http.Flusher).Flush()

			onWire = rec.Body.Len()
			flushed = rec.Flushed
			header = rec.Header().Get(paychanhttp.HeaderPaymentResponse)

			_, _ = io.WriteString(w, "chunk-2")
		}))
	handler.ServeHTTP(rec, handshakeRequest(t, f, "/fixed"))

	require.Equal(t, len("chunk-1"), onWire)
	require.True(t, flushed)
	require.NotEmpty(t, header)
	require.Equal(t, "chunk-1chunk-2", rec.Body.String())

	decoded, err := paychanhttp.DecodeResponseHeader(rec.Header().Get(paychanhttp.HeaderPaymentResponse))
	require.NoError(t, err)
	require.Equal(t, "100", decoded.Cost)
}

func TestPreFlightServerErrorSettlesAtHeader(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	handler := paychanhttp.PaymentMiddleware(f.Processor, paychantest.Rules(t, pricingYAML))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream down")
		}))
	handler.ServeHTTP(rec, handshakeRequest(t, f, "/fixed"))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	decoded, err := paychanhttp.DecodeResponseHeader(rec.Header().Get(paychanhttp.HeaderPaymentResponse))
	require.NoError(t, err)
	require.Equal(t, "0", decoded.Cost)
}

func TestSSEFrameBeforeSplitDone(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	handler := paychanhttp.PaymentMiddleware(f.Processor, paychantest.Rules(t, pricingYAML))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "data: one\n\ndat")
			_, _ = io.WriteString(w, "a: [DO")
			_, _ = io.WriteString(w, "NE]\n\n")
		}))
	handler.ServeHTTP(rec, handshakeRequest(t, f, "/sse"))

	body := rec.Body.String()
	require.Less(t, strings.Index(body, "data: one"), strings.Index(body, "event: payment"))
	require.Less(t, strings.Index(body, "event: payment"), strings.Index(body, "data: [DONE]"))
	require.Equal(t, "data: one\n\ndata: [DONE]\n\n", string(paychanhttp.StripFrames(rec.Body.Bytes())))
}

func TestSSEHeldBytesAreDeliveredWithoutDone(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()

	handler := paychanhttp.PaymentMiddleware(f.Processor, paychantest.Rules(t, pricingYAML))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "data: d")
		}))
	handler.ServeHTTP(rec, handshakeRequest(t, f, "/sse"))

	raw := rec.Body.Bytes()
	require.True(t, strings.HasPrefix(string(raw), "data: d\n"))
	require.Len(t, paychanhttp.ScanFrames(raw), 1)
}
