package http

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"sync"

	log "github.com/ipfs/go-log/v2"

	"github.com/x402-foundation/paychan"
	"github.com/x402-foundation/paychan/metrics"
	"github.com/x402-foundation/paychan/types"
)

var logger = log.Logger("paychan/http")

// Transports a payment response can be delivered on
const (
	TransportHeader = "header"
	TransportSSE    = "sse"
	TransportNDJSON = "ndjson"
)

type contextKey int

const (
	sessionKey contextKey = iota
	usageKey
)

// SessionFromContext returns the payment session of a paid request
func SessionFromContext(ctx context.Context) (*paychan.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*paychan.Session)
	return s, ok
}

// ReportUsage records usage for post-flight billing. Later reports add up.
func ReportUsage(ctx context.Context, usage paychan.Usage) bool {
	rec, ok := ctx.Value(usageKey).(*usageRecorder)
	if !ok {
		return false
	}
	rec.add(usage)
	return true
}

type usageRecorder struct {
	mu       sync.Mutex
	usage    paychan.Usage
	reported bool
}

func (u *usageRecorder) add(usage paychan.Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage.Units += usage.Units
	u.reported = true
}

func (u *usageRecorder) get() (paychan.Usage, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usage, u.reported
}

// Middleware charges matched routes through a payment processor. Responses
// carry the next proposal in a header, or in-band for SSE and NDJSON streams.
type Middleware struct {
	processor *paychan.Processor
	rules     paychan.RouteRules
}

// NewMiddleware creates a middleware pricing requests with rules
func NewMiddleware(processor *paychan.Processor, rules paychan.RouteRules) *Middleware {
	return &Middleware{processor: processor, rules: rules}
}

// Handler wraps next. Routes without a pricing rule pass through unpaid.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pricer := m.rules.Match(r.Method, r.URL.Path)
		if pricer == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		req, err := DecodeRequestHeader(r.Header.Get(HeaderPaymentData))
		if err != nil {
			WriteError(w, err, "")
			return
		}

		session, err := m.processor.Verify(ctx, *req)
		if err != nil {
			WriteError(w, err, req.ClientTxRef)
			return
		}

		var preCost *big.Int
		if pricer.Mode() == paychan.PreFlight {
			if preCost, err = pricer.Price(ctx, paychan.Usage{}); err != nil {
				WriteError(w, err, req.ClientTxRef)
				return
			}
			if err := session.CheckCost(preCost); err != nil {
				WriteError(w, err, req.ClientTxRef)
				return
			}
		}

		usage := &usageRecorder{}
		ctx = context.WithValue(ctx, sessionKey, session)
		ctx = context.WithValue(ctx, usageKey, usage)

		pw := &paymentWriter{ResponseWriter: w, status: http.StatusOK, preFlight: preCost != nil}
		pw.settle = func(status int) *types.ResponsePayload {
			resp, err := session.Settle(ctx, m.cost(ctx, pricer, preCost, usage, status))
			if err != nil {
				logger.Errorw("failed to settle request", "subChannel", session.Key(), "err", err)
				resp = session.Fail(err)
			}
			return resp
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorw("handler panicked", "path", r.URL.Path, "panic", rec)
					if !pw.wroteHeader {
						pw.WriteHeader(http.StatusInternalServerError)
					} else {
						pw.status = http.StatusInternalServerError
					}
				}
			}()
			next.ServeHTTP(pw, r.WithContext(ctx))
		}()

		pw.finish(ctx)
	})
}

// cost prices a finished request. A server error with no reported usage is
// not charged; the next proposal is still issued so the payer can continue.
func (m *Middleware) cost(ctx context.Context, pricer paychan.Pricer, preCost *big.Int, usage *usageRecorder, status int) *big.Int {
	reported, ok := usage.get()
	if status >= http.StatusInternalServerError && !ok {
		return new(big.Int)
	}
	if preCost != nil {
		return preCost
	}
	cost, err := pricer.Price(ctx, reported)
	if err != nil {
		logger.Warnw("failed to price usage, charging nothing", "units", reported.Units, "err", err)
		return new(big.Int)
	}
	return cost
}

// WriteError writes a payment error as a header envelope and a JSON body
func WriteError(w http.ResponseWriter, err error, clientTxRef string) {
	pe := paychan.AsPaymentError(err)
	resp := paychan.ErrorResponse(pe, clientTxRef)
	if encoded, encErr := EncodeEnvelope(resp); encErr == nil {
		w.Header().Set(HeaderPaymentResponse, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   resp.Error,
		"version": types.CurrentVersion,
	})
}

// paymentWriter delivers the payment response on the transport chosen by the
// handler's content type. Pre-flight responses settle when the header is
// written and stream through; post-flight responses are buffered so the header
// can be added once usage is known. Streams pass through, holding back the SSE
// terminal marker until the payment frame is written.
type paymentWriter struct {
	http.ResponseWriter
	settle      func(status int) *types.ResponsePayload
	preFlight   bool
	status      int
	wroteHeader bool
	settled     bool
	transport   string
	body        bytes.Buffer
	held        []byte
	tail        bytes.Buffer
	streamed    int
	last        byte
}

func (w *paymentWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code

	contentType := w.Header().Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, ContentTypeSSE):
		w.transport = TransportSSE
	case strings.HasPrefix(contentType, ContentTypeNDJSON):
		w.transport = TransportNDJSON
	default:
		w.transport = TransportHeader
		if !w.preFlight {
			return
		}
		w.settled = true
		w.setResponseHeader(w.settle(code))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *paymentWriter) buffering() bool {
	return w.transport == TransportHeader && !w.settled
}

func (w *paymentWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	switch {
	case w.buffering():
		return w.body.Write(b)
	case w.transport == TransportSSE:
		if err := w.writeSSE(b); err != nil {
			return 0, err
		}
		return len(b), nil
	}
	n, err := w.ResponseWriter.Write(b)
	w.track(b[:n])
	return n, err
}

// writeSSE forwards b up to the terminal marker. Bytes that could start a
// marker split across writes are held until the next write decides them.
func (w *paymentWriter) writeSSE(b []byte) error {
	if w.tail.Len() > 0 {
		w.tail.Write(b)
		return nil
	}
	data := b
	if len(w.held) > 0 {
		data = append(w.held, b...)
		w.held = nil
	}
	if i := bytes.Index(data, sseDone); i >= 0 {
		w.tail.Write(data[i:])
		return w.forward(data[:i])
	}
	keep := markerPrefixLen(data)
	w.held = append([]byte(nil), data[len(data)-keep:]...)
	return w.forward(data[:len(data)-keep])
}

// markerPrefixLen returns the length of the longest suffix of b that is a
// proper prefix of the SSE terminal marker.
func markerPrefixLen(b []byte) int {
	n := len(sseDone) - 1
	if n > len(b) {
		n = len(b)
	}
	for ; n > 0; n-- {
		if bytes.HasSuffix(b, sseDone[:n]) {
			return n
		}
	}
	return 0
}

func (w *paymentWriter) forward(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	n, err := w.ResponseWriter.Write(b)
	w.track(b[:n])
	return err
}

func (w *paymentWriter) track(b []byte) {
	if len(b) > 0 {
		w.streamed += len(b)
		w.last = b[len(b)-1]
	}
}

// Flush forwards flushes for streamed responses; buffered ones flush in finish
func (w *paymentWriter) Flush() {
	if !w.wroteHeader || w.buffering() {
		return
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *paymentWriter) setResponseHeader(resp *types.ResponsePayload) {
	encoded, err := EncodeEnvelope(resp)
	if err != nil {
		logger.Errorw("failed to encode payment response", "err", err)
		return
	}
	w.Header().Set(HeaderPaymentResponse, encoded)
}

// finish settles a request that has not settled yet and delivers the response
func (w *paymentWriter) finish(ctx context.Context) {
	if !w.wroteHeader {
		w.WriteHeader(w.status)
	}

	switch {
	case w.settled:
		w.Flush()
	case w.transport == TransportSSE || w.transport == TransportNDJSON:
		if err := w.forward(w.held); err != nil {
			logger.Warnw("failed to write held stream bytes", "err", err)
		}
		w.held = nil
		frame, err := w.frame(w.settle(w.status))
		if err != nil {
			logger.Errorw("failed to encode payment frame", "err", err)
		} else {
			if w.streamed > 0 && w.last != '\n' {
				frame = append([]byte("\n"), frame...)
			}
			if _, err := w.ResponseWriter.Write(frame); err != nil {
				logger.Warnw("failed to write payment frame", "err", err)
			}
		}
		if w.tail.Len() > 0 {
			_, _ = w.ResponseWriter.Write(w.tail.Bytes())
		}
		w.Flush()
	default:
		w.setResponseHeader(w.settle(w.status))
		w.ResponseWriter.WriteHeader(w.status)
		_, _ = w.ResponseWriter.Write(w.body.Bytes())
	}
	metrics.RecordTagged(ctx, metrics.Transport, w.transport, metrics.ResponseDeliveredCount.M(1))
}

func (w *paymentWriter) frame(resp *types.ResponsePayload) ([]byte, error) {
	if w.transport == TransportSSE {
		return EncodeSSEFrame(resp)
	}
	return EncodeNDJSONFrame(resp)
}
