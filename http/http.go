// Package http carries payment channel envelopes over HTTP: header and
// in-band frame codecs, the payee middleware and the payer round tripper.
package http

import (
	"context"
	"io"
	"net/http"

	"github.com/x402-foundation/paychan"
)

// ============================================================================
// Convenience functions
// ============================================================================

// PaymentMiddleware returns the net/http middleware charging requests per rules
func PaymentMiddleware(processor *paychan.Processor, rules paychan.RouteRules) func(http.Handler) http.Handler {
	return NewMiddleware(processor, rules).Handler
}

// Get performs a GET request through a payment-channel aware client
func Get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// Post performs a POST request through a payment-channel aware client
func Post(ctx context.Context, client *http.Client, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return client.Do(req)
}
