package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/x402-foundation/paychan"
	"github.com/x402-foundation/paychan/types"
)

// ============================================================================
// PaymentClient - payer side sub-channel state
// ============================================================================

// PaymentClient holds the payer's view of one sub-channel: the latest proposal
// received from the payee, waiting to be signed on the next request
type PaymentClient struct {
	signer       paychan.VoucherSigner
	chainID      uint64
	channelID    string
	vmIDFragment string
	maxAmount    *big.Int

	mu       sync.Mutex
	epoch    uint64
	proposal *paychan.Voucher
	spent    *big.Int
}

// PaymentClientConfig identifies the sub-channel a client pays through
type PaymentClientConfig struct {
	Signer       paychan.VoucherSigner
	ChainID      uint64
	ChannelID    string
	Epoch        uint64
	VMIDFragment string
	// MaxAmount is sent with every request and bounds the cost of each proposal. Optional.
	MaxAmount *big.Int
}

// NewPaymentClient creates a client that starts with a handshake
func NewPaymentClient(cfg PaymentClientConfig) (*PaymentClient, error) {
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.ChannelID == "" || cfg.VMIDFragment == "" {
		return nil, errors.New("channel id and vmIdFragment are required")
	}
	return &PaymentClient{
		signer:       cfg.Signer,
		chainID:      cfg.ChainID,
		channelID:    cfg.ChannelID,
		vmIDFragment: cfg.VMIDFragment,
		maxAmount:    cfg.MaxAmount,
		epoch:        cfg.Epoch,
		spent:        new(big.Int),
	}, nil
}

// NextRequest builds the payload for the next request. The pending proposal is
// signed and consumed; without one the client sends a handshake.
func (c *PaymentClient) NextRequest(ctx context.Context) (types.RequestPayload, error) {
	c.mu.Lock()
	proposal := c.proposal
	c.proposal = nil
	epoch := c.epoch
	c.mu.Unlock()

	payload := types.RequestPayload{Version: types.CurrentVersion}
	if c.maxAmount != nil {
		payload.MaxAmount = c.maxAmount.String()
	}

	if proposal == nil {
		hs := paychan.HandshakeVoucher(c.chainID, c.channelID, epoch, c.vmIDFragment)
		payload.SignedVoucher = paychan.SignedVoucher{Voucher: hs}.ToWire()
		return payload, nil
	}

	sig, err := c.signer.Sign(ctx, *proposal)
	if err != nil {
		return types.RequestPayload{}, fmt.Errorf("failed to sign proposal: %w", err)
	}
	payload.SignedVoucher = paychan.SignedVoucher{Voucher: *proposal, Signature: sig}.ToWire()
	return payload, nil
}

// Update applies a payee response. A valid proposal is kept for the next
// request; protocol errors reset the client to a handshake.
func (c *PaymentClient) Update(resp *types.ResponsePayload) error {
	if resp == nil {
		return nil
	}
	if resp.IsError() {
		c.mu.Lock()
		c.proposal = nil
		c.mu.Unlock()
		return &paychan.PaymentError{Code: resp.Error.Code, Message: resp.Error.Message, ClientTxRef: resp.ClientTxRef}
	}
	if resp.NextVoucher == nil {
		return nil
	}

	next, err := paychan.VoucherFromWire(*resp.NextVoucher)
	if err != nil {
		return fmt.Errorf("invalid proposal: %w", err)
	}
	if err := c.checkProposal(next, resp.Cost); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proposal != nil && c.proposal.Nonce == next.Nonce && c.proposal.Amount().Cmp(next.Amount()) > 0 {
		// an older response for the same nonce arrived late
		return nil
	}
	if cost, ok := new(big.Int).SetString(resp.Cost, 10); ok {
		c.spent.Add(c.spent, cost)
	}
	c.proposal = &next
	c.epoch = next.ChannelEpoch
	return nil
}

func (c *PaymentClient) checkProposal(next paychan.Voucher, cost string) error {
	if next.ChainID != c.chainID || !strings.EqualFold(next.ChannelID, c.channelID) || next.VMIDFragment != c.vmIDFragment {
		return fmt.Errorf("proposal for %s#%s on chain %d does not match client sub-channel", next.ChannelID, next.VMIDFragment, next.ChainID)
	}
	if c.maxAmount == nil || cost == "" {
		return nil
	}
	amount, ok := new(big.Int).SetString(cost, 10)
	if !ok {
		return fmt.Errorf("invalid proposal cost %q", cost)
	}
	if amount.Cmp(c.maxAmount) > 0 {
		return fmt.Errorf("proposal cost %s exceeds maxAmount %s", amount, c.maxAmount)
	}
	return nil
}

// Pending returns the proposal awaiting signature, if any
func (c *PaymentClient) Pending() *paychan.Voucher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proposal == nil {
		return nil
	}
	p := *c.proposal
	return &p
}

// Spent is the sum of costs reported by the payee in this client's lifetime
func (c *PaymentClient) Spent() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.spent)
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClient wraps a standard HTTP client with payment channel handling
func WrapHTTPClient(client *http.Client, pc *PaymentClient) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped.Transport = &PaymentRoundTripper{Transport: transport, Client: pc}
	return &wrapped
}

// PaymentRoundTripper implements http.RoundTripper. It attaches the payment
// envelope, reads the response envelope from the header or from in-band
// frames, and strips those frames from streamed bodies.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Client    *PaymentClient
}

// RoundTrip implements http.RoundTripper
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		resp, err = t.roundTrip(req, body)
		if err != nil {
			return nil, err
		}
		if attempt > 0 || !retryable(resp) {
			return resp, nil
		}
		// stale proposal: the client is reset to a handshake, try once more
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return resp, nil
}

func (t *PaymentRoundTripper) roundTrip(req *http.Request, body []byte) (*http.Response, error) {
	ctx := req.Context()
	payload, err := t.Client.NextRequest(ctx)
	if err != nil {
		return nil, err
	}
	encoded, err := EncodeEnvelope(payload)
	if err != nil {
		return nil, err
	}

	paid := req.Clone(ctx)
	if body != nil {
		paid.Body = io.NopCloser(bytes.NewReader(body))
		paid.ContentLength = int64(len(body))
	}
	paid.Header.Set(HeaderPaymentData, encoded)

	resp, err := t.Transport.RoundTrip(paid)
	if err != nil {
		return nil, err
	}

	if header := resp.Header.Get(HeaderPaymentResponse); header != "" {
		decoded, err := DecodeResponseHeader(header)
		if err != nil {
			logger.Warnw("ignoring invalid payment response header", "err", err)
		} else if err := t.Client.Update(decoded); err != nil {
			logger.Debugw("payment response rejected", "err", err)
		}
		return resp, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, ContentTypeSSE) || strings.HasPrefix(contentType, ContentTypeNDJSON) {
		resp.Body = newFrameStripper(resp.Body, func(p *types.ResponsePayload) {
			if err := t.Client.Update(p); err != nil {
				logger.Debugw("payment frame rejected", "err", err)
			}
		})
	}
	return resp, nil
}

func retryable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusConflict && resp.StatusCode != http.StatusPreconditionFailed {
		return false
	}
	decoded, err := DecodeResponseHeader(resp.Header.Get(HeaderPaymentResponse))
	if err != nil || decoded.Error == nil {
		return false
	}
	return RetryableCode(decoded.Error.Code)
}

// RetryableCode reports whether a request rejected with code succeeds when
// retried from a handshake
func RetryableCode(code string) bool {
	switch code {
	case paychan.ErrCodeNonceNotSequential, paychan.ErrCodeProposalMismatch:
		return true
	}
	return false
}

func replayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return data, nil
}
