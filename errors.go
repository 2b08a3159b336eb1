package paychan

import (
	"errors"
	"fmt"
	"net/http"
)

// PaymentError represents a payment-protocol error surfaced to the payer
type PaymentError struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	ClientTxRef string                 `json:"clientTxRef,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches payment errors by code so errors.Is works against the sentinels below
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithClientTxRef returns a copy of the error tagged with the client's transaction reference
func (e *PaymentError) WithClientTxRef(ref string) *PaymentError {
	cp := *e
	cp.ClientTxRef = ref
	return &cp
}

// HTTPStatus maps the error code onto the status a client uses to pick its recovery path.
// 4xx codes other than 404/410 mean "retry with a corrected voucher"; 404 and 410 mean
// the channel is unusable and must be re-opened.
func (e *PaymentError) HTTPStatus() int {
	return StatusForCode(e.Code)
}

// Error codes
const (
	ErrCodeMalformedEnvelope      = "malformed_envelope"
	ErrCodeInvalidSignature       = "invalid_signature"
	ErrCodeChannelNotFound        = "channel_not_found"
	ErrCodeEpochMismatch          = "epoch_mismatch"
	ErrCodeNonceNotSequential     = "nonce_not_sequential"
	ErrCodeAmountRegressed        = "amount_regressed"
	ErrCodeAmountExceedsMax       = "amount_exceeds_max"
	ErrCodeChannelClosed          = "channel_closed"
	ErrCodeInsufficientHubBalance = "insufficient_hub_balance"
	ErrCodeClaimFailed            = "claim_failed"
	ErrCodeClaimTimeout           = "claim_timeout"
	ErrCodePaymentRequired        = "payment_required"
	ErrCodeProposalMismatch       = "proposal_mismatch"
	ErrCodeInternal               = "internal_error"
)

// Sentinels for errors.Is checks
var (
	ErrMalformedEnvelope      = &PaymentError{Code: ErrCodeMalformedEnvelope, Message: "malformed payment envelope"}
	ErrInvalidSignature       = &PaymentError{Code: ErrCodeInvalidSignature, Message: "voucher signature does not verify"}
	ErrChannelNotFound        = &PaymentError{Code: ErrCodeChannelNotFound, Message: "channel or sub-channel not found"}
	ErrEpochMismatch          = &PaymentError{Code: ErrCodeEpochMismatch, Message: "voucher epoch does not match channel epoch"}
	ErrNonceNotSequential     = &PaymentError{Code: ErrCodeNonceNotSequential, Message: "voucher nonce is not sequential"}
	ErrAmountRegressed        = &PaymentError{Code: ErrCodeAmountRegressed, Message: "accumulated amount decreased"}
	ErrAmountExceedsMax       = &PaymentError{Code: ErrCodeAmountExceedsMax, Message: "cost exceeds the declared maximum"}
	ErrChannelClosed          = &PaymentError{Code: ErrCodeChannelClosed, Message: "channel is closed"}
	ErrInsufficientHubBalance = &PaymentError{Code: ErrCodeInsufficientHubBalance, Message: "payer hub balance is insufficient"}
	ErrClaimFailed            = &PaymentError{Code: ErrCodeClaimFailed, Message: "ledger claim failed"}
	ErrClaimTimeout           = &PaymentError{Code: ErrCodeClaimTimeout, Message: "ledger claim timed out"}
	ErrPaymentRequired        = &PaymentError{Code: ErrCodePaymentRequired, Message: "payment channel data required"}
	ErrProposalMismatch       = &PaymentError{Code: ErrCodeProposalMismatch, Message: "signed voucher does not match the pending proposal"}
)

// Claim engine errors not surfaced to payers
var (
	ErrNoClaimSlot    = errors.New("no claim slot available")
	ErrClaimInFlight  = errors.New("claim already in flight for sub-channel")
	ErrNothingToClaim = errors.New("no unsettled amount to claim")
)

// ErrNotFound is returned by repositories when a record does not exist
var ErrNotFound = errors.New("not found")

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// AsPaymentError converts any error into a PaymentError, wrapping unknown errors as internal
func AsPaymentError(err error) *PaymentError {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	return &PaymentError{Code: ErrCodeInternal, Message: err.Error()}
}

// StatusForCode maps an error code to an HTTP status
func StatusForCode(code string) int {
	switch code {
	case ErrCodeMalformedEnvelope:
		return http.StatusBadRequest
	case ErrCodePaymentRequired, ErrCodeAmountExceedsMax:
		return http.StatusPaymentRequired
	case ErrCodeInvalidSignature:
		return http.StatusForbidden
	case ErrCodeChannelNotFound:
		return http.StatusNotFound
	case ErrCodeNonceNotSequential, ErrCodeProposalMismatch:
		return http.StatusConflict
	case ErrCodeChannelClosed:
		return http.StatusGone
	case ErrCodeEpochMismatch:
		return http.StatusPreconditionFailed
	case ErrCodeAmountRegressed:
		return http.StatusUnprocessableEntity
	case ErrCodeInsufficientHubBalance:
		return http.StatusPaymentRequired
	case ErrCodeClaimFailed:
		return http.StatusBadGateway
	case ErrCodeClaimTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func newErr(base *PaymentError, format string, args ...interface{}) *PaymentError {
	return &PaymentError{Code: base.Code, Message: fmt.Sprintf(format, args...)}
}
