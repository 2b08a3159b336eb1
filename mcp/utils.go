package mcp

import (
	"fmt"

	"github.com/x402-foundation/paychan"
	paychanhttp "github.com/x402-foundation/paychan/http"
	"github.com/x402-foundation/paychan/types"
)

// ExtractPaymentFromMeta extracts the request envelope from a tool call's _meta.
// A missing envelope yields (nil, nil); a malformed one a malformed_envelope error.
func ExtractPaymentFromMeta(meta map[string]interface{}) (*types.RequestPayload, error) {
	raw, ok := meta[MCP_PAYMENT_META_KEY]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, &paychan.PaymentError{
			Code:    paychan.ErrCodeMalformedEnvelope,
			Message: fmt.Sprintf("%s must be a string, got %T", MCP_PAYMENT_META_KEY, raw),
		}
	}
	return paychanhttp.DecodeRequestHeader(encoded)
}

// AttachPaymentToMeta returns a copy of params with the request envelope in _meta
func AttachPaymentToMeta(params map[string]interface{}, payload types.RequestPayload) (map[string]interface{}, error) {
	encoded, err := paychanhttp.EncodeEnvelope(payload)
	if err != nil {
		return nil, err
	}

	result := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		result[k] = v
	}

	meta := make(map[string]interface{})
	if existingMeta, ok := result["_meta"].(map[string]interface{}); ok {
		for k, v := range existingMeta {
			meta[k] = v
		}
	}

	meta[MCP_PAYMENT_META_KEY] = encoded
	result["_meta"] = meta
	return result, nil
}

// ExtractPaymentResponseFromMeta extracts the response envelope from a tool result
func ExtractPaymentResponseFromMeta(result MCPToolResult) (*types.ResponsePayload, error) {
	raw, ok := result.Meta[MCP_PAYMENT_RESPONSE_META_KEY]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%s must be a string, got %T", MCP_PAYMENT_RESPONSE_META_KEY, raw)
	}
	return paychanhttp.DecodeResponseHeader(encoded)
}

// AttachPaymentResponseToMeta attaches the response envelope to result
func AttachPaymentResponseToMeta(result MCPToolResult, response types.ResponsePayload) (MCPToolResult, error) {
	encoded, err := paychanhttp.EncodeEnvelope(response)
	if err != nil {
		return result, err
	}
	if result.Meta == nil {
		result.Meta = make(map[string]interface{})
	}
	result.Meta[MCP_PAYMENT_RESPONSE_META_KEY] = encoded
	return result, nil
}

// IsPaymentRequired reports whether result asks the caller to pay
func IsPaymentRequired(result MCPToolResult) bool {
	resp, err := ExtractPaymentResponseFromMeta(result)
	return err == nil && resp != nil && resp.Error != nil && resp.Error.Code == paychan.ErrCodePaymentRequired
}

func textResult(text string) []MCPContentItem {
	return []MCPContentItem{{Type: "text", Text: text}}
}
