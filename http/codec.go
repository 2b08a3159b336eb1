package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/x402-foundation/paychan"
	"github.com/x402-foundation/paychan/types"
)

// Header names carrying payment envelopes
const (
	HeaderPaymentData     = "X-Payment-Channel-Data"
	HeaderPaymentResponse = "X-Payment-Channel-Response"
)

// base64url, padding tolerated
var base64URLRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+={0,2}$`)

const requestSchemaJSON = `{
  "type": "object",
  "required": ["version", "signedVoucher"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "maxAmount": {"type": "string", "pattern": "^[0-9]+$"},
    "clientTxRef": {"type": "string", "maxLength": 256},
    "signedVoucher": {
      "type": "object",
      "required": ["voucher", "signature"],
      "properties": {
        "signature": {"type": "string", "pattern": "^(0[xX])?([0-9a-fA-F]{2})*$"},
        "voucher": {
          "type": "object",
          "required": ["version", "chainId", "channelId", "channelEpoch", "vmIdFragment", "accumulatedAmount", "nonce"],
          "properties": {
            "version": {"type": "integer", "minimum": 0, "maximum": 255},
            "chainId": {"type": "integer", "minimum": 0},
            "channelId": {"type": "string", "minLength": 1},
            "channelEpoch": {"type": "integer", "minimum": 0},
            "vmIdFragment": {"type": "string", "minLength": 1},
            "accumulatedAmount": {"type": "string", "pattern": "^[0-9]+$"},
            "nonce": {"type": "integer", "minimum": 0}
          }
        }
      }
    }
  }
}`

const responseSchemaJSON = `{
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "cost": {"type": "string", "pattern": "^[0-9]+$"},
    "nextVoucher": {"type": "object", "required": ["nonce", "accumulatedAmount", "channelId", "vmIdFragment"]},
    "error": {"type": "object", "required": ["code"]}
  }
}`

var (
	requestSchema  = mustSchema(requestSchemaJSON)
	responseSchema = mustSchema(responseSchemaJSON)
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid envelope schema: %v", err))
	}
	return schema
}

// EncodeEnvelope marshals a payload to JSON and base64url-encodes it without padding
func EncodeEnvelope(payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeRequestHeader validates and decodes a payer envelope. It checks:
//   - base64url format
//   - JSON structure against the envelope schema
//   - the version tag
//
// An empty header yields payment_required; every other failure is malformed_envelope.
func DecodeRequestHeader(header string) (*types.RequestPayload, error) {
	if header == "" {
		return nil, paychan.ErrPaymentRequired
	}
	data, err := decodeEnvelope(header, requestSchema)
	if err != nil {
		return nil, err
	}
	payload, err := types.ToRequestPayload(data)
	if err != nil {
		return nil, malformed("invalid request envelope: %v", err)
	}
	return payload, nil
}

// DecodeResponseHeader validates and decodes a payee envelope
func DecodeResponseHeader(header string) (*types.ResponsePayload, error) {
	if header == "" {
		return nil, malformed("empty response envelope")
	}
	data, err := decodeEnvelope(header, responseSchema)
	if err != nil {
		return nil, err
	}
	payload, err := types.ToResponsePayload(data)
	if err != nil {
		return nil, malformed("invalid response envelope: %v", err)
	}
	return payload, nil
}

func decodeEnvelope(encoded string, schema *gojsonschema.Schema) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if !base64URLRegex.MatchString(encoded) {
		return nil, malformed("envelope is not base64url")
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, malformed("base64url decoding failed: %v", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, malformed("envelope is not valid JSON: %v", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, malformed("%s", strings.Join(problems, "; "))
	}

	if _, err := types.DetectVersion(data); err != nil {
		return nil, malformed("%v", err)
	}
	return data, nil
}

func malformed(format string, args ...interface{}) *paychan.PaymentError {
	return &paychan.PaymentError{
		Code:    paychan.ErrCodeMalformedEnvelope,
		Message: fmt.Sprintf(format, args...),
	}
}
