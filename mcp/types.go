package mcp

import (
	"github.com/x402-foundation/paychan"
	"github.com/x402-foundation/paychan/types"
)

// Protocol constants for MCP payment channel integration.
const (
	// MCP_PAYMENT_META_KEY is the MCP _meta key for the request envelope (client → server)
	MCP_PAYMENT_META_KEY = "paychan/payment"

	// MCP_PAYMENT_RESPONSE_META_KEY is the MCP _meta key for the response envelope (server → client)
	MCP_PAYMENT_RESPONSE_META_KEY = "paychan/payment-response"
)

// MCPToolContext provides context during tool execution
type MCPToolContext struct {
	ToolName  string
	Arguments map[string]interface{}
	Meta      map[string]interface{}
}

// MCPToolResult represents an MCP tool call result
type MCPToolResult struct {
	Content           []MCPContentItem
	IsError           bool
	Meta              map[string]interface{}
	StructuredContent map[string]interface{}

	// Usage is read by post-flight pricers; it never leaves the server
	Usage *paychan.Usage
}

// MCPContentItem represents an MCP content item
type MCPContentItem struct {
	Type string
	Text string
}

// MCPToolCallResult represents the result of a tool call with payment metadata
type MCPToolCallResult struct {
	Content         []MCPContentItem
	IsError         bool
	PaymentResponse *types.ResponsePayload
	PaymentMade     bool
}

// Options configures PaychanMCPClient behavior
type Options struct {
	// AutoPayment enables automatic payment handling when a tool requires payment.
	// When nil, defaults to true. Set to BoolPtr(false) to disable.
	AutoPayment *bool

	// OnPaymentRequested is called the first time a tool asks for payment.
	// Return (true, nil) to approve, (false, nil) to deny.
	OnPaymentRequested func(context PaymentRequiredContext) (bool, error)
}

// BoolPtr returns a pointer to the given bool value.
//
// Example:
//
//	options := mcp.Options{AutoPayment: mcp.BoolPtr(false)}
func BoolPtr(b bool) *bool {
	return &b
}

// PaymentRequiredContext is provided to OnPaymentRequested
type PaymentRequiredContext struct {
	ToolName  string
	Arguments map[string]interface{}
	Response  types.ResponsePayload
}

// PaymentWrapperConfig configures payment wrapper behavior
type PaymentWrapperConfig struct {
	Pricer paychan.Pricer
	Hooks  *PaymentWrapperHooks
}

// PaymentWrapperHooks provides server-side hooks
type PaymentWrapperHooks struct {
	OnBeforeExecution BeforeExecutionHook
	OnAfterExecution  AfterExecutionHook
	OnAfterSettlement AfterSettlementHook
}

// ServerHookContext is provided to server-side hooks
type ServerHookContext struct {
	ToolName  string
	Arguments map[string]interface{}
	Request   types.RequestPayload
	Session   *paychan.Session
}

// BeforeExecutionHook is called before tool execution (can abort)
type BeforeExecutionHook func(context ServerHookContext) (bool, error)

// AfterExecutionContext extends ServerHookContext with result
type AfterExecutionContext struct {
	ServerHookContext
	Result MCPToolResult
}

// AfterExecutionHook is called after tool execution
type AfterExecutionHook func(context AfterExecutionContext) error

// SettlementContext extends ServerHookContext with the issued response
type SettlementContext struct {
	ServerHookContext
	Response types.ResponsePayload
}

// AfterSettlementHook is called after the next proposal is issued
type AfterSettlementHook func(context SettlementContext) error
