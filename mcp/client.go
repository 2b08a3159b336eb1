package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/x402-foundation/paychan"
	paychanhttp "github.com/x402-foundation/paychan/http"
	"github.com/x402-foundation/paychan/types"
)

// PaychanMCPClient wraps an MCP client with payment channel handling. Tools are
// called unpaid until they ask for payment; from then on every call to that
// tool carries the next signed voucher.
type PaychanMCPClient struct {
	mcpClient MCPClientInterface
	payments  *paychanhttp.PaymentClient
	options   Options

	mu   sync.Mutex
	paid map[string]bool
}

// NewPaychanMCPClient creates a payment-aware MCP client
func NewPaychanMCPClient(mcpClient MCPClientInterface, payments *paychanhttp.PaymentClient, options Options) *PaychanMCPClient {
	return &PaychanMCPClient{
		mcpClient: mcpClient,
		payments:  payments,
		options:   options,
		paid:      make(map[string]bool),
	}
}

// Client returns the underlying MCP client
func (c *PaychanMCPClient) Client() MCPClientInterface {
	return c.mcpClient
}

// Payments returns the underlying voucher state
func (c *PaychanMCPClient) Payments() *paychanhttp.PaymentClient {
	return c.payments
}

// Close closes the MCP connection
func (c *PaychanMCPClient) Close(ctx context.Context) error {
	return c.mcpClient.Close(ctx)
}

// CallTool calls a tool with automatic payment handling
func (c *PaychanMCPClient) CallTool(
	ctx context.Context,
	name string,
	args map[string]interface{},
) (*MCPToolCallResult, error) {
	c.mu.Lock()
	known := c.paid[name]
	c.mu.Unlock()
	if known {
		return c.CallToolWithPayment(ctx, name, args)
	}

	result, err := c.mcpClient.CallTool(ctx, map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}

	if !IsPaymentRequired(result) {
		return &MCPToolCallResult{
			Content:     result.Content,
			IsError:     result.IsError,
			PaymentMade: false,
		}, nil
	}

	resp, _ := ExtractPaymentResponseFromMeta(result)
	if c.options.AutoPayment != nil && !*c.options.AutoPayment {
		return nil, responseError(resp)
	}
	if c.options.OnPaymentRequested != nil {
		approved, err := c.options.OnPaymentRequested(PaymentRequiredContext{
			ToolName:  name,
			Arguments: args,
			Response:  *resp,
		})
		if err != nil {
			return nil, fmt.Errorf("payment request hook error: %w", err)
		}
		if !approved {
			return nil, responseError(resp)
		}
	}

	c.mu.Lock()
	c.paid[name] = true
	c.mu.Unlock()
	return c.CallToolWithPayment(ctx, name, args)
}

// CallToolWithPayment calls a tool with the next request envelope attached.
// A stale voucher is retried once from a handshake.
func (c *PaychanMCPClient) CallToolWithPayment(
	ctx context.Context,
	name string,
	args map[string]interface{},
) (*MCPToolCallResult, error) {
	for attempt := 0; ; attempt++ {
		payload, err := c.payments.NextRequest(ctx)
		if err != nil {
			return nil, err
		}
		params, err := AttachPaymentToMeta(map[string]interface{}{
			"name":      name,
			"arguments": args,
		}, payload)
		if err != nil {
			return nil, err
		}

		result, err := c.mcpClient.CallTool(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to call tool with payment: %w", err)
		}

		resp, err := ExtractPaymentResponseFromMeta(result)
		if err != nil {
			return nil, fmt.Errorf("failed to extract payment response: %w", err)
		}
		if resp == nil {
			return nil, fmt.Errorf("tool %s returned no payment response", name)
		}
		if err := c.payments.Update(resp); err != nil {
			if resp.Error != nil && attempt == 0 && paychanhttp.RetryableCode(resp.Error.Code) {
				logger.Debugw("retrying tool call from handshake", "tool", name, "code", resp.Error.Code)
				continue
			}
			return nil, err
		}

		return &MCPToolCallResult{
			Content:         result.Content,
			IsError:         result.IsError,
			PaymentResponse: resp,
			PaymentMade:     true,
		}, nil
	}
}

func responseError(resp *types.ResponsePayload) error {
	return &paychan.PaymentError{Code: resp.Error.Code, Message: resp.Error.Message, ClientTxRef: resp.ClientTxRef}
}
