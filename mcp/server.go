package mcp

import (
	"context"
	"math/big"

	log "github.com/ipfs/go-log/v2"

	"github.com/x402-foundation/paychan"
)

var logger = log.Logger("paychan/mcp")

// ToolHandler is the signature for MCP tool handlers
type ToolHandler func(ctx context.Context, args map[string]interface{}, context MCPToolContext) (MCPToolResult, error)

// CreatePaymentWrapper creates a payment wrapper for MCP tool handlers.
// Returns a function that wraps tool handlers with payment logic.
func CreatePaymentWrapper(
	processor *paychan.Processor,
	config PaymentWrapperConfig,
) func(handler ToolHandler) ToolHandler {
	if config.Pricer == nil {
		panic("PaymentWrapperConfig.Pricer is required")
	}
	hooks := config.Hooks
	if hooks == nil {
		hooks = &PaymentWrapperHooks{}
	}

	return func(handler ToolHandler) ToolHandler {
		return func(ctx context.Context, args map[string]interface{}, toolContext MCPToolContext) (MCPToolResult, error) {
			req, err := ExtractPaymentFromMeta(toolContext.Meta)
			if err == nil && req == nil {
				err = paychan.ErrPaymentRequired
			}
			if err != nil {
				return errorResult(err, "")
			}

			session, err := processor.Verify(ctx, *req)
			if err != nil {
				return errorResult(err, req.ClientTxRef)
			}

			var preCost *big.Int
			if config.Pricer.Mode() == paychan.PreFlight {
				if preCost, err = config.Pricer.Price(ctx, paychan.Usage{}); err != nil {
					return errorResult(err, req.ClientTxRef)
				}
				if err := session.CheckCost(preCost); err != nil {
					return errorResult(err, req.ClientTxRef)
				}
			}

			hookContext := ServerHookContext{
				ToolName:  toolContext.ToolName,
				Arguments: args,
				Request:   *req,
				Session:   session,
			}

			if hooks.OnBeforeExecution != nil {
				proceed, err := hooks.OnBeforeExecution(hookContext)
				if err == nil && !proceed {
					err = paychan.NewPaymentError(paychan.ErrCodeInternal, "execution blocked by hook", nil)
				}
				if err != nil {
					// the voucher is already confirmed, so a fresh proposal is still owed
					return settle(ctx, session, new(big.Int), MCPToolResult{IsError: true, Content: textResult(err.Error())}, hookContext, hooks)
				}
			}

			result, err := handler(ctx, args, toolContext)
			if err != nil {
				logger.Warnw("tool handler failed", "tool", toolContext.ToolName, "err", err)
				failed := MCPToolResult{IsError: true, Content: textResult(err.Error()), Usage: result.Usage}
				return settle(ctx, session, toolCost(ctx, config.Pricer, preCost, failed), failed, hookContext, hooks)
			}

			if hooks.OnAfterExecution != nil {
				if err := hooks.OnAfterExecution(AfterExecutionContext{ServerHookContext: hookContext, Result: result}); err != nil {
					logger.Warnw("after execution hook failed", "tool", toolContext.ToolName, "err", err)
				}
			}

			return settle(ctx, session, toolCost(ctx, config.Pricer, preCost, result), result, hookContext, hooks)
		}
	}
}

// toolCost prices a finished call. Tool errors without reported usage are free.
func toolCost(ctx context.Context, pricer paychan.Pricer, preCost *big.Int, result MCPToolResult) *big.Int {
	if result.IsError && result.Usage == nil {
		return new(big.Int)
	}
	if preCost != nil {
		return preCost
	}
	var usage paychan.Usage
	if result.Usage != nil {
		usage = *result.Usage
	}
	cost, err := pricer.Price(ctx, usage)
	if err != nil {
		logger.Warnw("failed to price tool usage, charging nothing", "units", usage.Units, "err", err)
		return new(big.Int)
	}
	return cost
}

func settle(ctx context.Context, session *paychan.Session, cost *big.Int, result MCPToolResult, hookContext ServerHookContext, hooks *PaymentWrapperHooks) (MCPToolResult, error) {
	resp, err := session.Settle(ctx, cost)
	if err != nil {
		logger.Errorw("failed to settle tool call", "tool", hookContext.ToolName, "subChannel", session.Key(), "err", err)
		resp = session.Fail(err)
		result.IsError = true
	} else if hooks.OnAfterSettlement != nil {
		if err := hooks.OnAfterSettlement(SettlementContext{ServerHookContext: hookContext, Response: *resp}); err != nil {
			logger.Warnw("after settlement hook failed", "tool", hookContext.ToolName, "err", err)
		}
	}
	result.Usage = nil
	return AttachPaymentResponseToMeta(result, *resp)
}

// errorResult answers a call that could not be verified with the error
// envelope in _meta and its message as text content
func errorResult(err error, clientTxRef string) (MCPToolResult, error) {
	resp := paychan.ErrorResponse(err, clientTxRef)
	return AttachPaymentResponseToMeta(MCPToolResult{
		IsError: true,
		Content: textResult(resp.Error.Message),
		StructuredContent: map[string]interface{}{
			"code":    resp.Error.Code,
			"message": resp.Error.Message,
		},
	}, *resp)
}
