package mcp_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paychan"
	paychanhttp "github.com/x402-foundation/paychan/http"
	"github.com/x402-foundation/paychan/internal/paychantest"
	"github.com/x402-foundation/paychan/mcp"
	"github.com/x402-foundation/paychan/types"
)

func weatherHandler(ctx context.Context, args map[string]interface{}, toolContext mcp.MCPToolContext) (mcp.MCPToolResult, error) {
	return mcp.MCPToolResult{Content: []mcp.MCPContentItem{{Type: "text", Text: "sunny"}}}, nil
}

// call invokes handler with payload attached the way an MCP client would
func call(t *testing.T, handler mcp.ToolHandler, payload *types.RequestPayload) (mcp.MCPToolResult, *types.ResponsePayload) {
	t.Helper()
	params := map[string]interface{}{"name": "weather"}
	if payload != nil {
		var err error
		params, err = mcp.AttachPaymentToMeta(params, *payload)
		require.NoError(t, err)
	}
	meta, _ := params["_meta"].(map[string]interface{})

	result, err := handler(context.Background(), nil, mcp.MCPToolContext{ToolName: "weather", Meta: meta})
	require.NoError(t, err)
	resp, err := mcp.ExtractPaymentResponseFromMeta(result)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return result, resp
}

func nextRequest(t *testing.T, pc *paychanhttp.PaymentClient) *types.RequestPayload {
	t.Helper()
	payload, err := pc.NextRequest(context.Background())
	require.NoError(t, err)
	return &payload
}

func TestPaymentWrapperRequiresPayment(t *testing.T) {
	f := paychantest.New(t)
	wrapper := mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: paychan.FixedPricer{Amount: big.NewInt(1000)},
	})

	executed := false
	result, resp := call(t, wrapper(func(ctx context.Context, args map[string]interface{}, toolContext mcp.MCPToolContext) (mcp.MCPToolResult, error) {
		executed = true
		return mcp.MCPToolResult{}, nil
	}), nil)

	require.False(t, executed)
	require.True(t, result.IsError)
	require.True(t, mcp.IsPaymentRequired(result))
	require.Equal(t, paychan.ErrCodePaymentRequired, resp.Error.Code)
}

func TestPaymentWrapperCharges(t *testing.T) {
	f := paychantest.New(t)
	pc := f.Client(t)
	handler := mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: paychan.FixedPricer{Amount: big.NewInt(1000)},
	})(weatherHandler)

	for i := 1; i <= 3; i++ {
		result, resp := call(t, handler, nextRequest(t, pc))
		require.False(t, result.IsError)
		require.Equal(t, "sunny", result.Content[0].Text)
		require.Equal(t, "1000", resp.Cost)
		require.NoError(t, pc.Update(resp))
		require.Equal(t, uint64(i), pc.Pending().Nonce)
	}
	require.Equal(t, int64(3000), pc.Spent().Int64())
}

func TestPaymentWrapperRejectsReplay(t *testing.T) {
	f := paychantest.New(t)
	pc := f.Client(t)
	handler := mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: paychan.FixedPricer{Amount: big.NewInt(5)},
	})(weatherHandler)

	_, resp := call(t, handler, nextRequest(t, pc))
	require.NoError(t, pc.Update(resp))

	signed := nextRequest(t, pc)
	_, resp = call(t, handler, signed)
	require.Nil(t, resp.Error)

	result, resp := call(t, handler, signed)
	require.True(t, result.IsError)
	require.Equal(t, paychan.ErrCodeNonceNotSequential, resp.Error.Code)
}

func TestPaymentWrapperPostFlightUsage(t *testing.T) {
	f := paychantest.New(t)
	pc := f.Client(t)
	rules := paychantest.Rules(t, `
rules:
  - route: "* /tools/summarize"
    perUnit: "3"
    base: "1"
`)
	handler := mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: rules.Match("CALL", "/tools/summarize"),
	})(func(ctx context.Context, args map[string]interface{}, toolContext mcp.MCPToolContext) (mcp.MCPToolResult, error) {
		return mcp.MCPToolResult{
			Content: []mcp.MCPContentItem{{Type: "text", Text: "tl;dr"}},
			Usage:   &paychan.Usage{Units: 4},
		}, nil
	})

	_, resp := call(t, handler, nextRequest(t, pc))
	require.Equal(t, "13", resp.Cost)
}

func TestPaymentWrapperToolErrorIsFree(t *testing.T) {
	f := paychantest.New(t)
	pc := f.Client(t)
	handler := mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: paychan.FixedPricer{Amount: big.NewInt(1000)},
	})(func(ctx context.Context, args map[string]interface{}, toolContext mcp.MCPToolContext) (mcp.MCPToolResult, error) {
		return mcp.MCPToolResult{IsError: true, Content: []mcp.MCPContentItem{{Type: "text", Text: "city unknown"}}}, nil
	})

	result, resp := call(t, handler, nextRequest(t, pc))
	require.True(t, result.IsError)
	require.Nil(t, resp.Error)
	require.Equal(t, "0", resp.Cost)
	require.NotNil(t, resp.NextVoucher)
}

func TestPaymentWrapperHooks(t *testing.T) {
	f := paychantest.New(t)
	pc := f.Client(t)

	var order []string
	handler := mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: paychan.FixedPricer{Amount: big.NewInt(1)},
		Hooks: &mcp.PaymentWrapperHooks{
			OnBeforeExecution: func(ctx mcp.ServerHookContext) (bool, error) {
				require.True(t, ctx.Session.Handshake())
				order = append(order, "before")
				return true, nil
			},
			OnAfterExecution: func(ctx mcp.AfterExecutionContext) error {
				order = append(order, "after")
				return errors.New("ignored")
			},
			OnAfterSettlement: func(ctx mcp.SettlementContext) error {
				require.Equal(t, "1", ctx.Response.Cost)
				order = append(order, "settled")
				return nil
			},
		},
	})(weatherHandler)

	result, _ := call(t, handler, nextRequest(t, pc))
	require.False(t, result.IsError)
	require.Equal(t, []string{"before", "after", "settled"}, order)
}

func TestPaymentWrapperBlockedByHook(t *testing.T) {
	f := paychantest.New(t)
	pc := f.Client(t)

	executed := false
	handler := mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: paychan.FixedPricer{Amount: big.NewInt(1)},
		Hooks: &mcp.PaymentWrapperHooks{
			OnBeforeExecution: func(mcp.ServerHookContext) (bool, error) { return false, nil },
		},
	})(func(ctx context.Context, args map[string]interface{}, toolContext mcp.MCPToolContext) (mcp.MCPToolResult, error) {
		executed = true
		return mcp.MCPToolResult{}, nil
	})

	result, resp := call(t, handler, nextRequest(t, pc))
	require.False(t, executed)
	require.True(t, result.IsError)
	require.Equal(t, "0", resp.Cost)
}

func TestPaymentWrapperNeedsPricer(t *testing.T) {
	require.Panics(t, func() {
		mcp.CreatePaymentWrapper(nil, mcp.PaymentWrapperConfig{})
	})
}

func TestPaymentWrapperHandlerErrorStillSettles(t *testing.T) {
	f := paychantest.New(t)
	pc := f.Client(t)
	handler := mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: paychan.FixedPricer{Amount: big.NewInt(1000)},
	})(func(ctx context.Context, args map[string]interface{}, toolContext mcp.MCPToolContext) (mcp.MCPToolResult, error) {
		return mcp.MCPToolResult{}, errors.New("backend unavailable")
	})

	result, resp := call(t, handler, nextRequest(t, pc))
	require.True(t, result.IsError)
	require.Equal(t, "backend unavailable", result.Content[0].Text)
	require.Nil(t, resp.Error)
	require.Equal(t, "0", resp.Cost)
	require.NotNil(t, resp.NextVoucher)

	// the proposal keeps the payer in step for the next call
	require.NoError(t, pc.Update(resp))
	_, resp = call(t, mcp.CreatePaymentWrapper(f.Processor, mcp.PaymentWrapperConfig{
		Pricer: paychan.FixedPricer{Amount: big.NewInt(1000)},
	})(weatherHandler), nextRequest(t, pc))
	require.Nil(t, resp.Error)
	require.Equal(t, "1000", resp.Cost)
}
