// Package mcp carries payment channel envelopes over MCP (Model Context Protocol)
// tool calls.
//
// The payer attaches the base64url request envelope under the "paychan/payment"
// key of the call's _meta; the payee answers with the response envelope under
// "paychan/payment-response" in the result's _meta, on success and on error.
//
// # Server Usage
//
// Wrap tool handlers with payment:
//
//	wrapper := mcp.CreatePaymentWrapper(processor, mcp.PaymentWrapperConfig{
//	    Pricer: paychan.FixedPricer{Amount: big.NewInt(1000)},
//	})
//
//	mcpServer.AddTool(&mcpsdk.Tool{Name: "get_weather", InputSchema: schema},
//	    mcp.SDKToolHandler(wrapper(weatherHandler)))
//
// # Client Usage
//
// Wrap an MCP session with payment handling:
//
//	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "my-agent", Version: "1.0.0"}, nil)
//	session, _ := mcpClient.Connect(ctx, transport, nil)
//
//	payments, _ := paychanhttp.NewPaymentClient(paychanhttp.PaymentClientConfig{...})
//	paid := mcp.NewPaychanMCPClient(mcp.NewMCPClientAdapter(mcpClient, session), payments, mcp.Options{})
//
//	// Payment handled automatically once the tool asks for it
//	result, err := paid.CallTool(ctx, "get_weather", map[string]interface{}{"city": "NYC"})
package mcp
