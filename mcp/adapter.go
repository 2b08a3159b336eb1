package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// sdkAdapter adapts the official Go MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// ClientSession to the MCPClientInterface.
//
// Use NewMCPClientAdapter to create an instance.
type sdkAdapter struct {
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// NewMCPClientAdapter creates an MCPClientInterface from the official Go MCP SDK types.
//
// Example:
//
//	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{
//	    Name: "my-agent", Version: "1.0.0",
//	}, nil)
//	session, err := mcpClient.Connect(ctx, transport, nil)
//	if err != nil { ... }
//
//	adapter := mcp.NewMCPClientAdapter(mcpClient, session)
//	paid := mcp.NewPaychanMCPClient(adapter, payments, mcp.Options{})
func NewMCPClientAdapter(client *mcpsdk.Client, session *mcpsdk.ClientSession) MCPClientInterface {
	return &sdkAdapter{client: client, session: session}
}

func (a *sdkAdapter) Close(ctx context.Context) error {
	return a.session.Close()
}

func (a *sdkAdapter) CallTool(ctx context.Context, params map[string]interface{}) (MCPToolResult, error) {
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})
	meta, _ := params["_meta"].(map[string]interface{})

	callParams := &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	}
	if meta != nil {
		callParams.Meta = mcpsdk.Meta(meta)
	}

	result, err := a.session.CallTool(ctx, callParams)
	if err != nil {
		return MCPToolResult{}, err
	}

	content := make([]MCPContentItem, 0, len(result.Content))
	for _, item := range result.Content {
		if textContent, ok := item.(*mcpsdk.TextContent); ok {
			content = append(content, MCPContentItem{
				Type: "text",
				Text: textContent.Text,
			})
		}
	}

	mcpResult := MCPToolResult{
		Content: content,
		IsError: result.IsError,
	}

	if structuredMap, ok := result.StructuredContent.(map[string]interface{}); ok {
		mcpResult.StructuredContent = structuredMap
	}

	// Meta carries the payment response
	if result.Meta != nil {
		metaMap := result.Meta.GetMeta()
		if len(metaMap) > 0 {
			mcpResult.Meta = make(map[string]interface{}, len(metaMap))
			for k, v := range metaMap {
				mcpResult.Meta[k] = v
			}
		}
	}

	return mcpResult, nil
}

// SDKToolHandler exposes handler as an official SDK tool handler, moving
// arguments and _meta across in both directions
func SDKToolHandler(handler ToolHandler) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := make(map[string]interface{})
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return &mcpsdk.CallToolResult{
					IsError: true,
					Content: []mcpsdk.Content{
						&mcpsdk.TextContent{Text: fmt.Sprintf("failed to unmarshal arguments: %v", err)},
					},
				}, nil
			}
		}
		meta := make(map[string]interface{})
		if req.Params.Meta != nil {
			meta = req.Params.Meta.GetMeta()
		}

		result, err := handler(ctx, args, MCPToolContext{
			ToolName:  req.Params.Name,
			Arguments: args,
			Meta:      meta,
		})
		if err != nil {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{
					&mcpsdk.TextContent{Text: err.Error()},
				},
			}, nil
		}

		content := make([]mcpsdk.Content, len(result.Content))
		for i, item := range result.Content {
			content[i] = &mcpsdk.TextContent{Text: item.Text}
		}

		callResult := &mcpsdk.CallToolResult{
			Content: content,
			IsError: result.IsError,
		}
		if result.StructuredContent != nil {
			callResult.StructuredContent = result.StructuredContent
		}
		if result.Meta != nil {
			metaMap := make(mcpsdk.Meta, len(result.Meta))
			for k, v := range result.Meta {
				metaMap[k] = v
			}
			callResult.Meta = metaMap
		}
		return callResult, nil
	}
}
