package mcp

import (
	"context"
)

// MCPClientInterface is the part of an MCP client the payment client drives.
// This allows us to work with any MCP SDK implementation.
type MCPClientInterface interface {
	CallTool(ctx context.Context, params map[string]interface{}) (MCPToolResult, error)
	Close(ctx context.Context) error
}
