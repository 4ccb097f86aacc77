// Package server provides the MCP server implementation for the image context service.
package server

// ToolServer defines the interface for the MCP server that handles
// image tool calls from MCP clients.
type ToolServer interface {
	// Initialize registers the tools.
	Initialize() error

	// Start starts the MCP server on the stdio transport.
	Start() error

	// Stop gracefully shuts down the MCP server.
	Stop() error
}
