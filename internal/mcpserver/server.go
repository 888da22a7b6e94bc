package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the escrow tools.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreateTransaction, h.HandleCreateTransaction)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolMarkDelivered, h.HandleMarkDelivered)
	s.AddTool(ToolFileDispute, h.HandleFileDispute)
	s.AddTool(ToolOracleStatus, h.HandleOracleStatus)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
