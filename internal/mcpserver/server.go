package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all dispute support tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("parley", "1.0.0")
	client := NewParleyClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolListMessages, h.HandleListMessages)
	s.AddTool(ToolSendChat, h.HandleSendChat)
	s.AddTool(ToolApplyVerdict, h.HandleApplyVerdict)
	s.AddTool(ToolPeerDisputeCount, h.HandlePeerDisputeCount)

	return s
}
