package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all viralloop tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("viralloop", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetSuggestion, h.HandleGetSuggestion)
	s.AddTool(ToolGetVerifiedMetrics, h.HandleGetVerifiedMetrics)
	s.AddTool(ToolGetVariantStats, h.HandleGetVariantStats)
	s.AddTool(ToolListVariants, h.HandleListVariants)
	s.AddTool(ToolVerifyReferralLink, h.HandleVerifyReferralLink)
	s.AddTool(ToolReconcileContent, h.HandleReconcileContent)

	return s
}
