package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all HarvestMart tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("harvestmart", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolSearchListings, h.HandleSearchListings)
	s.AddTool(ToolGetListing, h.HandleGetListing)
	s.AddTool(ToolRecommendMarket, h.HandleRecommendMarket)
	s.AddTool(ToolMakeOffer, h.HandleMakeOffer)
	s.AddTool(ToolRespondOffer, h.HandleRespondOffer)
	s.AddTool(ToolGetContract, h.HandleGetContract)
	s.AddTool(ToolContractLedger, h.HandleContractLedger)
	s.AddTool(ToolConfirmReceipt, h.HandleConfirmReceipt)
	s.AddTool(ToolDisputeContract, h.HandleDisputeContract)

	return s
}
