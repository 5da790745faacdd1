// HarvestMart MCP Server - Exposes marketplace tools to LLM agents over stdio
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/harvestmart/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("HARVESTMART_API_URL", "http://localhost:8080"),
		PartyID: os.Getenv("HARVESTMART_PARTY_ID"),
		Token:   os.Getenv("HARVESTMART_API_TOKEN"),
	}

	if cfg.PartyID == "" {
		fmt.Fprintln(os.Stderr, "HARVESTMART_PARTY_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
