// Simulator MCP server.
// Exposes simulator tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/evmsim/internal/mcp"
)

func main() {
	simdURL := os.Getenv("SIMD_URL")
	if simdURL == "" {
		simdURL = "http://localhost:3001"
	}

	s := server.NewMCPServer(
		"evmsim",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(simdURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
