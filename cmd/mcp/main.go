// Command mcp serves escrowd operations as MCP tools over stdio, acting
// as one agent against a running escrowd API.
//
//	ESCROWD_TOKEN=... ESCROWD_AGENT_ADDRESS=0x... mcp [-api http://localhost:8080]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowd/internal/mcpserver"
	"github.com/mbd888/escrowd/internal/validation"
)

func main() {
	api := flag.String("api", envOr("ESCROWD_API_URL", "http://localhost:8080"), "escrowd API base URL")
	flag.Parse()

	cfg := mcpserver.Config{
		APIURL:       *api,
		Token:        os.Getenv("ESCROWD_TOKEN"),
		AgentAddress: os.Getenv("ESCROWD_AGENT_ADDRESS"),
	}
	if err := check(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "mcp:", err)
		os.Exit(2)
	}

	// stdout carries the protocol; diagnostics go to stderr.
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintln(os.Stderr, "mcp:", err)
		os.Exit(1)
	}
}

func check(cfg mcpserver.Config) error {
	switch {
	case cfg.Token == "":
		return errors.New("ESCROWD_TOKEN is required")
	case !validation.IsValidEthAddress(cfg.AgentAddress):
		return errors.New("ESCROWD_AGENT_ADDRESS must be a 0x address")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
