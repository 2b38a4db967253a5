// Command mcp-bridge serves a stdio MCP server to HTTP clients.
//
// See package bridge for configuration.
package main

import (
	"log"
	"os"

	"github.com/viant/mcpbridge/bridge"
)

func main() {
	if err := bridge.Run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
