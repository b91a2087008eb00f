package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vajrock/mcp-gdbmi-server/internal/gdbmi"
)

func main() {
	transportMode := flag.String("transport", "sse", "transport mode: sse or stdio")
	addr := flag.String("addr", ":1111", "listen address for sse mode (host:port)")
	gdbPath := flag.String("gdb", "gdb", "gdb executable (a pwndbg wrapper works too)")
	inspectTimeout := flag.Duration("inspect-timeout", 5*time.Second, "timeout for inspection commands")
	flag.Parse()

	// Create MCP server
	implementation := mcp.Implementation{
		Name:    "mcp-gdbmi-server",
		Version: "v1.0.0",
	}
	server := mcp.NewServer(&implementation, nil)
	registerTools(server, gdbmi.Config{
		GDBPath:        *gdbPath,
		InspectTimeout: *inspectTimeout,
	})

	switch *transportMode {
	case "stdio":
		ctx := context.Background()
		if err := server.Run(ctx, mcp.NewStdioTransport()); err != nil {
			log.Fatalf("server terminated with error: %v", err)
		}
	case "sse":
		getServer := func(request *http.Request) *mcp.Server { return server }
		sseHandler := mcp.NewSSEHandler(getServer)
		log.Printf("listening on %s", *addr)
		if err := http.ListenAndServe(*addr, sseHandler); err != nil {
			log.Fatalf("server terminated with error: %v", err)
		}
	default:
		log.Fatalf("unknown transport mode %q (expected 'sse' or 'stdio')", *transportMode)
	}
}
