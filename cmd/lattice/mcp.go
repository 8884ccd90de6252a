package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/aretw0/lattice/internal/cli"
	"github.com/aretw0/lattice/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts the lattice as an MCP Server.
This allows AI agents to query the graph, spawn processes and emit messages as tools.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")

		// Ensure logs don't corrupt JSON-RPC on Stdout
		log.SetOutput(os.Stderr)
		logger := cli.NewLogger(cfg, os.Stderr)

		sigCtx := cli.NewSignalContext(context.Background())
		defer sigCtx.Cancel()

		l, err := cli.Build(sigCtx, cfg, cli.BuildOptions{Logger: logger})
		if err != nil {
			return err
		}
		defer l.Close(context.Background())
		go func() {
			_ = l.Run(sigCtx)
		}()

		srv := mcp.NewServer(l.Graph(), l, mcp.WithLogger(logger), mcp.WithPulser(l.Clock()))

		switch transport {
		case "stdio":
			logger.Info("Starting lattice MCP server (stdio)")
			return srv.ServeStdio()
		case "sse":
			addr := fmt.Sprintf(":%d", port)
			return srv.ServeSSE(sigCtx, addr, fmt.Sprintf("http://localhost:%d", port))
		default:
			return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().Int("port", 8081, "Port to listen on (only for SSE)")
}
