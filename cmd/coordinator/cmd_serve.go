package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spawn-mcp/research-coordinator/pkg/mcp"
	"github.com/spawn-mcp/research-coordinator/pkg/wiring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve start_research and the research tools over MCP stdio",
	Long: `Starts an MCP server over stdin/stdout. Logs go to stderr so the
transport keeps stdout to itself.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := wiring.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	return mcp.NewMCPServer(rt.Coordinator, rt.Registry).Start(ctx)
}
