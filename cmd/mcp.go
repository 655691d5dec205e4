package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpHdlr "hybridrag/handler/mcp"
	"hybridrag/src/log"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the retrieval tools over MCP on stdio",
	Long: `The mcp command exposes search, index_text and resolve_tag as Model Context
Protocol tools. Logs go to stderr; stdout carries the protocol.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := appFromConfig()
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := mcpHdlr.NewServer(a.service)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("mcp server started")
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
