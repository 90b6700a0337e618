package cmd

import (
	"github.com/spf13/cobra"

	"github.com/codefleet/overseer/internal/ledger"
	"github.com/codefleet/overseer/internal/mcp"
	"github.com/codefleet/overseer/internal/reconcile"
	"github.com/codefleet/overseer/internal/registry"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent query overseer natively for sessions and pending
attention items, and answer prompts on the operator's behalf.
Configure with:

  {
    "mcpServers": {
      "overseer": { "command": "overseer", "args": ["mcp"] }
    }
  }

Available tools: overseer_list_sessions, overseer_attention,
overseer_decide, overseer_idle_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		led := ledger.New(s, nil, nil)
		reg := registry.New(s, led, nil, nil)
		rec := reconcile.New(s, led, nil)
		if _, err := rec.Seed(cmd.Context()); err != nil {
			return err
		}

		return mcp.NewServer(reg, led, rec).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
