package main

import (
	"context"

	"github.com/diabetactic/diabetactic-go"
	dmcp "github.com/diabetactic/diabetactic-go/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server exposing readings, appointments and sync",
	Long: `Start a Model Context Protocol (MCP) server over stdio so an assistant
can record and query glucose readings on the patient's behalf.

Example client configuration:

  {
    "mcpServers": {
      "diabetactic": {
        "command": "diabetactic",
        "args": ["mcp"],
        "env": {
          "DIABETACTIC_MODE": "cloud",
          "DIABETACTIC_USERNAME": "12345678A",
          "DIABETACTIC_PASSWORD": "..."
        }
      }
    }
  }

When credentials are configured the server logs in at startup; otherwise
the diabetactic_login tool must be called first.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	login := false
	if user, pass := credentials(); user != "" && pass != "" {
		login = true
	}
	return withClient(cmd, login, func(ctx context.Context, c *diabetactic.Client) error {
		user, pass := credentials()
		return dmcp.NewServer(c, dmcp.WithCredentials(user, pass)).Run()
	})
}
