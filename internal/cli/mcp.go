package cli

import (
	"github.com/ibbo/rowan/internal/mcpserver"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the dance and manual tools over MCP stdio",
		Long: "Expose the dance database and manual tools to MCP clients on stdin/stdout. " +
			"The mcp tools backend spawns this command. Logs go to stderr or the configured file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// always local: serving the mcp backend from itself would recurse
			ts, err := openTools(&cfg, "local")
			if err != nil {
				return err
			}
			defer ts.Close()

			log.Info().Strs("tools", ts.Registry.Names()).Msg("serving MCP on stdio")
			return mcpserver.ServeStdio(mcpserver.New(ts.Registry, log))
		},
	}
}
