// Package mcpserver exposes the dance and manual tools over the Model
// Context Protocol so other MCP clients (and rowan's own "mcp" tool backend)
// can query the dance database directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/tools"
	"github.com/ibbo/rowan/internal/version"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const instructions = `Tools for the Strathspey Scottish Country Dance Database and the RSCDS manual.
Use find_dances to search by type, shape, difficulty or publication; dance_detail for the crib,
formations and publications of one dance; search_cribs to find dances containing a move;
list_formations to discover formation tokens; search_manual for technique and teaching points;
get_teaching_points for the manual's guidance on every formation in one dance.`

// New creates an MCP server serving every tool in reg. Tools keep their
// registry names except where tools.MCPName renames them.
func New(reg *tools.Registry, log *logging.Logger) *server.MCPServer {
	log = log.Sub("mcpserver")
	s := server.NewMCPServer(
		version.Name,
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	for _, def := range reg.Definitions() {
		name := def.Name
		def.Name = tools.MCPName(name)
		s.AddTool(def, handler(reg, name, log))
	}
	return s
}

func handler(reg *tools.Registry, name string, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := reg.Invoke(ctx, name, req.GetArguments())
		if err != nil {
			log.Debug().Err(err).Str("tool", name).Msg("tool call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(res)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// ServeStdio serves s on stdin/stdout until the input closes.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
