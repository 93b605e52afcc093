package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ibbo/rowan/internal/config"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/pool"
	"github.com/ibbo/rowan/internal/scddb"
	"github.com/ibbo/rowan/internal/version"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// mcpNames maps planner tool names to the names served over MCP where
// they differ.
var mcpNames = map[string]string{
	DanceDetailName: "dance_detail",
}

// MCPName returns the MCP-facing name of a planner tool.
func MCPName(name string) string {
	if n, ok := mcpNames[name]; ok {
		return n
	}
	return name
}

// RemoteError is a tool failure reported by the MCP server.
type RemoteError struct {
	Tool    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

// MCPBackend answers dance queries by calling an MCP server that serves the
// dance tools (normally `rowan mcp`). Initialised client sessions are pooled;
// a session whose transport fails is discarded.
type MCPBackend struct {
	pool *pool.Pool[*client.Client]
	log  *logging.Logger
}

// NewMCPBackend pools sessions opened by factory.
func NewMCPBackend(factory pool.Factory[*client.Client], cfg config.PoolConfig, log *logging.Logger) *MCPBackend {
	p := pool.New(factory, pool.Options[*client.Client]{
		Name:        "mcp",
		MaxSessions: cfg.MaxSessions,
		MaxAge:      cfg.MaxAge,
		Close:       (*client.Client).Close,
		Log:         log,
	})
	return &MCPBackend{pool: p, log: log.Sub("mcp-backend")}
}

// StdioClientFactory spawns the configured MCP server command per session.
func StdioClientFactory(cfg config.MCPConfig) pool.Factory[*client.Client] {
	return func(ctx context.Context) (*client.Client, error) {
		env := append(os.Environ(), cfg.Env...)
		c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
		}
		if err := initialize(ctx, c); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
}

// InProcessClientFactory connects sessions directly to s without a
// subprocess.
func InProcessClientFactory(s *server.MCPServer) pool.Factory[*client.Client] {
	return func(ctx context.Context) (*client.Client, error) {
		c, err := client.NewInProcessClient(s)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("starting in-process client: %w", err)
		}
		if err := initialize(ctx, c); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
}

func initialize(ctx context.Context, c *client.Client) error {
	req := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    version.Name,
				Version: version.Version,
			},
		},
	}
	if _, err := c.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initializing mcp session: %w", err)
	}
	return nil
}

func (b *MCPBackend) call(ctx context.Context, tool string, args map[string]any, out any) error {
	name := MCPName(tool)
	return b.pool.With(ctx, func(c *client.Client) error {
		res, err := c.CallTool(ctx, mcp.CallToolRequest{
			Params: mcp.CallToolParams{Name: name, Arguments: args},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: calling %s: %w", pool.ErrBroken, name, err)
		}
		text := resultText(res)
		if res.IsError {
			return &RemoteError{Tool: name, Message: text}
		}
		if err := json.Unmarshal([]byte(text), out); err != nil {
			return fmt.Errorf("decoding %s result: %w", name, err)
		}
		return nil
	})
}

func resultText(r *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range r.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			b.WriteString(tc.Text)
		case *mcp.TextContent:
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func (b *MCPBackend) FindDances(ctx context.Context, f scddb.DanceFilter) ([]scddb.Dance, error) {
	var out []scddb.Dance
	err := b.call(ctx, FindDancesName, danceFilterArgs(f), &out)
	return out, err
}

func (b *MCPBackend) DanceDetail(ctx context.Context, id int64) (*scddb.DanceDetail, error) {
	var out scddb.DanceDetail
	err := b.call(ctx, DanceDetailName, map[string]any{"dance_id": float64(id)}, &out)
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) && strings.Contains(re.Message, scddb.ErrNotFound.Error()) {
			return nil, fmt.Errorf("%w: %d", scddb.ErrNotFound, id)
		}
		return nil, err
	}
	return &out, nil
}

func (b *MCPBackend) SearchCribs(ctx context.Context, query string, limit int) ([]scddb.CribHit, error) {
	args := map[string]any{"query": query}
	if limit > 0 {
		args["limit"] = float64(limit)
	}
	var out []scddb.CribHit
	err := b.call(ctx, SearchCribsName, args, &out)
	return out, err
}

func (b *MCPBackend) ListFormations(ctx context.Context, nameContains, sortBy string, limit int) ([]scddb.Formation, error) {
	args := map[string]any{}
	if nameContains != "" {
		args["name_contains"] = nameContains
	}
	if sortBy != "" {
		args["sort_by"] = sortBy
	}
	if limit > 0 {
		args["limit"] = float64(limit)
	}
	var out []scddb.Formation
	err := b.call(ctx, ListFormationsName, args, &out)
	return out, err
}

func (b *MCPBackend) Name() string      { return b.pool.Name() }
func (b *MCPBackend) Stats() pool.Stats { return b.pool.Stats() }

// Close closes idle sessions; borrowed ones close when returned.
func (b *MCPBackend) Close() error {
	return b.pool.Close()
}
