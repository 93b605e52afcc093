package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/ibbo/rowan/internal/agent"
	"github.com/ibbo/rowan/internal/config"
	"github.com/ibbo/rowan/internal/llm"
	"github.com/ibbo/rowan/internal/manual"
	"github.com/ibbo/rowan/internal/scddb"
	"github.com/ibbo/rowan/internal/store"
	"github.com/ibbo/rowan/internal/tools"
)

// closers runs cleanup funcs in reverse order of registration.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// toolset is the dance backend, the manual index and the registry built
// from them.
type toolset struct {
	Backend  tools.DanceBackend
	Registry *tools.Registry
	closers
}

// openTools opens the backend named by kind ("local" or "mcp") and the
// manual index. A missing manual index is not an error; search_manual then
// reports the manual as unavailable.
func openTools(cfg *config.Config, kind string) (*toolset, error) {
	ts := &toolset{}

	switch kind {
	case "local":
		db, err := scddb.Open(cfg.SCDDB.Path, log)
		if err != nil {
			return nil, fmt.Errorf("opening dance database (try `rowan db init --sample`): %w", err)
		}
		ts.add(db.Close)
		b := tools.NewLocalBackend(db, cfg.Pool, log)
		ts.add(b.Close)
		ts.Backend = b
	case "mcp":
		b := tools.NewMCPBackend(tools.StdioClientFactory(mcpCommand(cfg)), cfg.Pool, log)
		ts.add(b.Close)
		ts.Backend = b
	default:
		return nil, fmt.Errorf("unknown tools backend %q", kind)
	}

	var searcher tools.ManualSearcher
	idx, err := manual.Open(cfg.Manual.Path, log)
	switch {
	case errors.Is(err, manual.ErrNotAvailable):
		log.Warn().Str("path", cfg.Manual.Path).Msg("manual index not found, search_manual will report it unavailable")
	case err != nil:
		ts.Close()
		return nil, fmt.Errorf("opening manual index: %w", err)
	default:
		ts.add(idx.Close)
		searcher = idx
	}

	ts.Registry = tools.NewRegistry(tools.AllTools(ts.Backend, searcher)...)
	return ts, nil
}

// mcpCommand defaults the MCP backend to this binary's own `mcp` command,
// pointed at the same config file.
func mcpCommand(cfg *config.Config) config.MCPConfig {
	mc := cfg.Tools.MCP
	if mc.Command != "" {
		return mc
	}
	exe, err := os.Executable()
	if err != nil {
		exe = "rowan"
	}
	mc.Command = exe
	mc.Args = []string{"--config", paths.Config, "mcp"}
	return mc
}

// openThreads opens the checkpoint store selected by cfg.Store.Kind.
func openThreads(cfg *config.Config) (agent.ThreadStore, func() error, error) {
	switch cfg.Store.Kind {
	case "memory":
		return agent.NewMemoryCheckpointStore(), func() error { return nil }, nil
	case "sqlite":
		db, err := store.Open(cfg.Store.Path, log)
		if err != nil {
			return nil, nil, fmt.Errorf("opening checkpoint store: %w", err)
		}
		return store.NewCheckpointStore(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

// app is everything a turn needs: tools, threads and the orchestrator.
type app struct {
	Tools   *toolset
	Threads agent.ThreadStore
	Agent   *agent.Orchestrator
	closers
}

func openApp(cfg *config.Config) (*app, error) {
	if issues := config.Validate(cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return nil, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	providers, err := llm.NewRegistryFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &app{}
	ts, err := openTools(cfg, cfg.Tools.Backend)
	if err != nil {
		return nil, err
	}
	a.Tools = ts
	a.add(ts.Close)

	threads, closeThreads, err := openThreads(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Threads = threads
	a.add(closeThreads)

	a.Agent = agent.NewFromConfig(cfg, providers, ts.Registry, threads, log)
	log.Debug().
		Str("backend", cfg.Tools.Backend).
		Str("store", cfg.Store.Kind).
		Strs("tools", ts.Registry.Names()).
		Msg("agent ready")
	return a, nil
}
