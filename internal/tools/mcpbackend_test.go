package tools_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ibbo/rowan/internal/config"
	"github.com/ibbo/rowan/internal/logging"
	"github.com/ibbo/rowan/internal/mcpserver"
	"github.com/ibbo/rowan/internal/scddb"
	"github.com/ibbo/rowan/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mcpBackend serves a local backend through an in-process MCP server and
// returns an MCPBackend talking to it.
func mcpBackend(t *testing.T) *tools.MCPBackend {
	t.Helper()
	ctx := context.Background()
	log := logging.New(nil, "silent")
	path := filepath.Join(t.TempDir(), "scddb.sqlite")

	w, err := scddb.Create(ctx, path, log)
	require.NoError(t, err)
	require.NoError(t, scddb.Seed(ctx, w.SQL()))
	require.NoError(t, w.Close())
	db, err := scddb.Open(path, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	poolCfg := config.PoolConfig{MaxSessions: 2, MaxAge: time.Minute}
	local := tools.NewLocalBackend(db, poolCfg, log)
	t.Cleanup(func() { local.Close() })

	srv := mcpserver.New(tools.NewRegistry(tools.DanceTools(local)...), log)
	b := tools.NewMCPBackend(tools.InProcessClientFactory(srv), poolCfg, log)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMCPBackend_FindDances(t *testing.T) {
	b := mcpBackend(t)

	yes := true
	dances, err := b.FindDances(context.Background(), scddb.DanceFilter{
		Kind:          "Reel",
		OfficialRSCDS: &yes,
	})
	require.NoError(t, err)
	var names []string
	for _, d := range dances {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"The Duke of Perth", "The Montgomeries' Rant"}, names)
	assert.Equal(t, "mcp", b.Name())
}

func TestMCPBackend_DanceDetail(t *testing.T) {
	b := mcpBackend(t)
	ctx := context.Background()

	d, err := b.DanceDetail(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "The Duke of Perth", d.Name)
	require.Len(t, d.Publications, 2)
	assert.True(t, d.Publications[0].RSCDS)

	_, err = b.DanceDetail(ctx, 999)
	assert.ErrorIs(t, err, scddb.ErrNotFound)
}

func TestMCPBackend_SearchAndFormations(t *testing.T) {
	b := mcpBackend(t)
	ctx := context.Background()

	hits, err := b.SearchCribs(ctx, "knot", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "A Trip to Bavaria", hits[0].Name)
	assert.Contains(t, hits[0].Snippet, "[knot]")

	fs, err := b.ListFormations(ctx, "reel", scddb.SortAlphabetical, 0)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, "Reel of four", fs[0].Name)
	assert.Equal(t, "Reel of three across", fs[1].Name)
}

func TestMCPBackend_ReusesSessions(t *testing.T) {
	b := mcpBackend(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.FindDances(ctx, scddb.DanceFilter{Limit: 1})
		require.NoError(t, err)
	}
	st := b.Stats()
	assert.Equal(t, uint64(1), st.Created)
	assert.Equal(t, uint64(2), st.Reused)
	assert.Equal(t, 1, st.Idle)
}

func TestMCPName(t *testing.T) {
	assert.Equal(t, "dance_detail", tools.MCPName(tools.DanceDetailName))
	assert.Equal(t, "find_dances", tools.MCPName(tools.FindDancesName))
}
