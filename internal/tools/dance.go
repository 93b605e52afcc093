package tools

import (
	"context"
	"fmt"

	"github.com/ibbo/rowan/internal/scddb"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool names as seen by the planner.
const (
	FindDancesName     = "find_dances"
	DanceDetailName    = "get_dance_detail"
	SearchCribsName    = "search_cribs"
	ListFormationsName = "list_formations"
	SearchManualName   = "search_manual"
)

// FindDancesTool searches dances by criteria.
type FindDancesTool struct {
	backend DanceBackend
}

// NewFindDancesTool creates a FindDancesTool.
func NewFindDancesTool(b DanceBackend) *FindDancesTool {
	return &FindDancesTool{backend: b}
}

func (t *FindDancesTool) Definition() mcp.Tool {
	return mcp.NewTool(FindDancesName,
		mcp.WithDescription(
			"Find Scottish country dances matching the given criteria. "+
				"Combine filters freely. Use metaform_contains for set shapes such as 'Longwise 4 3C', "+
				"min_intensity/max_intensity (1-100) for difficulty: easy is max 40, medium 40-70, hard from 70. "+
				"Set random_variety for a varied selection instead of alphabetical order.",
		),
		mcp.WithString("name_contains",
			mcp.Description("Substring of the dance name, case-insensitive"),
		),
		mcp.WithString("kind",
			mcp.Description("Dance type, e.g. Reel, Jig, Strathspey, Medley"),
		),
		mcp.WithString("metaform_contains",
			mcp.Description("Substring of the set shape, e.g. 'Longwise 4 3C' or 'Square'"),
		),
		mcp.WithNumber("max_bars",
			mcp.Description("Maximum bars per repeat, e.g. 32"),
			mcp.Min(1),
		),
		mcp.WithString("formation_token",
			mcp.Description("Technical formation code, e.g. 'POUSS;3C;' or 'ALLMND;3C;' (see list_formations)"),
		),
		mcp.WithBoolean("official_rscds",
			mcp.Description("true: only dances published by the RSCDS; false: only dances without an RSCDS publication"),
		),
		mcp.WithNumber("min_intensity",
			mcp.Description("Minimum difficulty, 1 (easiest) to 100 (hardest). Unrated dances are excluded"),
			mcp.Min(1), mcp.Max(100),
		),
		mcp.WithNumber("max_intensity",
			mcp.Description("Maximum difficulty, 1 (easiest) to 100 (hardest). Unrated dances are excluded"),
			mcp.Min(1), mcp.Max(100),
		),
		mcp.WithString("sort_by_intensity",
			mcp.Description("Sort by difficulty: 'asc' easiest first, 'desc' hardest first"),
			mcp.Enum("asc", "desc"),
		),
		mcp.WithBoolean("random_variety",
			mcp.Description("Return a random selection of matching dances"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (1-200, default 25)"),
			mcp.Min(1), mcp.Max(scddb.MaxDanceLimit),
		),
	)
}

func (t *FindDancesTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.backend.FindDances(ctx, danceFilterFromArgs(args))
}

func danceFilterFromArgs(args map[string]any) scddb.DanceFilter {
	return scddb.DanceFilter{
		NameContains:     stringArg(args, "name_contains", ""),
		Kind:             stringArg(args, "kind", ""),
		MetaformContains: stringArg(args, "metaform_contains", ""),
		MaxBars:          intArg(args, "max_bars", 0),
		FormationToken:   stringArg(args, "formation_token", ""),
		OfficialRSCDS:    optBoolArg(args, "official_rscds"),
		MinIntensity:     intArg(args, "min_intensity", 0),
		MaxIntensity:     intArg(args, "max_intensity", 0),
		SortByIntensity:  stringArg(args, "sort_by_intensity", ""),
		RandomVariety:    boolArg(args, "random_variety", false),
		Limit:            intArg(args, "limit", 0),
	}
}

// danceFilterArgs is the inverse of danceFilterFromArgs; zero fields are
// left out.
func danceFilterArgs(f scddb.DanceFilter) map[string]any {
	args := map[string]any{}
	setStr := func(k, v string) {
		if v != "" {
			args[k] = v
		}
	}
	setInt := func(k string, v int) {
		if v > 0 {
			args[k] = float64(v)
		}
	}
	setStr("name_contains", f.NameContains)
	setStr("kind", f.Kind)
	setStr("metaform_contains", f.MetaformContains)
	setInt("max_bars", f.MaxBars)
	setStr("formation_token", f.FormationToken)
	if f.OfficialRSCDS != nil {
		args["official_rscds"] = *f.OfficialRSCDS
	}
	setInt("min_intensity", f.MinIntensity)
	setInt("max_intensity", f.MaxIntensity)
	setStr("sort_by_intensity", f.SortByIntensity)
	if f.RandomVariety {
		args["random_variety"] = true
	}
	setInt("limit", f.Limit)
	return args
}

// DanceDetailTool returns everything known about one dance.
type DanceDetailTool struct {
	backend DanceBackend
}

// NewDanceDetailTool creates a DanceDetailTool.
func NewDanceDetailTool(b DanceBackend) *DanceDetailTool {
	return &DanceDetailTool{backend: b}
}

func (t *DanceDetailTool) Definition() mcp.Tool {
	return mcp.NewTool(DanceDetailName,
		mcp.WithDescription(
			"Get details of one dance by id: type, bars, set shape, formations, "+
				"the most reliable crib (step-by-step instructions) and publications.",
		),
		mcp.WithNumber("dance_id",
			mcp.Required(),
			mcp.Description("Dance id as returned by find_dances or search_cribs"),
			mcp.Min(1),
		),
	)
}

func (t *DanceDetailTool) Call(ctx context.Context, args map[string]any) (any, error) {
	id := intArg(args, "dance_id", 0)
	d, err := t.backend.DanceDetail(ctx, int64(id))
	if err != nil {
		return nil, fmt.Errorf("dance %d: %w", id, err)
	}
	return d, nil
}

// SearchCribsTool runs a full-text search over dance cribs.
type SearchCribsTool struct {
	backend DanceBackend
}

// NewSearchCribsTool creates a SearchCribsTool.
func NewSearchCribsTool(b DanceBackend) *SearchCribsTool {
	return &SearchCribsTool{backend: b}
}

func (t *SearchCribsTool) Definition() mcp.Tool {
	return mcp.NewTool(SearchCribsName,
		mcp.WithDescription(
			"Full-text search of dance cribs (the written instructions). "+
				"Use it to find dances containing a move, e.g. 'poussette' or 'reel of three'. "+
				"Every word must appear in the crib.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Words to search for"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (1-200, default 20)"),
			mcp.Min(1), mcp.Max(scddb.MaxCribLimit),
		),
	)
}

func (t *SearchCribsTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.backend.SearchCribs(ctx, stringArg(args, "query", ""), intArg(args, "limit", 0))
}

// ListFormationsTool lists formations with their usage counts.
type ListFormationsTool struct {
	backend DanceBackend
}

// NewListFormationsTool creates a ListFormationsTool.
func NewListFormationsTool(b DanceBackend) *ListFormationsTool {
	return &ListFormationsTool{backend: b}
}

func (t *ListFormationsTool) Definition() mcp.Tool {
	return mcp.NewTool(ListFormationsName,
		mcp.WithDescription(
			"List dance formations with their search tokens and how many dances use them. "+
				"Use the token with find_dances formation_token.",
		),
		mcp.WithString("name_contains",
			mcp.Description("Substring of the formation name, case-insensitive"),
		),
		mcp.WithString("sort_by",
			mcp.Description("'popularity' (most used first, default) or 'alphabetical'"),
			mcp.Enum(scddb.SortPopularity, scddb.SortAlphabetical),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of formations (1-500, default 50)"),
			mcp.Min(1), mcp.Max(scddb.MaxFormationLimit),
		),
	)
}

func (t *ListFormationsTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.backend.ListFormations(ctx,
		stringArg(args, "name_contains", ""),
		stringArg(args, "sort_by", scddb.SortPopularity),
		intArg(args, "limit", 0),
	)
}

// DanceTools returns the four dance tools over one backend.
func DanceTools(b DanceBackend) []Tool {
	return []Tool{
		NewFindDancesTool(b),
		NewDanceDetailTool(b),
		NewSearchCribsTool(b),
		NewListFormationsTool(b),
	}
}
