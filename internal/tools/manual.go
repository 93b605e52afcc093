package tools

import (
	"context"

	"github.com/ibbo/rowan/internal/manual"
	"github.com/mark3labs/mcp-go/mcp"
)

// ManualSearcher is implemented by *manual.Index.
type ManualSearcher interface {
	Search(ctx context.Context, query string, n int) ([]manual.Passage, error)
}

// ManualResult is the search_manual result.
type ManualResult struct {
	Available bool             `json:"available"`
	Query     string           `json:"query"`
	Passages  []manual.Passage `json:"passages"`
	Message   string           `json:"message,omitempty"`
}

// SearchManualTool searches the RSCDS manual. With no index it still
// answers, saying the manual is unavailable, so the turn carries on.
type SearchManualTool struct {
	index ManualSearcher
}

// NewSearchManualTool creates a SearchManualTool. index may be nil.
func NewSearchManualTool(index ManualSearcher) *SearchManualTool {
	return &SearchManualTool{index: index}
}

func (t *SearchManualTool) Definition() mcp.Tool {
	return mcp.NewTool(SearchManualName,
		mcp.WithDescription(
			"Search the RSCDS manual for formations, teaching points, technique and general "+
				"Scottish country dancing guidance. Use it for 'how do I teach/dance X' questions. "+
				"Results include page numbers.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("What to look up, e.g. 'poussette teaching points'"),
		),
		mcp.WithNumber("num_results",
			mcp.Description("Number of passages to return (1-10, default 3); other values are clamped"),
		),
	)
}

func (t *SearchManualTool) Call(ctx context.Context, args map[string]any) (any, error) {
	query := stringArg(args, "query", "")
	if t.index == nil {
		return ManualResult{
			Query:    query,
			Passages: []manual.Passage{},
			Message:  "RSCDS manual not available. Answer from the dance database or general knowledge.",
		}, nil
	}

	passages, err := t.index.Search(ctx, query, intArg(args, "num_results", manual.DefaultResults))
	if err != nil {
		return nil, err
	}
	res := ManualResult{Available: true, Query: query, Passages: passages}
	if len(passages) == 0 {
		res.Message = "No relevant information found in the RSCDS manual."
	}
	return res, nil
}
