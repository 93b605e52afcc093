package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ibbo/rowan/internal/manual"
	"github.com/mark3labs/mcp-go/mcp"
)

// TeachingPointsName is the planner name of TeachingPointsTool.
const TeachingPointsName = "get_teaching_points"

// teachingPreview caps the manual text returned per formation.
const teachingPreview = 500

// teachingFormations are the formation names looked for in a crib, in the
// order they are reported.
var teachingFormations = []string{
	"allemande", "poussette", "promenade", "lead down", "cast off",
	"grand chain", "ladies' chain", "men's chain", "chain progression",
	"set and turn", "turn corners", "set to corners",
	"reel of three", "reel of four", "mirror reel",
	"hands round", "hands across", "rights and lefts",
	"figure of eight", "double triangles", "petronella",
	"advance and retire", "back to back", "bourrel", "knot",
}

// TeachingPoint is the manual's guidance for one formation.
type TeachingPoint struct {
	Formation string `json:"formation"`
	Section   string `json:"section,omitempty"`
	Heading   string `json:"heading,omitempty"`
	Page      int    `json:"page"`
	Content   string `json:"content"`
}

// TeachingPointsResult is the get_teaching_points result.
type TeachingPointsResult struct {
	DanceID         int64           `json:"dance_id"`
	Name            string          `json:"name"`
	Kind            string          `json:"kind"`
	Bars            int             `json:"bars"`
	ManualAvailable bool            `json:"manual_available"`
	FormationsFound []string        `json:"formations_found"`
	TeachingPoints  []TeachingPoint `json:"teaching_points"`
	Message         string          `json:"message,omitempty"`
}

// TeachingPointsTool finds the formations named in a dance's crib and looks
// each one up in the RSCDS manual.
type TeachingPointsTool struct {
	backend DanceBackend
	index   ManualSearcher
}

// NewTeachingPointsTool creates a TeachingPointsTool. index may be nil.
func NewTeachingPointsTool(b DanceBackend, index ManualSearcher) *TeachingPointsTool {
	return &TeachingPointsTool{backend: b, index: index}
}

func (t *TeachingPointsTool) Definition() mcp.Tool {
	return mcp.NewTool(TeachingPointsName,
		mcp.WithDescription(
			"Get RSCDS manual teaching points for the formations used in one dance. "+
				"Reads the dance's crib, picks out formations such as poussette or reel of three, "+
				"and returns the manual's guidance for each with page numbers.",
		),
		mcp.WithNumber("dance_id",
			mcp.Required(),
			mcp.Description("Dance id as returned by find_dances or search_cribs"),
			mcp.Min(1),
		),
	)
}

func (t *TeachingPointsTool) Call(ctx context.Context, args map[string]any) (any, error) {
	id := intArg(args, "dance_id", 0)
	d, err := t.backend.DanceDetail(ctx, int64(id))
	if err != nil {
		return nil, fmt.Errorf("dance %d: %w", id, err)
	}

	res := TeachingPointsResult{
		DanceID:         d.ID,
		Name:            d.Name,
		Kind:            d.Kind,
		Bars:            d.Bars,
		FormationsFound: []string{},
		TeachingPoints:  []TeachingPoint{},
	}
	if d.Crib != nil {
		res.FormationsFound = formationsIn(d.Crib.Text)
	}
	if t.index == nil {
		res.Message = "RSCDS manual not available. Describe the formations from the crib instead."
		return res, nil
	}
	res.ManualAvailable = true

	for _, f := range res.FormationsFound {
		passages, err := t.index.Search(ctx, f, 1)
		if err != nil {
			return nil, fmt.Errorf("manual lookup for %q: %w", f, err)
		}
		if len(passages) == 0 {
			continue
		}
		p := passages[0]
		res.TeachingPoints = append(res.TeachingPoints, TeachingPoint{
			Formation: f,
			Section:   p.Section.Section,
			Heading:   p.Heading,
			Page:      p.Page,
			Content:   preview(p.Content, teachingPreview),
		})
	}
	if len(res.FormationsFound) == 0 {
		res.Message = "No known formations found in the crib."
	}
	return res, nil
}

func formationsIn(crib string) []string {
	text := strings.ToLower(crib)
	found := []string{}
	for _, f := range teachingFormations {
		if strings.Contains(text, f) {
			found = append(found, f)
		}
	}
	return found
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// AllTools returns every planner tool: the dance tools, search_manual and
// get_teaching_points. index may be nil.
func AllTools(b DanceBackend, index ManualSearcher) []Tool {
	return append(DanceTools(b),
		NewSearchManualTool(index),
		NewTeachingPointsTool(b, index),
	)
}

var _ ManualSearcher = (*manual.Index)(nil)
