package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/ibbo/rowan/internal/llm"
)

const gatePrompt = `You are a prompt validator for a Scottish Country Dance assistant. Decide whether the user's latest query is about Scottish Country Dancing.

Scottish Country Dancing topics include:
- Dance names and types (reels, jigs, strathspeys, medleys)
- Formations and moves (poussette, allemande, reels of three)
- Technique, steps and teaching guidance
- RSCDS (Royal Scottish Country Dance Society) publications
- Planning classes or dance programmes
- Dance cribs and instructions
- Scottish dance music and timing

Earlier messages are context only: a short follow-up such as "and a jig?" belongs to the conversation it follows.

Respond with ONLY one word:
ACCEPT if the query is about Scottish Country Dancing
REJECT if it is about something else

Examples:
"Find me some 32-bar reels" -> ACCEPT
"What's the weather today?" -> REJECT
"Tell me about The Reel of the 51st Division" -> ACCEPT
"How do I cook haggis?" -> REJECT`

// PromptConfig controls planner system prompt generation.
type PromptConfig struct {
	Tools       []llm.ToolDefinition
	Now         time.Time
	ExtraPrompt string
}

// BuildPlannerPrompt constructs the planner's system prompt.
func BuildPlannerPrompt(cfg PromptConfig) string {
	var b strings.Builder

	b.WriteString("You are a Scottish Country Dance expert assistant with access to the ")
	b.WriteString("Strathspey Scottish Country Dance Database (SCDDB) and the RSCDS manual.\n\n")

	if !cfg.Now.IsZero() {
		fmt.Fprintf(&b, "Current date: %s\n\n", cfg.Now.Format("2006-01-02"))
	}

	if len(cfg.Tools) > 0 {
		b.WriteString("Available tools:\n")
		for _, t := range cfg.Tools {
			desc, _, _ := strings.Cut(t.Description, ". ")
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, strings.TrimSuffix(desc, "."))
		}
		b.WriteString("\n")
	}

	b.WriteString("Guidelines:\n")
	b.WriteString("- Use find_dances to search by criteria, then get_dance_detail for cribs and publications.\n")
	b.WriteString("- Use search_cribs to find dances containing a particular move.\n")
	b.WriteString("- Use list_formations when you need a formation token for find_dances.\n")
	b.WriteString("- Use search_manual for technique and teaching points, citing page numbers.\n")
	b.WriteString("- Use get_teaching_points to prepare teaching notes for one dance.\n")
	b.WriteString("- Independent lookups can be requested together in one step.\n")
	b.WriteString("- If a tool fails, say what could not be retrieved instead of inventing results.\n")
	b.WriteString("- Give clear, well-structured answers with dance names, types, bars and key formations.\n")

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n")
	}

	return b.String()
}
