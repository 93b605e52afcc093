package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Some local models ignore the native tool API and write calls into their
// reply as fenced blocks:
//
//	```tool_call
//	{"tool": "find_dances", "input": {"kind": "Reel"}}
//	```
//
// ExtractTextToolCalls recovers those so the planner loop still works.

// toolCallRe matches ```tool_call\n{...}\n``` blocks in model output.
var toolCallRe = regexp.MustCompile("(?s)```tool_call\\s*\n(\\{.*?\\})\n\\s*```")

// xmlFuncCallRe matches <function_calls>...</function_calls> blocks.
var xmlFuncCallRe = regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`)

// xmlBlockLevelRe matches self-contained XML blocks emitted for tool use.
var xmlBlockLevelRe = regexp.MustCompile(`(?s)(?:` +
	`<invoke\b[^>]*>.*?</invoke>` +
	`|<tool_call\b[^>]*>.*?</tool_call>` +
	`|<tool_use\b[^>]*>.*?</tool_use>` +
	`)`)

// xmlInlineTagRe matches parameter tags that can appear inline within text.
var xmlInlineTagRe = regexp.MustCompile(`(?s)<parameter\b[^>]*>.*?</parameter>`)

var whitespaceLineRe = regexp.MustCompile(`(?m)^[ \t]+$`)

var blankLineCollapseRe = regexp.MustCompile(`\n{3,}`)

type textToolCall struct {
	Tool      string          `json:"tool"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Arguments json.RawMessage `json:"arguments"`
}

// ExtractTextToolCalls pulls fenced tool_call blocks out of text. It returns
// the calls found and the text with those blocks removed. Blocks that are not
// valid JSON objects naming a tool are left in place.
func ExtractTextToolCalls(text string) ([]ToolCall, string) {
	var calls []ToolCall
	rest := toolCallRe.ReplaceAllStringFunc(text, func(block string) string {
		m := toolCallRe.FindStringSubmatch(block)
		if len(m) < 2 {
			return block
		}
		var tc textToolCall
		if err := json.Unmarshal([]byte(m[1]), &tc); err != nil {
			return block
		}
		name := tc.Tool
		if name == "" {
			name = tc.Name
		}
		if name == "" {
			return block
		}
		args := tc.Input
		if len(args) == 0 {
			args = tc.Arguments
		}
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      name,
			Arguments: string(args),
		})
		return "\n\n"
	})
	return calls, tidy(rest)
}

// StripToolMarkup removes tool-call artifacts that leaked into an answer
// meant for the user. Ordinary markdown, code fences included, is kept.
func StripToolMarkup(text string) string {
	cleaned := toolCallRe.ReplaceAllString(text, "\n\n")
	cleaned = xmlFuncCallRe.ReplaceAllString(cleaned, "\n\n")
	cleaned = xmlBlockLevelRe.ReplaceAllString(cleaned, "\n\n")
	cleaned = xmlInlineTagRe.ReplaceAllString(cleaned, " ")
	return tidy(cleaned)
}

func tidy(s string) string {
	s = whitespaceLineRe.ReplaceAllString(s, "")
	s = blankLineCollapseRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
