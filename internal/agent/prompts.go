package agent

import "strings"

// baseSystemPrompt describes the think/act/observe cycle the loop drives:
// narrate intent before calling a tool, and ask for clarification instead of
// guessing when a request is ambiguous. Per-tool instructions are appended
// below it by BuildSystemPrompt.
const baseSystemPrompt = `You are a coding assistant. For each user request, think about what you
need to do, then act by calling a tool if one is needed, then observe its
result before deciding on the next step. Narrate your intent briefly before
calling a tool rather than calling it silently. If a request is ambiguous,
ask a clarifying question instead of guessing.`

// BuildSystemPrompt assembles the canonical system prompt once at startup
// by joining the base loop description with each tool's Instructions, in
// the order given. Tools with no Instructions contribute nothing.
func BuildSystemPrompt(tools []ToolSpec) string {
	parts := []string{baseSystemPrompt}
	for _, t := range tools {
		if t.Instructions != "" {
			parts = append(parts, t.Instructions)
		}
	}
	return strings.Join(parts, "\n\n")
}
