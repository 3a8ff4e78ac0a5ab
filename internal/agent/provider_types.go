package agent

import (
	"context"

	"github.com/arborworks/agentloop/pkg/models"
)

// ToolSpec describes one callable tool's name, natural-language purpose,
// and JSON Schema parameters, as advertised to the model gateway on every
// call.
type ToolSpec struct {
	Name        string
	Description string
	Schema      []byte

	// Instructions is longer usage guidance for this tool (persistence
	// semantics, output capture conventions, and the like) folded into the
	// system prompt by BuildSystemPrompt. Description stays short because
	// it also travels in the function-calling schema sent on every request;
	// Instructions is assembled once at startup instead.
	Instructions string
}

// CompletionRequest is what the loop sends the model gateway once per step:
// the full conversation so far, the tool catalog, and the reasoning effort
// to apply.
type CompletionRequest struct {
	Messages        []models.Message
	Tools           []ToolSpec
	ReasoningEffort string
}

// CompletionResult is the model gateway's answer to one CompletionRequest:
// the assistant message it produced and, if the gateway reported it, the
// token usage for this single call (added to the conversation's cumulative
// counter by the loop, not by the gateway).
type CompletionResult struct {
	Message    models.Message
	UsedTokens int
}

// ModelGateway is the loop's sole dependency on an LLM backend. One
// call corresponds to one assistant turn in the think/act/observe cycle.
type ModelGateway interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}
