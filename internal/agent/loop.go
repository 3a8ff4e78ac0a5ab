// Package agent implements the think/act/observe loop coupling a model
// gateway to a set of tools, emitting a totally-ordered event stream as it
// goes.
package agent

import (
	"context"

	"github.com/arborworks/agentloop/pkg/models"
)

// Loop drives one user turn at a time against a shared ModelGateway and
// tool set. A Loop has no per-user state of its own; the caller supplies
// the Conversation to mutate (typically from the Session Registry) so one
// Loop instance serves every user.
type Loop struct {
	gateway   ModelGateway
	executor  *ToolExecutor
	toolSpecs []ToolSpec
	options   LoopOptions
}

// NewLoop builds a Loop over the given gateway and tools.
func NewLoop(gateway ModelGateway, tools []Tool, toolSpecs []ToolSpec, options LoopOptions) *Loop {
	merged := mergeLoopOptions(DefaultLoopOptions(), options)
	executor := NewToolExecutor(tools, ToolExecConfig{
		Concurrency:    merged.ToolConcurrency,
		PerToolTimeout: merged.ToolTimeout,
	})
	return &Loop{gateway: gateway, executor: executor, toolSpecs: toolSpecs, options: merged}
}

// EventFunc receives every event a Run call produces, in emission order.
type EventFunc func(models.Event)

// Run appends userText as a user message and drives the think/act/observe
// cycle until the model produces a turn with no tool calls, or MaxSteps is
// exceeded. Every appended message and usage delta is both applied to conv
// and emitted via emit, in the same order.
func (l *Loop) Run(ctx context.Context, conv *models.Conversation, userText string, emit EventFunc) error {
	conv.EnsureSystemPrompt(l.options.SystemPrompt)

	var seq uint64
	next := func() uint64 { seq++; return seq }

	userMsg := models.NewUserMessage(userText)
	conv.Append(userMsg)
	emit(models.NewMessageEvent(next(), userMsg))

	for step := 0; step < l.options.MaxSteps; step++ {
		result, err := l.gateway.Complete(ctx, CompletionRequest{
			Messages:        conv.Messages,
			Tools:           l.toolSpecs,
			ReasoningEffort: l.options.ReasoningEffort,
		})
		if err != nil {
			return NewModelGatewayError(err)
		}

		if result.UsedTokens > 0 {
			conv.AddUsage(result.UsedTokens)
			emit(models.NewUsageEvent(next(), conv.CumulativeTokens))
		}

		conv.Append(result.Message)
		emit(models.NewMessageEvent(next(), result.Message))

		if !result.Message.HasToolCalls() {
			l.recordStep("final")
			return nil
		}
		l.recordStep("tool_calls")

		toolResults := l.executor.ExecuteConcurrently(ctx, result.Message.ToolCalls)
		for _, r := range toolResults {
			content := r.Content
			if r.Err != nil {
				content = models.PlainToolContent(NewToolInvocationError(r.Call.Name, r.Err).Error())
			}
			toolMsg := models.NewToolMessage(r.Call.ID, content)
			conv.Append(toolMsg)
			emit(models.NewMessageEvent(next(), toolMsg))
		}
	}

	l.recordStep("max_steps")
	return NewSessionInternalError("exceeded maximum loop steps without a final response", nil)
}

func (l *Loop) recordStep(outcome string) {
	if l.options.Metrics != nil {
		l.options.Metrics.RecordLoopStep(outcome)
	}
}
