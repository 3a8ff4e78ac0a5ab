// Package providers holds ModelGateway implementations. OpenAIGateway is
// the only one shipped, talking to an OpenAI-compatible chat-completions
// endpoint.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arborworks/agentloop/internal/agent"
	"github.com/arborworks/agentloop/internal/observability"
	"github.com/arborworks/agentloop/pkg/models"
)

// OpenAIGateway implements agent.ModelGateway against an OpenAI-compatible
// chat-completions API.
type OpenAIGateway struct {
	client  *openai.Client
	model   string
	metrics *observability.Metrics // optional
}

// Config configures an OpenAIGateway.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// Metrics records per-call duration and token counts, if non-nil.
	Metrics *observability.Metrics
}

// New builds an OpenAIGateway. If cfg.BaseURL is set, requests are sent
// there instead of the default OpenAI endpoint, allowing any
// chat-completions-compatible gateway to be used.
func New(cfg Config) *OpenAIGateway {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIGateway{client: openai.NewClientWithConfig(clientCfg), model: cfg.Model, metrics: cfg.Metrics}
}

// Complete implements agent.ModelGateway.
func (g *OpenAIGateway) Complete(ctx context.Context, req agent.CompletionRequest) (agent.CompletionResult, error) {
	wireMessages, err := toWireMessages(req.Messages)
	if err != nil {
		return agent.CompletionResult{}, fmt.Errorf("providers: encode messages: %w", err)
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:           g.model,
		Messages:        wireMessages,
		Tools:           toWireTools(req.Tools),
		ReasoningEffort: req.ReasoningEffort,
	})
	if err != nil {
		g.recordMetrics("error", time.Since(start), 0)
		return agent.CompletionResult{}, err
	}
	if len(resp.Choices) == 0 {
		g.recordMetrics("error", time.Since(start), 0)
		return agent.CompletionResult{}, fmt.Errorf("providers: gateway returned no choices")
	}
	g.recordMetrics("success", time.Since(start), resp.Usage.TotalTokens)

	msg := fromWireMessage(resp.Choices[0].Message)
	return agent.CompletionResult{Message: msg, UsedTokens: resp.Usage.TotalTokens}, nil
}

func (g *OpenAIGateway) recordMetrics(status string, elapsed time.Duration, tokens int) {
	if g.metrics != nil {
		g.metrics.RecordModelGateway(g.model, status, elapsed.Seconds(), tokens)
	}
}

// toWireMessages converts a Conversation's Messages into the gateway's wire
// shape. Tool messages carry only their flattened text on the wire; the
// richer block structure (images, plots) is retained in models.Message for
// the trace panel but has no equivalent in the chat-completions tool-result
// shape.
func toWireMessages(messages []models.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text})
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text})
		case models.RoleAssistant:
			wire := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text}
			for _, tc := range m.ToolCalls {
				wire.ToolCalls = append(wire.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, wire)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    flattenToolContent(m.Content),
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("providers: unknown role %q", m.Role)
		}
	}
	return out, nil
}

// flattenToolContent renders a ToolContent as plain text for the wire.
func flattenToolContent(c models.ToolContent) string {
	if c.Text != nil {
		return *c.Text
	}
	var text string
	for _, b := range c.Blocks {
		switch b.Type {
		case models.BlockText:
			text += b.Text
		case models.BlockImage:
			text += "[image omitted]"
		case models.BlockInteractivePlot:
			text += "[interactive plot omitted]"
		}
		text += "\n"
	}
	return text
}

func toWireTools(specs []agent.ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(specs))
	for i, s := range specs {
		var params any
		if len(s.Schema) > 0 {
			_ = json.Unmarshal(s.Schema, &params)
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func fromWireMessage(m openai.ChatCompletionMessage) models.Message {
	var calls []models.ToolCallRequest
	for _, tc := range m.ToolCalls {
		calls = append(calls, models.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return models.NewAssistantMessage(m.Content, calls)
}
