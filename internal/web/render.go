package web

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/arborworks/agentloop/pkg/models"
)

// toolCallView is a template-friendly rendering of one tool-call request.
type toolCallView struct {
	ID        string
	Name      string
	Arguments string
}

// blockView is a template-friendly rendering of one tool-result content
// block.
type blockView struct {
	Kind string // "text", "image", or "plot"
	Text string
	Src  string // data: URL for image blocks

	// HTML is the raw, self-contained fragment for "plot" blocks. It is
	// rendered unescaped: an interactive plot's value is the embedded
	// script that draws it.
	HTML template.HTML
}

// traceEventView is the view model fed to the "trace_event" template,
// built from one models.Event.
type traceEventView struct {
	Role       string
	Text       string
	ToolCalls  []toolCallView
	ToolCallID string
	Blocks     []blockView
	IsUsage    bool
	Tokens     int
}

func newTraceEventView(ev models.Event) traceEventView {
	if ev.Type == models.EventUsage {
		return traceEventView{IsUsage: true, Tokens: ev.CumulativeTokens}
	}

	msg := ev.Message
	view := traceEventView{Role: string(msg.Role), Text: msg.Text, ToolCallID: msg.ToolCallID}
	for _, tc := range msg.ToolCalls {
		view.ToolCalls = append(view.ToolCalls, toolCallView{ID: tc.ID, Name: tc.Name, Arguments: string(tc.Arguments)})
	}
	if msg.Role == models.RoleTool {
		if msg.Content.Text != nil {
			view.Blocks = append(view.Blocks, blockView{Kind: "text", Text: *msg.Content.Text})
		}
		for _, b := range msg.Content.Blocks {
			switch b.Type {
			case models.BlockText:
				view.Blocks = append(view.Blocks, blockView{Kind: "text", Text: b.Text})
			case models.BlockImage:
				view.Blocks = append(view.Blocks, blockView{Kind: "image", Src: b.DataURL()})
			case models.BlockInteractivePlot:
				view.Blocks = append(view.Blocks, blockView{Kind: "plot", HTML: template.HTML(b.HTML)})
			}
		}
	}
	return view
}

// renderUserBubble renders the "user_bubble" fragment for a /chat response.
func (h *Handler) renderUserBubble(text string) (string, error) {
	return h.renderTemplate("user_bubble", text)
}

// renderTraceEvent renders the "trace_event" fragment for one agent-loop
// event, targeted at the trace-container by the client's SSE handler.
func (h *Handler) renderTraceEvent(ev models.Event) (string, error) {
	return h.renderTemplate("trace_event", newTraceEventView(ev))
}

// renderTokenCount renders the "token_count" fragment.
func (h *Handler) renderTokenCount(cumulativeTokens int) (string, error) {
	return h.renderTemplate("token_count", cumulativeTokens)
}

// renderStreamPlaceholder renders the SSE-subscription placeholder
// fragment returned alongside a /chat response's user bubble.
func (h *Handler) renderStreamPlaceholder() (string, error) {
	return h.renderTemplate("stream_placeholder", nil)
}

func (h *Handler) renderTemplate(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("web: render %s: %w", name, err)
	}
	return buf.String(), nil
}
