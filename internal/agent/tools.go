package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arborworks/agentloop/internal/observability"
	"github.com/arborworks/agentloop/internal/registry"
	"github.com/arborworks/agentloop/internal/sandbox"
	"github.com/arborworks/agentloop/pkg/models"
)

// runCodeSchema is the JSON Schema advertised to the model gateway for the
// run_code tool's single argument.
const runCodeSchema = `{
	"type": "object",
	"properties": {
		"code": {"type": "string", "description": "Source code to execute in the persistent sandbox."}
	},
	"required": ["code"]
}`

// runCodeInstructions is folded into the system prompt by BuildSystemPrompt.
// It documents the parts of run_code's behavior a model needs to know but
// that don't belong in the per-request schema: state survives across calls,
// and output capture is automatic.
const runCodeInstructions = `run_code: variables and imports declared in one call are still in scope on
the next call within the same conversation — there is no need to redeclare
them. Console output is captured automatically as stdout/stderr text; any
figures or interactive plots created during the call are captured and
returned alongside the text without extra ceremony. Prefer several
single-purpose figures over one crowded subplot grid.`

// RunCodeToolSpec describes run_code for inclusion in a CompletionRequest.
var RunCodeToolSpec = ToolSpec{
	Name:         "run_code",
	Description:  "Executes code in a persistent, per-user sandbox and returns its output.",
	Schema:       []byte(runCodeSchema),
	Instructions: runCodeInstructions,
}

// RunCodeTool dispatches a model's run_code call to the caller's sandbox,
// resolved from the context's user id via the Session Registry (one
// per-user identity flows through context rather than ambient state).
type RunCodeTool struct {
	registry *registry.Registry
	metrics  *observability.Metrics // optional
}

// NewRunCodeTool builds the run_code tool over reg. metrics may be nil.
func NewRunCodeTool(reg *registry.Registry, metrics *observability.Metrics) *RunCodeTool {
	return &RunCodeTool{registry: reg, metrics: metrics}
}

func (t *RunCodeTool) Name() string            { return "run_code" }
func (t *RunCodeTool) Schema() json.RawMessage { return json.RawMessage(runCodeSchema) }

// Execute resolves the calling user's Controller from ctx, submits the
// code, and assembles the result as text, then images, then plots, in that
// order.
func (t *RunCodeTool) Execute(ctx context.Context, arguments json.RawMessage) (models.ToolContent, error) {
	userID := observability.GetUserID(ctx)
	if userID == "" {
		return models.ToolContent{}, fmt.Errorf("agent: run_code requires a user id in context")
	}

	var args struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return models.ToolContent{}, fmt.Errorf("agent: run_code: invalid arguments: %w", err)
	}

	ctrl, err := t.registry.Sandbox(ctx, userID)
	if err != nil {
		return models.ToolContent{}, err
	}

	start := time.Now()
	resp, err := ctrl.Submit(ctx, args.Code)
	if t.metrics != nil {
		t.metrics.RecordSandboxSubmit(submitStatus(err), time.Since(start).Seconds())
	}
	if err != nil {
		return models.ToolContent{}, err
	}

	return assembleContent(resp), nil
}

// submitStatus maps a Submit error to a metrics status label.
func submitStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case sandbox.IsKind(err, sandbox.KindExecutionTimeout):
		return "timeout"
	case sandbox.IsKind(err, sandbox.KindExecutionUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// assembleContent builds a tool result's content blocks from a sandbox
// response, in the assembly order: combined stdout/stderr text
// first, then one block per image, then one block per plot.
func assembleContent(resp sandbox.Response) models.ToolContent {
	var sections []string
	if resp.Stdout != "" {
		sections = append(sections, "stdout:\n"+resp.Stdout)
	}
	if resp.Stderr != "" {
		sections = append(sections, "stderr:\n"+resp.Stderr)
	}

	text := "(no output)"
	if len(sections) > 0 {
		text = sections[0]
		for _, s := range sections[1:] {
			text += "\n\n" + s
		}
	}

	blocks := []models.ContentBlock{models.TextBlock(text)}
	for _, img := range resp.Images {
		blocks = append(blocks, models.ImageBlock(img))
	}
	for _, plot := range resp.Plots {
		blocks = append(blocks, models.PlotBlock(plot))
	}
	return models.BlockToolContent(blocks)
}
