package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arborworks/agentloop/pkg/models"
)

// Tool is a single named capability the loop can dispatch a model's tool
// call to. run_code is the only tool the agent ships; the interface
// exists so tests can substitute a fake without touching the loop.
type Tool interface {
	Name() string
	Schema() json.RawMessage
	Execute(ctx context.Context, arguments json.RawMessage) (models.ToolContent, error)
}

// ToolExecConfig configures concurrent tool-call execution.
type ToolExecConfig struct {
	// Concurrency is the maximum number of tool calls executed at once
	// within a single assistant turn. Default: 4.
	Concurrency int

	// PerToolTimeout bounds a single tool call. Default: 30s.
	PerToolTimeout time.Duration
}

// DefaultToolExecConfig returns the defaults used when a zero-value
// ToolExecConfig is supplied.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{Concurrency: 4, PerToolTimeout: 30 * time.Second}
}

func (c ToolExecConfig) withDefaults() ToolExecConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PerToolTimeout <= 0 {
		c.PerToolTimeout = 30 * time.Second
	}
	return c
}

// ToolExecutor dispatches a turn's tool calls against a fixed set of named
// tools, running them concurrently (bounded by a semaphore) but reporting
// results indexed back to the caller's
// declaration order, so the loop can append tool messages in that order
// regardless of which call finished first.
type ToolExecutor struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	config  ToolExecConfig
}

// NewToolExecutor builds an executor over the given tools, keyed by name,
// compiling each tool's advertised JSON Schema once up front so a malformed
// call can be rejected before it ever reaches Tool.Execute.
func NewToolExecutor(tools []Tool, config ToolExecConfig) *ToolExecutor {
	byName := make(map[string]Tool, len(tools))
	schemas := make(map[string]*jsonschema.Schema, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
		compiled, err := jsonschema.CompileString(t.Name()+".schema.json", string(t.Schema()))
		if err == nil {
			schemas[t.Name()] = compiled
		}
	}
	return &ToolExecutor{tools: byName, schemas: schemas, config: config.withDefaults()}
}

// ToolExecResult is one tool call's outcome, indexed to its position in the
// assistant message's ToolCalls slice.
type ToolExecResult struct {
	Index   int
	Call    models.ToolCallRequest
	Content models.ToolContent
	Err     error
}

// ExecuteConcurrently runs every call in toolCalls, at most config.Concurrency
// at a time, and returns results in the same order the calls were declared.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, toolCalls []models.ToolCallRequest) []ToolExecResult {
	results := make([]ToolExecResult, len(toolCalls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range toolCalls {
		wg.Add(1)
		go func(idx int, call models.ToolCallRequest) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ToolExecResult{Index: idx, Call: call, Err: ctx.Err()}
				return
			}

			content, err := e.executeOne(ctx, call)
			results[idx] = ToolExecResult{Index: idx, Call: call, Content: content, Err: err}
		}(i, call)
	}

	wg.Wait()
	return results
}

func (e *ToolExecutor) executeOne(ctx context.Context, call models.ToolCallRequest) (models.ToolContent, error) {
	tool, ok := e.tools[call.Name]
	if !ok {
		return models.ToolContent{}, fmt.Errorf("agent: unknown tool %q", call.Name)
	}

	if schema, ok := e.schemas[call.Name]; ok && len(call.Arguments) > 0 {
		var decoded any
		if err := json.Unmarshal(call.Arguments, &decoded); err != nil {
			return models.ToolContent{}, fmt.Errorf("agent: tool %s: decode arguments: %w", call.Name, err)
		}
		if err := schema.Validate(decoded); err != nil {
			return models.ToolContent{}, fmt.Errorf("agent: tool %s: invalid arguments: %w", call.Name, err)
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()

	type execResult struct {
		content models.ToolContent
		err     error
	}
	resultChan := make(chan execResult, 1)
	go func() {
		content, err := tool.Execute(toolCtx, call.Arguments)
		// Non-blocking send: if the caller already gave up on timeout, drop
		// the late result rather than leak this goroutine.
		select {
		case resultChan <- execResult{content: content, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return models.ToolContent{}, fmt.Errorf("agent: tool %s timed out after %s", call.Name, e.config.PerToolTimeout)
		}
		return models.ToolContent{}, toolCtx.Err()
	case res := <-resultChan:
		return res.content, res.err
	}
}
