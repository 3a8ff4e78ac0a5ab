package agent

import (
	"log/slog"
	"time"

	"github.com/arborworks/agentloop/internal/observability"
)

// LoopOptions configures a Loop's per-turn behavior. Zero-valued fields in
// an override are left at the base's value by mergeLoopOptions, an
// override-if-nonzero merge.
type LoopOptions struct {
	// SystemPrompt is prepended to a fresh conversation (prepended once,
	// never again once a system message already exists).
	SystemPrompt string

	// ReasoningEffort is passed to the model gateway verbatim on every call.
	ReasoningEffort string

	// ToolConcurrency caps concurrent tool-call execution within one turn.
	ToolConcurrency int

	// ToolTimeout bounds a single tool call.
	ToolTimeout time.Duration

	// MaxSteps bounds the number of think/act/observe iterations within a
	// single Run call, guarding against a model that never stops
	// requesting tools.
	MaxSteps int

	// Logger receives loop diagnostics.
	Logger *slog.Logger

	// Metrics records loop-iteration counters, if non-nil.
	Metrics *observability.Metrics
}

// DefaultLoopOptions returns the baseline configuration.
func DefaultLoopOptions() LoopOptions {
	return LoopOptions{
		ReasoningEffort: "low",
		ToolConcurrency: 4,
		ToolTimeout:     30 * time.Second,
		MaxSteps:        25,
		Logger:          slog.Default(),
	}
}

func mergeLoopOptions(base, override LoopOptions) LoopOptions {
	merged := base
	if override.SystemPrompt != "" {
		merged.SystemPrompt = override.SystemPrompt
	}
	if override.ReasoningEffort != "" {
		merged.ReasoningEffort = override.ReasoningEffort
	}
	if override.ToolConcurrency > 0 {
		merged.ToolConcurrency = override.ToolConcurrency
	}
	if override.ToolTimeout > 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.MaxSteps > 0 {
		merged.MaxSteps = override.MaxSteps
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	if override.Metrics != nil {
		merged.Metrics = override.Metrics
	}
	return merged
}
