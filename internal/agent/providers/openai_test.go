package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arborworks/agentloop/internal/agent"
	"github.com/arborworks/agentloop/pkg/models"
)

func TestToWireMessages_RoundTripsToolCalls(t *testing.T) {
	messages := []models.Message{
		models.NewSystemMessage("be helpful"),
		models.NewUserMessage("run 1+1"),
		models.NewAssistantMessage("", []models.ToolCallRequest{
			{ID: "call_1", Name: "run_code", Arguments: json.RawMessage(`{"code":"1+1"}`)},
		}),
		models.NewToolMessage("call_1", models.PlainToolContent("2")),
	}

	wire, err := toWireMessages(messages)
	if err != nil {
		t.Fatalf("toWireMessages() error = %v", err)
	}
	if len(wire) != 4 {
		t.Fatalf("len(wire) = %d, want 4", len(wire))
	}
	if wire[2].ToolCalls[0].Function.Name != "run_code" {
		t.Errorf("tool call name = %q, want run_code", wire[2].ToolCalls[0].Function.Name)
	}
	if wire[3].Role != openai.ChatMessageRoleTool || wire[3].ToolCallID != "call_1" {
		t.Errorf("tool message wire shape = %+v", wire[3])
	}
}

func TestFlattenToolContent_BlocksOmitBinaryPayloads(t *testing.T) {
	content := models.BlockToolContent([]models.ContentBlock{
		models.TextBlock("stdout here"),
		models.ImageBlock("iVBORsomething"),
		models.PlotBlock("<div></div>"),
	})
	got := flattenToolContent(content)
	for _, want := range []string{"stdout here", "[image omitted]", "[interactive plot omitted]"} {
		if !containsSubstr(got, want) {
			t.Errorf("flattenToolContent() = %q, want it to contain %q", got, want)
		}
	}
}

func TestToWireTools_EncodesSchema(t *testing.T) {
	specs := []agent.ToolSpec{
		{Name: "run_code", Description: "runs code", Schema: []byte(`{"type":"object"}`)},
	}
	wire := toWireTools(specs)
	if len(wire) != 1 || wire[0].Function.Name != "run_code" {
		t.Fatalf("unexpected wire tools: %+v", wire)
	}
}

func TestFromWireMessage_PreservesToolCalls(t *testing.T) {
	wire := openai.ChatCompletionMessage{
		Content: "",
		ToolCalls: []openai.ToolCall{
			{ID: "call_9", Function: openai.FunctionCall{Name: "run_code", Arguments: `{"code":"x"}`}},
		},
	}
	msg := fromWireMessage(wire)
	if !msg.HasToolCalls() || msg.ToolCalls[0].ID != "call_9" {
		t.Errorf("fromWireMessage() = %+v", msg)
	}
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
