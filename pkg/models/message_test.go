package models

import (
	"strings"
	"testing"
)

func TestImageBlock_MIMEInference(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		wantMI string
	}{
		{"png signature", "iVBORw0KGgoAAAANSUhEUgAAAAEAAAAB", "image/png"},
		{"jpeg fallback", "/9j/4AAQSkZJRgABAQAAAQ", "image/jpeg"},
		{"empty data falls back to jpeg", "", "image/jpeg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ImageBlock(tt.data)
			if b.Type != BlockImage {
				t.Fatalf("Type = %v, want BlockImage", b.Type)
			}
			if b.MIME != tt.wantMI {
				t.Errorf("MIME = %q, want %q", b.MIME, tt.wantMI)
			}
			if b.Data != tt.data {
				t.Errorf("Data = %q, want %q", b.Data, tt.data)
			}
		})
	}
}

func TestContentBlock_DataURL(t *testing.T) {
	b := ImageBlock("iVBORtest")
	url := b.DataURL()
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("DataURL() = %q, want PNG data URL prefix", url)
	}
	if !strings.HasSuffix(url, "iVBORtest") {
		t.Errorf("DataURL() = %q, want payload suffix", url)
	}

	text := TextBlock("hello")
	if got := text.DataURL(); got != "" {
		t.Errorf("DataURL() on a text block = %q, want empty", got)
	}
}

func TestConversation_EnsureSystemPrompt_Idempotent(t *testing.T) {
	c := &Conversation{}
	c.EnsureSystemPrompt("base prompt")
	if len(c.Messages) != 1 || c.Messages[0].Role != RoleSystem {
		t.Fatalf("expected a single system message, got %+v", c.Messages)
	}
	if c.Messages[0].Text != "base prompt" {
		t.Errorf("system text = %q, want %q", c.Messages[0].Text, "base prompt")
	}

	c.Append(NewUserMessage("hi"))
	c.EnsureSystemPrompt("a different prompt")

	if len(c.Messages) != 2 {
		t.Fatalf("EnsureSystemPrompt should not add a second system message; got %d messages", len(c.Messages))
	}
	if c.Messages[0].Text != "base prompt" {
		t.Errorf("existing system message was altered: %q", c.Messages[0].Text)
	}
}

func TestConversation_BeginsWithSystem(t *testing.T) {
	c := &Conversation{}
	if c.BeginsWithSystem() {
		t.Error("empty conversation should not begin with system")
	}
	c.Append(NewUserMessage("hi"))
	if c.BeginsWithSystem() {
		t.Error("user-first conversation should not begin with system")
	}
	c.Messages = nil
	c.Append(NewSystemMessage("s"))
	if !c.BeginsWithSystem() {
		t.Error("system-first conversation should begin with system")
	}
}

func TestMessage_HasToolCalls(t *testing.T) {
	noCalls := NewAssistantMessage("done", nil)
	if noCalls.HasToolCalls() {
		t.Error("message with no tool calls reported HasToolCalls() = true")
	}
	withCalls := NewAssistantMessage("", []ToolCallRequest{{ID: "call_1", Name: "run_code"}})
	if !withCalls.HasToolCalls() {
		t.Error("message with tool calls reported HasToolCalls() = false")
	}
}

func TestConversation_AddUsage_Monotone(t *testing.T) {
	c := &Conversation{}
	c.AddUsage(100)
	c.AddUsage(0)
	c.AddUsage(50)
	if c.CumulativeTokens != 150 {
		t.Errorf("CumulativeTokens = %d, want 150", c.CumulativeTokens)
	}
	c.AddUsage(-10) // negative deltas must never decrease the counter
	if c.CumulativeTokens != 150 {
		t.Errorf("CumulativeTokens after negative delta = %d, want unchanged 150", c.CumulativeTokens)
	}
}
