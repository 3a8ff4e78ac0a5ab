package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/arborworks/agentloop/internal/observability"
	"github.com/arborworks/agentloop/internal/registry"
	"github.com/arborworks/agentloop/internal/sandbox"
)

type toolTestHost struct {
	mu      sync.Mutex
	live    map[string]bool
	started int
}

func (h *toolTestHost) Start(ctx context.Context, appName string, cfg sandbox.ProcessConfig) (sandbox.ProcessHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	id := fmt.Sprintf("%s-%d", appName, h.started)
	h.live[id] = true
	return sandbox.ProcessHandle{RemoteID: id}, nil
}

func (h *toolTestHost) Attach(ctx context.Context, remoteID string) (sandbox.ProcessHandle, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sandbox.ProcessHandle{RemoteID: remoteID}, h.live[remoteID], nil
}

func (h *toolTestHost) Terminate(ctx context.Context, handle sandbox.ProcessHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, handle.RemoteID)
	return nil
}

func (h *toolTestHost) ListLive(ctx context.Context, appName string) ([]sandbox.ProcessHandle, error) {
	return nil, nil
}

type toolTestFS struct {
	mu        sync.Mutex
	responses map[string][]byte
	nextResp  sandbox.Response
}

func (f *toolTestFS) AppendLine(ctx context.Context, handle sandbox.ProcessHandle, line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var req sandbox.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return err
	}
	data, _ := json.Marshal(f.nextResp)
	f.responses[req.CommandID] = data
	return nil
}

func (f *toolTestFS) ReadResponse(ctx context.Context, handle sandbox.ProcessHandle, commandID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.responses[commandID]
	return data, ok, nil
}

func TestRunCodeTool_RequiresUserIDInContext(t *testing.T) {
	reg := registry.New(registry.Dependencies{
		Host: &toolTestHost{live: map[string]bool{}},
		FS:   &toolTestFS{responses: map[string][]byte{}},
	}, registry.Config{})
	tool := NewRunCodeTool(reg, nil)

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"code":"1+1"}`))
	if err == nil {
		t.Fatal("expected an error when no user id is present in context")
	}
}

func TestRunCodeTool_AssemblesContentInOrder(t *testing.T) {
	fs := &toolTestFS{
		responses: map[string][]byte{},
		nextResp:  sandbox.Response{Stdout: "hello", Images: []string{"aW1n"}, Plots: []string{"<div></div>"}},
	}
	reg := registry.New(registry.Dependencies{
		Host: &toolTestHost{live: map[string]bool{}},
		FS:   fs,
	}, registry.Config{})
	tool := NewRunCodeTool(reg, nil)

	ctx := observability.AddUserID(context.Background(), "alice")
	content, err := tool.Execute(ctx, json.RawMessage(`{"code":"print('hello')"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(content.Blocks) != 3 {
		t.Fatalf("expected 3 blocks (text, image, plot), got %d", len(content.Blocks))
	}
	if content.Blocks[0].Type != "text" || content.Blocks[0].Text != "stdout:\nhello" {
		t.Errorf("block[0] = %+v, want text block \"stdout:\\nhello\"", content.Blocks[0])
	}
	if content.Blocks[1].Type != "image" {
		t.Errorf("block[1].Type = %v, want image", content.Blocks[1].Type)
	}
	if content.Blocks[2].Type != "interactive_plot" {
		t.Errorf("block[2].Type = %v, want interactive_plot", content.Blocks[2].Type)
	}
}

func TestRunCodeTool_LabelsStdoutAndStderrSections(t *testing.T) {
	fs := &toolTestFS{
		responses: map[string][]byte{},
		nextResp:  sandbox.Response{Stdout: "42\n", Stderr: "warning: deprecated\n"},
	}
	reg := registry.New(registry.Dependencies{
		Host: &toolTestHost{live: map[string]bool{}},
		FS:   fs,
	}, registry.Config{})
	tool := NewRunCodeTool(reg, nil)

	ctx := observability.AddUserID(context.Background(), "alice")
	content, err := tool.Execute(ctx, json.RawMessage(`{"code":"print(42)"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := "stdout:\n42\n\n\nstderr:\nwarning: deprecated\n"
	if len(content.Blocks) != 1 || content.Blocks[0].Text != want {
		t.Errorf("text block = %q, want %q", content.Blocks[0].Text, want)
	}
}

func TestRunCodeTool_StdoutOnlyMatchesWorkedExample(t *testing.T) {
	fs := &toolTestFS{
		responses: map[string][]byte{},
		nextResp:  sandbox.Response{Stdout: "42\n"},
	}
	reg := registry.New(registry.Dependencies{
		Host: &toolTestHost{live: map[string]bool{}},
		FS:   fs,
	}, registry.Config{})
	tool := NewRunCodeTool(reg, nil)

	ctx := observability.AddUserID(context.Background(), "alice")
	content, err := tool.Execute(ctx, json.RawMessage(`{"code":"print(42)"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := "stdout:\n42\n"
	if len(content.Blocks) != 1 || content.Blocks[0].Text != want {
		t.Errorf("text block = %q, want %q", content.Blocks[0].Text, want)
	}
}

func TestRunCodeTool_NoOutputFallsBackToPlaceholder(t *testing.T) {
	fs := &toolTestFS{responses: map[string][]byte{}, nextResp: sandbox.Response{}}
	reg := registry.New(registry.Dependencies{
		Host: &toolTestHost{live: map[string]bool{}},
		FS:   fs,
	}, registry.Config{})
	tool := NewRunCodeTool(reg, nil)

	ctx := observability.AddUserID(context.Background(), "alice")
	content, err := tool.Execute(ctx, json.RawMessage(`{"code":"pass"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(content.Blocks) != 1 || content.Blocks[0].Text != "(no output)" {
		t.Errorf("expected a single placeholder text block, got %+v", content.Blocks)
	}
}
