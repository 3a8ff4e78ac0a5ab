package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arborworks/agentloop/internal/sandbox"
	"github.com/arborworks/agentloop/pkg/models"
)

// fakeHost and fakeFS mirror internal/sandbox's hand-written test fakes;
// they can't be reused directly since sandbox's are unexported.
type fakeHost struct {
	mu      sync.Mutex
	live    map[string]bool
	started int
}

func newFakeHost() *fakeHost { return &fakeHost{live: map[string]bool{}} }

func (h *fakeHost) Start(ctx context.Context, appName string, cfg sandbox.ProcessConfig) (sandbox.ProcessHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	id := fmt.Sprintf("%s-%d", appName, h.started)
	h.live[id] = true
	return sandbox.ProcessHandle{RemoteID: id}, nil
}

func (h *fakeHost) Attach(ctx context.Context, remoteID string) (sandbox.ProcessHandle, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sandbox.ProcessHandle{RemoteID: remoteID}, h.live[remoteID], nil
}

func (h *fakeHost) Terminate(ctx context.Context, handle sandbox.ProcessHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, handle.RemoteID)
	return nil
}

func (h *fakeHost) ListLive(ctx context.Context, appName string) ([]sandbox.ProcessHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sandbox.ProcessHandle
	for id, alive := range h.live {
		if alive {
			out = append(out, sandbox.ProcessHandle{RemoteID: id})
		}
	}
	return out, nil
}

type fakeFS struct {
	mu        sync.Mutex
	responses map[string][]byte
}

func newFakeFS() *fakeFS { return &fakeFS{responses: map[string][]byte{}} }

func (f *fakeFS) AppendLine(ctx context.Context, handle sandbox.ProcessHandle, line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var req sandbox.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return err
	}
	data, _ := json.Marshal(sandbox.Response{Stdout: "ok"})
	f.responses[req.CommandID] = data
	return nil
}

func (f *fakeFS) ReadResponse(ctx context.Context, handle sandbox.ProcessHandle, commandID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.responses[commandID]
	return data, ok, nil
}

func newTestRegistry(host *fakeHost, fs *fakeFS) *Registry {
	return New(Dependencies{
		Host:   host,
		FS:     fs,
		Config: sandbox.Config{AppName: "agent-sandbox"},
	}, Config{IdleTTL: time.Hour, Capacity: 1000})
}

func TestRegistry_Messages_CreatesEmptyConversationOnFirstAccess(t *testing.T) {
	r := newTestRegistry(newFakeHost(), newFakeFS())
	conv := r.Messages("alice")
	if len(conv.Messages) != 0 {
		t.Fatalf("expected an empty conversation, got %d messages", len(conv.Messages))
	}
}

func TestRegistry_Sandbox_IsLazyAndSingleton(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(host, newFakeFS())
	ctx := context.Background()

	if host.started != 0 {
		t.Fatalf("no process should exist before first Sandbox() call")
	}

	c1, err := r.Sandbox(ctx, "alice")
	if err != nil {
		t.Fatalf("Sandbox() error = %v", err)
	}
	c2, err := r.Sandbox(ctx, "alice")
	if err != nil {
		t.Fatalf("Sandbox() error = %v", err)
	}
	if c1 != c2 {
		t.Error("expected the same Controller instance across calls")
	}
	if host.started != 1 {
		t.Errorf("expected exactly one process start, got %d", host.started)
	}
}

func TestRegistry_ClearMessages_DoesNotResetSandbox(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(host, newFakeFS())
	ctx := context.Background()

	c1, _ := r.Sandbox(ctx, "alice")
	r.Messages("alice").Append(models.NewUserMessage("hi"))
	r.ClearMessages("alice")

	if len(r.Messages("alice").Messages) != 0 {
		t.Error("expected conversation to be cleared")
	}
	c2, _ := r.Sandbox(ctx, "alice")
	if c1 != c2 {
		t.Error("clear_messages must not reset the sandbox controller")
	}
}

func TestRegistry_ResetSandbox_ForcesFreshControllerNextAccess(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(host, newFakeFS())
	ctx := context.Background()

	c1, _ := r.Sandbox(ctx, "alice")
	r.ResetSandbox(ctx, "alice")
	c2, err := r.Sandbox(ctx, "alice")
	if err != nil {
		t.Fatalf("Sandbox() error = %v", err)
	}
	if c1.RemoteID() == c2.RemoteID() {
		t.Error("expected a distinct process after ResetSandbox")
	}
}

func TestRegistry_SessionStart_ClearsMessagesAndSweepsOrphans(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(host, newFakeFS())
	ctx := context.Background()

	// Simulate an orphan from a prior incarnation under the same app name.
	host.Start(ctx, "agent-sandbox", sandbox.ProcessConfig{})

	r.Messages("alice").Append(models.NewUserMessage("hi"))
	if err := r.SessionStart(ctx, "alice"); err != nil {
		t.Fatalf("SessionStart() error = %v", err)
	}

	if len(r.Messages("alice").Messages) != 0 {
		t.Error("SessionStart should clear messages")
	}

	live, _ := host.ListLive(ctx, "agent-sandbox")
	if len(live) != 1 {
		t.Errorf("expected sweep to leave exactly the fresh session_start process, got %d live", len(live))
	}
}

func TestRegistry_IdleEviction(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(host, newFakeFS())
	r.cfg.IdleTTL = time.Minute
	ctx := context.Background()

	fakeNow := time.Now()
	r.nowFunc = func() time.Time { return fakeNow }

	r.Sandbox(ctx, "alice")

	fakeNow = fakeNow.Add(2 * time.Minute)
	r.Messages("bob") // touches the registry, triggering eviction of alice

	r.mu.Lock()
	_, aliceStillPresent := r.sessions["alice"]
	r.mu.Unlock()
	if aliceStillPresent {
		t.Error("expected alice's session to be evicted after exceeding IdleTTL")
	}
}

func TestRegistry_CapacityEviction(t *testing.T) {
	host := newFakeHost()
	r := newTestRegistry(host, newFakeFS())
	r.cfg.Capacity = 2

	r.Messages("alice")
	r.Messages("bob")
	r.Messages("carol") // should evict alice, the least recently touched

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) != 2 {
		t.Fatalf("expected capacity cap of 2, got %d sessions", len(r.sessions))
	}
	if _, ok := r.sessions["alice"]; ok {
		t.Error("expected alice to be evicted as least recently touched")
	}
}
