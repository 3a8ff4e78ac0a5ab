package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// These tests exercise LocalHost's filesystem bookkeeping directly — writing
// pid files and RES/<id> entries by hand — rather than spawning a real
// sandboxdriver binary, which Start would need on $PATH.

func newTestLocalHost(t *testing.T) (*LocalHost, string) {
	t.Helper()
	base := t.TempDir()
	return NewLocalHost(LocalHostConfig{BaseDir: base}), base
}

func writePID(t *testing.T, h *LocalHost, remoteID string, pid int) {
	t.Helper()
	dir := h.dir(remoteID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(h.pidFile(remoteID), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
}

func TestLocalHost_AttachLiveProcess(t *testing.T) {
	h, _ := newTestLocalHost(t)
	remoteID := filepath.Join("myapp", "abc123")
	writePID(t, h, remoteID, os.Getpid())

	handle, alive, err := h.Attach(context.Background(), remoteID)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !alive {
		t.Error("expected this test process's own pid to be reported alive")
	}
	if handle.RemoteID != remoteID {
		t.Errorf("RemoteID = %q, want %q", handle.RemoteID, remoteID)
	}
}

func TestLocalHost_AttachUnknownRemoteID(t *testing.T) {
	h, _ := newTestLocalHost(t)

	_, alive, err := h.Attach(context.Background(), filepath.Join("myapp", "does-not-exist"))
	if err != nil {
		t.Fatalf("Attach on missing pid file should not error, got %v", err)
	}
	if alive {
		t.Error("expected alive=false for a remoteID with no pid file")
	}
}

func TestLocalHost_AttachDeadProcess(t *testing.T) {
	h, _ := newTestLocalHost(t)
	remoteID := filepath.Join("myapp", "dead")
	// A pid vanishingly unlikely to be alive in any test environment.
	writePID(t, h, remoteID, 1<<30)

	_, alive, err := h.Attach(context.Background(), remoteID)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if alive {
		t.Error("expected alive=false for an unreachable pid")
	}
}

func TestLocalHost_ListLiveFiltersDeadAndMissing(t *testing.T) {
	h, _ := newTestLocalHost(t)
	writePID(t, h, filepath.Join("myapp", "live-1"), os.Getpid())
	writePID(t, h, filepath.Join("myapp", "dead-1"), 1<<30)
	// A directory with no pid file at all, e.g. a Start that crashed early.
	if err := os.MkdirAll(h.dir(filepath.Join("myapp", "no-pid")), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	handles, err := h.ListLive(context.Background(), "myapp")
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("expected exactly 1 live handle, got %d: %+v", len(handles), handles)
	}
	if handles[0].RemoteID != filepath.Join("myapp", "live-1") {
		t.Errorf("RemoteID = %q, want live-1", handles[0].RemoteID)
	}
}

func TestLocalHost_ListLiveEmptyAppDirectory(t *testing.T) {
	h, _ := newTestLocalHost(t)

	handles, err := h.ListLive(context.Background(), "never-started")
	if err != nil {
		t.Fatalf("ListLive on a nonexistent app directory should not error, got %v", err)
	}
	if len(handles) != 0 {
		t.Errorf("expected no handles, got %d", len(handles))
	}
}

func TestLocalHost_TerminateMissingPidIsNotAnError(t *testing.T) {
	h, _ := newTestLocalHost(t)

	if err := h.Terminate(context.Background(), ProcessHandle{RemoteID: filepath.Join("myapp", "ghost")}); err != nil {
		t.Errorf("Terminate on a never-started remoteID should be a no-op, got %v", err)
	}
}

func TestLocalHost_AppendLineAndReadResponse(t *testing.T) {
	h, _ := newTestLocalHost(t)
	remoteID := filepath.Join("myapp", "wired")
	dir := h.dir(remoteID)
	if err := os.MkdirAll(filepath.Join(dir, "RES"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := os.Create(filepath.Join(dir, RequestFile)); err != nil {
		t.Fatalf("create request file: %v", err)
	}

	handle := ProcessHandle{RemoteID: remoteID}

	if err := h.AppendLine(context.Background(), handle, []byte(`{"command_id":"c1"}`+"\n")); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, RequestFile))
	if err != nil {
		t.Fatalf("read request file: %v", err)
	}
	if string(data) != `{"command_id":"c1"}`+"\n" {
		t.Errorf("request file contents = %q", data)
	}

	if _, ok, err := h.ReadResponse(context.Background(), handle, "c1"); err != nil || ok {
		t.Fatalf("expected no response yet, got ok=%v err=%v", ok, err)
	}

	respPath := filepath.Join(dir, "RES", "c1"+ResponseExt)
	if err := os.WriteFile(respPath, []byte(`{"command_id":"c1","stdout":"ok"}`), 0o644); err != nil {
		t.Fatalf("write response: %v", err)
	}
	got, ok, err := h.ReadResponse(context.Background(), handle, "c1")
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !ok {
		t.Fatal("expected a response to be present")
	}
	if string(got) != `{"command_id":"c1","stdout":"ok"}` {
		t.Errorf("response contents = %q", got)
	}
}

func TestLocalHost_AppendLineUnknownRemoteIDIsTransientError(t *testing.T) {
	h, _ := newTestLocalHost(t)

	err := h.AppendLine(context.Background(), ProcessHandle{RemoteID: filepath.Join("myapp", "missing")}, []byte("x\n"))
	if err == nil {
		t.Fatal("expected an error appending to a nonexistent process's request file")
	}
	if !IsKind(err, KindTransientFS) {
		t.Errorf("expected a transient FS error, got %v", err)
	}
}
