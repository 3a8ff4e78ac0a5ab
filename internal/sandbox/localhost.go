package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// LocalHostConfig configures a LocalHost backend.
type LocalHostConfig struct {
	// BaseDir is the root under which every app's processes get their own
	// subdirectory (BaseDir/remoteID, i.e. BaseDir/appName/<uuid>). Defaults to os.TempDir()'s
	// "agentloop-sandbox" subdirectory.
	BaseDir string

	// DriverBinary is the path to the cmd/sandboxdriver executable spawned
	// for each new process. Defaults to "sandboxdriver" (resolved via PATH).
	DriverBinary string

	// ReadyTimeout bounds how long Start waits for the driver's ready
	// sentinel before giving up.
	ReadyTimeout time.Duration

	// ReadyPollInterval is how often Start polls for the ready sentinel and
	// (during a synchronous InitScript) for its response.
	ReadyPollInterval time.Duration
}

func (c LocalHostConfig) withDefaults() LocalHostConfig {
	if c.BaseDir == "" {
		c.BaseDir = filepath.Join(os.TempDir(), "agentloop-sandbox")
	}
	if c.DriverBinary == "" {
		c.DriverBinary = "sandboxdriver"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 50 * time.Millisecond
	}
	return c
}

// LocalHost is the default ProcessHost/RemoteFS backend: it spawns
// cmd/sandboxdriver as a detached child process on the same machine and
// talks to it over plain local files. It exists for local development and
// single-node deployments; DaytonaHost is the alternative for a
// cluster-hosted, per-user cloud sandbox.
type LocalHost struct {
	cfg LocalHostConfig
}

// NewLocalHost builds a LocalHost backend rooted at cfg.BaseDir.
func NewLocalHost(cfg LocalHostConfig) *LocalHost {
	return &LocalHost{cfg: cfg.withDefaults()}
}

// remoteID encodes appName/uuid so RemoteFS operations, which only see a
// ProcessHandle, can recover the process's directory without a side map.
func (h *LocalHost) remoteID(appName string) string {
	return filepath.Join(appName, uuid.New().String())
}

func (h *LocalHost) dir(remoteID string) string {
	return filepath.Join(h.cfg.BaseDir, remoteID)
}

func (h *LocalHost) pidFile(remoteID string) string {
	return filepath.Join(h.dir(remoteID), "pid")
}

// Start spawns a new detached sandboxdriver process under appName. It waits
// for the driver's ready sentinel before returning, and if cfg.InitScript is
// set, submits it synchronously over the same wire protocol Controller.Submit
// uses, blocking for its response before returning.
func (h *LocalHost) Start(ctx context.Context, appName string, cfg ProcessConfig) (ProcessHandle, error) {
	remoteID := h.remoteID(appName)
	dataDir := h.dir(remoteID)
	if err := os.MkdirAll(filepath.Join(dataDir, "RES"), 0o755); err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: create data dir: %w", err)
	}
	requestFile := filepath.Join(dataDir, RequestFile)
	if _, err := os.OpenFile(requestFile, os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: create request file: %w", err)
	}

	args := []string{
		"--data-dir", dataDir,
		"--request-file", requestFile,
		"--response-dir", dataDir,
	}
	if cfg.IdleDeadline > 0 {
		args = append(args, "--idle-deadline", cfg.IdleDeadline.String())
	}
	if cfg.OverallDeadline > 0 {
		args = append(args, "--overall-deadline", cfg.OverallDeadline.String())
	}
	cmd := exec.Command(h.cfg.DriverBinary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Dir = dataDir
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: spawn driver: %w", err)
	}
	// The driver outlives this call; reap it in the background once it
	// exits, so a dead driver does not linger as a zombie that the signal-0
	// liveness check would still report alive.
	go func() { _ = cmd.Wait() }()

	if err := os.WriteFile(h.pidFile(remoteID), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: write pid file: %w", err)
	}

	handle := ProcessHandle{RemoteID: remoteID}

	if err := h.waitReady(ctx, remoteID); err != nil {
		return ProcessHandle{}, err
	}

	if cfg.InitScript != "" {
		if err := h.runInitScript(ctx, handle, cfg.InitScript); err != nil {
			return ProcessHandle{}, fmt.Errorf("sandbox: init script: %w", err)
		}
	}

	return handle, nil
}

func (h *LocalHost) waitReady(ctx context.Context, remoteID string) error {
	deadline := time.Now().Add(h.cfg.ReadyTimeout)
	readyPath := filepath.Join(h.dir(remoteID), ReadyFile)
	for {
		if _, err := os.Stat(readyPath); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sandbox: driver did not become ready within %s", h.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.ReadyPollInterval):
		}
	}
}

// runInitScript submits code as one request and blocks until its response
// appears, using the same REQ/RES wire shape Controller.Submit uses.
func (h *LocalHost) runInitScript(ctx context.Context, handle ProcessHandle, code string) error {
	commandID := uuid.New().String()
	req := Request{CommandID: commandID, Code: code}
	line, err := req.Encode()
	if err != nil {
		return fmt.Errorf("encode init request: %w", err)
	}
	if err := h.AppendLine(ctx, handle, line); err != nil {
		return fmt.Errorf("append init request: %w", err)
	}

	deadline := time.Now().Add(h.cfg.ReadyTimeout)
	for {
		data, ok, err := h.ReadResponse(ctx, handle, commandID)
		if err != nil {
			return err
		}
		if ok {
			if _, err := DecodeResponse(data); err != nil {
				return fmt.Errorf("decode init response: %w", err)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no response to init script within %s", h.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.ReadyPollInterval):
		}
	}
}

// Attach checks remoteID's pid file and reports liveness via signal 0.
func (h *LocalHost) Attach(ctx context.Context, remoteID string) (ProcessHandle, bool, error) {
	handle := ProcessHandle{RemoteID: remoteID}
	pid, err := h.readPID(remoteID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return handle, false, nil
		}
		return handle, false, err
	}
	return handle, processAlive(pid), nil
}

// Terminate sends SIGTERM to remoteID's pid, swallowing "already gone".
func (h *LocalHost) Terminate(ctx context.Context, handle ProcessHandle) error {
	pid, err := h.readPID(handle.RemoteID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// ListLive walks BaseDir/appName for every subdirectory with a live pid.
func (h *LocalHost) ListLive(ctx context.Context, appName string) ([]ProcessHandle, error) {
	entries, err := os.ReadDir(filepath.Join(h.cfg.BaseDir, appName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var handles []ProcessHandle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		remoteID := filepath.Join(appName, e.Name())
		pid, err := h.readPID(remoteID)
		if err != nil {
			continue
		}
		if processAlive(pid) {
			handles = append(handles, ProcessHandle{RemoteID: remoteID})
		}
	}
	return handles, nil
}

func (h *LocalHost) readPID(remoteID string) (int, error) {
	data, err := os.ReadFile(h.pidFile(remoteID))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(bytes.TrimSpace(data)))
}

// processAlive reports whether pid names a live process, via the
// zero-signal liveness check.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return syscall.Kill(proc.Pid, 0) == nil
}

// AppendLine appends one line to handle's request file.
func (h *LocalHost) AppendLine(ctx context.Context, handle ProcessHandle, line []byte) error {
	f, err := os.OpenFile(filepath.Join(h.dir(handle.RemoteID), RequestFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return NewTransientFSError(err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return NewTransientFSError(err)
	}
	return nil
}

// ReadResponse reads handle's RES/<commandID> file, if present.
func (h *LocalHost) ReadResponse(ctx context.Context, handle ProcessHandle, commandID string) ([]byte, bool, error) {
	path := filepath.Join(h.dir(handle.RemoteID), "RES", commandID+ResponseExt)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, NewTransientFSError(err)
	}
	return data, true, nil
}
