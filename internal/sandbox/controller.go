package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/arborworks/agentloop/internal/infra"
)

// state tracks the process lifecycle as seen by Controller:
// absent -> starting -> ready -> (executing <-> ready)* -> stopped.
type state int

const (
	stateAbsent state = iota
	stateStarting
	stateReady
	stateStopped
)

// Config configures a Controller's process construction and submit
// discipline. Zero deadlines, budgets, MaxRuntime, PollInterval and
// MaxAppendRetries are replaced with defaults matching
// internal/config.Defaults; AppName and InitScript are used as given.
type Config struct {
	AppName          string
	OverallDeadline  time.Duration
	IdleDeadline     time.Duration
	CPUCores         float64
	MemoryMB         int
	MaxRuntime       time.Duration
	PollInterval     time.Duration
	InitScript       string
	MaxAppendRetries int
}

func (c Config) withDefaults() Config {
	if c.OverallDeadline <= 0 {
		c.OverallDeadline = 2 * time.Hour
	}
	if c.IdleDeadline <= 0 {
		c.IdleDeadline = 30 * time.Minute
	}
	if c.CPUCores <= 0 {
		c.CPUCores = 4
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 4096
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxAppendRetries <= 0 {
		c.MaxAppendRetries = 3
	}
	return c
}

// Controller is the client-side handle to one remote sandbox process
// One Controller serves exactly one user; the Session Registry owns
// its lifetime.
type Controller struct {
	host   ProcessHost
	fs     RemoteFS
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	handle     ProcessHandle
	st         state
	lastSubmit time.Time
}

// New constructs a Controller, attempting to reattach to remoteID first
// If remoteID is empty, or reattachment finds no live process, a new
// process is started under cfg.AppName and, if cfg.InitScript is set, it is
// executed synchronously before New returns.
func New(ctx context.Context, host ProcessHost, fs RemoteFS, cfg Config, remoteID string, logger *slog.Logger) (*Controller, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{host: host, fs: fs, cfg: cfg, logger: logger, st: stateAbsent}

	if remoteID != "" {
		handle, alive, err := host.Attach(ctx, remoteID)
		if err != nil {
			return nil, fmt.Errorf("sandbox: reattach %s: %w", remoteID, err)
		}
		if alive {
			c.handle = handle
			c.st = stateReady
			c.lastSubmit = time.Now()
			logger.Info("sandbox reattached", "remote_id", remoteID)
			return c, nil
		}
		logger.Info("sandbox reattach found no live process, starting fresh", "remote_id", remoteID)
	}

	c.st = stateStarting
	handle, err := host.Start(ctx, cfg.AppName, c.processConfig())
	if err != nil {
		c.st = stateAbsent
		return nil, fmt.Errorf("sandbox: start: %w", err)
	}
	c.handle = handle
	c.st = stateReady
	c.lastSubmit = time.Now()
	return c, nil
}

// processConfig builds the ProcessConfig passed to host.Start, shared
// between initial construction and the transparent-restart path in
// ensureLive.
func (c *Controller) processConfig() ProcessConfig {
	return ProcessConfig{
		CPUCores:        c.cfg.CPUCores,
		MemoryMB:        c.cfg.MemoryMB,
		OverallDeadline: c.cfg.OverallDeadline,
		IdleDeadline:    c.cfg.IdleDeadline,
		InitScript:      c.cfg.InitScript,
		Env: map[string]string{
			EnvDataDir: DefaultDir,
		},
	}
}

// RemoteID returns the underlying process id (the Session Registry checks
// compare this across calls).
func (c *Controller) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle.RemoteID
}

// Submit appends code to REQ and polls for its response. A submit
// against an explicitly-terminated Controller fails immediately with
// KindExecutionUnavailable and is never retried. A submit against a
// Controller whose process exited on its own — the idle or overall
// deadline watchdog killed it — transparently starts a fresh process
// first, so the caller sees a slower Submit rather than a failure.
func (c *Controller) Submit(ctx context.Context, code string) (Response, error) {
	handle, err := c.ensureLive(ctx)
	if err != nil {
		return Response{}, err
	}

	commandID := uuid.New().String()
	req := Request{CommandID: commandID, Code: code}
	line, err := req.Encode()
	if err != nil {
		return Response{}, fmt.Errorf("sandbox: encode request: %w", err)
	}

	appendCfg := &infra.RetryConfig{
		MaxAttempts:  c.cfg.MaxAppendRetries,
		InitialDelay: c.cfg.PollInterval,
		MaxDelay:     c.cfg.PollInterval,
		Strategy:     infra.BackoffConstant,
		RetryIf:      func(err error) bool { return IsKind(err, KindTransientFS) },
	}
	_, appendResult := infra.Retry(ctx, appendCfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.fs.AppendLine(ctx, handle, line)
	})
	if appendResult.LastError != nil {
		return Response{}, fmt.Errorf("sandbox: append request: %w", appendResult.LastError)
	}

	maxReadAttempts := int(c.cfg.MaxRuntime / c.cfg.PollInterval)
	readCfg := &infra.RetryConfig{
		MaxAttempts:  maxReadAttempts,
		InitialDelay: c.cfg.PollInterval,
		MaxDelay:     c.cfg.PollInterval,
		Strategy:     infra.BackoffConstant,
		RetryIf: func(err error) bool {
			return IsKind(err, KindTransientFS) || IsKind(err, KindResponseMissing)
		},
	}
	data, readResult := infra.Retry(ctx, readCfg, func(ctx context.Context) ([]byte, error) {
		data, ok, err := c.fs.ReadResponse(ctx, handle, commandID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, newError(KindResponseMissing, commandID, nil)
		}
		return data, nil
	})
	if readResult.LastError != nil {
		if IsKind(readResult.LastError, KindResponseMissing) {
			return Response{}, newError(KindExecutionTimeout, fmt.Sprintf("no response for %s within %s", commandID, c.cfg.MaxRuntime), readResult.LastError)
		}
		return Response{}, fmt.Errorf("sandbox: read response: %w", readResult.LastError)
	}

	resp, err := DecodeResponse(data)
	if err != nil {
		return Response{}, fmt.Errorf("sandbox: decode response for %s: %w", commandID, err)
	}

	c.mu.Lock()
	c.lastSubmit = time.Now()
	c.mu.Unlock()
	return resp, nil
}

// Terminate stops the underlying process. Idempotent; errors are logged and
// swallowed by design.
func (c *Controller) Terminate(ctx context.Context) {
	c.mu.Lock()
	if c.st == stateStopped {
		c.mu.Unlock()
		return
	}
	handle := c.handle
	c.st = stateStopped
	c.mu.Unlock()

	if err := c.host.Terminate(ctx, handle); err != nil {
		c.logger.Warn("sandbox terminate failed", "remote_id", handle.RemoteID, "error", err)
	}
}

// ensureLive returns the process handle to submit against, first restarting
// a fresh process in its place if the attached process is no longer alive.
// A Controller stopped by an explicit Terminate stays stopped; only a
// process that disappeared on its own (a deadline watchdog kill) triggers
// the transparent restart.
func (c *Controller) ensureLive(ctx context.Context) (ProcessHandle, error) {
	c.mu.Lock()
	if c.st == stateStopped {
		c.mu.Unlock()
		return ProcessHandle{}, newError(KindExecutionUnavailable, "process is stopped", nil)
	}
	handle := c.handle
	c.mu.Unlock()

	_, alive, err := c.host.Attach(ctx, handle.RemoteID)
	if err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: liveness check %s: %w", handle.RemoteID, err)
	}
	if alive {
		return handle, nil
	}

	c.logger.Info("sandbox process found dead, restarting", "remote_id", handle.RemoteID)
	newHandle, err := c.host.Start(ctx, c.cfg.AppName, c.processConfig())
	if err != nil {
		return ProcessHandle{}, fmt.Errorf("sandbox: restart after deadline kill: %w", err)
	}

	c.mu.Lock()
	c.handle = newHandle
	c.st = stateReady
	c.lastSubmit = time.Now()
	c.mu.Unlock()
	return newHandle, nil
}

// IdleFor reports how long it has been since the last successful Submit,
// or since the process was started, reattached or restarted if no Submit
// has succeeded since then.
func (c *Controller) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSubmit)
}

// Sweep terminates every live process under appName, used on fresh session
// starts, to clean up orphans from a prior incarnation of the
// application.
func Sweep(ctx context.Context, host ProcessHost, appName string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	handles, err := host.ListLive(ctx, appName)
	if err != nil {
		return fmt.Errorf("sandbox: sweep list: %w", err)
	}
	var errs []error
	for _, h := range handles {
		if err := host.Terminate(ctx, h); err != nil {
			logger.Warn("sweep terminate failed", "remote_id", h.RemoteID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
