// Package registry implements the Session Registry: the per-user
// map tying a Conversation to its lazily constructed Controller, with idle
// eviction and a capacity cap.
package registry

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arborworks/agentloop/internal/observability"
	"github.com/arborworks/agentloop/internal/sandbox"
	"github.com/arborworks/agentloop/pkg/models"
)

// Dependencies the Registry needs to construct a Controller for a user. A
// Controller is built lazily, on first sandbox access.
type Dependencies struct {
	Host    sandbox.ProcessHost
	FS      sandbox.RemoteFS
	Config  sandbox.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics // optional
}

// session is one user's registry entry. touched is updated on every access
// that should reset the idle clock; it is read under Registry.mu.
type session struct {
	conversation *models.Conversation
	controller   *sandbox.Controller
	touched      time.Time
	elem         *list.Element // position in the Registry's LRU eviction list
}

// Config bounds the Registry's idle eviction and user capacity.
type Config struct {
	IdleTTL  time.Duration
	Capacity int
}

func (c Config) withDefaults() Config {
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	return c
}

// Registry is the Session Registry: a map from user id to that user's
// Conversation and (possibly absent) Controller, guarded by a single mutex
// for all structural changes.
type Registry struct {
	deps Dependencies
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*session
	lru      *list.List // front = most recently touched

	// userLocks serializes InitSandbox per user so a reset-then-recreate
	// sequence can't interleave with a concurrent one for the same user.
	userLocks map[string]*sync.Mutex

	nowFunc func() time.Time
}

// New builds an empty Registry.
func New(deps Dependencies, cfg Config) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:      deps,
		cfg:       cfg.withDefaults(),
		sessions:  map[string]*session{},
		lru:       list.New(),
		userLocks: map[string]*sync.Mutex{},
		nowFunc:   time.Now,
	}
}

// Messages returns userID's Conversation, creating an empty one on first
// access. The returned pointer is live; callers append directly to it.
func (r *Registry) Messages(userID string) *models.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(userID)
	return s.conversation
}

// ClearMessages truncates userID's conversation without touching any
// existing sandbox (clear_messages does not reset the sandbox).
func (r *Registry) ClearMessages(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreateLocked(userID)
	s.conversation.Clear()
}

// Sandbox returns userID's Controller, lazily constructing one on first
// access under the Registry's AppName/Config.
func (r *Registry) Sandbox(ctx context.Context, userID string) (*sandbox.Controller, error) {
	r.mu.Lock()
	s := r.getOrCreateLocked(userID)
	existing := s.controller
	r.mu.Unlock()

	if existing != nil {
		return existing, nil
	}

	ctrl, err := sandbox.New(ctx, r.deps.Host, r.deps.FS, r.deps.Config, "", r.deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("registry: construct sandbox for %s: %w", userID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s = r.getOrCreateLocked(userID)
	if s.controller != nil {
		// Lost the race: another caller built one first. Keep theirs,
		// terminate ours.
		ctrl.Terminate(ctx)
		return s.controller, nil
	}
	s.controller = ctrl
	return ctrl, nil
}

// ResetSandbox terminates userID's existing Controller, if any, so the
// next Sandbox call constructs a fresh process. It does not touch
// Messages.
func (r *Registry) ResetSandbox(ctx context.Context, userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	var old *sandbox.Controller
	if ok {
		old = s.controller
		s.controller = nil
	}
	r.mu.Unlock()

	if old != nil {
		old.Terminate(ctx)
	}
}

// InitSandbox terminates any existing Controller for userID and eagerly
// constructs a fresh one, serialized per user so concurrent calls cannot
// interleave a reset with a build.
func (r *Registry) InitSandbox(ctx context.Context, userID string) error {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.ResetSandbox(ctx, userID)
	_, err := r.Sandbox(ctx, userID)
	return err
}

// SessionStart implements session_start: it is the only operation
// that both clears messages and resets the sandbox, and additionally
// sweeps orphaned processes left by a prior incarnation of the
// application before constructing the fresh one.
func (r *Registry) SessionStart(ctx context.Context, userID string) error {
	r.ClearMessages(userID)

	if err := sandbox.Sweep(ctx, r.deps.Host, r.deps.Config.AppName, r.deps.Logger); err != nil {
		r.deps.Logger.Warn("registry: sweep before session start failed", "user_id", userID, "error", err)
	}

	return r.InitSandbox(ctx, userID)
}

// getOrCreateLocked must be called with r.mu held. It refreshes an existing
// session's LRU position, or creates a session on first touch and then
// evicts idle/overflowing entries.
func (r *Registry) getOrCreateLocked(userID string) *session {
	now := r.nowFunc()

	if s, ok := r.sessions[userID]; ok {
		s.touched = now
		r.lru.MoveToFront(s.elem)
		return s
	}

	s := &session{conversation: &models.Conversation{}, touched: now}
	s.elem = r.lru.PushFront(userID)
	r.sessions[userID] = s

	r.evictLocked(now)
	return s
}

// evictLocked must be called with r.mu held. It removes idle-expired
// entries and, if still over capacity, the least-recently-touched entries
// (30-minute idle TTL, 1000-user capacity cap).
func (r *Registry) evictLocked(now time.Time) {
	for e := r.lru.Back(); e != nil; {
		prev := e.Prev()
		userID := e.Value.(string)
		s := r.sessions[userID]
		if now.Sub(s.touched) > r.cfg.IdleTTL {
			r.removeLocked(userID, s, "idle")
		}
		e = prev
	}

	for len(r.sessions) > r.cfg.Capacity {
		back := r.lru.Back()
		if back == nil {
			break
		}
		userID := back.Value.(string)
		r.removeLocked(userID, r.sessions[userID], "capacity")
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.SetRegistryActiveSessions(len(r.sessions))
	}
}

func (r *Registry) removeLocked(userID string, s *session, reason string) {
	if s.controller != nil {
		go s.controller.Terminate(context.Background())
	}
	r.lru.Remove(s.elem)
	delete(r.sessions, userID)
	delete(r.userLocks, userID)
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordRegistryEviction(reason)
	}
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.userLocks[userID] = lock
	}
	return lock
}
