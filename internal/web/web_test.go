package web

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arborworks/agentloop/internal/agent"
	"github.com/arborworks/agentloop/internal/registry"
	"github.com/arborworks/agentloop/internal/sandbox"
	"github.com/arborworks/agentloop/pkg/models"
)

// fakeHost and fakeFS mirror the registry package's hand-written test
// fakes; they can't be reused directly since those are unexported there
// too.
type fakeHost struct {
	mu   sync.Mutex
	live map[string]bool
	n    int
}

func newFakeHost() *fakeHost { return &fakeHost{live: map[string]bool{}} }

func (h *fakeHost) Start(ctx context.Context, appName string, cfg sandbox.ProcessConfig) (sandbox.ProcessHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
	id := appName + "-test"
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
	return nil, nil
}

type fakeFS struct{ mu sync.Mutex }

func (f *fakeFS) AppendLine(ctx context.Context, handle sandbox.ProcessHandle, line []byte) error {
	return nil
}

func (f *fakeFS) ReadResponse(ctx context.Context, handle sandbox.ProcessHandle, commandID string) ([]byte, bool, error) {
	return []byte(`{"stdout":"ok"}`), true, nil
}

// scriptedGateway returns one scripted completion, ending the turn
// immediately with no tool calls.
type scriptedGateway struct{ text string }

func (g *scriptedGateway) Complete(ctx context.Context, req agent.CompletionRequest) (agent.CompletionResult, error) {
	return agent.CompletionResult{Message: models.NewAssistantMessage(g.text, nil), UsedTokens: 5}, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	reg := registry.New(registry.Dependencies{
		Host:   newFakeHost(),
		FS:     &fakeFS{},
		Config: sandbox.Config{AppName: "agent-sandbox"},
	}, registry.Config{IdleTTL: time.Hour, Capacity: 10})

	loop := agent.NewLoop(&scriptedGateway{text: "hello"}, nil, nil, agent.LoopOptions{SystemPrompt: "be helpful"})

	return NewHandler(Config{
		Registry:         reg,
		Loop:             loop,
		CookieSigningKey: "test-signing-key",
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func newSessionCookie(t *testing.T, h *Handler, userID string) *http.Cookie {
	t.Helper()
	token, err := h.session.sign(userID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &http.Cookie{Name: sessionCookieName, Value: token}
}

func TestHandleIndex_AssignsSessionCookieForNewVisitor(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("expected a session cookie to be set")
	}
}

func TestHandleIndex_ReusesExistingSession(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(newSessionCookie(t, h, "alice"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if len(rec.Result().Cookies()) != 0 {
		t.Error("expected no new cookie for an already-known session")
	}
}

func TestHandleChat_BlankMessageIsNoOp(t *testing.T) {
	h := newTestHandler(t)
	form := url.Values{"message": {"   "}}
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(newSessionCookie(t, h, "alice"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body for a blank message, got %q", rec.Body.String())
	}
}

func TestHandleChat_MissingSessionIsRejected(t *testing.T) {
	h := newTestHandler(t)
	form := url.Values{"message": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleChat_RendersUserBubbleAndOpensStream(t *testing.T) {
	h := newTestHandler(t)
	form := url.Values{"message": {"hello there"}}
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(newSessionCookie(t, h, "alice"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "hello there") {
		t.Errorf("expected the user's message echoed in the response, got %q", body)
	}
	if !strings.Contains(body, "startStream()") {
		t.Errorf("expected a stream placeholder in the response, got %q", body)
	}
}

func TestHandleStream_ClosesImmediatelyWithNoTurnInFlight(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/agent-stream", nil)
	req.AddCookie(newSessionCookie(t, h, "alice"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "event: close") {
		t.Errorf("expected an immediate close event, got %q", rec.Body.String())
	}
}

func TestHandleStream_StreamsTurnEventsThenCloses(t *testing.T) {
	h := newTestHandler(t)
	ch := h.broker.newTurn("alice")
	msg := models.NewAssistantMessage("hi", nil)
	ch <- turnItem{event: &models.Event{Type: models.EventMessage, Message: &msg}}
	close(ch)

	req := httptest.NewRequest(http.MethodGet, "/agent-stream", nil)
	req.AddCookie(newSessionCookie(t, h, "alice"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: AgentEvent") {
		t.Errorf("expected an AgentEvent frame, got %q", body)
	}
	if !strings.Contains(body, "msg-assistant") {
		t.Errorf("expected the assistant message rendered, got %q", body)
	}
	if !strings.Contains(body, "event: close") {
		t.Errorf("expected a terminating close event, got %q", body)
	}
}

func TestHandleClear_RendersTokenCount(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/clear", nil)
	req.AddCookie(newSessionCookie(t, h, "alice"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "token-count") {
		t.Errorf("expected the token-count fragment, got %q", rec.Body.String())
	}
}

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{7, "7"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		if got := formatTokens(tt.in); got != tt.want {
			t.Errorf("formatTokens(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
