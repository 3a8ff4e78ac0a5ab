package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arborworks/agentloop/internal/agent"
	"github.com/arborworks/agentloop/internal/observability"
	"github.com/arborworks/agentloop/pkg/models"
)

// sseFlushInterval is the pause after each SSE write, giving the
// transport time to flush before the next event is ready.
const sseFlushInterval = 10 * time.Millisecond

// handleIndex serves the chat page. A visitor with no session cookie is
// first assigned a fresh user_id. Every page load then starts the user's
// session afresh: their conversation is cleared and a fresh sandbox is
// scheduled, so the empty page matches the server-side state.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.session.userIDFromRequest(r)
	if !ok {
		userID = uuid.New().String()
		if err := h.session.setSessionCookie(w, userID); err != nil {
			h.config.Logger.Error("sign session cookie", "error", err)
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}
	}
	go func(userID string) {
		ctx := observability.AddUserID(context.Background(), userID)
		if err := h.config.Registry.SessionStart(ctx, userID); err != nil {
			h.config.Logger.Error("session start", "user_id", userID, "error", err)
		}
	}(userID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, "index.html", nil); err != nil {
		h.config.Logger.Error("render index", "error", err)
	}
}

// handleClear resets a user's conversation and schedules a fresh sandbox
// for them, without sweeping orphaned processes: that sweep belongs to a
// session's inception, not a mid-session reset.
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.session.userIDFromRequest(r)
	if !ok {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}

	h.config.Registry.ClearMessages(userID)
	go func(userID string) {
		ctx := observability.AddUserID(context.Background(), userID)
		if err := h.config.Registry.InitSandbox(ctx, userID); err != nil {
			h.config.Logger.Error("init sandbox after clear", "user_id", userID, "error", err)
		}
	}(userID)

	tokens := h.config.Registry.Messages(userID).CumulativeTokens
	frag, err := h.renderTokenCount(tokens)
	if err != nil {
		h.config.Logger.Error("render token count", "error", err)
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, frag)
}

// handleChat appends a user message and kicks off its turn in the
// background. Blank input is a no-op: the client never opens a stream for
// it. The response carries the user's own bubble plus a placeholder that
// opens the SSE connection for the turn underway.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.session.userIDFromRequest(r)
	if !ok {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	message := strings.TrimSpace(r.FormValue("message"))
	if message == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	userBubble, err := h.renderUserBubble(message)
	if err != nil {
		h.config.Logger.Error("render user bubble", "error", err)
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	placeholder, err := h.renderStreamPlaceholder()
	if err != nil {
		h.config.Logger.Error("render stream placeholder", "error", err)
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}

	ch := h.broker.newTurn(userID)
	go h.runTurn(userID, message, ch)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, userBubble)
	fmt.Fprint(w, placeholder)
}

// runTurn drives one agent-loop turn in the background, forwarding every
// event to ch. It runs detached from the request that started it, since
// the turn's events are consumed by a later GET /agent-stream request.
func (h *Handler) runTurn(userID, message string, ch chan turnItem) {
	defer close(ch)

	conv := h.config.Registry.Messages(userID)
	ctx := observability.AddUserID(context.Background(), userID)
	err := h.config.Loop.Run(ctx, conv, message, func(ev models.Event) {
		e := ev
		ch <- turnItem{event: &e}
	})
	if err != nil {
		h.config.Logger.Error("agent loop run", "user_id", userID, "error", err)
		ch <- turnItem{err: err}
	}
}

// handleStream opens the SSE connection for a user's in-flight turn,
// rendering each event as an OOB fragment and terminating with an
// explicit close event. If no turn is in flight (the browser reconnected
// after the turn already finished, or raced a page reload) it closes
// immediately.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.session.userIDFromRequest(r)
	if !ok {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	ch, ok := h.broker.take(userID)
	if !ok {
		writeSSEEvent(w, "close", "")
		if canFlush {
			flusher.Flush()
		}
		return
	}

	if h.config.Metrics != nil {
		h.config.Metrics.SSEConnectionOpened()
		defer h.config.Metrics.SSEConnectionClosed()
	}

	for {
		select {
		case item, open := <-ch:
			if !open {
				writeSSEEvent(w, "close", "")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if item.err != nil {
				if agent.IsErrorKind(item.err, agent.KindSessionInternal) {
					writeSSEEvent(w, "error", item.err.Error())
					if canFlush {
						flusher.Flush()
					}
				}
				continue
			}
			frag, err := h.renderTraceEvent(*item.event)
			if err != nil {
				h.config.Logger.Error("render trace event", "error", err)
				continue
			}
			writeSSEEvent(w, "AgentEvent", frag)
			if canFlush {
				flusher.Flush()
			}
			time.Sleep(sseFlushInterval)
		case <-r.Context().Done():
			return
		}
	}
}
