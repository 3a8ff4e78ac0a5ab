// Package web serves the browser-facing HTTP/SSE surface: a single chat
// page whose message trace streams over Server-Sent Events.
package web

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arborworks/agentloop/internal/agent"
	"github.com/arborworks/agentloop/internal/observability"
	"github.com/arborworks/agentloop/internal/registry"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Config holds web handler configuration.
type Config struct {
	// Registry resolves a user's Conversation and Controller.
	Registry *registry.Registry
	// Loop drives one turn of the think/act/observe cycle.
	Loop *agent.Loop
	// CookieSigningKey signs the session cookie carrying user_id.
	CookieSigningKey string
	// Logger receives request diagnostics.
	Logger *slog.Logger
	// Metrics records the open SSE-connection count, if non-nil.
	Metrics *observability.Metrics
}

// Handler is the agent server's HTTP handler.
type Handler struct {
	config    Config
	templates *template.Template
	mux       *http.ServeMux
	session   *sessionSigner
	broker    *streamBroker
}

// NewHandler builds a Handler. It panics if the embedded templates fail to
// parse, since that reflects a build-time defect rather than a runtime one.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tmpl := template.Must(template.New("").Funcs(template.FuncMap{
		"formatTokens": formatTokens,
	}).ParseFS(templatesFS, "templates/*.html"))

	h := &Handler{
		config:    cfg,
		templates: tmpl,
		mux:       http.NewServeMux(),
		session:   newSessionSigner(cfg.CookieSigningKey),
		broker:    newStreamBroker(),
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("GET /{$}", h.handleIndex)
	h.mux.HandleFunc("POST /clear", h.handleClear)
	h.mux.HandleFunc("POST /chat", h.handleChat)
	h.mux.HandleFunc("GET /agent-stream", h.handleStream)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Mount returns the handler with request logging applied.
func (h *Handler) Mount() http.Handler {
	return LoggingMiddleware(h.config.Logger)(h)
}

// formatTokens renders a token count with thousands separators.
func formatTokens(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}
