// Package gateway exposes chat, command execution, session and audit
// operations over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/access"
	"github.com/KafClaw/clawgate/internal/agent"
	"github.com/KafClaw/clawgate/internal/approval"
	"github.com/KafClaw/clawgate/internal/audit"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/shell"
	"github.com/KafClaw/clawgate/internal/sshsetup"
)

const maxBodyBytes = 1 << 20

// Deps are the services the gateway routes to.
type Deps struct {
	Access       *access.Manager
	Orchestrator *agent.Orchestrator
	Workflow     *approval.Workflow
	Gate         *shell.Gate
	Sessions     *session.Registry
	Audit        *audit.Logger
	// SSH may be nil, in which case /terminal/setup-ssh is not served.
	SSH     *sshsetup.Service
	Version string
	Log     *zap.Logger
	Now     func() time.Time
}

// Server is the HTTP surface.
type Server struct {
	Deps
	log *zap.Logger
	now func() time.Time
	mux *http.ServeMux
}

// New builds the server and registers its routes.
func New(d Deps) *Server {
	s := &Server{Deps: d, log: d.Log, now: d.Now, mux: http.NewServeMux()}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	chat := s.Access.Require(access.CapChat, s.writeError)
	terminal := s.Access.Require(access.CapTerminal, s.writeError)
	auth := s.Access.Require(access.CapAuth, s.writeError)
	auditCap := s.Access.Require(access.CapAudit, s.writeError)

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("POST /auth/token", auth(http.HandlerFunc(s.handleIssueToken)))

	s.mux.Handle("POST /chat", chat(http.HandlerFunc(s.handleChat)))
	s.mux.Handle("GET /session/{sessionId}", chat(http.HandlerFunc(s.handleSessionInfo)))
	s.mux.Handle("GET /session/{sessionId}/history", chat(http.HandlerFunc(s.handleSessionHistory)))
	s.mux.Handle("POST /session/{sessionId}/clear", chat(http.HandlerFunc(s.handleSessionClear)))

	s.mux.Handle("POST /terminal/execute", terminal(http.HandlerFunc(s.handleExecute)))
	s.mux.Handle("POST /terminal/chat/{sessionId}", terminal(http.HandlerFunc(s.handleChatPropose)))
	s.mux.Handle("POST /terminal/chat/{sessionId}/execute", terminal(http.HandlerFunc(s.handleChatExecute)))
	if s.SSH != nil {
		s.mux.Handle("POST /terminal/setup-ssh", terminal(http.HandlerFunc(s.handleSetupSSH)))
	}
	s.mux.Handle("GET /terminal/history/{sessionId}", terminal(http.HandlerFunc(s.handleTerminalHistory)))
	s.mux.Handle("GET /terminal/stats/{sessionId}", terminal(http.HandlerFunc(s.handleTerminalStats)))

	s.mux.Handle("GET /audit/logs", auditCap(http.HandlerFunc(s.handleAuditLogs)))
	s.mux.Handle("GET /audit/stats/{userId}", auditCap(http.HandlerFunc(s.handleAuditStats)))
}

// ServeHTTP adds request ids, CORS headers and access logging around the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", reqID)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Access-Token")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
	s.log.Debug("http request",
		zap.String("request_id", reqID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", s.now().Sub(start)),
	)
}

type requestIDKey struct{}

func requestFields(r *http.Request, err error) []zap.Field {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return []zap.Field{
		zap.String("request_id", id),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errBadRequest("request body is required")
		}
		return errBadRequest("request body is not valid JSON")
	}
	return nil
}

func claimsOf(r *http.Request) access.Claims {
	c, _ := access.ClaimsFrom(r.Context())
	return c
}
