package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/KafClaw/clawgate/internal/access"
	"github.com/KafClaw/clawgate/internal/agent"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/shell"
	"github.com/KafClaw/clawgate/internal/sshsetup"
)

// Error categories returned in the "error" field of failure bodies.
const (
	CategoryUnauthorized      = "unauthorized"
	CategoryForbidden         = "forbidden"
	CategoryCommandNotAllowed = "command_not_allowed"
	CategoryRateLimited       = "rate_limited"
	CategoryUpstream          = "upstream_error"
	CategoryStorage           = "storage_error"
	CategoryBadRequest        = "bad_request"
	CategorySSHSetup          = "ssh_setup_failed"
	CategoryInternal          = "internal_error"
)

// badRequest carries a message that is safe to show the client.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func errBadRequest(msg string) error { return &badRequest{msg: msg} }

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// classify maps an error to its HTTP status, category and client message.
// Messages never include the underlying error text.
func classify(err error) (int, string, string) {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, CategoryBadRequest, br.msg
	case errors.Is(err, access.ErrInvalidRole), errors.Is(err, access.ErrInvalidSubject):
		return http.StatusBadRequest, CategoryBadRequest, "invalid user or role"
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusUnauthorized, CategoryUnauthorized, "missing or invalid access token"
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden, CategoryForbidden, "insufficient role for this operation"
	case errors.Is(err, shell.ErrCommandNotAllowed):
		return http.StatusForbidden, CategoryCommandNotAllowed, "command is not on the allow-list"
	case errors.Is(err, shell.ErrRateLimited):
		return http.StatusTooManyRequests, CategoryRateLimited, "wait at least 1 second between commands"
	case errors.Is(err, sshsetup.ErrInvalidTarget):
		return http.StatusBadRequest, CategoryBadRequest, "targetHost or targetUser is not a valid ssh destination"
	case errors.Is(err, agent.ErrUpstream):
		return http.StatusBadGateway, CategoryUpstream, "the agent backend failed to respond"
	case errors.Is(err, session.ErrStorage):
		return http.StatusInternalServerError, CategoryStorage, "session storage is unavailable"
	default:
		return http.StatusInternalServerError, CategoryInternal, "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, category, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", requestFields(r, err)...)
	} else {
		s.log.Info("request rejected", requestFields(r, err)...)
	}
	writeJSON(w, status, errorBody{Error: category, Message: msg, Timestamp: s.timestamp()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}
