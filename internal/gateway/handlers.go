package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/clawgate/internal/access"
	"github.com/KafClaw/clawgate/internal/agent"
	"github.com/KafClaw/clawgate/internal/approval"
	"github.com/KafClaw/clawgate/internal/audit"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/sshsetup"
)

const defaultStatsDays = 30

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.Version,
		"timestamp": s.timestamp(),
	})
}

type tokenRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	TTL    string `json:"ttl,omitempty"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := access.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			s.writeError(w, r, errBadRequest("ttl must be a positive duration such as 24h"))
			return
		}
	}
	cred, err := s.Access.IssueCredential(r.Context(), req.UserID, role, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     cred.Token,
		"userId":    cred.UserID,
		"role":      cred.Role,
		"expiresAt": cred.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type chatRequest struct {
	SessionID string         `json:"sessionId"`
	Message   string         `json:"message"`
	Query     string         `json:"query,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Approval  bool           `json:"approval,omitempty"`
}

func (c chatRequest) text() string {
	if c.Message != "" {
		return c.Message
	}
	return c.Query
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.text()) == "" {
		s.writeError(w, r, errBadRequest("sessionId and message are required"))
		return
	}
	claims := claimsOf(r)
	reply, err := s.Orchestrator.Chat(r.Context(), agent.Turn{
		SessionID: req.SessionID,
		UserID:    claims.UserID,
		Message:   req.text(),
		Context:   req.Context,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": reply.SessionID,
		"response":  reply.Response,
		"user":      map[string]any{"userId": claims.UserID, "role": claims.Role},
		"timestamp": s.timestamp(),
	})
}

// handleChatPropose asks the agent for a reply and, if it proposes a
// command, reports how policy would treat it. Nothing is executed.
func (s *Server) handleChatPropose(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.text()) == "" {
		s.writeError(w, r, errBadRequest("message is required"))
		return
	}
	sessionID := r.PathValue("sessionId")
	reply, err := s.Orchestrator.Chat(r.Context(), agent.Turn{
		SessionID: sessionID,
		UserID:    claimsOf(r).UserID,
		Message:   req.text(),
		Context:   req.Context,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"success":   true,
		"sessionId": sessionID,
		"response":  reply.Response,
		"timestamp": s.timestamp(),
	}
	if tc := reply.Response.TerminalCommand; reply.Response.Choice == agent.ChoiceTerminalCommand && tc != nil {
		d := s.Workflow.Assess(tc.Command, tc.RequiresApproval)
		body["proposal"] = map[string]any{
			"command":          tc.Command,
			"allowed":          d.Allow,
			"requiresApproval": d.RequiresApproval,
			"reason":           d.Reason,
			"tier":             d.Tier,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleChatExecute(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.text()) == "" {
		s.writeError(w, r, errBadRequest("message is required"))
		return
	}
	sessionID := r.PathValue("sessionId")
	reply, err := s.Orchestrator.ChatExecute(r.Context(), agent.Turn{
		SessionID: sessionID,
		UserID:    claimsOf(r).UserID,
		Message:   req.text(),
		Context:   req.Context,
		Approved:  req.Approval,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"success":         true,
		"sessionId":       sessionID,
		"response":        reply.Response,
		"executionResult": reply.ExecutionResult,
		"timestamp":       s.timestamp(),
	}
	if reply.PendingApproval != nil {
		delete(body, "executionResult")
		addPending(body, reply.PendingApproval)
	}
	if reply.Approved {
		body["approved"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

type executeRequest struct {
	SessionID string         `json:"sessionId"`
	Command   string         `json:"command"`
	Context   map[string]any `json:"context,omitempty"`
	Approval  bool           `json:"approval,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Command) == "" {
		s.writeError(w, r, errBadRequest("sessionId and command are required"))
		return
	}
	out, err := s.Workflow.Submit(r.Context(), approval.Submission{
		SessionID: req.SessionID,
		UserID:    claimsOf(r).UserID,
		Command:   req.Command,
		Approved:  req.Approval,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"sessionId": req.SessionID,
		"context":   req.Context,
		"timestamp": s.timestamp(),
	}
	if out.PendingApproval != nil {
		body["success"] = true
		addPending(body, out.PendingApproval)
		writeJSON(w, http.StatusOK, body)
		return
	}
	body["success"] = out.Result.Success
	body["result"] = out.Result
	if out.State == approval.StateAwaitingApproval {
		body["approved"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

type setupSSHRequest struct {
	SessionID      string `json:"sessionId,omitempty"`
	TargetHost     string `json:"targetHost"`
	TargetUser     string `json:"targetUser"`
	TargetPassword string `json:"targetPassword,omitempty"`
	Port           int    `json:"port,omitempty"`
	Approval       bool   `json:"approval,omitempty"`
}

func (s *Server) handleSetupSSH(w http.ResponseWriter, r *http.Request) {
	var req setupSSHRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.TargetHost) == "" || strings.TrimSpace(req.TargetUser) == "" {
		s.writeError(w, r, errBadRequest("targetHost and targetUser are required"))
		return
	}
	out, err := s.SSH.Setup(r.Context(), sshsetup.Request{
		SessionID: req.SessionID,
		UserID:    claimsOf(r).UserID,
		Host:      req.TargetHost,
		User:      req.TargetUser,
		Port:      req.Port,
		Password:  req.TargetPassword,
		Approved:  req.Approval,
	})
	if errors.Is(err, sshsetup.ErrStepFailed) {
		s.log.Warn("ssh setup failed", requestFields(r, err)...)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     CategorySSHSetup,
			"message":   "an ssh setup step failed; see steps",
			"target":    out.Target,
			"steps":     out.Steps,
			"timestamp": s.timestamp(),
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"success":   true,
		"target":    out.Target,
		"steps":     out.Steps,
		"timestamp": s.timestamp(),
	}
	if out.PendingApproval != nil {
		addPending(body, out.PendingApproval)
		writeJSON(w, http.StatusOK, body)
		return
	}
	body["message"] = "SSH access configured"
	body["publicKey"] = out.PublicKey
	body["connectionTest"] = out.ConnectionTest
	writeJSON(w, http.StatusOK, body)
}

func addPending(body map[string]any, p *approval.Pending) {
	body["pendingApproval"] = true
	body["command"] = p.Command
	body["requiresApprovalReason"] = p.Reason
	body["approvalInstructions"] = p.Instructions
	if p.Reasoning != "" {
		body["reasoning"] = p.Reasoning
	}
}

func (s *Server) handleTerminalHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history := s.Gate.History(sessionID, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"sessionId":    sessionID,
		"history":      history,
		"totalRecords": s.Gate.Stats(sessionID).Total,
		"timestamp":    s.timestamp(),
	})
}

func (s *Server) handleTerminalStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": sessionID,
		"stats":     s.Gate.Stats(sessionID),
		"timestamp": s.timestamp(),
	})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("sessionId")
	snap, err := s.Sessions.Snapshot(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	personality := "not yet evolved"
	if snap.Personality != nil {
		personality = "evolved"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": key,
		"stats": map[string]any{
			"interactions":                len(snap.Interactions),
			"summaries":                   len(snap.Summaries),
			"nextInteractionId":           snap.NextID,
			"personality":                 personality,
			"personalityEvolutionEnabled": snap.PersonalityEvolutionEnabled,
			"personalityImmutable":        snap.PersonalityImmutable,
		},
		"personality": snap.Personality,
		"timestamp":   s.timestamp(),
	})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("sessionId")
	snap, err := s.Sessions.Snapshot(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": key,
		"context":   session.BuildContext(snap),
		"timestamp": s.timestamp(),
	})
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("sessionId")
	if err := s.Sessions.Clear(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": key,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Type:      audit.EventType(q.Get("type")),
		UserID:    q.Get("userId"),
		SessionID: q.Get("sessionId"),
	}
	var err error
	if f.Start, err = timeParam(r, "start"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.End, err = timeParam(r, "end"); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logs := s.Audit.Read(r.Context(), f, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":      logs,
		"count":     len(logs),
		"timestamp": s.timestamp(),
	})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	days, err := intParam(r, "days", defaultStatsDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since := s.now().AddDate(0, 0, -days)
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    userID,
		"days":      days,
		"stats":     s.Audit.Stats(r.Context(), userID, since),
		"timestamp": s.timestamp(),
	})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errBadRequest(name + " must be a positive integer")
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errBadRequest(name + " must be an RFC 3339 timestamp")
	}
	return t, nil
}
