package gateway

import (
	"net/http"

	"github.com/KafClaw/clawgate/internal/access"
)

// endpoint documents one route for GET /.
type endpoint struct {
	Route       string            `json:"route"`
	Capability  access.Capability `json:"capability,omitempty"`
	Description string            `json:"description"`
	Body        map[string]any    `json:"body,omitempty"`
	Query       map[string]any    `json:"query,omitempty"`
}

var endpoints = []endpoint{
	{Route: "GET /health", Description: "Liveness check"},
	{Route: "POST /auth/token", Capability: access.CapAuth, Description: "Issue a credential",
		Body: map[string]any{"userId": "string", "role": "public|team|admin", "ttl": "duration, optional"}},
	{Route: "POST /chat", Capability: access.CapChat, Description: "Send a message to the agent",
		Body: map[string]any{"sessionId": "string", "message": "string", "context": "object, optional"}},
	{Route: "GET /session/{sessionId}", Capability: access.CapChat, Description: "Session statistics and personality"},
	{Route: "GET /session/{sessionId}/history", Capability: access.CapChat, Description: "Memory context: recent interactions and summaries"},
	{Route: "POST /session/{sessionId}/clear", Capability: access.CapChat, Description: "Reset a session"},
	{Route: "POST /terminal/execute", Capability: access.CapTerminal, Description: "Run a command through the safety gate",
		Body: map[string]any{"sessionId": "string", "command": "string", "approval": "bool, required for dangerous commands"}},
	{Route: "POST /terminal/chat/{sessionId}", Capability: access.CapTerminal, Description: "Ask the agent for a command without running it",
		Body: map[string]any{"message": "string", "context": "object, optional"}},
	{Route: "POST /terminal/chat/{sessionId}/execute", Capability: access.CapTerminal, Description: "Ask the agent and run the command it proposes",
		Body: map[string]any{"message": "string", "context": "object, optional", "approval": "bool"}},
	{Route: "POST /terminal/setup-ssh", Capability: access.CapTerminal, Description: "Install this host's key on a remote server",
		Body: map[string]any{"targetHost": "string", "targetUser": "string", "targetPassword": "string, optional", "port": "int, optional", "approval": "bool"}},
	{Route: "GET /terminal/history/{sessionId}", Capability: access.CapTerminal, Description: "Command history",
		Query: map[string]any{"limit": "int, default 50"}},
	{Route: "GET /terminal/stats/{sessionId}", Capability: access.CapTerminal, Description: "Command statistics"},
	{Route: "GET /audit/logs", Capability: access.CapAudit, Description: "Query the audit log",
		Query: map[string]any{"type": "string", "userId": "string", "sessionId": "string", "start": "RFC 3339", "end": "RFC 3339", "limit": "int, default 100"}},
	{Route: "GET /audit/stats/{userId}", Capability: access.CapAudit, Description: "Per-user activity summary",
		Query: map[string]any{"days": "int, default 30"}},
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        "clawgate",
		"version":        s.Version,
		"description":    "Conversational agent with session memory and gated command execution",
		"authentication": "Authorization: Bearer <token> or x-access-token",
		"endpoints":      endpoints,
		"timestamp":      s.timestamp(),
	})
}
