// Package access implements the role model and the signed credentials that
// carry it.
package access

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/audit"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRole    = errors.New("invalid role")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrExpired        = errors.New("credential expired")
	ErrMalformed      = errors.New("credential malformed")
)

// Role is a caller's privilege level. Each role's capabilities are a
// superset of the previous one.
type Role string

const (
	RolePublic Role = "public"
	RoleTeam   Role = "team"
	RoleAdmin  Role = "admin"
)

// Capability names a gated operation.
type Capability string

const (
	CapChat     Capability = "chat"
	CapTerminal Capability = "terminal"
	CapAuth     Capability = "auth"
	CapAudit    Capability = "audit"
)

var grants = map[Role]map[Capability]bool{
	RolePublic: {CapChat: true},
	RoleTeam:   {CapChat: true, CapTerminal: true},
	RoleAdmin:  {CapChat: true, CapTerminal: true, CapAuth: true, CapAudit: true},
}

// Roles lists the known roles in ascending privilege.
func Roles() []Role { return []Role{RolePublic, RoleTeam, RoleAdmin} }

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := grants[r]; !ok {
		return "", fmt.Errorf("%w: %q (must be one of public, team, admin)", ErrInvalidRole, s)
	}
	return r, nil
}

// Authorize reports whether role may use capability.
func Authorize(role Role, c Capability) bool {
	return grants[role][c]
}

// AnonymousUser is the subject recorded for callers when authentication is
// disabled.
const AnonymousUser = "anonymous"

const (
	issuer    = "clawgate"
	tokenType = "access-token"
)

// Claims is the verified content of a credential.
type Claims struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

// Credential is an issued token.
type Credential struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager issues and verifies credentials and audits every decision.
type Manager struct {
	secret     []byte
	defaultTTL time.Duration
	audit      audit.Sink
	log        *zap.Logger
	now        func() time.Time
	// anonymous, when set, replaces credential checks entirely.
	anonymous *Claims
}

// NewManager builds a Manager. An empty secret is replaced by a random one,
// which invalidates all tokens on restart.
func NewManager(secret string, defaultTTL time.Duration, sink audit.Sink, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = audit.Discard
	}
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	key := []byte(secret)
	if len(key) == 0 {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		key = []byte(hex.EncodeToString(buf))
		log.Warn("generated ephemeral JWT secret; set CLAWGATE_AUTH_JWT_SECRET in production")
	}
	return &Manager{secret: key, defaultTTL: defaultTTL, audit: sink, log: log, now: time.Now}
}

// AllowAnonymous turns authentication off: every request is treated as
// userID holding role, whatever credential it carries. Capability checks and
// their audit events still apply.
func (m *Manager) AllowAnonymous(userID string, role Role) error {
	if _, ok := grants[role]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if strings.TrimSpace(userID) == "" {
		userID = AnonymousUser
	}
	m.anonymous = &Claims{UserID: userID, Role: role, Type: tokenType}
	m.log.Warn("authentication disabled", zap.String("user", userID), zap.String("role", string(role)))
	return nil
}

// IssueCredential signs a token for userID with role, valid for ttl (the
// manager default when ttl is zero).
func (m *Manager) IssueCredential(ctx context.Context, userID string, role Role, ttl time.Duration) (Credential, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		m.audit.Record(ctx, audit.Auth("", string(role), "issue", false, "empty subject"))
		return Credential{}, ErrInvalidSubject
	}
	if _, ok := grants[role]; !ok {
		m.audit.Record(ctx, audit.Auth(userID, string(role), "issue", false, "invalid role"))
		return Credential{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()
	exp := now.Add(ttl)
	claims := Claims{
		UserID: userID,
		Role:   role,
		Type:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Credential{}, fmt.Errorf("sign token: %w", err)
	}
	m.audit.Record(ctx, audit.Auth(userID, string(role), "issue", true, ""))
	return Credential{Token: token, UserID: userID, Role: role, ExpiresAt: exp.UTC().Truncate(time.Second)}, nil
}

// VerifyCredential checks signature, issuer and expiry.
func (m *Manager) VerifyCredential(token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrMalformed)
	}
	if _, ok := grants[claims.Role]; !ok {
		return Claims{}, fmt.Errorf("%w: unknown role %q", ErrMalformed, claims.Role)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// Check authorizes claims for capability and records the decision.
func (m *Manager) Check(ctx context.Context, claims Claims, c Capability) error {
	action := "authorize:" + string(c)
	if !Authorize(claims.Role, c) {
		reason := fmt.Sprintf("role %s lacks %s", claims.Role, c)
		m.audit.Record(ctx, audit.Auth(claims.UserID, string(claims.Role), action, false, reason))
		return fmt.Errorf("%w: your role (%s) does not have access to %s", ErrForbidden, claims.Role, c)
	}
	m.audit.Record(ctx, audit.Auth(claims.UserID, string(claims.Role), action, true, ""))
	return nil
}
