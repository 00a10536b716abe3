// Package middleware resolves the per-request actor and org.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/samhotchkiss/threadmask/internal/models"
)

// ContextKey is the type for context keys in this package.
type ContextKey string

const (
	// OrgIDKey is the context key for the current org ID.
	OrgIDKey ContextKey = "org_id"
	// ActorKey is the context key for the resolved models.Actor.
	ActorKey ContextKey = "actor"
)

// Service headers, honored when header auth is enabled.
const (
	HeaderOrgID   = "X-Org-ID"
	HeaderRole    = "X-Actor-Role"
	HeaderActorID = "X-Actor-ID"
	HeaderStaffID = "X-Staff-ID"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidOrg         = errors.New("missing or invalid org")
)

// Claims is the token payload naming the acting identity.
type Claims struct {
	OrgID   string `json:"org_id"`
	Role    string `json:"role"`
	StaffID string `json:"staff_id,omitempty"`
	jwt.RegisteredClaims
}

// Auth verifies bearer tokens signed with a shared HS256 secret. When header
// auth is enabled, service-to-service callers may instead name the actor with
// the X-Org-ID / X-Actor-* headers.
type Auth struct {
	secret       []byte
	allowHeaders bool
}

func NewAuth(secret string, allowHeaders bool) *Auth {
	return &Auth{secret: []byte(secret), allowHeaders: allowHeaders}
}

// ActorFromContext retrieves the actor set by RequireActor.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(models.Actor)
	return actor, ok
}

// OrgFromContext returns the org ID, or "" when unset.
func OrgFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(OrgIDKey).(string); ok {
		return id
	}
	return ""
}

// WithActor stores the actor and its org on ctx.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	ctx = context.WithValue(ctx, OrgIDKey, actor.OrgID)
	return context.WithValue(ctx, ActorKey, actor)
}

// RequireActor rejects requests without a resolvable actor with 401.
func (a *Auth) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Resolve(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// Resolve extracts the actor from the bearer token, falling back to service
// headers when allowed. A query-string token is accepted for websocket upgrades.
func (a *Auth) Resolve(r *http.Request) (models.Actor, error) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	} else if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
		token = q
	}
	if token != "" {
		return a.parseToken(token)
	}
	if a.allowHeaders {
		return actorFromHeaders(r)
	}
	return models.Actor{}, ErrMissingCredentials
}

func (a *Auth) parseToken(raw string) (models.Actor, error) {
	if len(a.secret) == 0 {
		return models.Actor{}, fmt.Errorf("%w: token auth is not configured", ErrInvalidToken)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return buildActor(claims.OrgID, claims.Role, claims.Subject, claims.StaffID)
}

func actorFromHeaders(r *http.Request) (models.Actor, error) {
	org := strings.TrimSpace(r.Header.Get(HeaderOrgID))
	role := strings.TrimSpace(r.Header.Get(HeaderRole))
	if org == "" && role == "" {
		return models.Actor{}, ErrMissingCredentials
	}
	return buildActor(org, role, r.Header.Get(HeaderActorID), r.Header.Get(HeaderStaffID))
}

func buildActor(orgID, role, actorID, staffID string) (models.Actor, error) {
	parsedOrg, err := uuid.Parse(strings.TrimSpace(orgID))
	if err != nil {
		return models.Actor{}, ErrInvalidOrg
	}
	parsedRole, err := models.ParseActorRole(role)
	if err != nil {
		return models.Actor{}, err
	}
	actor := models.Actor{
		OrgID:   parsedOrg.String(),
		Role:    parsedRole,
		ActorID: strings.TrimSpace(actorID),
		StaffID: strings.TrimSpace(staffID),
	}
	if actor.Role == models.ActorStaff && actor.StaffID == "" {
		actor.StaffID = actor.ActorID
	}
	if actor.ActorID == "" {
		actor.ActorID = actor.StaffID
	}
	if actor.ActorID == "" {
		return models.Actor{}, models.NewValidationError("sub", "actor id is required")
	}
	return actor, nil
}

// IssueToken signs an HS256 token for actor, valid for ttl.
func IssueToken(secret string, actor models.Actor, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is required")
	}
	now := time.Now()
	claims := Claims{
		OrgID:   actor.OrgID,
		Role:    string(actor.Role),
		StaffID: actor.StaffID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ActorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
