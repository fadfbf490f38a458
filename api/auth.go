/*
auth.go - Bearer token authentication and actor resolution

PURPOSE:
  Identifies who is calling. Tokens are HS256 JWTs whose subject is the
  account id and whose role claim is "admin" or "member". Issuing tokens
  belongs to the identity service; Sign exists for tests and the demo
  scenarios.

RULES:
  - Every /api route except scenarios requires a valid token
  - Admin routes require role=admin
  - Account routes allow the account itself or an admin
  - Cancelling a withdrawal passes the caller's own account id to the
    engine, which enforces ownership

SEE ALSO:
  - server.go: where the middleware is mounted
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Claims are the JWT claims the API understands.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor is the authenticated caller.
type Actor struct {
	AccountID settlement.AccountID
	Role      string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanAccess reports whether the actor may read or act on accountID.
func (a Actor) CanAccess(accountID settlement.AccountID) bool {
	return a.IsAdmin() || a.AccountID == accountID
}

type actorKey struct{}

// ActorFrom returns the actor attached by Authenticator.Middleware.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

func withActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// Authenticator verifies bearer tokens with an HMAC secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Sign issues a token for subject with role, valid for ttl.
func (a *Authenticator) Sign(subject settlement.AccountID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(subject),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates tokenString and returns its claims.
func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if claims.Role != RoleAdmin && claims.Role != RoleMember {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and attaches
// the actor and a request-scoped logger to the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		claims, err := a.Parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		actor := Actor{AccountID: settlement.AccountID(claims.Subject), Role: claims.Role}
		l := logger.FromContext(r.Context()).With().
			Str("actor", claims.Subject).
			Str("role", claims.Role).
			Logger()
		ctx := logger.WithContext(withActor(r.Context(), actor), &l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin allows only admin actors through.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok || !actor.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
