// Package auth implements the passwordless magic-link login flow:
// issuing single-use verification tokens, exchanging them for bearer
// JWTs, and the HTTP middleware that validates those JWTs on every
// protected request.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/eventstore/internal/apperr"
)

// DefaultLinkTTL is the recommended magic-link expiry (§4.7).
const DefaultLinkTTL = 15 * time.Minute

// DefaultJWTTTL is how long a minted bearer token remains valid.
const DefaultJWTTTL = 24 * time.Hour

// magicLink is a single-use verification token bound to an email.
type magicLink struct {
	email     string
	expiresAt time.Time
	consumed  bool
}

// Manager issues magic links and mints/validates the JWTs exchanged
// for them. One process-wide instance, created at startup.
type Manager struct {
	mu    sync.Mutex
	links map[string]*magicLink

	linkTTL time.Duration
	jwtTTL  time.Duration
	secret  []byte

	baseURL       string
	mockEmailPath string // non-empty in MOCK_EMAIL=true dev/test mode
}

// NewManager builds a Manager signing JWTs with secret. If
// mockEmailPath is non-empty, RequestLogin writes the magic-link
// payload to that file instead of arranging delivery (which is an
// external collaborator per spec.md's scope).
func NewManager(secret []byte, baseURL, mockEmailPath string) *Manager {
	return &Manager{
		links:         make(map[string]*magicLink),
		linkTTL:       DefaultLinkTTL,
		jwtTTL:        DefaultJWTTTL,
		secret:        secret,
		baseURL:       baseURL,
		mockEmailPath: mockEmailPath,
	}
}

// RequestLogin generates a single-use token for email, records its
// expiry, and (in mock-email mode) writes the verification link to
// the configured file so tests can read it without a real mailbox.
func (m *Manager) RequestLogin(email string) error {
	token, err := generateToken()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "generate magic link token", err)
	}

	m.mu.Lock()
	m.links[token] = &magicLink{email: email, expiresAt: time.Now().Add(m.linkTTL)}
	m.mu.Unlock()

	if m.mockEmailPath == "" {
		return nil
	}

	link := fmt.Sprintf("%s/auth/verify?token=%s", strings.TrimRight(m.baseURL, "/"), token)
	payload, err := json.Marshal(map[string]string{"email": email, "token": token, "link": link})
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "encode mock email payload", err)
	}
	if err := os.WriteFile(m.mockEmailPath, payload, 0600); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "write mock email file", err)
	}
	return nil
}

// VerifyLink consumes token and, if it's valid and unexpired, mints a
// bearer JWT with sub = the bound email.
func (m *Manager) VerifyLink(token string) (string, error) {
	m.mu.Lock()
	link, exists := m.links[token]
	if exists {
		if link.consumed || time.Now().After(link.expiresAt) {
			delete(m.links, token)
			exists = false
		}
	}
	if exists {
		link.consumed = true
		delete(m.links, token) // single-use
	}
	m.mu.Unlock()

	if !exists {
		return "", apperr.New(apperr.KindUnauthorized, "invalid or expired magic link token")
	}

	claims := jwt.RegisteredClaims{
		Subject:   link.email,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.jwtTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorageFailure, "sign jwt", err)
	}
	return signed, nil
}

// Authenticate validates a bearer JWT and returns the identity (email)
// bound to its subject claim.
func (m *Manager) Authenticate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", apperr.New(apperr.KindUnauthorized, "missing or invalid bearer token")
	}
	return claims.Subject, nil
}

// OperatorTokenEnv is the environment variable whose value, if set, is
// accepted verbatim as a bearer token granting operator access to
// routes like POST /reset/ (§6).
const OperatorTokenEnv = "OPERATOR_TOKEN"

// operatorClaims carries the EVENTSTORE_OPERATOR claim a bearer JWT
// can set to true to grant operator access instead of matching
// OPERATOR_TOKEN.
type operatorClaims struct {
	jwt.RegisteredClaims
	Operator bool `json:"EVENTSTORE_OPERATOR,omitempty"`
}

// AuthorizeOperator reports whether tokenString grants operator
// access: either it matches $OPERATOR_TOKEN verbatim, or it's a valid
// bearer JWT whose claims carry EVENTSTORE_OPERATOR=true.
func (m *Manager) AuthorizeOperator(tokenString string) error {
	if operatorToken := os.Getenv(OperatorTokenEnv); operatorToken != "" && tokenString == operatorToken {
		return nil
	}

	claims := &operatorClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid || !claims.Operator {
		return apperr.New(apperr.KindUnauthorized, "operator access required")
	}
	return nil
}

func generateToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// publicRoutes are the (method, path) pairs the middleware lets
// through without a bearer token: login, verification, and the
// read-only schema catalog (out of scope per spec.md §1).
var publicRoutes = map[string]bool{
	"POST /login":      true,
	"GET /auth/verify": true,
	// The SSE route authenticates itself: an EventSource client can't
	// attach a custom Authorization header, so it carries its bearer
	// token as ?token= instead and the httpapi route handler validates
	// it inline before streaming.
	"GET /events": true,
	// Reset is operator-only, not user-only: its bearer token is
	// checked against EVENTSTORE_OPERATOR/OPERATOR_TOKEN by
	// Manager.AuthorizeOperator inside the route handler itself,
	// independent of (and not satisfied by) an ordinary logged-in
	// user's JWT.
	"POST /reset/": true,
}

func isPublicRoute(r *http.Request) bool {
	if publicRoutes[r.Method+" "+r.URL.Path] {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/schemas")
}

// Middleware sets CORS headers on every response, lets CORS preflight
// and the public routes through unauthenticated, and otherwise
// requires a valid "Bearer <jwt>" Authorization header, injecting the
// resolved identity into the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET, POST, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if isPublicRoute(r) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
			return
		}

		identity, err := m.Authenticate(parts[1])
		if err != nil {
			http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), identity)))
	})
}

type contextKey int

const identityKey contextKey = iota

func contextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext extracts the authenticated user id a prior call
// to Middleware attached to the request context.
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey).(string)
	return identity, ok
}
