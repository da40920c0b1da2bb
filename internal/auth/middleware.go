// Package auth provides the run token gate of the group channel API.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/studyhub/groupchannel/internal/config"
)

// RFC 6750 Section 3 error codes
const (
	errorCodeInvalidRequest    = "invalid_request"
	errorCodeInvalidToken      = "invalid_token"
	errorCodeInsufficientScope = "insufficient_scope"
)

// defaultRealm is the default protection space identifier
const defaultRealm = "groupchannel"

// TokenQueryParam carries the token for clients that cannot set headers, such as
// browsers opening a WebSocket
const TokenQueryParam = "token"

type claimsKey struct{}

// ClaimsFromContext returns the claims stored by Gate.Authenticate
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Gate authenticates requests and authorizes them for runs and group administration.
// A gate without validator lets everything through.
type Gate struct {
	validator tokenValidator
	realm     string
}

// NewGate creates the gate for cfg. A nil config means anonymous mode.
func NewGate(cfg *config.AuthConfig) (*Gate, error) {
	if cfg == nil || cfg.Mode == "" || cfg.Mode == config.AuthModeAnonymous {
		slog.Info("auth: anonymous mode")
		return &Gate{}, nil
	}

	if cfg.Mode != config.AuthModeToken {
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("token configuration is required for %s mode", config.AuthModeToken)
	}

	key, err := cfg.Token.GetSigningKey()
	if err != nil {
		return nil, err
	}
	validator, err := NewTokenValidator(key, cfg.Token.Issuer, cfg.Token.Audience)
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}

	slog.Info("auth: token mode")
	return newGate(validator, cfg.Token.Realm), nil
}

func newGate(validator tokenValidator, realm string) *Gate {
	if realm == "" {
		realm = defaultRealm
	}
	return &Gate{validator: validator, realm: realm}
}

// Enabled reports whether requests need a token
func (g *Gate) Enabled() bool {
	return g.validator != nil
}

// Authenticate validates the request token and stores its claims in the request context
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	if !g.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractToken(r)
		if err != nil {
			slog.Warn("Token extraction failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
			g.writeError(w, http.StatusUnauthorized, errorCodeInvalidRequest, "missing or malformed token")
			return
		}

		claims, err := g.validator.ValidateToken(r.Context(), token)
		if err != nil {
			slog.Warn("Token validation failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
			g.writeError(w, http.StatusUnauthorized, errorCodeInvalidToken, "token validation failed")
			return
		}

		slog.Debug("Authentication successful",
			"run", claims.Run,
			"group", claims.Group,
			"admin", claims.Admin,
			"path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// RequireRun only lets through tokens for the {groupID} and {runID} of the route, or admin tokens
func (g *Gate) RequireRun(next http.Handler) http.Handler {
	if !g.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || !claims.AllowsRun(urlParam(r, "groupID"), urlParam(r, "runID")) {
			g.writeError(w, http.StatusForbidden, errorCodeInsufficientScope, "token does not grant access to this run")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin only lets through admin tokens
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	if !g.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || !claims.Admin {
			g.writeError(w, http.StatusForbidden, errorCodeInsufficientScope, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// urlParam returns the decoded route parameter, matching what the handlers see
func urlParam(r *http.Request, name string) string {
	value := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(value); err == nil {
		return decoded
	}
	return value
}

// extractToken reads a bearer token from the Authorization header, or else the token query parameter
func extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", fmt.Errorf("authorization header must use the Bearer scheme")
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return "", fmt.Errorf("empty bearer token")
		}
		return token, nil
	}

	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no token in request")
}

// sanitizeHeaderValue removes characters that could enable header injection attacks.
// This includes newlines, carriage returns, and unescaped quotes.
func sanitizeHeaderValue(s string) string {
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// writeError writes a JSON error response with an RFC 6750 compliant WWW-Authenticate header
func (g *Gate) writeError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s", error="%s", error_description="%s"`,
		sanitizeHeaderValue(g.realm), errCode, sanitizeHeaderValue(description)))
	w.WriteHeader(status)

	resp := struct {
		Error string `json:"error"`
	}{
		Error: description,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
