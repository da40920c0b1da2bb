package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signingMethods are the HMAC algorithms accepted for run tokens
var signingMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// ErrInvalidToken is returned for tokens that fail validation
var ErrInvalidToken = errors.New("invalid token")

// Claims are the claims of a run token. A token either names one run of one group,
// or carries the admin flag.
type Claims struct {
	Run   string `json:"run,omitempty"`
	Group string `json:"group,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// AllowsRun reports whether the claims grant access to runID in groupID
func (c *Claims) AllowsRun(groupID, runID string) bool {
	if c.Admin {
		return true
	}
	return c.Group != "" && c.Group == groupID && c.Run != "" && c.Run == runID
}

// tokenValidator abstracts token validation for testability
type tokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// TokenValidator validates HMAC-signed run tokens
type TokenValidator struct {
	key    []byte
	parser *jwt.Parser
}

// NewTokenValidator creates a validator for tokens signed with key. Empty issuer
// or audience are not checked.
func NewTokenValidator(key []byte, issuer, audience string) (*TokenValidator, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(signingMethods),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &TokenValidator{
		key:    key,
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateToken parses token and checks its signature and registered claims
func (v *TokenValidator) ValidateToken(_ context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !claims.Admin && (claims.Run == "" || claims.Group == "") {
		return nil, fmt.Errorf("%w: token grants neither a run nor admin access", ErrInvalidToken)
	}
	return claims, nil
}

// IssueToken signs claims with key using HS256
func IssueToken(key []byte, claims Claims) (string, error) {
	if len(key) == 0 {
		return "", errors.New("signing key is required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
