// Package auth verifies Supabase access tokens presented as bearer credentials.
//
// Supabase signs user access tokens with the project's JWT secret (HS256) and
// sets the audience to "authenticated". Verification is local; no round trip
// to the auth service is needed per request.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAudience is the audience Supabase assigns to signed-in users.
const DefaultAudience = "authenticated"

var (
	// ErrMissingToken is returned when no bearer credential was presented.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the subset of a Supabase access token the service reads.
type Claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`

	// UserID is the parsed subject, populated by Verify.
	UserID uuid.UUID `json:"-"`
}

// Persona returns the persona segment chosen during onboarding, if any.
func (c *Claims) Persona() string {
	if c == nil || c.UserMetadata == nil {
		return ""
	}
	p, _ := c.UserMetadata["persona"].(string)
	return p
}

// Verifier validates HS256 tokens signed with a shared project secret.
type Verifier struct {
	secret   []byte
	audience string
	issuer   string
	leeway   time.Duration
}

// NewVerifier creates a Verifier. issuer may be empty to skip the iss check.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	return &Verifier{
		secret:   []byte(secret),
		audience: DefaultAudience,
		issuer:   issuer,
		leeway:   30 * time.Second,
	}, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a UUID", ErrInvalidToken)
	}
	claims.UserID = id
	return claims, nil
}

// IssueToken mints a token the Verifier accepts. Used by tests and local
// tooling; production tokens are minted by Supabase.
func (v *Verifier) IssueToken(userID uuid.UUID, email string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Email: email,
		Role:  DefaultAudience,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}
