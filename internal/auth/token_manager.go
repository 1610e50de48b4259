package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * 24 * time.Hour
	bearerPrefix    = "bearer "
)

// Scopes granted to API tokens.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

var (
	ErrMissingSigningSecret = errors.New("token manager: signing secret required")
	ErrMissingIssuer        = errors.New("token manager: issuer required")
	ErrMissingToken         = errors.New("token manager: token required")
	ErrInvalidToken         = errors.New("token manager: invalid token")
	ErrExpiredToken         = errors.New("token manager: token expired")
	ErrMissingSubject       = errors.New("token manager: subject required")
	ErrInsufficientScope    = errors.New("token manager: insufficient scope")
)

// Claims is the payload of an API token.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Allows reports whether the token carries scope. The admin scope allows everything.
func (c Claims) Allows(scope string) bool {
	return slices.Contains(c.Scopes, scope) || slices.Contains(c.Scopes, ScopeAdmin)
}

// TokenManagerConfig describes how API tokens are signed and checked.
type TokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenManager issues and validates HS256 bearer tokens for the local HTTP API.
type TokenManager struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

func NewTokenManager(cfg TokenManagerConfig) (*TokenManager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue signs a token for subject with the given scopes and returns it with its expiry.
func (m *TokenManager) Issue(subject string, scopes ...string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, ErrMissingSubject
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeRead}
	}
	now := m.clock().UTC()
	expiresAt := now.Add(m.ttl)
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken checks signature, issuer and expiry and returns the claims.
func (m *TokenManager) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (m *TokenManager) ValidateRequest(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return Claims{}, ErrMissingToken
	}
	return m.ValidateToken(header[len(bearerPrefix):])
}
