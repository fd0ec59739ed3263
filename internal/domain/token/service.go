// Package token issues and verifies the short-lived session tokens handed to
// HTTP clients after they exchange a shareable token.
//
// Tokens are HS256 JWTs carrying the shareable context as a private claim.
// Verification never returns an error to the caller: any failure yields nil
// so callers treat it as "unauthenticated". The reason is logged at debug.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/domain/share"
)

// DefaultTTL is used when Generate is called with a zero ttl.
const DefaultTTL = 10 * time.Minute

// ErrNilContext is returned by Generate when there is nothing to embed.
var ErrNilContext = errors.New("token: shareable context is nil")

// Verifier verifies session tokens.
type Verifier interface {
	Verify(token string) *share.Context
}

// Claims is the JWT payload.
type Claims struct {
	Shareable share.Context `json:"ctx"`
	jwt.RegisteredClaims
}

// Service signs and verifies session tokens. Safe for concurrent use.
type Service struct {
	secret     []byte
	issuer     string
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIssuer sets the iss claim written and required.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger used for verification failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a token service. An empty secret is replaced by a
// random per-process key: tokens then only verify inside this process.
func NewService(secret string, opts ...Option) (*Service, error) {
	s := &Service{
		secret:     []byte(secret),
		issuer:     "relaygate",
		defaultTTL: DefaultTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.secret) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral token secret: %w", err)
		}
		s.secret = key
		s.logger.Warn("no token secret configured, using an ephemeral key; tokens will not verify across restarts or instances")
	}

	return s, nil
}

// Generate returns a signed token embedding sc that expires after ttl.
// A zero ttl uses the default.
func (s *Service) Generate(sc *share.Context, ttl time.Duration) (string, error) {
	if sc == nil {
		return "", ErrNilContext
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.now()
	claims := Claims{
		Shareable: *sc,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the embedded context, or nil if the token is malformed,
// signed with another key or algorithm, from another issuer, or expired.
func (s *Service) Verify(tokenString string) *share.Context {
	if tokenString == "" {
		return nil
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		s.logger.Debug("session token rejected", "reason", err.Error())
		return nil
	}
	if !tok.Valid {
		s.logger.Debug("session token rejected", "reason", "invalid")
		return nil
	}

	return claims.Shareable.Clone()
}

func (s *Service) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return s.secret, nil
}

var _ Verifier = (*Service)(nil)
