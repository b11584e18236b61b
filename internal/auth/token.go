package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

// TokenIssuer is the iss claim carried by every session token.
const TokenIssuer = "hostdeck"

// DefaultTokenTTL is used when no lifetime is configured.
const DefaultTokenTTL = 24 * time.Hour

// Claims are the registered claims of a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// Lifetime is the full validity window of the token (exp - iat).
func (c *Claims) Lifetime() time.Duration {
	if c.ExpiresAt == nil || c.IssuedAt == nil {
		return 0
	}
	return c.ExpiresAt.Sub(c.IssuedAt.Time)
}

// TokenService issues, verifies and slides HS256 session tokens. It keeps no
// record of issued tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a token service signing with secret. A non-positive
// ttl falls back to DefaultTokenTTL.
func NewTokenService(secret []byte, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret must be at least 16 bytes: %w", internalerrors.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *TokenService) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// TTL returns the lifetime given to newly issued tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a new token for subject.
func (s *TokenService) Issue(subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("token subject is required: %w", internalerrors.ErrInvalidInput)
	}

	// Second resolution matches the NumericDate encoding.
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.ttl)

	jti, err := randomJTI()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token id: %w", err)
	}

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    TokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        jti,
	}}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, issuer and expiry. Every failure is
// reported as ErrInvalidToken.
func (s *TokenService) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, internalerrors.ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internalerrors.ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, internalerrors.ErrInvalidToken
	}
	return claims, nil
}

// Refresh returns a new token for the same subject once the presented token
// is past the midpoint of its validity window. Before that it returns
// refreshed=false and the caller keeps the current token.
func (s *TokenService) Refresh(token string) (string, bool, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return "", false, err
	}
	if claims.IssuedAt == nil {
		return "", false, fmt.Errorf("%w: token has no issue time", internalerrors.ErrInvalidToken)
	}

	remaining := claims.ExpiresAt.Sub(s.now())
	if remaining > claims.Lifetime()/2 {
		return "", false, nil
	}

	next, _, err := s.Issue(claims.Subject)
	if err != nil {
		return "", false, err
	}
	return next, true, nil
}

// IsInvalidToken reports whether err came from token verification.
func IsInvalidToken(err error) bool {
	return errors.Is(err, internalerrors.ErrInvalidToken)
}

func randomJTI() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
