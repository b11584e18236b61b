package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

// Verifier decides whether a username/password pair may log in.
type Verifier interface {
	Verify(ctx context.Context, username, password string) error
}

// StaticVerifier accepts a single configured administrator.
type StaticVerifier struct {
	username     string
	passwordHash string
}

// NewStaticVerifier builds a verifier from a username and a bcrypt hash.
func NewStaticVerifier(username, passwordHash string) *StaticVerifier {
	return &StaticVerifier{
		username:     strings.TrimSpace(username),
		passwordHash: passwordHash,
	}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.username == "" || v.passwordHash == "" {
		return internalerrors.ErrUnauthorized
	}

	userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(v.username)) == 1
	// Always run bcrypt so response time does not reveal whether the user exists.
	passOK := CheckPasswordHash(password, v.passwordHash)
	if !userOK || !passOK {
		return internalerrors.ErrUnauthorized
	}
	return nil
}

type contextKey string

const contextKeyUser contextKey = "user"

// WithUser adds the authenticated subject to the context
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, contextKeyUser, username)
}

// GetUser extracts the authenticated subject from the context
func GetUser(ctx context.Context) string {
	if user, ok := ctx.Value(contextKeyUser).(string); ok {
		return user
	}
	return ""
}
