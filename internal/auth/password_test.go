package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)

	assert.True(t, IsPasswordHashed(hash))
	assert.True(t, CheckPasswordHash("correct horse battery", hash))
	assert.False(t, CheckPasswordHash("wrong", hash))
}

func TestIsPasswordHashed(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"plaintext", "hunter2", false},
		{"empty", "", false},
		{"full hash", "$2a$12$" + strings.Repeat("a", 53), true},
		{"truncated hash", "$2a$12$" + strings.Repeat("a", 50), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsPasswordHashed(tc.value))
		})
	}
}

func TestValidatePasswordComplexity(t *testing.T) {
	assert.Error(t, ValidatePasswordComplexity("short"))
	assert.NoError(t, ValidatePasswordComplexity("long-enough-password"))
}

func TestStaticVerifier(t *testing.T) {
	hash, err := HashPassword("s3cret-password")
	require.NoError(t, err)
	v := NewStaticVerifier("admin", hash)

	ctx := context.Background()
	assert.NoError(t, v.Verify(ctx, "admin", "s3cret-password"))
	assert.True(t, errors.Is(v.Verify(ctx, "admin", "nope"), internalerrors.ErrUnauthorized))
	assert.True(t, errors.Is(v.Verify(ctx, "root", "s3cret-password"), internalerrors.ErrUnauthorized))

	empty := NewStaticVerifier("", "")
	assert.True(t, errors.Is(empty.Verify(ctx, "", ""), internalerrors.ErrUnauthorized))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, v.Verify(cancelled, "admin", "s3cret-password"), context.Canceled)
}

func TestUserContext(t *testing.T) {
	ctx := WithUser(context.Background(), "admin")
	assert.Equal(t, "admin", GetUser(ctx))
	assert.Equal(t, "", GetUser(context.Background()))
}
