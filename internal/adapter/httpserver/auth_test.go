package httpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routellm/gateway/internal/config"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret", defaultArgon2Params)
	require.NoError(t, err)
	assert.Contains(t, hash, "argon2id$")

	assert.True(t, VerifyPassword("s3cret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	assert.False(t, VerifyPassword("x", "not-a-hash"))
	assert.False(t, VerifyPassword("x", "argon2id$bad$parts"))
	assert.False(t, VerifyPassword("x", "bcrypt$3$65536$2$c2FsdA$aGFzaA"))
}

func TestTokenManager_IssueAndValidate(t *testing.T) {
	tm := NewTokenManager(config.Config{AuthTokenSecret: "test-secret", AuthTokenTTL: time.Hour})

	token := tm.Issue("admin")
	username, err := tm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", username)
}

func TestTokenManager_RejectsTamperedToken(t *testing.T) {
	tm := NewTokenManager(config.Config{AuthTokenSecret: "test-secret", AuthTokenTTL: time.Hour})

	token := tm.Issue("admin")
	_, err := tm.Validate(token + "x")
	assert.Error(t, err)

	_, err = tm.Validate("no-signature-here")
	assert.Error(t, err)

	// A token signed with a different secret fails validation.
	other := NewTokenManager(config.Config{AuthTokenSecret: "other", AuthTokenTTL: time.Hour})
	_, err = tm.Validate(other.Issue("admin"))
	assert.Error(t, err)
}

func TestTokenManager_RejectsExpiredToken(t *testing.T) {
	tm := &TokenManager{secret: []byte("test-secret"), ttl: -time.Minute}
	token := tm.Issue("admin")
	_, err := tm.Validate(token)
	assert.Error(t, err)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "sk-a...wxyz", maskAPIKey("sk-abcdefgh-tuvwxyz"))
}
