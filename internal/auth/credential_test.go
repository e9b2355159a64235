// ABOUTME: Tests for signed API key and token credential validation
// ABOUTME: Covers determinism, injectivity on user id, and tampered credentials

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(ValidatorConfig{Secret: []byte("test-secret-at-least-32-bytes-long!!")})
	require.NoError(t, err)
	return v
}

func TestNewValidator_Config(t *testing.T) {
	_, err := NewValidator(ValidatorConfig{})
	assert.Error(t, err, "empty secret must be rejected")

	_, err = NewValidator(ValidatorConfig{Secret: []byte("s"), KeyPrefix: "bad_prefix"})
	assert.Error(t, err)

	_, err = NewValidator(ValidatorConfig{Secret: []byte("s"), SignatureLength: 8})
	assert.Error(t, err)

	v, err := NewValidator(ValidatorConfig{Secret: []byte("s"), KeyPrefix: "acme", SignatureLength: 64})
	require.NoError(t, err)
	key, err := v.IssueKey("u1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "acme_u1_"))
	assert.Len(t, strings.TrimPrefix(key, "acme_u1_"), 64)
}

func TestValidator_IssuedKeyRoundTrip(t *testing.T) {
	v := newTestValidator(t)

	for _, userID := range []string{"u1", "user_with_underscores", "alice@example.com", "0"} {
		t.Run(userID, func(t *testing.T) {
			key, err := v.IssueKey(userID)
			require.NoError(t, err)

			id, err := v.Validate(key)
			require.NoError(t, err)
			assert.Equal(t, userID, id.UserID)
			assert.Equal(t, "api_key", id.Method)
		})
	}
}

func TestValidator_Deterministic(t *testing.T) {
	v := newTestValidator(t)

	k1, err := v.IssueKey("u1")
	require.NoError(t, err)
	k2, err := v.IssueKey("u1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	other, err := v.IssueKey("u2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)

	id1, err := v.Validate(k1)
	require.NoError(t, err)
	id2, err := v.Validate(other)
	require.NoError(t, err)
	assert.NotEqual(t, id1.UserID, id2.UserID)
}

func TestValidator_UppercaseSignatureAccepted(t *testing.T) {
	v := newTestValidator(t)
	key, err := v.IssueKey("u1")
	require.NoError(t, err)

	sig := key[strings.LastIndexByte(key, '_')+1:]
	upper := strings.TrimSuffix(key, sig) + strings.ToUpper(sig)

	id, err := v.Validate(upper)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
}

func TestValidator_RejectsTampered(t *testing.T) {
	v := newTestValidator(t)
	key, err := v.IssueKey("u1")
	require.NoError(t, err)

	otherSecret, err := NewValidator(ValidatorConfig{Secret: []byte("another-secret-entirely")})
	require.NoError(t, err)
	foreignKey, err := otherSecret.IssueKey("u1")
	require.NoError(t, err)

	sig := key[strings.LastIndexByte(key, '_')+1:]
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "whitespace", raw: "   "},
		{name: "prefix only", raw: "t2b_"},
		{name: "no signature", raw: "t2b_u1_"},
		{name: "no user", raw: "t2b__" + sig},
		{name: "swapped user", raw: "t2b_u2_" + sig},
		{name: "flipped signature", raw: "t2b_u1_" + string(flipped)},
		{name: "truncated signature", raw: key[:len(key)-1]},
		{name: "extended signature", raw: key + "0"},
		{name: "non hex signature", raw: "t2b_u1_" + strings.Repeat("z", DefaultSignatureLength)},
		{name: "foreign secret", raw: foreignKey},
		{name: "unsigned legacy key", raw: "t2b_u1"},
		{name: "wrong prefix", raw: "abc" + strings.TrimPrefix(key, "t2b")},
		{name: "garbage", raw: "hello world"},
		{name: "malformed token", raw: "a.b.c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestValidator_Tokens(t *testing.T) {
	v := newTestValidator(t)

	token, err := v.IssueToken("u1", time.Hour)
	require.NoError(t, err)

	id, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "token", id.Method)

	expired, err := v.tokens.Generate("u1", -time.Minute)
	require.NoError(t, err)
	_, err = v.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidCredential, "expiry must collapse into the generic error")

	_, err = v.IssueToken("u1", 0)
	assert.Error(t, err)
}

func TestValidator_IssueRejectsBadUserIDs(t *testing.T) {
	v := newTestValidator(t)

	for _, id := range []string{"", "has space", "tab\tid", strings.Repeat("x", maxUserIDLength+1)} {
		_, err := v.IssueKey(id)
		assert.ErrorIs(t, err, ErrInvalidUserID, "id %q", id)
	}
}
