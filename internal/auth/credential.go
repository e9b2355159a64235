// ABOUTME: Credential validator for signed API keys and bearer tokens
// ABOUTME: Verifies HMAC-signed keys in constant time and fails closed on any error

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidCredential is the only error Validate returns. Callers must not
// learn which check failed.
var ErrInvalidCredential = errors.New("invalid credential")

// ErrInvalidUserID is returned when issuing a credential for an unusable id.
var ErrInvalidUserID = errors.New("invalid user id")

const (
	// DefaultKeyPrefix starts every signed API key.
	DefaultKeyPrefix = "t2b"

	// DefaultSignatureLength is the number of hex characters of the HMAC kept in a key.
	DefaultSignatureLength = 32

	maxUserIDLength = 128
)

// Identity is the result of a successful validation.
type Identity struct {
	UserID string
	Method string // "api_key" | "token"
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Secret          []byte
	KeyPrefix       string
	SignatureLength int
}

// Validator checks signed API keys of the form prefix_<userId>_<hexSignature>
// and HS256 tokens, both derived from the same server secret.
type Validator struct {
	secret []byte
	prefix string
	sigLen int
	tokens *JWTVerifier
}

// NewValidator creates a Validator. An empty secret is rejected.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("credential secret is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if strings.Contains(prefix, "_") {
		return nil, fmt.Errorf("key prefix %q must not contain '_'", prefix)
	}
	sigLen := cfg.SignatureLength
	if sigLen == 0 {
		sigLen = DefaultSignatureLength
	}
	if sigLen < 16 || sigLen > sha256.Size*2 {
		return nil, fmt.Errorf("signature length %d out of range [16, %d]", sigLen, sha256.Size*2)
	}
	return &Validator{
		secret: cfg.Secret,
		prefix: prefix,
		sigLen: sigLen,
		tokens: NewJWTVerifier(cfg.Secret),
	}, nil
}

// Validate verifies raw and returns the identity it carries.
func (v *Validator) Validate(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrInvalidCredential
	}

	if strings.HasPrefix(raw, v.prefix+"_") {
		userID, ok := v.verifyKey(raw)
		if !ok {
			return Identity{}, ErrInvalidCredential
		}
		return Identity{UserID: userID, Method: "api_key"}, nil
	}

	if strings.Count(raw, ".") == 2 {
		userID, err := v.tokens.Verify(raw)
		if err != nil || !validUserID(userID) {
			return Identity{}, ErrInvalidCredential
		}
		return Identity{UserID: userID, Method: "token"}, nil
	}

	return Identity{}, ErrInvalidCredential
}

// verifyKey checks a prefix_<userId>_<sig> key. The user id is everything
// between the prefix and the last underscore, so ids may contain '_'.
func (v *Validator) verifyKey(raw string) (string, bool) {
	body := strings.TrimPrefix(raw, v.prefix+"_")
	idx := strings.LastIndexByte(body, '_')
	if idx <= 0 || idx == len(body)-1 {
		return "", false
	}
	userID, sig := body[:idx], body[idx+1:]
	if !validUserID(userID) || len(sig) != v.sigLen {
		return "", false
	}

	// Constant-time compare; hex case is normalized.
	expected := v.signature(userID)
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return "", false
	}
	return userID, true
}

// signature returns the truncated hex HMAC-SHA256 of userID.
func (v *Validator) signature(userID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))[:v.sigLen]
}

// IssueKey returns a signed API key for userID.
func (v *Validator) IssueKey(userID string) (string, error) {
	if !validUserID(userID) {
		return "", ErrInvalidUserID
	}
	return v.prefix + "_" + userID + "_" + v.signature(userID), nil
}

// IssueToken returns a signed token for userID that expires after ttl.
func (v *Validator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if !validUserID(userID) {
		return "", ErrInvalidUserID
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	return v.tokens.Generate(userID, ttl)
}

// validUserID rejects empty, oversized, and whitespace or control-bearing ids.
func validUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
