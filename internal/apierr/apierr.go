// ABOUTME: Error taxonomy surfaced to clients as error frames
// ABOUTME: Maps auth, ownership, rate-limit, protocol and timeout failures to wire codes

package apierr

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/tunnels2bots/internal/protocol"
)

// Kind classifies a client-facing failure.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindOwnership
	KindRateLimit
	KindProtocol
	KindTimeout
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return protocol.CodeAuthRequired
	case KindOwnership:
		return protocol.CodeAccessDenied
	case KindRateLimit:
		return protocol.CodeRateLimited
	case KindProtocol:
		return protocol.CodeProtocolError
	case KindTimeout:
		return protocol.CodeTimeout
	default:
		return protocol.CodeInternal
	}
}

// Error is a classified failure. Message is safe to show to the client.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can test
// errors.Is(err, apierr.ErrOwnership).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Kind sentinels for errors.Is checks.
var (
	ErrAuth      = &Error{Kind: KindAuth}
	ErrOwnership = &Error{Kind: KindOwnership}
	ErrRateLimit = &Error{Kind: KindRateLimit}
	ErrProtocol  = &Error{Kind: KindProtocol}
	ErrTimeout   = &Error{Kind: KindTimeout}
)

// Auth reports a missing or invalid credential.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// Ownership reports that the caller does not own the referenced resource.
// The message is fixed so it never reveals whether the resource exists.
func Ownership() *Error {
	return &Error{Kind: KindOwnership, Message: "access denied"}
}

// RateLimited reports an exhausted quota with a retry hint.
func RateLimited(kind string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    fmt.Sprintf("too many %s requests", kind),
		RetryAfter: retryAfter,
	}
}

// Protocol reports a malformed or unexpected frame.
func Protocol(message string, err error) *Error {
	return &Error{Kind: KindProtocol, Message: message, Err: err}
}

// Timeout reports a connection that was idle too long.
func Timeout() *Error {
	return &Error{Kind: KindTimeout, Message: "connection timed out"}
}

// ToFrameData converts any error into an error frame payload. Unclassified
// errors become internal errors with a generic message.
func ToFrameData(err error) protocol.ErrorData {
	var e *Error
	if !errors.As(err, &e) {
		return protocol.ErrorData{Code: protocol.CodeInternal, Message: "internal error"}
	}
	data := protocol.ErrorData{Code: e.Kind.String(), Message: e.Message}
	if e.RetryAfter > 0 {
		data.RetryAfterMs = e.RetryAfter.Milliseconds()
	}
	return data
}
