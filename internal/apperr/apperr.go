// Package apperr defines the error taxonomy shared by services, handlers and
// the live channel. Every error a caller can see carries a Kind (which maps to
// a stable HTTP status), a machine-readable Code and a human-readable Reason.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	Internal Kind = iota
	NotFound
	Forbidden
	InvalidState
	RateLimited
	Unauthenticated
	// UpstreamMediaFailure is logged and recovered locally; it never reaches a caller.
	UpstreamMediaFailure
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case InvalidState:
		return "invalid_state"
	case RateLimited:
		return "rate_limited"
	case Unauthenticated:
		return "unauthenticated"
	case UpstreamMediaFailure:
		return "upstream_media_failure"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code a handler responds with for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case InvalidState:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind and Code so wrapped copies of a sentinel still compare
// equal with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New creates an error of the given kind.
func New(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

// With returns a copy of a sentinel carrying cause.
func (e *Error) With(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// KindOf reports the Kind of err, or Internal if err is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// As extracts the classified error from err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}

var (
	ErrMessageNotFound  = New(NotFound, "message_not_found", "message not found")
	ErrReceiverNotFound = New(NotFound, "receiver_not_found", "receiver not found")
	ErrUserNotFound     = New(NotFound, "user_not_found", "user not found")

	ErrNotParticipant = New(Forbidden, "not_participant", "only conversation participants can do this")
	ErrNotSender      = New(Forbidden, "not_sender", "only the sender can do this")
	ErrNotReceiver    = New(Forbidden, "not_receiver", "only the receiver can mark a message as read")

	ErrInvalidKind      = New(InvalidState, "invalid_kind", "this message kind does not support the operation")
	ErrWindowExpired    = New(InvalidState, "window_expired", "the edit window for this message has expired")
	ErrInvalidReaction  = New(InvalidState, "invalid_reaction", "reaction must be a single non-empty emoji")
	ErrEmptyContent     = New(InvalidState, "empty_content", "message content cannot be empty")
	ErrContentTooLong   = New(InvalidState, "content_too_long", "message content is too long")
	ErrSelfConversation = New(InvalidState, "self_conversation", "cannot message yourself")
	ErrInvalidMediaRef  = New(InvalidState, "invalid_media_ref", "media reference is missing or outside the upload area")
	ErrInvalidRequest   = New(InvalidState, "invalid_request", "request body is invalid")

	ErrRateLimited = New(RateLimited, "rate_limited", "too many messages, slow down")

	ErrMissingToken = New(Unauthenticated, "NO_TOKEN", "authentication token is required")
	ErrInvalidToken = New(Unauthenticated, "INVALID_TOKEN", "authentication token is invalid or expired")

	ErrTranscodeFailed = New(UpstreamMediaFailure, "transcode_failed", "audio enhancement failed")
)
