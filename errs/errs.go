// Package errs defines the error values returned by the SDK.
//
// Every failure surfaces as an *Error carrying a stable short code that
// callers can switch on, a human readable description, an optional detail
// message, and an optional underlying cause. Two errors match under
// errors.Is when their codes are equal, so sentinel comparisons keep
// working after WithMessage/WithCause decoration.
package errs

import (
	"errors"
	"fmt"
)

// Error is the concrete error type used across the SDK.
type Error struct {
	Code    string
	Desc    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Desc)
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" (%s)", e.Cause)
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so decorated copies still compare equal to
// their sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of e carrying an extra detail message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// WithCause returns a copy of e wrapping an underlying error.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// Client-side errors.
var (
	NetworkError = &Error{Code: "S010001", Desc: "Network error"}
	HTTPError    = &Error{Code: "S010002", Desc: "Server request failed"}
	DecodeError  = &Error{Code: "S010003", Desc: "Failed to decode response"}
	EncodeError  = &Error{Code: "S010004", Desc: "Failed to encode request"}
	TokenError   = &Error{Code: "S010005", Desc: "Failed to parse token"}
)

// Server-reported request errors.
var (
	BadRequest       = &Error{Code: "E011001", Desc: "Request is invalid"}
	MissingArguments = &Error{Code: "E011002", Desc: "Request is missing arguments"}
	InvalidRequest   = &Error{Code: "E011003", Desc: "Request is invalid"}
	InvalidArguments = &Error{Code: "E011004", Desc: "Request argument is invalid"}
)

// One-time code errors.
var (
	WrongOTPCode       = &Error{Code: "E061102", Desc: "Incorrect code entered"}
	TooManyOTPAttempts = &Error{Code: "E061103", Desc: "Too many incorrect attempts"}
)

// Enchanted link errors.
var (
	EnchantedLinkPending   = &Error{Code: "E062503", Desc: "Pending session token"}
	EnchantedLinkExpired   = &Error{Code: "S060001", Desc: "Enchanted link expired"}
	EnchantedLinkCancelled = &Error{Code: "S060002", Desc: "Enchanted link cancelled"}
)

// Flow errors. Cancellation values are distinct from failures so callers
// can special-case the user backing out.
var (
	FlowFailed    = &Error{Code: "S100001", Desc: "Flow failed to run"}
	FlowCancelled = &Error{Code: "S100002", Desc: "Flow cancelled"}

	PasskeyFailed    = &Error{Code: "S110001", Desc: "Passkey authentication failed"}
	PasskeyCancelled = &Error{Code: "S110002", Desc: "Passkey authentication cancelled"}

	OAuthNativeFailed    = &Error{Code: "S120001", Desc: "Sign in with provider failed"}
	OAuthNativeCancelled = &Error{Code: "S120002", Desc: "Sign in with provider cancelled"}

	WebAuthFailed    = &Error{Code: "S130001", Desc: "Web authentication failed"}
	WebAuthCancelled = &Error{Code: "S130002", Desc: "Web authentication cancelled"}
)

// From converts an API error payload into an *Error. Unknown codes still
// produce a usable error value.
func From(code, description, message string) *Error {
	if description == "" {
		description = "Server error"
	}
	return &Error{Code: code, Desc: description, Message: message}
}
