package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an engine failure. The dispatcher switches on it to decide
// between suspending an engine and skipping it for one request.
type Kind int

const (
	KindUnknown Kind = iota
	// KindResponse: the backend answered with something unparseable.
	KindResponse
	// KindAPI: the backend reported an application level error.
	KindAPI
	// KindAccessDenied: the backend is blocking us.
	KindAccessDenied
	// KindCaptcha: the backend answered with a CAPTCHA challenge.
	KindCaptcha
	// KindTooManyRequests: the backend is rate limiting us.
	KindTooManyRequests
	// KindExtraction: an extraction rule of the adapter is broken.
	KindExtraction
	// KindTimeout: no answer within the engine or search deadline.
	KindTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindResponse:        "response",
	KindAPI:             "api",
	KindAccessDenied:    "access_denied",
	KindCaptcha:         "captcha",
	KindTooManyRequests: "too_many_requests",
	KindExtraction:      "extraction",
	KindTimeout:         "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Blocking reports whether failures of this kind suspend the engine.
func (k Kind) Blocking() bool {
	switch k {
	case KindAccessDenied, KindCaptcha, KindTooManyRequests:
		return true
	}
	return false
}

// Error is the failure signal raised by adapters. SuspendFor, when positive,
// overrides the configured suspension duration for blocking kinds.
type Error struct {
	Kind       Kind
	Engine     string
	Message    string
	SuspendFor time.Duration
	// Rule is the offending extraction rule for KindExtraction.
	Rule string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Rule != "" {
		msg = e.Rule + " " + msg
	}
	if e.SuspendFor > 0 {
		msg = fmt.Sprintf("%s (suspended_time=%s)", msg, e.SuspendFor)
	}
	if e.Engine != "" {
		msg = e.Engine + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ResponseError reports an unparseable backend answer.
func ResponseError(msg string, err error) *Error {
	return &Error{Kind: KindResponse, Message: msg, Err: err}
}

// APIError reports an application level error returned by the backend.
func APIError(msg string) *Error {
	return &Error{Kind: KindAPI, Message: msg}
}

// AccessDenied reports that the backend blocks access. A zero duration means
// "use the configured default".
func AccessDenied(d time.Duration, msg string) *Error {
	if msg == "" {
		msg = "Access denied"
	}
	return &Error{Kind: KindAccessDenied, Message: msg, SuspendFor: d}
}

// Captcha reports a CAPTCHA challenge.
func Captcha(d time.Duration) *Error {
	return &Error{Kind: KindCaptcha, Message: "CAPTCHA", SuspendFor: d}
}

// TooManyRequests reports rate limiting.
func TooManyRequests(d time.Duration) *Error {
	return &Error{Kind: KindTooManyRequests, Message: "Too many request", SuspendFor: d}
}

// ExtractionError reports a malformed extraction rule.
func ExtractionError(rule, msg string, err error) *Error {
	return &Error{Kind: KindExtraction, Rule: rule, Message: msg, Err: err}
}

// Classify maps any error returned from an engine call onto a Kind. Context
// deadline errors count as timeouts; anything that is not an *Error is
// KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// SuspendDuration extracts the explicit suspension override carried by err,
// or zero.
func SuspendDuration(err error) time.Duration {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.SuspendFor
	}
	return 0
}

// ParameterError reports missing or invalid request input.
type ParameterError struct {
	Name  string
	Value any
}

func (e *ParameterError) Error() string {
	if e.Value == nil || e.Value == "" {
		return fmt.Sprintf("Empty %s parameter", e.Name)
	}
	return fmt.Sprintf("Invalid value %v for parameter %s", e.Value, e.Name)
}

// SettingsError reports invalid configuration found at startup.
type SettingsError struct {
	Message string
	File    string
	Err     error
}

func (e *SettingsError) Error() string {
	msg := "settings: " + e.Message
	if e.File != "" {
		msg = fmt.Sprintf("settings %s: %s", e.File, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SettingsError) Unwrap() error { return e.Err }
