package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeNetwork represents transport-level failures
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents a page that never produced a classifiable response
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeRateLimit represents HTTP 429 responses
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeChallenge represents 403 responses and CAPTCHA interstitials
	ErrorTypeChallenge ErrorType = "challenge"
	// ErrorTypeBlocked represents an explicit ban page
	ErrorTypeBlocked ErrorType = "blocked"
	// ErrorTypeExhausted represents a target abandoned after all session replacements
	ErrorTypeExhausted ErrorType = "exhausted"
	// ErrorTypeNotFound represents a target that does not exist
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeParsing represents HTML parsing errors
	ErrorTypeParsing ErrorType = "parsing"
	// ErrorTypeUpstream represents analytics API failures
	ErrorTypeUpstream ErrorType = "upstream"
	// ErrorTypeStore represents persistence failures
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeCache represents cache-related errors
	ErrorTypeCache ErrorType = "cache"
	// ErrorTypePublisher represents publisher-related errors
	ErrorTypePublisher ErrorType = "publisher"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
)

// Error is the typed error used across the monitor
type Error struct {
	Type      ErrorType
	Component string
	Target    string
	Message   string
	Err       error
	Time      time.Time
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s] %s", e.Type, e.Component)
	if e.Target != "" {
		prefix += " " + e.Target
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the same target may be retried in the same session
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeChallenge:
		return true
	default:
		return false
	}
}

// NeedsNewSession reports whether the browser session must be replaced
func (e *Error) NeedsNewSession() bool {
	return e.Type == ErrorTypeBlocked
}

// WithTarget returns a copy of the error bound to a target URL
func (e *Error) WithTarget(target string) *Error {
	cp := *e
	cp.Target = target
	return &cp
}

// New creates a new Error
func New(errType ErrorType, component, message string, err error) *Error {
	return &Error{
		Type:      errType,
		Component: component,
		Message:   message,
		Err:       err,
		Time:      time.Now(),
	}
}

// TypeOf returns the type of the first *Error in the chain, or "" if none
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}

// Is reports whether err carries the given type
func Is(err error, errType ErrorType) bool {
	return err != nil && TypeOf(err) == errType
}

// NewNetwork creates a new network error
func NewNetwork(component, message string, err error) *Error {
	return New(ErrorTypeNetwork, component, message, err)
}

// NewTimeout creates a new timeout error
func NewTimeout(component string, after time.Duration) *Error {
	return New(ErrorTypeTimeout, component, fmt.Sprintf("no classifiable response within %v", after), nil)
}

// NewRateLimit creates a new rate limit error
func NewRateLimit(component string, duration time.Duration) *Error {
	return New(ErrorTypeRateLimit, component, fmt.Sprintf("rate limited for %v", duration), nil)
}

// NewChallenge creates a new challenge error
func NewChallenge(component, message string) *Error {
	return New(ErrorTypeChallenge, component, message, nil)
}

// NewBlocked creates a new blocked error
func NewBlocked(component, reason string) *Error {
	return New(ErrorTypeBlocked, component, "blocked: "+reason, nil)
}

// NewExhausted creates a new exhausted error
func NewExhausted(component string, sessions int, last error) *Error {
	return New(ErrorTypeExhausted, component, fmt.Sprintf("gave up after %d sessions", sessions), last)
}

// NewNotFound creates a new not found error
func NewNotFound(component, message string) *Error {
	return New(ErrorTypeNotFound, component, message, nil)
}

// NewParsing creates a new parsing error
func NewParsing(component, message string, err error) *Error {
	return New(ErrorTypeParsing, component, message, err)
}

// NewUpstream creates a new upstream error
func NewUpstream(component, message string, err error) *Error {
	return New(ErrorTypeUpstream, component, message, err)
}

// NewStore creates a new store error
func NewStore(component, message string, err error) *Error {
	return New(ErrorTypeStore, component, message, err)
}

// NewCache creates a new cache error
func NewCache(component, message string, err error) *Error {
	return New(ErrorTypeCache, component, message, err)
}

// NewPublisher creates a new publisher error
func NewPublisher(component, message string, err error) *Error {
	return New(ErrorTypePublisher, component, message, err)
}

// NewValidation creates a new validation error
func NewValidation(component, message string) *Error {
	return New(ErrorTypeValidation, component, message, nil)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *Error {
	return New(ErrorTypeConfiguration, "config", message, err)
}
