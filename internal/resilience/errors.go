package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/salonworks/storyline/internal/model"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// MalformedOutputError reports that the text-generation capability returned
// output that could not be parsed into the expected structure. Retryable
// within a stage's bound.
type MalformedOutputError struct {
	Err error
	Raw string
}

func (e *MalformedOutputError) Error() string {
	return "malformed output: " + e.Err.Error()
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// NewMalformedOutputError wraps a parse failure together with the raw output.
func NewMalformedOutputError(err error, raw string) *MalformedOutputError {
	return &MalformedOutputError{Err: err, Raw: raw}
}

// InvalidInputError reports a stage input that can never succeed, such as a
// report with no usable text. Never retried.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// RejectedError reports content that a stage refused to pass on, such as
// text whose PII risk is above the configured ceiling. Never retried.
type RejectedError struct {
	Stage  model.Stage
	Reason string
}

func (e *RejectedError) Error() string {
	return "content rejected at " + string(e.Stage) + ": " + e.Reason
}

// ConstraintViolation reports a storage uniqueness hit. Existing carries the
// identifier of the row that already holds the key.
type ConstraintViolation struct {
	Constraint string
	Existing   string
}

func (e *ConstraintViolation) Error() string {
	return "constraint violation: " + e.Constraint
}

// ConfigurationError reports missing or unusable configuration (holiday data,
// capability credentials). Fatal: surfaced immediately and never retried.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Setting + ": " + e.Reason
}

// NewConfigurationError builds a ConfigurationError for the named setting.
func NewConfigurationError(setting, reason string) *ConfigurationError {
	return &ConfigurationError{Setting: setting, Reason: reason}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures, deadline exceeded).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// A per-call timeout is a transient failure of that call.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsMalformed returns true if err carries a MalformedOutputError.
func IsMalformed(err error) bool {
	var me *MalformedOutputError
	return errors.As(err, &me)
}

// IsConfiguration returns true if err carries a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}

// Kind maps an error onto the operator-facing error taxonomy.
func Kind(err error) model.ErrorKind {
	if err == nil {
		return ""
	}
	var (
		ce *ConfigurationError
		cv *ConstraintViolation
		ie *InvalidInputError
		re *RejectedError
	)
	switch {
	case errors.As(err, &ce):
		return model.ErrorKindConfiguration
	case errors.As(err, &cv):
		return model.ErrorKindConstraint
	case errors.As(err, &ie):
		return model.ErrorKindInvalidInput
	case errors.As(err, &re):
		return model.ErrorKindRejected
	case IsMalformed(err):
		return model.ErrorKindMalformed
	case IsTransient(err):
		return model.ErrorKindTransient
	default:
		return model.ErrorKindPermanent
	}
}
