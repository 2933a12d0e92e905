package errors

import (
	"errors"
	"fmt"
)

// Category sentinels. Every error surfaced by the build pipeline wraps exactly
// one of these.
var (
	// ErrProtocol - malformed URI, missing redirect target, unexpected status
	ErrProtocol = errors.New("protocol error")

	// ErrConfig - unsupported platform tuple, missing required value
	ErrConfig = errors.New("config error")

	// ErrExtraction - archive extraction failed
	ErrExtraction = errors.New("extraction error")

	// ErrCompilation - external compiler exited non-zero
	ErrCompilation = errors.New("compilation error")

	// ErrIntegrity - downloaded content does not match its expected digest
	ErrIntegrity = errors.New("integrity error")

	// ErrLoad - artifact failed to compile, validate or link
	ErrLoad = errors.New("load error")

	// ErrInterface - entry point missing or has the wrong signature
	ErrInterface = errors.New("interface error")

	// ErrExecutionTrap - artifact trapped or exited non-zero
	ErrExecutionTrap = errors.New("execution trap")
)

// Specific protocol and config errors. Each wraps its category.
var (
	ErrMalformedURI          = fmt.Errorf("malformed URI: %w", ErrProtocol)
	ErrMissingRedirectTarget = fmt.Errorf("redirect without Location header: %w", ErrProtocol)
	ErrRequestFailed         = fmt.Errorf("request failed: %w", ErrProtocol)
	ErrTooManyRedirects      = fmt.Errorf("too many redirects: %w", ErrProtocol)
	ErrUnsupportedPlatform   = fmt.Errorf("unsupported platform: %w", ErrConfig)
)

// RequestFailedError reports a terminal non-success, non-redirect status.
type RequestFailedError struct {
	URL    string
	Status int
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("could not request URL %q: status %d", e.URL, e.Status)
}

func (e *RequestFailedError) Unwrap() error { return ErrRequestFailed }

// UnsupportedPlatformError reports a platform tuple missing from a download table.
type UnsupportedPlatformError struct {
	OS   string
	Arch string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform tuple (%s, %s)", e.OS, e.Arch)
}

func (e *UnsupportedPlatformError) Unwrap() error { return ErrUnsupportedPlatform }

// ProcessError carries the verbatim stderr of a failed external process.
// Op is "extract" or "compile" and selects the category.
type ProcessError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *ProcessError) Unwrap() []error {
	category := ErrExtraction
	if e.Op == "compile" {
		category = ErrCompilation
	}
	if e.Err == nil {
		return []error{category}
	}
	return []error{category, e.Err}
}

// TrapError reports a sandboxed call that trapped, aborted or exited non-zero.
type TrapError struct {
	Cause error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("execution trap: %v", e.Cause)
}

func (e *TrapError) Unwrap() []error {
	return []error{ErrExecutionTrap, e.Cause}
}
