package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so callers can decide whether to retry.
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "InvalidRequest"
	KindUnknownCheckType ErrorKind = "UnknownCheckType"
	KindDetectorFailure  ErrorKind = "DetectorFailure"
	KindPolicyFailure    ErrorKind = "PolicyFailure"
	KindNotFound         ErrorKind = "NotFound"
	KindOverloaded       ErrorKind = "Overloaded"
	KindTimeout          ErrorKind = "Timeout"
	KindInternal         ErrorKind = "Internal"
)

// Common domain errors
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownCheckType = errors.New("unknown check type")
	ErrDetectorFailure  = errors.New("detector failure")
	ErrPolicyFailure    = errors.New("policy evaluation failed")
	ErrNotFound         = errors.New("not found")
	ErrOverloaded       = errors.New("scan capacity exhausted")
	ErrTimeout          = errors.New("scan deadline exceeded")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidRequest:   ErrInvalidRequest,
	KindUnknownCheckType: ErrUnknownCheckType,
	KindDetectorFailure:  ErrDetectorFailure,
	KindPolicyFailure:    ErrPolicyFailure,
	KindNotFound:         ErrNotFound,
	KindOverloaded:       ErrOverloaded,
	KindTimeout:          ErrTimeout,
}

// DomainError wraps errors with the failure kind and the component that raised it.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err      error
	Kind     ErrorKind
	Detector string
	Message  string
	Details  map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *DomainError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// InvalidRequest builds a KindInvalidRequest error with a formatted message.
func InvalidRequest(format string, args ...any) error {
	return &DomainError{
		Err:     ErrInvalidRequest,
		Kind:    KindInvalidRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

// UnknownCheckType reports a check type with no registered detector.
func UnknownCheckType(ct CheckType) error {
	return &DomainError{
		Err:     ErrUnknownCheckType,
		Kind:    KindUnknownCheckType,
		Message: fmt.Sprintf("unknown check type %q", string(ct)),
		Details: map[string]any{"check_type": string(ct)},
	}
}

// DetectorFailure wraps an error or recovered panic raised by a named detector.
func DetectorFailure(detector string, err error) error {
	msg := "detector failed"
	if err != nil {
		msg = err.Error()
	}
	return &DomainError{
		Err:      errors.Join(ErrDetectorFailure, err),
		Kind:     KindDetectorFailure,
		Detector: detector,
		Message:  fmt.Sprintf("detector %s: %s", detector, msg),
	}
}

// PolicyFailure wraps an evaluation error raised by a policy predicate.
func PolicyFailure(policyID string, err error) error {
	return &DomainError{
		Err:     errors.Join(ErrPolicyFailure, err),
		Kind:    KindPolicyFailure,
		Message: fmt.Sprintf("policy %s: %v", policyID, err),
		Details: map[string]any{"policy_id": policyID},
	}
}

// Overloaded reports that no execution capacity is available.
func Overloaded(format string, args ...any) error {
	return &DomainError{
		Err:     ErrOverloaded,
		Kind:    KindOverloaded,
		Message: fmt.Sprintf(format, args...),
	}
}

// Timeout reports that an execution exceeded its deadline.
func Timeout(format string, args ...any) error {
	return &DomainError{
		Err:     ErrTimeout,
		Kind:    KindTimeout,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf maps err onto the error taxonomy. Unclassified errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) && de.Kind != "" {
		return de.Kind
	}
	for _, kind := range []ErrorKind{
		KindInvalidRequest,
		KindUnknownCheckType,
		KindDetectorFailure,
		KindPolicyFailure,
		KindNotFound,
		KindOverloaded,
		KindTimeout,
	} {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// ErrorInfo is the failure record attached to a failed Job.
type ErrorInfo struct {
	Kind     ErrorKind `json:"kind"`
	Detector string    `json:"detector,omitempty"`
	Message  string    `json:"message"`
}

// NewErrorInfo converts err into the record stored on a failed Job.
func NewErrorInfo(err error) ErrorInfo {
	info := ErrorInfo{Kind: KindOf(err)}
	if err == nil {
		return info
	}
	info.Message = err.Error()
	var de *DomainError
	if errors.As(err, &de) {
		info.Detector = de.Detector
	}
	return info
}

// ErrorResponse defines the standard JSON error model returned by the HTTP API.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
