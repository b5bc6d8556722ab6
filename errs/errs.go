// Package errs provides structured error types and helpers for termsync services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category produced by the synchronization engine.
type Code string

const (
	// CodeTimeout indicates a bounded wait that elapsed before completion.
	CodeTimeout Code = "timeout"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a transport-level failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodePersistence indicates a durable-storage failure.
	CodePersistence Code = "persistence"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the termsync stack.
type E struct {
	Scope     string
	Code      Code
	AccountID string
	SyncID    string
	Message   string
	Details   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:     strings.TrimSpace(scope),
		Code:      code,
		AccountID: "",
		SyncID:    "",
		Message:   "",
		Details:   nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithAccount records the account the error relates to.
func WithAccount(accountID string) Option {
	trimmed := strings.TrimSpace(accountID)
	return func(e *E) {
		e.AccountID = trimmed
	}
}

// WithSyncID records the synchronization id the error relates to.
func WithSyncID(syncID string) Option {
	trimmed := strings.TrimSpace(syncID)
	return func(e *E) {
		e.SyncID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetail appends a single diagnostic key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.AccountID != "" {
		parts = append(parts, "account="+e.AccountID)
	}
	if e.SyncID != "" {
		parts = append(parts, "sync_id="+e.SyncID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsTimeout reports whether err is a termsync timeout envelope.
func IsTimeout(err error) bool {
	e, ok := err.(*E)
	return ok && e != nil && e.Code == CodeTimeout
}

// SynchronizationTimeout returns a standardized bounded-wait timeout error
// embedding the account and synchronization id the wait was tracking.
func SynchronizationTimeout(accountID, syncID string) *E {
	return New("syncer/wait", CodeTimeout,
		WithMessage("synchronization wait timed out"),
		WithAccount(accountID),
		WithSyncID(syncID))
}
