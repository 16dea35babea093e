package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a publish failure. Callers see kinds, never transport status codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindAuthRequired
	KindAuthFailed
	KindRefNotFound
	KindRefConflict
	KindDanglingReference
	KindPayloadTooLarge
	KindTransientNetwork
	KindAmbiguousOutcome
	KindUpstream
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindInvalidInput:      "InvalidInput",
	KindAuthRequired:      "AuthRequired",
	KindAuthFailed:        "AuthFailed",
	KindRefNotFound:       "RefNotFound",
	KindRefConflict:       "RefConflict",
	KindDanglingReference: "DanglingReference",
	KindPayloadTooLarge:   "PayloadTooLarge",
	KindTransientNetwork:  "TransientNetworkError",
	KindAmbiguousOutcome:  "AmbiguousOutcome",
	KindUpstream:          "UpstreamError",
	KindCanceled:          "Canceled",
}

// String returns the kind name used in progress events and reports.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if strings.EqualFold(name, string(text)) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", string(text))
}

// Retryable reports whether the failed call may be reissued as-is.
func (k Kind) Retryable() bool {
	return k == KindTransientNetwork
}

// Error is the typed failure returned by object store calls and by Publish.
type Error struct {
	Kind Kind
	// Op names the failed object store call (e.g. "createTree").
	Op string
	// Path is set for per-file upload failures.
	Path    string
	Message string
	Err     error
}

// Error returns the error message.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below, so errors.Is(err, ErrRefConflict) works
// for any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Path != "" || t.Message != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrAuthRequired      = &Error{Kind: KindAuthRequired}
	ErrAuthFailed        = &Error{Kind: KindAuthFailed}
	ErrRefNotFound       = &Error{Kind: KindRefNotFound}
	ErrRefConflict       = &Error{Kind: KindRefConflict}
	ErrDanglingReference = &Error{Kind: KindDanglingReference}
	ErrPayloadTooLarge   = &Error{Kind: KindPayloadTooLarge}
	ErrTransientNetwork  = &Error{Kind: KindTransientNetwork}
	ErrAmbiguousOutcome  = &Error{Kind: KindAmbiguousOutcome}
	ErrUpstream          = &Error{Kind: KindUpstream}
	ErrCanceled          = &Error{Kind: KindCanceled}
)

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err. Bare context errors map to Canceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// AsError converts any error into an *Error, keeping an existing one as-is.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindUpstream
	}
	return Wrap(kind, op, err)
}
