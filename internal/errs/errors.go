// Package errs defines the error-kind taxonomy shared by the exchange
// adapter, the bot engine, the storage layer and the tool surface. Kinds are
// matched with errors.Is so call sites can branch on the category without
// caring about the concrete failure.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for propagation policy decisions.
type Kind string

const (
	KindConfig              Kind = "ERR_CONFIG"
	KindAuth                Kind = "ERR_AUTH"
	KindRateLimited         Kind = "ERR_RATE_LIMITED"
	KindNetwork             Kind = "ERR_NETWORK"
	KindSymbolUnsupported   Kind = "ERR_SYMBOL_UNSUPPORTED"
	KindModeUnsupported     Kind = "ERR_MODE_UNSUPPORTED"
	KindInsufficientBalance Kind = "ERR_INSUFFICIENT_BALANCE"
	KindStrategyInput       Kind = "ERR_STRATEGY_INPUT"
	KindInvariant           Kind = "ERR_INVARIANT"
	KindStorage             Kind = "ERR_STORAGE"
	KindUnknownTool         Kind = "ERR_UNKNOWN_TOOL"
	KindToolArgs            Kind = "ERR_TOOL_ARGS"
	KindInternal            Kind = "ERR_INTERNAL"
)

// Error is an error tagged with a Kind. It wraps an optional cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so errors.Is(err, errs.New(KindAuth, "")) style
// comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.kind == te.kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil when err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, cause: err}
}

// KindOf extracts the kind of an error, or KindInternal when untagged.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether the error is recoverable by retrying later.
// Rate limits and network failures back off; everything else does not.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindNetwork:
		return true
	}
	return false
}
