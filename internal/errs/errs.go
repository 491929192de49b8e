// Package errs defines the error taxonomy shared by the pushauth core.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind, the operation that failed and, when one exists, the low-level status
// code reported by the key store, record store or remote service.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value and never produced by this module.
	KindUnknown Kind = iota
	// KindInput covers empty or invalid caller-supplied identifiers and
	// factors of the wrong type for an operation.
	KindInput
	// KindKeyStore covers key generation, retrieval, signature and status
	// failures from the key store.
	KindKeyStore
	// KindStorage covers missing records, record store status failures and
	// migration failures.
	KindStorage
	// KindNetwork covers transport and status failures from the remote
	// verification service.
	KindNetwork
	// KindMapper covers malformed server payloads.
	KindMapper
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindKeyStore:
		return "keystore"
	case KindStorage:
		return "storage"
	case KindNetwork:
		return "network"
	case KindMapper:
		return "mapper"
	default:
		return "unknown"
	}
}

// NoCode marks an Error without an originating status code.
const NoCode = 0

// Error is the single typed error returned by public operations.
type Error struct {
	Kind Kind
	Op   string
	// Code is the originating status code (key store status, HTTP status or
	// sqlite result code). NoCode when not applicable.
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != NoCode {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithCode builds an Error that preserves a low-level status code.
func WithCode(kind Kind, op string, code int, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// Input is shorthand for New(KindInput, ...).
func Input(op string, err error) *Error { return New(KindInput, op, err) }

// KeyStore is shorthand for New(KindKeyStore, ...).
func KeyStore(op string, err error) *Error { return New(KindKeyStore, op, err) }

// Storage is shorthand for New(KindStorage, ...).
func Storage(op string, err error) *Error { return New(KindStorage, op, err) }

// Network is shorthand for New(KindNetwork, ...).
func Network(op string, err error) *Error { return New(KindNetwork, op, err) }

// Mapper is shorthand for New(KindMapper, ...).
func Mapper(op string, err error) *Error { return New(KindMapper, op, err) }

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether the outermost *Error in err's chain has the kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Code returns the first non-zero status code found in err's chain.
func Code(err error) int {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return NoCode
		}
		if e.Code != NoCode {
			return e.Code
		}
		err = e.Err
	}
	return NoCode
}
