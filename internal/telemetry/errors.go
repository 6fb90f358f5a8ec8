package telemetry

import (
	"fmt"
)

// ErrorKind distinguishes failures the caller can act on.
type ErrorKind int

const (
	KindInvalidInput ErrorKind = iota + 1
	KindStorage
	KindEventEmission
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindStorage:
		return "storage error"
	case KindEventEmission:
		return "event emission failure"
	default:
		return "unknown error"
	}
}

// Error is a classified telemetry failure. errors.Is matches on Kind, so
// callers compare against ErrInvalidInput, ErrStorage or ErrEventEmission.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

var (
	ErrInvalidInput  = &Error{Kind: KindInvalidInput}
	ErrStorage       = &Error{Kind: KindStorage}
	ErrEventEmission = &Error{Kind: KindEventEmission}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf(format, args...)}
}

// StorageFailure wraps a store error under the given operation name.
func StorageFailure(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// EventEmissionFailure wraps a failed event write that followed a successful reading write.
func EventEmissionFailure(err error) error {
	return &Error{Kind: KindEventEmission, Op: "generate event", Err: err}
}

// KindOf returns the kind of a telemetry error anywhere in the chain, or 0.
func KindOf(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
