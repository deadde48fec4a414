package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies network-core failures. Callers branch on the kind, not on
// the concrete error value.
type Kind uint8

const (
	KindSerializationFailed Kind = iota + 1
	KindDeserializationFailed
	KindInvalidPacket
	KindBufferUnderflow
	KindBufferOverflow
	KindCompression
	KindEncryption
	KindConnection
	KindUnsupportedOperation
)

func (k Kind) String() string {
	switch k {
	case KindSerializationFailed:
		return "serialization_failed"
	case KindDeserializationFailed:
		return "deserialization_failed"
	case KindInvalidPacket:
		return "invalid_packet"
	case KindBufferUnderflow:
		return "buffer_underflow"
	case KindBufferOverflow:
		return "buffer_overflow"
	case KindCompression:
		return "compression"
	case KindEncryption:
		return "encryption"
	case KindConnection:
		return "connection"
	case KindUnsupportedOperation:
		return "unsupported_operation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sentinels for errors.Is matching against any *Error of the same kind.
var (
	ErrSerializationFailed   = &Error{Kind: KindSerializationFailed}
	ErrDeserializationFailed = &Error{Kind: KindDeserializationFailed}
	ErrInvalidPacket         = &Error{Kind: KindInvalidPacket}
	ErrBufferUnderflow       = &Error{Kind: KindBufferUnderflow}
	ErrBufferOverflow        = &Error{Kind: KindBufferOverflow}
	ErrCompression           = &Error{Kind: KindCompression}
	ErrEncryption            = &Error{Kind: KindEncryption}
	ErrConnection            = &Error{Kind: KindConnection}
	ErrUnsupportedOperation  = &Error{Kind: KindUnsupportedOperation}
)

// Error is the shared error type of the network core.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Errorf builds an *Error of kind k for operation op.
func Errorf(k Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind k to err. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Kind.String() + ": " + e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, ErrEncryption)
// holds for every encryption failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// BufferUnderflowError reports that fewer bytes were available than needed.
// It is recoverable: the caller should wait for more data.
type BufferUnderflowError struct {
	Expected int
	Actual   int
}

func (e *BufferUnderflowError) Error() string {
	return fmt.Sprintf("buffer underflow: expected %d bytes, have %d", e.Expected, e.Actual)
}

func (e *BufferUnderflowError) Is(target error) bool {
	return target == ErrBufferUnderflow
}

// KindOf extracts the Kind of err, or zero when err is not a network-core
// error.
func KindOf(err error) Kind {
	var under *BufferUnderflowError
	if errors.As(err, &under) {
		return KindBufferUnderflow
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Recoverable reports whether err means "wait for more data" rather than a
// fault.
func Recoverable(err error) bool {
	return KindOf(err) == KindBufferUnderflow
}
