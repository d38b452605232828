// Package kverrors defines the error taxonomy shared by every layer of the
// engine: the record codec, the WAL, the SSTable reader/writer and the
// top-level engine. Callers classify a failure with Is instead of comparing
// against package-level sentinels, since the same Kind can be raised by many
// different underlying causes (a short read, a bad CRC, an unknown record
// kind, ...).
package kverrors

import (
	"errors"
	"fmt"
)

// Kind categorizes why an operation failed.
type Kind int

const (
	// KindIO marks a failure in the underlying filesystem: create, read,
	// write, seek, fsync, or truncate.
	KindIO Kind = iota
	// KindCorruption marks a CRC mismatch, a truncated record, an unknown
	// record kind, a non-UTF-8 key, or a malformed SSTable header/footer.
	KindCorruption
	// KindInvalidInput marks a caller-supplied value that is out of range,
	// such as a key or value exceeding the varint length cap.
	KindInvalidInput
	// KindChannelClosed marks an attempt to enqueue a command on a WAL
	// writer that has already shut down.
	KindChannelClosed
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindInvalidInput:
		return "invalid_input"
	case KindChannelClosed:
		return "channel_closed"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind the caller should switch on.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IO wraps err as a filesystem failure observed during op.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// Corruption wraps err as data corruption observed during op. Use Corruptf
// to build one from a format string instead.
func Corruption(op string, err error) error {
	return &Error{Kind: KindCorruption, Op: op, Err: err}
}

// Corruptf builds a KindCorruption error from a format string.
func Corruptf(op, format string, args ...any) error {
	return &Error{Kind: KindCorruption, Op: op, Err: fmt.Errorf(format, args...)}
}

// InvalidInput builds a KindInvalidInput error from a message.
func InvalidInput(op, msg string) error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: errors.New(msg)}
}

// ChannelClosed builds a KindChannelClosed error for op.
func ChannelClosed(op string) error {
	return &Error{Kind: KindChannelClosed, Op: op, Err: errors.New("writer task has shut down")}
}

// Is reports whether err (or one of the errors it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
