package errors

import (
	"errors"
	"fmt"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Kind classifies an error raised by the transfer core.
type Kind string

const (
	KindConfig       Kind = "CONFIG"        // Malformed file-space definition
	KindStorage      Kind = "STORAGE"       // Filesystem I/O failure
	KindRange        Kind = "RANGE"         // Out-of-bounds byte access
	KindState        Kind = "STATE"         // Protocol-order violation
	KindSizeMismatch Kind = "SIZE_MISMATCH" // Delivered length differs from the block length
	KindInternal     Kind = "INTERNAL"      // Invariant violation, caller contract breach
)

// Error is the error type returned by the storage and transfer packages.
type Error struct {
	Kind Kind   // General category
	Op   string // Operation that failed
	Path string // Filesystem path involved, if any
	Err  error  // Original error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s %q: %v", e.Kind, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping (compatible with errors.As)
func (e *Error) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrOverflow          = New("total size overflows 64 bits")
	ErrEmptyPath         = New("empty file path")
	ErrPlaceholderSize   = New("empty directory placeholder must have size 0")
	ErrAlreadyOpen       = New("file space has an open file")
	ErrNotOpen           = New("file space is not open")
	ErrOutOfRange        = New("byte range outside of file space")
	ErrMapFailed         = New("could not map chunk part")
	ErrReadOnly          = New("file is opened read-only")
	ErrNotPending        = New("block is not pending")
	ErrAlreadyFinished   = New("block already finished")
	ErrNotInProgress     = New("piece is not in progress")
	ErrLengthMismatch    = New("data length does not match block length")
	ErrLeaseConflict     = New("conflicting chunk lease")
	ErrAlreadyReleased   = New("chunk already released")
	ErrInvalidBlockIndex = New("invalid block index")
)

// NewConfigError creates a configuration error
func NewConfigError(op string, err error) *Error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// NewStorageError creates a storage error naming the offending path
func NewStorageError(op, path string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Path: path, Err: err}
}

// NewRangeError creates an out-of-bounds error
func NewRangeError(op string, offset, length, size int64) *Error {
	return &Error{
		Kind: KindRange,
		Op:   op,
		Err:  fmt.Errorf("%w: [%d, %d) exceeds %d", ErrOutOfRange, offset, offset+length, size),
	}
}

// NewStateError creates a protocol-order error
func NewStateError(op string, err error) *Error {
	return &Error{Kind: KindState, Op: op, Err: err}
}

// NewSizeMismatchError creates an error for a delivered block of the wrong length
func NewSizeMismatchError(op string, expected, got int) *Error {
	return &Error{
		Kind: KindSizeMismatch,
		Op:   op,
		Err:  fmt.Errorf("%w: expected %d, got %d", ErrLengthMismatch, expected, got),
	}
}

// NewInternalError creates a fatal invariant-violation error
func NewInternalError(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsConfigError(err error) bool       { return KindOf(err) == KindConfig }
func IsStorageError(err error) bool      { return KindOf(err) == KindStorage }
func IsRangeError(err error) bool        { return KindOf(err) == KindRange }
func IsStateError(err error) bool        { return KindOf(err) == KindState }
func IsSizeMismatchError(err error) bool { return KindOf(err) == KindSizeMismatch }

// IsFatal reports whether err signals a broken caller contract. Such errors
// should abort the operation instead of being retried or ignored.
func IsFatal(err error) bool {
	return KindOf(err) == KindInternal
}
