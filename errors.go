package devmap

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Error is a structured mapper error carrying the failed operation, the
// affected minor and an errno suitable for surfacing through a block
// layer boundary.
type Error struct {
	Op    string        // operation that failed (e.g. "create", "dispatch")
	Minor int           // device minor (-1 if not applicable)
	Code  ErrorCode     // high-level category
	Errno syscall.Errno // block-layer errno (0 if not applicable)
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Minor >= 0 {
		parts = append(parts, fmt.Sprintf("minor=%d", e.Minor))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("devmap: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("devmap: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is matches two structured errors by category.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category. The set mirrors the error
// numbers a block layer surfaces to callers.
type ErrorCode string

const (
	ErrCodeNoSuchDevice     ErrorCode = "no such device"
	ErrCodeDeviceBusy       ErrorCode = "device busy"
	ErrCodeNotActive        ErrorCode = "device not active"
	ErrCodeInvalidArgument  ErrorCode = "invalid argument"
	ErrCodeNoMemory         ErrorCode = "out of memory"
	ErrCodePermissionDenied ErrorCode = "permission denied"
	ErrCodeIOError          ErrorCode = "I/O error"
)

// Operation names used in error construction.
const (
	opCreate     = "create"
	opRemove     = "remove"
	opActivate   = "activate"
	opSuspend    = "suspend"
	opDeactivate = "deactivate"
	opOpen       = "open"
	opClose      = "close"
	opDispatch   = "dispatch"
	opIoctl      = "ioctl"
	opBmap       = "bmap"
	opTableBuild = "table-build"
)

// errnoFor maps an error category onto the errno surfaced at the block
// layer boundary.
func errnoFor(code ErrorCode) syscall.Errno {
	switch code {
	case ErrCodeNoSuchDevice:
		return unix.ENXIO
	case ErrCodeDeviceBusy:
		return unix.EBUSY
	case ErrCodeNotActive:
		return unix.ENXIO
	case ErrCodeInvalidArgument:
		return unix.EINVAL
	case ErrCodeNoMemory:
		return unix.ENOMEM
	case ErrCodePermissionDenied:
		return unix.EACCES
	case ErrCodeIOError:
		return unix.EIO
	}
	return 0
}

// newError creates a structured error with no device attribution.
func newError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Minor: -1, Code: code, Errno: errnoFor(code), Msg: msg}
}

// newDeviceError creates a structured error attributed to a minor.
func newDeviceError(op string, minor int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Minor: minor, Code: code, Errno: errnoFor(code), Msg: msg}
}

// WrapError wraps an error with mapper context, preserving structure
// when the inner error is already a *Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var de *Error
	if errors.As(inner, &de) {
		return &Error{
			Op:    op,
			Minor: de.Minor,
			Code:  de.Code,
			Errno: de.Errno,
			Msg:   de.Msg,
			Inner: inner,
		}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Minor: -1,
			Code:  codeForErrno(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}
	return &Error{Op: op, Minor: -1, Code: ErrCodeIOError, Errno: unix.EIO,
		Msg: inner.Error(), Inner: inner}
}

// codeForErrno maps an errno back onto an error category.
func codeForErrno(errno syscall.Errno) ErrorCode {
	switch errno {
	case unix.ENXIO, unix.ENOENT, unix.ENODEV:
		return ErrCodeNoSuchDevice
	case unix.EBUSY:
		return ErrCodeDeviceBusy
	case unix.EINVAL, unix.E2BIG:
		return ErrCodeInvalidArgument
	case unix.EPERM, unix.EACCES:
		return ErrCodePermissionDenied
	case unix.ENOMEM, unix.ENOSPC:
		return ErrCodeNoMemory
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err carries the given category.
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsErrno reports whether err carries the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Errno == errno
	}
	return false
}
