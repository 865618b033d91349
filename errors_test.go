package devmap

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrorFormatting(t *testing.T) {
	err := newDeviceError(opCreate, 3, ErrCodeDeviceBusy, "device in use")
	msg := err.Error()

	for _, want := range []string{"devmap:", "device in use", "op=create", "minor=3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	// No minor attribution for registry-wide errors.
	err = newError(opCreate, ErrCodeInvalidArgument, "bad device name")
	if strings.Contains(err.Error(), "minor=") {
		t.Errorf("Error() = %q, should not carry a minor", err.Error())
	}
}

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		code  ErrorCode
		errno unix.Errno
	}{
		{ErrCodeNoSuchDevice, unix.ENXIO},
		{ErrCodeDeviceBusy, unix.EBUSY},
		{ErrCodeNotActive, unix.ENXIO},
		{ErrCodeInvalidArgument, unix.EINVAL},
		{ErrCodeNoMemory, unix.ENOMEM},
		{ErrCodePermissionDenied, unix.EACCES},
		{ErrCodeIOError, unix.EIO},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := newError("test", tt.code, "")
			if !IsErrno(err, tt.errno) {
				t.Errorf("code %q mapped to errno %d, want %d", tt.code, err.Errno, tt.errno)
			}
			if !IsCode(err, tt.code) {
				t.Errorf("IsCode(%q) = false", tt.code)
			}
		})
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	a := newDeviceError(opOpen, 1, ErrCodeNoSuchDevice, "no active device")
	b := newDeviceError(opRemove, 7, ErrCodeNoSuchDevice, "no such device")
	if !errors.Is(a, b) {
		t.Error("errors with the same code should match")
	}

	c := newError(opCreate, ErrCodeDeviceBusy, "")
	if errors.Is(a, c) {
		t.Error("errors with different codes should not match")
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(opCreate, nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}

	inner := newDeviceError(opActivate, 2, ErrCodeDeviceBusy, "device already active")
	wrapped := WrapError(opCreate, inner)
	if wrapped.Code != ErrCodeDeviceBusy || wrapped.Minor != 2 {
		t.Errorf("wrapped structured error lost attribution: %+v", wrapped)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped error should unwrap to the inner error")
	}

	wrapped = WrapError(opIoctl, unix.EPERM)
	if wrapped.Code != ErrCodePermissionDenied {
		t.Errorf("errno EPERM mapped to %q, want permission denied", wrapped.Code)
	}

	plain := fmt.Errorf("lower layer exploded")
	wrapped = WrapError(opDispatch, plain)
	if wrapped.Code != ErrCodeIOError {
		t.Errorf("plain error mapped to %q, want I/O error", wrapped.Code)
	}
	if !errors.Is(wrapped, plain) {
		t.Error("wrapped plain error should unwrap")
	}
}

func TestIsHelpersOnForeignErrors(t *testing.T) {
	plain := errors.New("not a mapper error")
	if IsCode(plain, ErrCodeIOError) {
		t.Error("IsCode should reject non-mapper errors")
	}
	if IsErrno(plain, unix.EIO) {
		t.Error("IsErrno should reject non-mapper errors")
	}
}
