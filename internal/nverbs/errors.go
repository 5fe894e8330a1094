package nverbs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno re-exports the platform errno type. Native verb calls report
// failures through errno values, which are preserved verbatim.
type Errno = unix.Errno

// Errno values commonly produced by the verbs interface.
const (
	ErrnoInval    = unix.EINVAL
	ErrnoBusy     = unix.EBUSY
	ErrnoNoMem    = unix.ENOMEM
	ErrnoNoDev    = unix.ENODEV
	ErrnoAgain    = unix.EAGAIN
	ErrnoTimedOut = unix.ETIMEDOUT
	ErrnoOverflow = unix.ENOSPC
	ErrnoFault    = unix.EFAULT
	ErrnoPerm     = unix.EPERM
	ErrnoNotSup   = unix.ENOTSUP
)

// ErrTimedOut signals that a bounded wait elapsed with no event.
var ErrTimedOut = errors.New("nverbs: wait timed out")

// ErrUnsupported is returned by every native call when the binding was built
// without cgo or on a platform without libibverbs.
var ErrUnsupported = errors.New("nverbs: native verbs unavailable in this build")

// NativeError wraps a failed native verb call, preserving the operation
// name and the errno reported by the driver.
type NativeError struct {
	Op    string
	Errno Errno
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("%s: %s (errno %d)", e.Op, e.Errno.Error(), int(e.Errno))
}

// Unwrap exposes the errno for errors.Is comparisons.
func (e *NativeError) Unwrap() error {
	return e.Errno
}

// Busy reports whether the native call failed because the object is still
// referenced by the driver.
func (e *NativeError) Busy() bool {
	return e.Errno == ErrnoBusy
}

func errnoResult(op string, errno Errno) error {
	if errno == 0 {
		return nil
	}
	return &NativeError{Op: op, Errno: errno}
}
