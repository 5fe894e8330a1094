package ibv

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

var (
	// ErrQueueFull indicates that posting the batch would exceed the queue's
	// configured depth. Nothing was posted and the depth counter is unchanged.
	ErrQueueFull = errors.New("ibverbs: work queue full")
	// ErrWaitTimeout indicates that a completion wait elapsed with no event.
	ErrWaitTimeout = errors.New("ibverbs: completion wait timed out")
	// ErrResourceBusy indicates a forced destroy was attempted while the
	// driver still holds references to the object.
	ErrResourceBusy = errors.New("ibverbs: resource still referenced")
	// ErrInvalidTransition indicates a queue pair state change that is not
	// legal from the current state.
	ErrInvalidTransition = errors.New("ibverbs: invalid queue pair state transition")
	// ErrNoChannel indicates a blocking wait on a completion queue created
	// without a completion channel.
	ErrNoChannel = errors.New("ibverbs: completion queue has no channel")
)

// ErrInvalidHandle reports use of a resource after Close.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// InvalidAttributesError reports a local validation failure detected before
// any native call was issued.
type InvalidAttributesError struct {
	Reason string
}

func (e *InvalidAttributesError) Error() string {
	return "ibverbs: invalid attributes: " + e.Reason
}

func invalidAttrs(format string, args ...any) error {
	return &InvalidAttributesError{Reason: fmt.Sprintf(format, args...)}
}

// MissingAttributeError names the first attribute a state transition requires
// but was not supplied.
type MissingAttributeError struct {
	Field string
}

func (e *MissingAttributeError) Error() string {
	return "ibverbs: missing required attribute " + e.Field
}

// CompletionError carries the non-success status of a sampled completion
// entry. It is data, not a call failure: after observing one, the queue
// pair's behavior is undefined until drained.
type CompletionError struct {
	Status WCStatus
}

func (e *CompletionError) Error() string {
	return "ibverbs: work completion failed: " + e.Status.String()
}

// NativeError re-exports the native error type; Op and Errno are preserved
// verbatim from the failed verb call.
type NativeError = nverbs.NativeError

// Errno re-exports the native errno type.
type Errno = nverbs.Errno
