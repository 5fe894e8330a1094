package ibv

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// WCStatus re-exports the native completion status enumeration.
type WCStatus = nverbs.WCStatus

// WCOpcode re-exports the native completion opcode enumeration.
type WCOpcode = nverbs.WCOpcode

const (
	WCSuccess  = nverbs.WCSuccess
	WCFlushErr = nverbs.WCWRFlushErr
	WCSend     = nverbs.WCSend
	WCRecv     = nverbs.WCRecv
)

// CompChannel is the pollable event source behind blocking completion
// waits. Its file descriptor can be handed to an external reactor instead
// of using CompletionQueue.Wait.
type CompChannel struct {
	v      nverbs.Verbs
	ref    *refCount
	h      nverbs.Handle
	fd     int
	ctx    *Context
	closed atomic.Bool
}

// CreateCompChannel creates a completion event channel owned by the
// context.
func (c *Context) CreateCompChannel() (*CompChannel, error) {
	ch, err := c.handle()
	if err != nil {
		return nil, err
	}
	c.ref.retain()
	info, err := c.v.CreateCompChannel(ch)
	if err != nil {
		c.ref.release()
		return nil, err
	}
	cc := &CompChannel{v: c.v, h: info.Handle, fd: info.FD, ctx: c}
	cc.ref = newRefCount(func() error {
		if err := c.v.DestroyCompChannel(info.Handle); err != nil {
			return err
		}
		c.ref.release()
		return nil
	})
	return cc, nil
}

// FD exposes the channel's pollable descriptor for reactor integration.
func (cc *CompChannel) FD() int {
	return cc.fd
}

// Close drops the construction reference. Idempotent.
func (cc *CompChannel) Close() error {
	if cc == nil || !cc.closed.CompareAndSwap(false, true) {
		return nil
	}
	cc.ref.release()
	return nil
}

// CQConfig configures completion queue creation.
type CQConfig struct {
	// Capacity is the minimum number of entries the queue can hold.
	Capacity int
	// Channel optionally attaches an event channel for blocking waits.
	Channel *CompChannel
}

// Completion is one sampled completion entry. Status is data, not a call
// failure; inspect Err for the structured form.
type Completion struct {
	// ID is the caller-supplied correlation id from the descriptor.
	ID      uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
	ImmData uint32
	QPNum   uint32
}

// OK reports whether the completion succeeded.
func (c Completion) OK() bool {
	return c.Status.OK()
}

// Err returns nil for a successful completion and a *CompletionError
// otherwise.
func (c Completion) Err() error {
	if c.Status.OK() {
		return nil
	}
	return &CompletionError{Status: c.Status}
}

// CompletionQueue buffers work completion notifications. One CQ may serve
// many queue pairs; per-queue retirement order is submission order, but no
// order holds across queue pairs.
type CompletionQueue struct {
	v        nverbs.Verbs
	ref      *refCount
	h        nverbs.Handle
	ctx      *Context
	channel  *CompChannel
	capacity int
	events   atomic.Uint32
	closed   atomic.Bool
}

// CreateCQ creates a completion queue owned by the context.
func (c *Context) CreateCQ(cfg *CQConfig) (*CompletionQueue, error) {
	ch, err := c.handle()
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.Capacity <= 0 {
		return nil, invalidAttrs("completion queue capacity must be positive")
	}
	var channelHandle nverbs.Handle
	if cfg.Channel != nil {
		if cfg.Channel.closed.Load() {
			return nil, ErrInvalidHandle{"completion channel"}
		}
		channelHandle = cfg.Channel.h
	}

	c.ref.retain()
	if cfg.Channel != nil {
		cfg.Channel.ref.retain()
	}
	h, err := c.v.CreateCQ(ch, cfg.Capacity, channelHandle)
	if err != nil {
		if cfg.Channel != nil {
			cfg.Channel.ref.release()
		}
		c.ref.release()
		return nil, err
	}

	cq := &CompletionQueue{v: c.v, h: h, ctx: c, channel: cfg.Channel, capacity: cfg.Capacity}
	cq.ref = newRefCount(func() error {
		// Unacked events must be acknowledged before destroy or the native
		// call blocks forever.
		if n := cq.events.Swap(0); n > 0 {
			c.v.AckCQEvents(h, n)
		}
		if err := c.v.DestroyCQ(h); err != nil {
			return err
		}
		if cfg.Channel != nil {
			cfg.Channel.ref.release()
		}
		c.ref.release()
		return nil
	})
	return cq, nil
}

// Capacity returns the configured entry count.
func (cq *CompletionQueue) Capacity() int {
	return cq.capacity
}

func (cq *CompletionQueue) handle() (nverbs.Handle, error) {
	if cq == nil || cq.closed.Load() {
		return 0, ErrInvalidHandle{"completion queue"}
	}
	return cq.h, nil
}

// Poll drains up to max completion entries without blocking. Each returned
// entry has already released its work request's pins and depth accounting.
func (cq *CompletionQueue) Poll(max int) ([]Completion, error) {
	h, err := cq.handle()
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, invalidAttrs("poll requires a positive entry budget")
	}
	buf := make([]nverbs.WC, max)
	n, err := cq.v.PollCQ(h, buf)
	if err != nil {
		return nil, err
	}
	out := make([]Completion, 0, n)
	for _, wc := range buf[:n] {
		out = append(out, resolveWC(wc))
	}
	return out, nil
}

// Arm requests an event on the channel for the next completion. Completions
// already queued do not trigger events, so callers must poll again after
// arming.
func (cq *CompletionQueue) Arm() error {
	h, err := cq.handle()
	if err != nil {
		return err
	}
	if cq.channel == nil {
		return ErrNoChannel
	}
	return cq.v.ReqNotifyCQ(h, false)
}

// Wait blocks until the channel delivers a completion event or the timeout
// elapses, returning ErrWaitTimeout for the latter. A negative timeout
// waits indefinitely. The queue must have been armed.
func (cq *CompletionQueue) Wait(timeout time.Duration) error {
	if _, err := cq.handle(); err != nil {
		return err
	}
	if cq.channel == nil {
		return ErrNoChannel
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	_, err := cq.v.WaitCQEvent(cq.channel.h, ms)
	if err != nil {
		if errors.Is(err, nverbs.ErrTimedOut) {
			return ErrWaitTimeout
		}
		return err
	}
	cq.events.Add(1)
	return nil
}

// PollWait combines Poll and Wait: it returns as soon as at least one
// completion is available, blocking on the event channel between attempts,
// or fails with ErrWaitTimeout once the deadline passes.
func (cq *CompletionQueue) PollWait(max int, timeout time.Duration) ([]Completion, error) {
	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		entries, err := cq.Poll(max)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if err := cq.Arm(); err != nil {
			return nil, err
		}
		// Completions that landed before arming never raise an event.
		entries, err = cq.Poll(max)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		wait := time.Duration(-1)
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, ErrWaitTimeout
			}
		}
		if err := cq.Wait(wait); err != nil {
			return nil, err
		}
	}
}

// Close drops the construction reference; the native destroy runs once no
// queue pair references the CQ. Idempotent.
func (cq *CompletionQueue) Close() error {
	if cq == nil || !cq.closed.CompareAndSwap(false, true) {
		return nil
	}
	cq.ref.release()
	return nil
}

// UnsafeDestroyNow invokes the native destroy immediately, ignoring
// outstanding references; returns ErrResourceBusy when the driver refuses.
func (cq *CompletionQueue) UnsafeDestroyNow() error {
	if cq == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	return cq.ref.destroyNow()
}
