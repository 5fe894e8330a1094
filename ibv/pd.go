package ibv

import (
	"sync/atomic"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// ProtectionDomain is the access-control scope grouping memory regions,
// queue pairs, and address handles. It is one of the resource kinds
// legitimately shared by many children concurrently; all accessors are
// lock-free.
type ProtectionDomain struct {
	v      nverbs.Verbs
	ref    *refCount
	h      nverbs.Handle
	ctx    *Context
	closed atomic.Bool
}

// AllocPD allocates a protection domain owned by the context.
func (c *Context) AllocPD() (*ProtectionDomain, error) {
	ch, err := c.handle()
	if err != nil {
		return nil, err
	}
	c.ref.retain()
	h, err := c.v.AllocPD(ch)
	if err != nil {
		c.ref.release()
		return nil, err
	}
	pd := &ProtectionDomain{v: c.v, h: h, ctx: c}
	pd.ref = newRefCount(func() error {
		if err := c.v.DeallocPD(h); err != nil {
			return err
		}
		c.ref.release()
		return nil
	})
	return pd, nil
}

// Context returns the owning context.
func (pd *ProtectionDomain) Context() *Context {
	return pd.ctx
}

func (pd *ProtectionDomain) handle() (nverbs.Handle, error) {
	if pd == nil || pd.closed.Load() {
		return 0, ErrInvalidHandle{"protection domain"}
	}
	return pd.h, nil
}

// Close drops the construction reference; the native dealloc runs once no
// region, queue pair, or address handle references the domain. Idempotent.
func (pd *ProtectionDomain) Close() error {
	if pd == nil || !pd.closed.CompareAndSwap(false, true) {
		return nil
	}
	pd.ref.release()
	return nil
}

// UnsafeDestroyNow invokes the native dealloc immediately, ignoring
// outstanding references. It exists for callers integrating with foreign
// resource management and returns ErrResourceBusy when the driver refuses
// because children are still live.
func (pd *ProtectionDomain) UnsafeDestroyNow() error {
	if pd == nil {
		return ErrInvalidHandle{"protection domain"}
	}
	return pd.ref.destroyNow()
}
