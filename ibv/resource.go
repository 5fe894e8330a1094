package ibv

import (
	"errors"
	"sync/atomic"
)

// refCount drives implicit destruction. Every resource owns one; children
// retain their parents' counts at creation and release them after their own
// native destroy. The destroy callback runs exactly once, when the count
// reaches zero.
type refCount struct {
	n       atomic.Int64
	done    atomic.Bool
	destroy func() error
}

func newRefCount(destroy func() error) *refCount {
	r := &refCount{destroy: destroy}
	r.n.Store(1)
	return r
}

func (r *refCount) retain() {
	r.n.Add(1)
}

// release drops one reference and invokes the native destroy when the last
// one goes. A destroy failure here means the driver still sees references
// the ownership graph does not know about, which is only reachable by
// misusing a raw-handle escape hatch; it is a defect, not a recoverable
// condition.
func (r *refCount) release() {
	if r.n.Add(-1) != 0 {
		return
	}
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	if err := r.destroy(); err != nil {
		panic("ibverbs: native destroy failed with live ownership references: " + err.Error())
	}
}

// destroyNow runs the native destroy immediately, bypassing reference
// accounting. A busy result leaves the count intact so the implicit path can
// still retire the object later.
func (r *refCount) destroyNow() error {
	if !r.done.CompareAndSwap(false, true) {
		return nil
	}
	err := r.destroy()
	if err == nil {
		return nil
	}
	r.done.Store(false)
	var nerr *NativeError
	if errors.As(err, &nerr) && nerr.Busy() {
		return ErrResourceBusy
	}
	return err
}
