package ibv

import (
	"sync/atomic"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// PortAttr re-exports the native port attribute snapshot.
type PortAttr = nverbs.PortAttr

// GID re-exports the 128-bit global identifier type.
type GID = nverbs.GID

// MTU re-exports the path MTU enumeration.
type MTU = nverbs.MTU

const (
	MTU256  = nverbs.MTU256
	MTU512  = nverbs.MTU512
	MTU1024 = nverbs.MTU1024
	MTU2048 = nverbs.MTU2048
	MTU4096 = nverbs.MTU4096
)

// LinkLayer re-exports the port link layer enumeration.
type LinkLayer = nverbs.LinkLayer

const (
	LinkLayerInfiniband = nverbs.LinkLayerInfiniband
	LinkLayerEthernet   = nverbs.LinkLayerEthernet
)

// Context is an open handle to one device and the root of the ownership
// graph. All other resources hold a strong reference back to it, directly
// or transitively, so the native context outlives everything created from
// it.
type Context struct {
	v      nverbs.Verbs
	ref    *refCount
	h      nverbs.Handle
	dev    Device
	closed atomic.Bool
}

func openWith(v nverbs.Verbs, dev Device) (*Context, error) {
	h, err := v.OpenDevice(dev.Name)
	if err != nil {
		return nil, err
	}
	ctx := &Context{v: v, h: h, dev: dev}
	ctx.ref = newRefCount(func() error {
		return v.CloseDevice(h)
	})
	return ctx, nil
}

// Device returns the device this context was opened on.
func (c *Context) Device() Device {
	return c.dev
}

func (c *Context) handle() (nverbs.Handle, error) {
	if c == nil || c.closed.Load() {
		return 0, ErrInvalidHandle{"context"}
	}
	return c.h, nil
}

// QueryPort returns the attributes of the numbered port (ports count from
// one).
func (c *Context) QueryPort(port uint8) (PortAttr, error) {
	h, err := c.handle()
	if err != nil {
		return PortAttr{}, err
	}
	if port == 0 {
		return PortAttr{}, invalidAttrs("port numbers start at 1")
	}
	return c.v.QueryPort(h, port)
}

// QueryGID returns one entry of the port's GID table.
func (c *Context) QueryGID(port uint8, index int) (GID, error) {
	h, err := c.handle()
	if err != nil {
		return GID{}, err
	}
	if port == 0 || index < 0 {
		return GID{}, invalidAttrs("port numbers start at 1 and gid index at 0")
	}
	return c.v.QueryGID(h, port, index)
}

// Close releases the context's construction reference. The native close
// runs once every resource created from the context has been destroyed.
// Close is idempotent.
func (c *Context) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.ref.release()
	return nil
}
