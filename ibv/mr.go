package ibv

import (
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// AccessFlags re-exports the registration access bits.
type AccessFlags = nverbs.AccessFlags

const (
	AccessLocalWrite   = nverbs.AccessLocalWrite
	AccessRemoteWrite  = nverbs.AccessRemoteWrite
	AccessRemoteRead   = nverbs.AccessRemoteRead
	AccessRemoteAtomic = nverbs.AccessRemoteAtomic
)

// MemoryRegion is a buffer registered for DMA within one protection domain.
// The region holds the buffer alive and fixed for the whole registration;
// work requests referencing the region pin it further, so it cannot be
// deregistered while any posted request might still touch the memory.
type MemoryRegion struct {
	v      nverbs.Verbs
	ref    *refCount
	h      nverbs.Handle
	pd     *ProtectionDomain
	buf    []byte
	lkey   uint32
	rkey   uint32
	access AccessFlags
	pins   atomic.Int64
	closed atomic.Bool
}

// RegisterMemory registers buf with the domain. The buffer is registered in
// place: the caller must not resize or reallocate it, and reads/writes race
// with the hardware once work referencing the region is posted.
//
// Remote write or atomic access requires local write permission; this is
// checked here so the driver's EINVAL never has to be guessed at.
func (pd *ProtectionDomain) RegisterMemory(buf []byte, access AccessFlags) (*MemoryRegion, error) {
	ph, err := pd.handle()
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, invalidAttrs("memory registration requires a non-empty buffer")
	}
	if access&(AccessRemoteWrite|AccessRemoteAtomic) != 0 && access&AccessLocalWrite == 0 {
		return nil, invalidAttrs("remote write or atomic access requires local write access")
	}

	pd.ref.retain()
	info, err := pd.v.RegMR(ph, unsafe.Pointer(&buf[0]), len(buf), access)
	if err != nil {
		pd.ref.release()
		return nil, err
	}

	mr := &MemoryRegion{
		v:      pd.v,
		h:      info.Handle,
		pd:     pd,
		buf:    buf,
		lkey:   info.LKey,
		rkey:   info.RKey,
		access: access,
	}
	mr.ref = newRefCount(func() error {
		if err := pd.v.DeregMR(info.Handle); err != nil {
			return err
		}
		pd.ref.release()
		return nil
	})
	return mr, nil
}

// Bytes returns the registered buffer.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// LKey returns the local access key. Keys are opaque and only meaningful
// within the context that produced them.
func (m *MemoryRegion) LKey() uint32 {
	return m.lkey
}

// RKey returns the remote access key.
func (m *MemoryRegion) RKey() uint32 {
	return m.rkey
}

// Access reports the flags the region was registered with.
func (m *MemoryRegion) Access() AccessFlags {
	return m.access
}

// RemoteAddr returns the buffer's address as seen by remote RDMA
// operations.
func (m *MemoryRegion) RemoteAddr() uint64 {
	if m == nil || len(m.buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&m.buf[0])))
}

func (m *MemoryRegion) handle() (nverbs.Handle, error) {
	if m == nil || m.closed.Load() {
		return 0, ErrInvalidHandle{"memory region"}
	}
	return m.h, nil
}

// pin keeps the region alive while a posted work request references it.
func (m *MemoryRegion) pin() {
	m.pins.Add(1)
	m.ref.retain()
}

func (m *MemoryRegion) unpin() {
	m.pins.Add(-1)
	m.ref.release()
}

// Pinned reports how many posted work requests currently reference the
// region.
func (m *MemoryRegion) Pinned() int {
	if m == nil {
		return 0
	}
	return int(m.pins.Load())
}

// Close deregisters the region. It fails with ErrResourceBusy, before any
// native call, while posted work still references the buffer. Idempotent.
func (m *MemoryRegion) Close() error {
	if m == nil {
		return nil
	}
	if m.pins.Load() > 0 {
		return ErrResourceBusy
	}
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.ref.release()
	return nil
}
