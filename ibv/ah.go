package ibv

import (
	"sync/atomic"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// AddressHandle is a fixed route to one remote port, used to address
// datagram sends. Handles are immutable once created and safe to share
// across queue pairs in the same protection domain.
type AddressHandle struct {
	v      nverbs.Verbs
	ref    *refCount
	h      nverbs.Handle
	pd     *ProtectionDomain
	closed atomic.Bool
}

// CreateAH creates an address handle owned by the protection domain.
func (pd *ProtectionDomain) CreateAH(cfg *AHConfig) (*AddressHandle, error) {
	ph, err := pd.handle()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, invalidAttrs("address handle config is required")
	}
	if cfg.PortNum == 0 {
		return nil, &MissingAttributeError{Field: "port_num"}
	}

	pd.ref.retain()
	h, err := pd.v.CreateAH(ph, cfg.toNative())
	if err != nil {
		pd.ref.release()
		return nil, err
	}

	ah := &AddressHandle{v: pd.v, h: h, pd: pd}
	ah.ref = newRefCount(func() error {
		if err := pd.v.DestroyAH(h); err != nil {
			return err
		}
		pd.ref.release()
		return nil
	})
	return ah, nil
}

// handleFor validates the handle and that it shares the queue pair's
// protection domain.
func (ah *AddressHandle) handleFor(pd *ProtectionDomain) (nverbs.Handle, error) {
	if ah == nil || ah.closed.Load() {
		return 0, ErrInvalidHandle{"address handle"}
	}
	if ah.pd != pd {
		return 0, invalidAttrs("address handle belongs to a different protection domain")
	}
	return ah.h, nil
}

// Close drops the construction reference. Idempotent.
func (ah *AddressHandle) Close() error {
	if ah == nil || !ah.closed.CompareAndSwap(false, true) {
		return nil
	}
	ah.ref.release()
	return nil
}
