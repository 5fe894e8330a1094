package ibv

import (
	"sync/atomic"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// SRQConfig configures shared receive queue creation.
type SRQConfig struct {
	MaxWR  int
	MaxSGE int
	// Limit optionally arms the low-watermark async event.
	Limit int
}

// SharedReceiveQueue pools receive buffers across the queue pairs created
// with it. Completions still surface on each queue pair's receive CQ.
type SharedReceiveQueue struct {
	v      nverbs.Verbs
	ref    *refCount
	h      nverbs.Handle
	pd     *ProtectionDomain
	maxWR  int64
	out    atomic.Int64
	closed atomic.Bool
}

// CreateSRQ creates a shared receive queue owned by the protection domain.
func (pd *ProtectionDomain) CreateSRQ(cfg *SRQConfig) (*SharedReceiveQueue, error) {
	ph, err := pd.handle()
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.MaxWR <= 0 {
		return nil, invalidAttrs("shared receive queue requires a positive depth")
	}
	maxSGE := cfg.MaxSGE
	if maxSGE == 0 {
		maxSGE = 1
	}

	pd.ref.retain()
	h, err := pd.v.CreateSRQ(ph, nverbs.SRQAttr{
		MaxWR:    uint32(cfg.MaxWR),
		MaxSGE:   uint32(maxSGE),
		SRQLimit: uint32(cfg.Limit),
	})
	if err != nil {
		pd.ref.release()
		return nil, err
	}

	srq := &SharedReceiveQueue{v: pd.v, h: h, pd: pd, maxWR: int64(cfg.MaxWR)}
	srq.ref = newRefCount(func() error {
		if err := pd.v.DestroySRQ(h); err != nil {
			return err
		}
		pd.ref.release()
		return nil
	})
	return srq, nil
}

func (s *SharedReceiveQueue) handle() (nverbs.Handle, error) {
	if s == nil || s.closed.Load() {
		return 0, ErrInvalidHandle{"shared receive queue"}
	}
	return s.h, nil
}

// Outstanding reports the posted-but-not-retired receive count.
func (s *SharedReceiveQueue) Outstanding() int {
	return int(s.out.Load())
}

// PostRecv submits the descriptors to the shared queue as a unit. Matching
// completions arrive on the receive CQ of whichever queue pair consumed
// each buffer.
func (s *SharedReceiveQueue) PostRecv(descs []RecvDescriptor) error {
	h, err := s.handle()
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return nil
	}

	wrs := make([]nverbs.RecvWR, len(descs))
	for i, desc := range descs {
		if desc.Region != nil && desc.Region.access&AccessLocalWrite == 0 {
			return ErrInsufficientAccess
		}
		sge, err := sgeFor(s.pd, desc.Region, desc.Offset, desc.Length)
		if err != nil {
			return err
		}
		wrs[i] = nverbs.RecvWR{SGList: []nverbs.SGE{sge}}
	}

	n := int64(len(descs))
	if !reserveDepth(&s.out, s.maxWR, n) {
		return ErrQueueFull
	}

	ids := make([]uint64, len(descs))
	for i, desc := range descs {
		ids[i] = trackWR(&pendingWR{
			id:      desc.ID,
			srq:     s,
			regions: []*MemoryRegion{desc.Region},
		})
		wrs[i].WRID = ids[i]
	}

	if err := s.v.PostSRQRecv(h, wrs); err != nil {
		for _, id := range ids {
			untrackWR(id)
		}
		s.out.Add(-n)
		return err
	}
	return nil
}

// Close drops the construction reference; the native destroy waits for the
// last queue pair created with the SRQ. Idempotent.
func (s *SharedReceiveQueue) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.ref.release()
	return nil
}

// UnsafeDestroyNow invokes the native destroy immediately, ignoring
// outstanding references; returns ErrResourceBusy when the driver refuses.
func (s *SharedReceiveQueue) UnsafeDestroyNow() error {
	if s == nil {
		return ErrInvalidHandle{"shared receive queue"}
	}
	return s.ref.destroyNow()
}
