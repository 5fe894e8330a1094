package ibv

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// WROpcode re-exports the send work request opcodes.
type WROpcode = nverbs.WROpcode

const (
	OpWrite          = nverbs.WRRDMAWrite
	OpWriteWithImm   = nverbs.WRRDMAWriteWithImm
	OpSend           = nverbs.WRSend
	OpSendWithImm    = nverbs.WRSendWithImm
	OpRead           = nverbs.WRRDMARead
	OpAtomicCAS      = nverbs.WRAtomicCmpAndSwp
	OpAtomicFetchAdd = nverbs.WRAtomicFetchAndAdd
)

// SendFlags re-exports the send flag bits. Signaled is always added when
// posting; depth accounting depends on every request producing a
// completion.
type SendFlags = nverbs.SendFlags

const (
	SendFence     = nverbs.SendFence
	SendSolicited = nverbs.SendSolicited
	SendInline    = nverbs.SendInline
)

// ErrInsufficientAccess indicates that a memory region lacks the access
// flags the requested operation needs.
var ErrInsufficientAccess = errors.New("ibverbs: memory region missing required access")

// RemoteBuffer addresses peer memory for RDMA and atomic operations. Addr
// and RKey come from the peer's region; both are opaque outside the peer's
// context.
type RemoteBuffer struct {
	Addr uint64
	RKey uint32
}

// UDDestination addresses one datagram send.
type UDDestination struct {
	AH         *AddressHandle
	RemoteQPN  uint32
	RemoteQKey uint32
}

// SendDescriptor describes one send-queue work request. ID is an opaque
// caller correlation value echoed on the matching completion.
type SendDescriptor struct {
	ID     uint64
	Opcode WROpcode
	Region *MemoryRegion
	// Offset and Length select the active span of the region; zero Length
	// means everything from Offset.
	Offset int
	Length int
	Flags  SendFlags
	// Remote is required for RDMA and atomic opcodes.
	Remote *RemoteBuffer
	// To is required on datagram queue pairs and forbidden elsewhere.
	To         *UDDestination
	ImmData    uint32
	CompareAdd uint64
	Swap       uint64
}

// RecvDescriptor describes one receive-queue work request.
type RecvDescriptor struct {
	ID     uint64
	Region *MemoryRegion
	Offset int
	Length int
}

// Posted work requests are tracked until their completion retires so the
// regions they reference stay pinned. Keyed by an internal wr_id; the
// caller's correlation id is restored during resolution.
var (
	wrSeq      atomic.Uint64
	pendingWRs sync.Map // uint64 -> *pendingWR
)

type pendingWR struct {
	id      uint64
	qp      *QueuePair
	srq     *SharedReceiveQueue
	send    bool
	regions []*MemoryRegion
}

func trackWR(p *pendingWR) uint64 {
	wrID := wrSeq.Add(1)
	for _, mr := range p.regions {
		mr.pin()
	}
	pendingWRs.Store(wrID, p)
	return wrID
}

func untrackWR(wrID uint64) {
	val, ok := pendingWRs.LoadAndDelete(wrID)
	if !ok {
		return
	}
	p := val.(*pendingWR)
	for _, mr := range p.regions {
		mr.unpin()
	}
}

// resolveWC maps a raw completion back to its tracked work request,
// releasing pins and depth accounting and restoring the caller's
// correlation id.
func resolveWC(wc nverbs.WC) Completion {
	comp := Completion{
		ID:      wc.WRID,
		Status:  wc.Status,
		Opcode:  wc.Opcode,
		ByteLen: wc.ByteLen,
		ImmData: wc.ImmData,
		QPNum:   wc.QPNum,
	}
	val, ok := pendingWRs.LoadAndDelete(wc.WRID)
	if !ok {
		// Tracking already dropped (the queue pair was closed with this
		// work outstanding). The raw wr_id is internal; never leak it as a
		// caller correlation id.
		comp.ID = 0
		return comp
	}
	p := val.(*pendingWR)
	comp.ID = p.id
	for _, mr := range p.regions {
		mr.unpin()
	}
	switch {
	case p.srq != nil:
		p.srq.out.Add(-1)
	case p.send:
		p.qp.sendOut.Add(-1)
	default:
		p.qp.recvOut.Add(-1)
	}
	if !wc.Status.OK() && p.qp != nil {
		p.qp.noteError()
	}
	return comp
}

// dropPendingForQP force-releases tracking for a queue pair being closed
// with work still outstanding; the completions will never arrive once the
// native object is gone.
func dropPendingForQP(qp *QueuePair) {
	pendingWRs.Range(func(key, val any) bool {
		p := val.(*pendingWR)
		if p.qp != qp {
			return true
		}
		if _, ok := pendingWRs.LoadAndDelete(key); ok {
			for _, mr := range p.regions {
				mr.unpin()
			}
		}
		return true
	})
}

// reserveDepth atomically claims n slots against limit; either all are
// claimed or none.
func reserveDepth(ctr *atomic.Int64, limit, n int64) bool {
	for {
		cur := ctr.Load()
		if cur+n > limit {
			return false
		}
		if ctr.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func sgeFor(pd *ProtectionDomain, region *MemoryRegion, offset, length int) (nverbs.SGE, error) {
	if region == nil {
		return nverbs.SGE{}, invalidAttrs("descriptor requires a memory region")
	}
	if _, err := region.handle(); err != nil {
		return nverbs.SGE{}, err
	}
	if region.pd != pd {
		return nverbs.SGE{}, invalidAttrs("memory region belongs to a different protection domain")
	}
	buf := region.buf
	if offset < 0 || offset > len(buf) {
		return nverbs.SGE{}, invalidAttrs("descriptor offset %d outside region of %d bytes", offset, len(buf))
	}
	if length == 0 {
		length = len(buf) - offset
	}
	if length < 0 || offset+length > len(buf) {
		return nverbs.SGE{}, invalidAttrs("descriptor span [%d:%d) outside region of %d bytes", offset, offset+length, len(buf))
	}
	return nverbs.SGE{
		Addr:   region.RemoteAddr() + uint64(offset),
		Length: uint32(length),
		LKey:   region.lkey,
	}, nil
}

func (qp *QueuePair) buildSendWR(desc SendDescriptor) (nverbs.SendWR, error) {
	sge, err := sgeFor(qp.pd, desc.Region, desc.Offset, desc.Length)
	if err != nil {
		return nverbs.SendWR{}, err
	}
	wr := nverbs.SendWR{
		SGList:  []nverbs.SGE{sge},
		Opcode:  desc.Opcode,
		Flags:   desc.Flags | nverbs.SendSignaled,
		ImmData: desc.ImmData,
	}

	switch desc.Opcode {
	case OpSend, OpSendWithImm:
	case OpWrite, OpWriteWithImm, OpRead:
		if desc.Remote == nil {
			return nverbs.SendWR{}, invalidAttrs("%s requires a remote buffer", desc.Opcode)
		}
		if desc.Opcode == OpRead && desc.Region.access&AccessLocalWrite == 0 {
			return nverbs.SendWR{}, ErrInsufficientAccess
		}
		wr.RemoteAddr = desc.Remote.Addr
		wr.RKey = desc.Remote.RKey
	case OpAtomicCAS, OpAtomicFetchAdd:
		if desc.Remote == nil {
			return nverbs.SendWR{}, invalidAttrs("%s requires a remote buffer", desc.Opcode)
		}
		wr.RemoteAddr = desc.Remote.Addr
		wr.RKey = desc.Remote.RKey
		wr.CompareAdd = desc.CompareAdd
		wr.Swap = desc.Swap
	default:
		return nverbs.SendWR{}, invalidAttrs("unsupported opcode %d", desc.Opcode)
	}

	if qp.transport == TransportUD {
		if desc.To == nil || desc.To.AH == nil {
			return nverbs.SendWR{}, invalidAttrs("datagram sends require a destination address handle")
		}
		ah, err := desc.To.AH.handleFor(qp.pd)
		if err != nil {
			return nverbs.SendWR{}, err
		}
		wr.UD = &nverbs.UDDest{AH: ah, RemoteQPN: desc.To.RemoteQPN, RemoteQKey: desc.To.RemoteQKey}
	} else if desc.To != nil {
		return nverbs.SendWR{}, invalidAttrs("destination address handles only apply to datagram queue pairs")
	}
	return wr, nil
}

// PostSend submits the descriptors to the send queue as a unit: either all
// are accepted or none are. The queue pair must be ready-to-send. Every
// referenced region stays pinned until its completion is observed.
func (qp *QueuePair) PostSend(descs []SendDescriptor) error {
	h, err := qp.handle()
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return nil
	}
	if st := qp.State(); st != StateRTS {
		return invalidAttrs("posting send work requires the ready-to-send state, queue pair is %s", st)
	}

	wrs := make([]nverbs.SendWR, len(descs))
	for i, desc := range descs {
		wr, err := qp.buildSendWR(desc)
		if err != nil {
			return err
		}
		wrs[i] = wr
	}

	n := int64(len(descs))
	if !reserveDepth(&qp.sendOut, int64(qp.cap.MaxSendWR), n) {
		return ErrQueueFull
	}

	ids := make([]uint64, len(descs))
	for i, desc := range descs {
		ids[i] = trackWR(&pendingWR{
			id:      desc.ID,
			qp:      qp,
			send:    true,
			regions: []*MemoryRegion{desc.Region},
		})
		wrs[i].WRID = ids[i]
	}

	if err := qp.v.PostSend(h, wrs); err != nil {
		for _, id := range ids {
			untrackWR(id)
		}
		qp.sendOut.Add(-n)
		return err
	}
	return nil
}

func (qp *QueuePair) buildRecvWR(desc RecvDescriptor) (nverbs.RecvWR, error) {
	if desc.Region != nil && desc.Region.access&AccessLocalWrite == 0 {
		return nverbs.RecvWR{}, ErrInsufficientAccess
	}
	sge, err := sgeFor(qp.pd, desc.Region, desc.Offset, desc.Length)
	if err != nil {
		return nverbs.RecvWR{}, err
	}
	return nverbs.RecvWR{SGList: []nverbs.SGE{sge}}, nil
}

// PostRecv submits the descriptors to the receive queue as a unit. The
// queue pair must have left the reset state; queue pairs bound to an SRQ
// post receives through the SRQ instead.
func (qp *QueuePair) PostRecv(descs []RecvDescriptor) error {
	h, err := qp.handle()
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return nil
	}
	if qp.srq != nil {
		return invalidAttrs("queue pair is bound to a shared receive queue; post receives there")
	}
	if st := qp.State(); st == StateReset {
		return invalidAttrs("posting receive work requires at least the initialized state")
	}

	wrs := make([]nverbs.RecvWR, len(descs))
	for i, desc := range descs {
		wr, err := qp.buildRecvWR(desc)
		if err != nil {
			return err
		}
		wrs[i] = wr
	}

	n := int64(len(descs))
	if !reserveDepth(&qp.recvOut, int64(qp.cap.MaxRecvWR), n) {
		return ErrQueueFull
	}

	ids := make([]uint64, len(descs))
	for i, desc := range descs {
		ids[i] = trackWR(&pendingWR{
			id:      desc.ID,
			qp:      qp,
			regions: []*MemoryRegion{desc.Region},
		})
		wrs[i].WRID = ids[i]
	}

	if err := qp.v.PostRecv(h, wrs); err != nil {
		for _, id := range ids {
			untrackWR(id)
		}
		qp.recvOut.Add(-n)
		return err
	}
	return nil
}
