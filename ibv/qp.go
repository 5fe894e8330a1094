package ibv

import (
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// Transport identifies the queue pair transport kind.
type Transport = nverbs.QPType

const (
	TransportRC = nverbs.QPTypeRC
	TransportUC = nverbs.QPTypeUC
	TransportUD = nverbs.QPTypeUD
)

// QPCap re-exports the queue pair capacity attributes.
type QPCap = nverbs.QPCap

// QPConfig configures queue pair creation.
type QPConfig struct {
	Transport Transport
	SendCQ    *CompletionQueue
	RecvCQ    *CompletionQueue
	// SRQ optionally shares a receive queue; when set, receives must be
	// posted through the SRQ, not the queue pair.
	SRQ *SharedReceiveQueue
	Cap QPCap
}

// QueuePair is one RDMA endpoint: paired send/receive queues bound to a
// transport and driven through a connection state machine. It holds strong
// references to its protection domain, completion queues, and optional SRQ.
//
// All work requests are posted signaled so that client-side depth
// accounting can retire on completions; unsignaled sends would otherwise
// occupy depth forever.
type QueuePair struct {
	v         nverbs.Verbs
	ref       *refCount
	h         nverbs.Handle
	pd        *ProtectionDomain
	sendCQ    *CompletionQueue
	recvCQ    *CompletionQueue
	srq       *SharedReceiveQueue
	transport Transport
	qpNum     uint32
	cap       QPCap

	// mu serializes Modify and guards the state field; the native layer
	// performs no such serialization itself.
	mu    sync.Mutex
	state State

	localPSN atomic.Uint32

	sendOut atomic.Int64
	recvOut atomic.Int64
	closed  atomic.Bool
}

// CreateQP creates a queue pair owned by the protection domain.
func (pd *ProtectionDomain) CreateQP(cfg *QPConfig) (*QueuePair, error) {
	ph, err := pd.handle()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, invalidAttrs("queue pair config is required")
	}
	switch cfg.Transport {
	case TransportRC, TransportUC, TransportUD:
	default:
		return nil, invalidAttrs("unsupported transport kind %d", cfg.Transport)
	}
	if cfg.SendCQ == nil || cfg.RecvCQ == nil {
		return nil, invalidAttrs("queue pair requires send and receive completion queues")
	}
	if _, err := cfg.SendCQ.handle(); err != nil {
		return nil, err
	}
	if _, err := cfg.RecvCQ.handle(); err != nil {
		return nil, err
	}
	capAttr := cfg.Cap
	if capAttr.MaxSendWR == 0 {
		return nil, invalidAttrs("queue pair requires a non-zero send queue depth")
	}
	if capAttr.MaxRecvWR == 0 && cfg.SRQ == nil {
		return nil, invalidAttrs("queue pair requires a non-zero receive queue depth or an SRQ")
	}
	if capAttr.MaxSendSGE == 0 {
		capAttr.MaxSendSGE = 1
	}
	if capAttr.MaxRecvSGE == 0 {
		capAttr.MaxRecvSGE = 1
	}

	init := nverbs.QPInitAttr{
		SendCQ: cfg.SendCQ.h,
		RecvCQ: cfg.RecvCQ.h,
		Cap:    capAttr,
		QPType: cfg.Transport,
		// Everything signaled; see the type comment.
		SQSigAll: true,
	}
	var srqHandle nverbs.Handle
	if cfg.SRQ != nil {
		sh, err := cfg.SRQ.handle()
		if err != nil {
			return nil, err
		}
		srqHandle = sh
		init.SRQ = srqHandle
	}

	pd.ref.retain()
	cfg.SendCQ.ref.retain()
	cfg.RecvCQ.ref.retain()
	if cfg.SRQ != nil {
		cfg.SRQ.ref.retain()
	}
	releaseParents := func() {
		if cfg.SRQ != nil {
			cfg.SRQ.ref.release()
		}
		cfg.RecvCQ.ref.release()
		cfg.SendCQ.ref.release()
		pd.ref.release()
	}

	info, err := pd.v.CreateQP(ph, init)
	if err != nil {
		releaseParents()
		return nil, err
	}

	qp := &QueuePair{
		v:         pd.v,
		h:         info.Handle,
		pd:        pd,
		sendCQ:    cfg.SendCQ,
		recvCQ:    cfg.RecvCQ,
		srq:       cfg.SRQ,
		transport: cfg.Transport,
		qpNum:     info.QPNum,
		cap:       capAttr,
		state:     StateReset,
	}
	qp.ref = newRefCount(func() error {
		if err := pd.v.DestroyQP(info.Handle); err != nil {
			return err
		}
		releaseParents()
		return nil
	})
	return qp, nil
}

// Num returns the queue pair number, the identifier peers address work to.
func (qp *QueuePair) Num() uint32 {
	return qp.qpNum
}

// Transport returns the transport kind the queue pair was created with.
func (qp *QueuePair) Transport() Transport {
	return qp.transport
}

// Cap returns the effective queue capacities.
func (qp *QueuePair) Cap() QPCap {
	return qp.cap
}

// State returns the current connection state.
func (qp *QueuePair) State() State {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

// Outstanding reports the posted-but-not-retired counts for the send and
// receive queues.
func (qp *QueuePair) Outstanding() (send, recv int) {
	return int(qp.sendOut.Load()), int(qp.recvOut.Load())
}

func (qp *QueuePair) handle() (nverbs.Handle, error) {
	if qp == nil || qp.closed.Load() {
		return 0, ErrInvalidHandle{"queue pair"}
	}
	return qp.h, nil
}

// noteError records an asynchronous transition to the error state observed
// through a failed completion.
func (qp *QueuePair) noteError() {
	qp.mu.Lock()
	qp.state = StateError
	qp.mu.Unlock()
}

// Query reads back the driver's view of the queue pair attributes.
func (qp *QueuePair) Query() (nverbs.QPAttr, error) {
	h, err := qp.handle()
	if err != nil {
		return nverbs.QPAttr{}, err
	}
	mask := nverbs.QPAttrState | nverbs.QPAttrCap
	attr, _, err := qp.v.QueryQP(h, mask)
	return attr, err
}

// Close drops the construction reference. Drain the queue pair first:
// outstanding work that was never flushed keeps its regions pinned until
// the matching completions are observed, and completions stop once the
// native object is destroyed, so Close releases whatever is still tracked.
// Idempotent.
func (qp *QueuePair) Close() error {
	if qp == nil || !qp.closed.CompareAndSwap(false, true) {
		return nil
	}
	dropPendingForQP(qp)
	qp.ref.release()
	return nil
}
