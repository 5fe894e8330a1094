package ibv

import (
	"fmt"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// State re-exports the queue pair connection states.
type State = nverbs.QPState

const (
	StateReset = nverbs.QPStateReset
	StateInit  = nverbs.QPStateInit
	// StateRTR is ready-to-receive.
	StateRTR = nverbs.QPStateRTR
	// StateRTS is ready-to-send.
	StateRTS = nverbs.QPStateRTS
	// StateSQD is the administrative send-queue-drained state.
	StateSQD   = nverbs.QPStateSQD
	StateError = nverbs.QPStateErr
)

// AHConfig describes the routing of an address vector: the path attributes
// for connected transports and the destination of standalone address
// handles.
type AHConfig struct {
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	PortNum     uint8
	// Global routing is required whenever the path leaves the local subnet
	// and always on RoCE.
	GlobalRoute *GlobalRoute
}

// GlobalRoute re-exports the GRH fields of an address vector.
type GlobalRoute = nverbs.GlobalRoute

func (a *AHConfig) toNative() nverbs.AHAttr {
	attr := nverbs.AHAttr{
		DLID:        a.DLID,
		SL:          a.SL,
		SrcPathBits: a.SrcPathBits,
		PortNum:     a.PortNum,
	}
	if a.GlobalRoute != nil {
		attr.IsGlobal = true
		attr.GRH = *a.GlobalRoute
	}
	return attr
}

// TransitionAttrs accumulates the attributes for one Modify call. Setters
// record which fields were supplied so the transition table can name the
// first missing one instead of letting the driver fail with a bare EINVAL.
type TransitionAttrs struct {
	attr nverbs.QPAttr
	mask nverbs.QPAttrMask
}

// NewTransitionAttrs returns an empty attribute set.
func NewTransitionAttrs() *TransitionAttrs {
	return &TransitionAttrs{}
}

func (a *TransitionAttrs) set(mask nverbs.QPAttrMask) *TransitionAttrs {
	a.mask |= mask
	return a
}

// PKeyIndex sets the partition key table index.
func (a *TransitionAttrs) PKeyIndex(v uint16) *TransitionAttrs {
	a.attr.PKeyIndex = v
	return a.set(nverbs.QPAttrPKeyIndex)
}

// PortNum sets the physical port the queue pair binds to.
func (a *TransitionAttrs) PortNum(v uint8) *TransitionAttrs {
	a.attr.PortNum = v
	return a.set(nverbs.QPAttrPort)
}

// AccessFlags sets the remote access permissions.
func (a *TransitionAttrs) AccessFlags(v AccessFlags) *TransitionAttrs {
	a.attr.AccessFlags = v
	return a.set(nverbs.QPAttrAccessFlags)
}

// QKey sets the datagram queue key.
func (a *TransitionAttrs) QKey(v uint32) *TransitionAttrs {
	a.attr.QKey = v
	return a.set(nverbs.QPAttrQKey)
}

// PathMTU sets the path MTU for connected transports.
func (a *TransitionAttrs) PathMTU(v MTU) *TransitionAttrs {
	a.attr.PathMTU = v
	return a.set(nverbs.QPAttrPathMTU)
}

// RemoteQPNum sets the peer queue pair number.
func (a *TransitionAttrs) RemoteQPNum(v uint32) *TransitionAttrs {
	a.attr.DestQPNum = v
	return a.set(nverbs.QPAttrDestQPN)
}

// RQPSN sets the expected initial receive sequence number.
func (a *TransitionAttrs) RQPSN(v uint32) *TransitionAttrs {
	a.attr.RQPSN = v
	return a.set(nverbs.QPAttrRQPSN)
}

// SQPSN sets the initial send sequence number.
func (a *TransitionAttrs) SQPSN(v uint32) *TransitionAttrs {
	a.attr.SQPSN = v
	return a.set(nverbs.QPAttrSQPSN)
}

// RemoteAddress sets the address vector describing the path to the peer.
func (a *TransitionAttrs) RemoteAddress(cfg *AHConfig) *TransitionAttrs {
	if cfg != nil {
		a.attr.AH = cfg.toNative()
	}
	return a.set(nverbs.QPAttrAV)
}

// MaxDestRDAtomic sets the responder's incoming RDMA-read/atomic depth.
// Must be at least one or remote reads fail with remote-invalid-request.
func (a *TransitionAttrs) MaxDestRDAtomic(v uint8) *TransitionAttrs {
	a.attr.MaxDestRDAtomic = v
	return a.set(nverbs.QPAttrMaxDestRDAtomic)
}

// MaxRDAtomic sets the requester's outstanding RDMA-read/atomic depth.
func (a *TransitionAttrs) MaxRDAtomic(v uint8) *TransitionAttrs {
	a.attr.MaxRDAtomic = v
	return a.set(nverbs.QPAttrMaxQPRDAtomic)
}

// MinRNRTimer sets the minimum receiver-not-ready NAK timer code (0..31).
func (a *TransitionAttrs) MinRNRTimer(v uint8) *TransitionAttrs {
	a.attr.MinRNRTimer = v
	return a.set(nverbs.QPAttrMinRNRTimer)
}

// Timeout sets the transport ACK timeout code.
func (a *TransitionAttrs) Timeout(v uint8) *TransitionAttrs {
	a.attr.Timeout = v
	return a.set(nverbs.QPAttrTimeout)
}

// RetryCount sets the transport retry budget.
func (a *TransitionAttrs) RetryCount(v uint8) *TransitionAttrs {
	a.attr.RetryCnt = v
	return a.set(nverbs.QPAttrRetryCnt)
}

// RNRRetry sets the receiver-not-ready retry budget (7 means infinite).
func (a *TransitionAttrs) RNRRetry(v uint8) *TransitionAttrs {
	a.attr.RNRRetry = v
	return a.set(nverbs.QPAttrRNRRetry)
}

var attrFieldNames = []struct {
	mask nverbs.QPAttrMask
	name string
}{
	{nverbs.QPAttrPKeyIndex, "pkey_index"},
	{nverbs.QPAttrPort, "port_num"},
	{nverbs.QPAttrAccessFlags, "access_flags"},
	{nverbs.QPAttrQKey, "qkey"},
	{nverbs.QPAttrAV, "remote_address"},
	{nverbs.QPAttrPathMTU, "path_mtu"},
	{nverbs.QPAttrDestQPN, "remote_qp_num"},
	{nverbs.QPAttrRQPSN, "rq_psn"},
	{nverbs.QPAttrMaxDestRDAtomic, "max_dest_rd_atomic"},
	{nverbs.QPAttrMinRNRTimer, "min_rnr_timer"},
	{nverbs.QPAttrSQPSN, "sq_psn"},
	{nverbs.QPAttrTimeout, "timeout"},
	{nverbs.QPAttrRetryCnt, "retry_count"},
	{nverbs.QPAttrRNRRetry, "rnr_retry"},
	{nverbs.QPAttrMaxQPRDAtomic, "max_rd_atomic"},
}

type transitionKey struct {
	transport Transport
	from      State
	to        State
}

// transitionTable enumerates the legal setup edges and the attribute mask
// each requires. Transitions to StateError and StateReset are legal from
// any state and need no attributes, so they are handled outside the table.
var transitionTable = map[transitionKey]nverbs.QPAttrMask{
	// Reliable connected.
	{TransportRC, StateReset, StateInit}: nverbs.QPAttrPKeyIndex | nverbs.QPAttrPort | nverbs.QPAttrAccessFlags,
	{TransportRC, StateInit, StateRTR}: nverbs.QPAttrAV | nverbs.QPAttrPathMTU | nverbs.QPAttrDestQPN |
		nverbs.QPAttrRQPSN | nverbs.QPAttrMaxDestRDAtomic | nverbs.QPAttrMinRNRTimer,
	{TransportRC, StateRTR, StateRTS}: nverbs.QPAttrSQPSN | nverbs.QPAttrTimeout |
		nverbs.QPAttrRetryCnt | nverbs.QPAttrRNRRetry | nverbs.QPAttrMaxQPRDAtomic,
	{TransportRC, StateRTS, StateSQD}: 0,
	{TransportRC, StateSQD, StateRTS}: 0,

	// Unreliable connected.
	{TransportUC, StateReset, StateInit}: nverbs.QPAttrPKeyIndex | nverbs.QPAttrPort | nverbs.QPAttrAccessFlags,
	{TransportUC, StateInit, StateRTR}: nverbs.QPAttrAV | nverbs.QPAttrPathMTU | nverbs.QPAttrDestQPN |
		nverbs.QPAttrRQPSN,
	{TransportUC, StateRTR, StateRTS}: nverbs.QPAttrSQPSN,
	{TransportUC, StateRTS, StateSQD}: 0,
	{TransportUC, StateSQD, StateRTS}: 0,

	// Unreliable datagram: routing travels per-send, so RTR needs nothing.
	{TransportUD, StateReset, StateInit}: nverbs.QPAttrPKeyIndex | nverbs.QPAttrPort | nverbs.QPAttrQKey,
	{TransportUD, StateInit, StateRTR}:   0,
	{TransportUD, StateRTR, StateRTS}:    nverbs.QPAttrSQPSN,
	{TransportUD, StateRTS, StateSQD}:    0,
	{TransportUD, StateSQD, StateRTS}:    0,
}

// Modify drives the queue pair toward target. The transition is validated
// against the per-transport table before any native call: an illegal edge
// fails with ErrInvalidTransition and a missing required attribute with
// *MissingAttributeError naming the field, leaving observable state
// unchanged in both cases.
func (qp *QueuePair) Modify(target State, attrs *TransitionAttrs) error {
	h, err := qp.handle()
	if err != nil {
		return err
	}
	if attrs == nil {
		attrs = NewTransitionAttrs()
	}

	qp.mu.Lock()
	defer qp.mu.Unlock()

	from := qp.state
	var required nverbs.QPAttrMask
	switch target {
	case StateError, StateReset:
		// Always legal: ERR forces flush completions, RESET recovers an
		// errored queue pair.
	default:
		mask, ok := transitionTable[transitionKey{qp.transport, from, target}]
		if !ok {
			return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, target, qp.transport)
		}
		required = mask
	}

	if missing := required &^ attrs.mask; missing != 0 {
		for _, field := range attrFieldNames {
			if missing&field.mask != 0 {
				return &MissingAttributeError{Field: field.name}
			}
		}
	}

	attr := attrs.attr
	attr.State = target
	if err := qp.v.ModifyQP(h, &attr, attrs.mask|nverbs.QPAttrState); err != nil {
		return err
	}
	qp.state = target
	return nil
}

// Drain forces the queue pair into the error state so every outstanding
// work request retires with a flush-error completion. Poll the completion
// queues afterwards to observe the flushes, then Close.
func (qp *QueuePair) Drain() error {
	return qp.Modify(StateError, nil)
}

// Reset returns an errored queue pair to the reset state for reconnection.
func (qp *QueuePair) Reset() error {
	return qp.Modify(StateReset, nil)
}
