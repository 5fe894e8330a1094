package ibv

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

// EndpointDescriptor carries everything a peer needs to address this queue
// pair: the out-of-band half of connection setup. How the bytes travel
// (TCP socket, bootstrap service) is the caller's business.
type EndpointDescriptor struct {
	QPNum uint32
	LID   uint16
	GID   GID
	PSN   uint32
	MTU   MTU
}

// descriptorLen is the fixed wire size: qp_num(4) lid(2) gid(16) psn(4)
// mtu(4), all big-endian.
const descriptorLen = 30

// MarshalBinary encodes the descriptor into its fixed 30-byte wire form.
func (d EndpointDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, descriptorLen)
	binary.BigEndian.PutUint32(buf[0:4], d.QPNum)
	binary.BigEndian.PutUint16(buf[4:6], d.LID)
	copy(buf[6:22], d.GID[:])
	binary.BigEndian.PutUint32(buf[22:26], d.PSN)
	binary.BigEndian.PutUint32(buf[26:30], uint32(d.MTU))
	return buf, nil
}

// UnmarshalBinary decodes the fixed 30-byte wire form.
func (d *EndpointDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) != descriptorLen {
		return invalidAttrs("endpoint descriptor must be %d bytes, got %d", descriptorLen, len(data))
	}
	d.QPNum = binary.BigEndian.Uint32(data[0:4])
	d.LID = binary.BigEndian.Uint16(data[4:6])
	copy(d.GID[:], data[6:22])
	d.PSN = binary.BigEndian.Uint32(data[22:26])
	mtu := MTU(binary.BigEndian.Uint32(data[26:30]))
	if mtu < MTU256 || mtu > MTU4096 {
		return invalidAttrs("endpoint descriptor carries invalid MTU code %d", mtu)
	}
	d.MTU = mtu
	return nil
}

func (d EndpointDescriptor) String() string {
	return fmt.Sprintf("qpn=%d lid=%d psn=%#06x mtu=%d", d.QPNum, d.LID, d.PSN, d.MTU.Size())
}

// ConnectOptions tune the connection bridge. The zero value is completed by
// withDefaults: port 1, GID index 0, and the customary RC timing budget.
type ConnectOptions struct {
	PortNum  uint8
	GIDIndex int

	PKeyIndex uint16
	// Access is granted to the peer on connected transports.
	Access AccessFlags
	// QKey applies to datagram queue pairs only.
	QKey uint32

	// Timeout is the ACK timeout code (4.096us * 2^code); RetryCount and
	// RNRRetry are the transport retry budgets. Reliable-connected only.
	Timeout    uint8
	RetryCount uint8
	RNRRetry   uint8
	// MinRNRTimer is the receiver-not-ready NAK delay code.
	MinRNRTimer uint8

	MaxRDAtomic     uint8
	MaxDestRDAtomic uint8
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.PortNum == 0 {
		o.PortNum = 1
	}
	if o.Timeout == 0 {
		o.Timeout = 14
	}
	if o.RetryCount == 0 {
		o.RetryCount = 7
	}
	if o.RNRRetry == 0 {
		o.RNRRetry = 7
	}
	if o.MinRNRTimer == 0 {
		o.MinRNRTimer = 12
	}
	if o.MaxRDAtomic == 0 {
		o.MaxRDAtomic = 1
	}
	if o.MaxDestRDAtomic == 0 {
		o.MaxDestRDAtomic = 1
	}
	return o
}

// MinMTU returns the smaller of two MTU codes; peers use it to agree on the
// path MTU from their exchanged descriptors.
func MinMTU(a, b MTU) MTU {
	if b < a {
		return b
	}
	return a
}

// LocalDescriptor derives the descriptor to hand to the peer from a port
// query, picking a fresh random initial sequence number. Call it once per
// connection attempt; the chosen sequence number is remembered for
// Establish.
func (qp *QueuePair) LocalDescriptor(opts ConnectOptions) (EndpointDescriptor, error) {
	if _, err := qp.handle(); err != nil {
		return EndpointDescriptor{}, err
	}
	opts = opts.withDefaults()

	ch, err := qp.pd.ctx.handle()
	if err != nil {
		return EndpointDescriptor{}, err
	}
	port, err := qp.v.QueryPort(ch, opts.PortNum)
	if err != nil {
		return EndpointDescriptor{}, err
	}
	gid, err := qp.v.QueryGID(ch, opts.PortNum, opts.GIDIndex)
	if err != nil {
		return EndpointDescriptor{}, err
	}

	// Sequence numbers are 24-bit on the wire.
	psn := rand.Uint32N(1 << 24)
	qp.localPSN.Store(psn)

	return EndpointDescriptor{
		QPNum: qp.qpNum,
		LID:   port.LID,
		GID:   gid,
		PSN:   psn,
		MTU:   port.ActiveMTU,
	}, nil
}

// InitAttrs builds the reset-to-init attribute set for the queue pair's
// transport.
func (qp *QueuePair) InitAttrs(opts ConnectOptions) *TransitionAttrs {
	opts = opts.withDefaults()
	attrs := NewTransitionAttrs().
		PKeyIndex(opts.PKeyIndex).
		PortNum(opts.PortNum)
	if qp.transport == TransportUD {
		return attrs.QKey(opts.QKey)
	}
	return attrs.AccessFlags(opts.Access)
}

// RTRAttrs builds the init-to-ready-to-receive attribute set from the
// peer's descriptor. Pure: no native calls, no state changes. A zero peer
// GID means subnet-local routing; anything else adds a global route via
// opts.GIDIndex.
func (qp *QueuePair) RTRAttrs(peer EndpointDescriptor, opts ConnectOptions) *TransitionAttrs {
	opts = opts.withDefaults()
	attrs := NewTransitionAttrs()
	if qp.transport == TransportUD {
		return attrs
	}

	av := &AHConfig{DLID: peer.LID, PortNum: opts.PortNum}
	if peer.GID != (GID{}) {
		av.GlobalRoute = &GlobalRoute{
			DGID:      peer.GID,
			SGIDIndex: uint8(opts.GIDIndex),
			HopLimit:  64,
		}
	}
	attrs.
		RemoteAddress(av).
		PathMTU(peer.MTU).
		RemoteQPNum(peer.QPNum).
		RQPSN(peer.PSN)
	if qp.transport == TransportRC {
		attrs.
			MaxDestRDAtomic(opts.MaxDestRDAtomic).
			MinRNRTimer(opts.MinRNRTimer)
	}
	return attrs
}

// RTSAttrs builds the ready-to-receive-to-ready-to-send attribute set.
// Pure. The sequence number must match what the peer was told; use the one
// LocalDescriptor chose.
func (qp *QueuePair) RTSAttrs(opts ConnectOptions) *TransitionAttrs {
	opts = opts.withDefaults()
	attrs := NewTransitionAttrs().SQPSN(qp.localPSN.Load())
	if qp.transport == TransportRC {
		attrs.
			Timeout(opts.Timeout).
			RetryCount(opts.RetryCount).
			RNRRetry(opts.RNRRetry).
			MaxRDAtomic(opts.MaxRDAtomic)
	}
	return attrs
}

// Establish walks the queue pair from its current state to ready-to-send
// against the peer's descriptor. The path MTU is clamped to the smaller of
// the two sides' announcements. Receives should be posted after the init
// step and before the peer can send, which Establish cannot arrange by
// itself: post them before calling when the peer races.
func (qp *QueuePair) Establish(peer EndpointDescriptor, opts ConnectOptions) error {
	opts = opts.withDefaults()
	if qp.State() == StateReset {
		if err := qp.Modify(StateInit, qp.InitAttrs(opts)); err != nil {
			return err
		}
	}
	if qp.transport != TransportUD {
		// Clamp to our own active MTU.
		if ch, err := qp.pd.ctx.handle(); err == nil {
			if port, err := qp.v.QueryPort(ch, opts.PortNum); err == nil {
				peer.MTU = MinMTU(peer.MTU, port.ActiveMTU)
			}
		}
	}
	if err := qp.Modify(StateRTR, qp.RTRAttrs(peer, opts)); err != nil {
		return err
	}
	return qp.Modify(StateRTS, qp.RTSAttrs(opts))
}
