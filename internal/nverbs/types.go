package nverbs

import "fmt"

// Handle is an opaque token for a native verbs object. The zero value is
// never a valid handle.
type Handle uintptr

// NodeType mirrors ibv_node_type.
type NodeType int32

const (
	NodeUnknown NodeType = iota - 1
	NodeCA
	NodeSwitch
	NodeRouter
	NodeRNIC
	NodeUSNIC
	NodeUSNICUDP
	NodeUnspecified
)

func (n NodeType) String() string {
	switch n {
	case NodeCA:
		return "ca"
	case NodeSwitch:
		return "switch"
	case NodeRouter:
		return "router"
	case NodeRNIC:
		return "rnic"
	case NodeUSNIC:
		return "usnic"
	case NodeUSNICUDP:
		return "usnic_udp"
	case NodeUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// DeviceInfo describes one adapter returned by device enumeration.
type DeviceInfo struct {
	Name     string
	GUID     uint64
	NodeType NodeType
}

// GID is a 128-bit global identifier in network byte order.
type GID [16]byte

func (g GID) String() string {
	return fmt.Sprintf("%x:%x:%x:%x:%x:%x:%x:%x",
		g[0:2], g[2:4], g[4:6], g[6:8], g[8:10], g[10:12], g[12:14], g[14:16])
}

// IsZero reports whether the GID is entirely unset.
func (g GID) IsZero() bool {
	return g == GID{}
}

// PortState mirrors ibv_port_state.
type PortState int32

const (
	PortNop PortState = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortDown:
		return "down"
	case PortInit:
		return "init"
	case PortArmed:
		return "armed"
	case PortActive:
		return "active"
	case PortActiveDefer:
		return "active_defer"
	default:
		return "nop"
	}
}

// LinkLayer mirrors the port link layer constants.
type LinkLayer int32

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniband
	LinkLayerEthernet
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniband:
		return "infiniband"
	case LinkLayerEthernet:
		return "ethernet"
	default:
		return "unspecified"
	}
}

// MTU mirrors ibv_mtu. Values are the enum codes, not byte counts.
type MTU uint32

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Size returns the payload size in bytes for the MTU code.
func (m MTU) Size() int {
	return 128 << m
}

func (m MTU) String() string {
	if m < MTU256 || m > MTU4096 {
		return "invalid"
	}
	return fmt.Sprintf("%d", m.Size())
}

// PortAttr is the subset of ibv_port_attr needed for connection setup.
type PortAttr struct {
	State        PortState
	ActiveMTU    MTU
	MaxMTU       MTU
	LID          uint16
	LinkLayer    LinkLayer
	GIDTableLen  int
	PKeyTableLen int
}

// AccessFlags mirrors ibv_access_flags.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
	AccessMWBind
	AccessZeroBased
	AccessOnDemand
)

// QPType mirrors the ibv_qp_type values for the transports the binding
// supports.
type QPType uint32

const (
	QPTypeRC QPType = 2
	QPTypeUC QPType = 3
	QPTypeUD QPType = 4
)

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "rc"
	case QPTypeUC:
		return "uc"
	case QPTypeUD:
		return "ud"
	default:
		return "unknown"
	}
}

// QPState mirrors ibv_qp_state.
type QPState uint32

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// QPCap mirrors ibv_qp_cap.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// QPInitAttr mirrors ibv_qp_init_attr. SRQ may be zero.
type QPInitAttr struct {
	SendCQ   Handle
	RecvCQ   Handle
	SRQ      Handle
	Cap      QPCap
	QPType   QPType
	SQSigAll bool
}

// QPInfo is returned by CreateQP.
type QPInfo struct {
	Handle Handle
	QPNum  uint32
}

// GlobalRoute mirrors ibv_global_route.
type GlobalRoute struct {
	DGID         GID
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// AHAttr mirrors ibv_ah_attr.
type AHAttr struct {
	GRH         GlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    bool
	PortNum     uint8
}

// QPAttrMask mirrors the IBV_QP_* attribute mask bits used by modify/query.
type QPAttrMask uint32

const (
	QPAttrState QPAttrMask = 1 << iota
	QPAttrCurState
	QPAttrEnSQDAsyncNotify
	QPAttrAccessFlags
	QPAttrPKeyIndex
	QPAttrPort
	QPAttrQKey
	QPAttrAV
	QPAttrPathMTU
	QPAttrTimeout
	QPAttrRetryCnt
	QPAttrRNRRetry
	QPAttrRQPSN
	QPAttrMaxQPRDAtomic
	QPAttrAltPath
	QPAttrMinRNRTimer
	QPAttrSQPSN
	QPAttrMaxDestRDAtomic
	QPAttrPathMigState
	QPAttrCap
	QPAttrDestQPN
)

// QPAttr mirrors the subset of ibv_qp_attr the binding drives. Only fields
// whose mask bit is set are meaningful.
type QPAttr struct {
	State           QPState
	PathMTU         MTU
	QKey            uint32
	RQPSN           uint32
	SQPSN           uint32
	DestQPNum       uint32
	AccessFlags     AccessFlags
	Cap             QPCap
	AH              AHAttr
	PKeyIndex       uint16
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RNRRetry        uint8
	MinRNRTimer     uint8
	MaxRDAtomic     uint8
	MaxDestRDAtomic uint8
}

// MRInfo is returned by RegMR.
type MRInfo struct {
	Handle Handle
	LKey   uint32
	RKey   uint32
}

// CompChannelInfo is returned by CreateCompChannel. FD is the pollable event
// descriptor backing blocking waits.
type CompChannelInfo struct {
	Handle Handle
	FD     int
}

// SRQAttr mirrors ibv_srq_attr.
type SRQAttr struct {
	MaxWR    uint32
	MaxSGE   uint32
	SRQLimit uint32
}

// SGE mirrors ibv_sge.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// WROpcode mirrors ibv_wr_opcode.
type WROpcode uint32

const (
	WRRDMAWrite WROpcode = iota
	WRRDMAWriteWithImm
	WRSend
	WRSendWithImm
	WRRDMARead
	WRAtomicCmpAndSwp
	WRAtomicFetchAndAdd
)

func (o WROpcode) String() string {
	switch o {
	case WRRDMAWrite:
		return "rdma_write"
	case WRRDMAWriteWithImm:
		return "rdma_write_imm"
	case WRSend:
		return "send"
	case WRSendWithImm:
		return "send_imm"
	case WRRDMARead:
		return "rdma_read"
	case WRAtomicCmpAndSwp:
		return "atomic_cas"
	case WRAtomicFetchAndAdd:
		return "atomic_faa"
	default:
		return "unknown"
	}
}

// SendFlags mirrors ibv_send_flags.
type SendFlags uint32

const (
	SendFence SendFlags = 1 << iota
	SendSignaled
	SendSolicited
	SendInline
	SendIPChecksum
)

// UDDest carries the datagram addressing fields of a send work request.
type UDDest struct {
	AH         Handle
	RemoteQPN  uint32
	RemoteQKey uint32
}

// SendWR is a flattened ibv_send_wr. Exactly one of the union branches
// (UD, RemoteAddr/RKey, Atomic) is meaningful depending on Opcode and the
// queue pair transport.
type SendWR struct {
	WRID       uint64
	SGList     []SGE
	Opcode     WROpcode
	Flags      SendFlags
	ImmData    uint32
	RemoteAddr uint64
	RKey       uint32
	CompareAdd uint64
	Swap       uint64
	UD         *UDDest
}

// RecvWR is a flattened ibv_recv_wr.
type RecvWR struct {
	WRID   uint64
	SGList []SGE
}

// WCOpcode mirrors ibv_wc_opcode.
type WCOpcode uint32

const (
	WCSend WCOpcode = iota
	WCRDMAWrite
	WCRDMARead
	WCCompSwap
	WCFetchAdd
	WCBindMW
	WCLocalInv
	WCTSO
	WCRecv            WCOpcode = 128
	WCRecvRDMAWithImm WCOpcode = 129
)

func (o WCOpcode) String() string {
	switch o {
	case WCSend:
		return "send"
	case WCRDMAWrite:
		return "rdma_write"
	case WCRDMARead:
		return "rdma_read"
	case WCCompSwap:
		return "comp_swap"
	case WCFetchAdd:
		return "fetch_add"
	case WCBindMW:
		return "bind_mw"
	case WCLocalInv:
		return "local_inv"
	case WCTSO:
		return "tso"
	case WCRecv:
		return "recv"
	case WCRecvRDMAWithImm:
		return "recv_rdma_imm"
	default:
		return "unknown"
	}
}

// WC is a flattened ibv_wc entry.
type WC struct {
	WRID    uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
	ImmData uint32
	QPNum   uint32
	SrcQP   uint32
	SLID    uint16
}
