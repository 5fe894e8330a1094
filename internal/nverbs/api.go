// Package nverbs defines the native RDMA verb surface consumed by the public
// ibv package. Every method corresponds to one native call; no method
// encodes ownership or ordering rules, which is exactly why the layer above
// exists. The package ships a cgo-backed implementation for linux and an
// unsupported stub for other unix configurations (the errno surface keeps
// the package unix-only); tests substitute their own implementations.
package nverbs

import "unsafe"

// Verbs enumerates the fallible native primitives. Implementations translate
// failures into *NativeError with the errno preserved; they perform no
// validation beyond what the driver itself does.
type Verbs interface {
	// Device and context.
	GetDeviceList() ([]DeviceInfo, error)
	OpenDevice(name string) (Handle, error)
	CloseDevice(ctx Handle) error
	QueryPort(ctx Handle, port uint8) (PortAttr, error)
	QueryGID(ctx Handle, port uint8, index int) (GID, error)

	// Protection domain.
	AllocPD(ctx Handle) (Handle, error)
	DeallocPD(pd Handle) error

	// Memory registration. The caller guarantees addr stays valid and fixed
	// for the life of the registration.
	RegMR(pd Handle, addr unsafe.Pointer, length int, access AccessFlags) (MRInfo, error)
	DeregMR(mr Handle) error

	// Completion channel and queue.
	CreateCompChannel(ctx Handle) (CompChannelInfo, error)
	DestroyCompChannel(cc Handle) error
	CreateCQ(ctx Handle, cqe int, channel Handle) (Handle, error)
	DestroyCQ(cq Handle) error
	PollCQ(cq Handle, wc []WC) (int, error)
	ReqNotifyCQ(cq Handle, solicitedOnly bool) error
	// WaitCQEvent blocks until the channel delivers an event or timeoutMS
	// elapses (negative waits forever). Returns the CQ the event belongs to,
	// or ErrTimedOut.
	WaitCQEvent(cc Handle, timeoutMS int) (Handle, error)
	AckCQEvents(cq Handle, n uint32)

	// Shared receive queue.
	CreateSRQ(pd Handle, attr SRQAttr) (Handle, error)
	DestroySRQ(srq Handle) error
	PostSRQRecv(srq Handle, wrs []RecvWR) error

	// Address handle.
	CreateAH(pd Handle, attr AHAttr) (Handle, error)
	DestroyAH(ah Handle) error

	// Queue pair.
	CreateQP(pd Handle, attr QPInitAttr) (QPInfo, error)
	ModifyQP(qp Handle, attr *QPAttr, mask QPAttrMask) error
	QueryQP(qp Handle, mask QPAttrMask) (QPAttr, QPInitAttr, error)
	DestroyQP(qp Handle) error
	PostSend(qp Handle, wrs []SendWR) error
	PostRecv(qp Handle, wrs []RecvWR) error
}

// Default returns the process-wide native implementation.
func Default() Verbs {
	return defaultVerbs
}
