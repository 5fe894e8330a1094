//go:build cgo && linux

package nverbs

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

// Several verbs entry points are macros or touch unions bindgen-style tools
// struggle with; small static shims keep the Go side free of that noise.

static int vgo_query_port(struct ibv_context *ctx, uint8_t port,
		struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

static struct ibv_mr *vgo_reg_mr(struct ibv_pd *pd, void *addr, size_t length,
		int access) {
	return ibv_reg_mr(pd, addr, length, access);
}

static void vgo_wr_set_rdma(struct ibv_send_wr *wr, uint64_t remote_addr,
		uint32_t rkey) {
	wr->wr.rdma.remote_addr = remote_addr;
	wr->wr.rdma.rkey = rkey;
}

static void vgo_wr_set_ud(struct ibv_send_wr *wr, struct ibv_ah *ah,
		uint32_t remote_qpn, uint32_t remote_qkey) {
	wr->wr.ud.ah = ah;
	wr->wr.ud.remote_qpn = remote_qpn;
	wr->wr.ud.remote_qkey = remote_qkey;
}

static void vgo_wr_set_atomic(struct ibv_send_wr *wr, uint64_t remote_addr,
		uint32_t rkey, uint64_t compare_add, uint64_t swap) {
	wr->wr.atomic.remote_addr = remote_addr;
	wr->wr.atomic.rkey = rkey;
	wr->wr.atomic.compare_add = compare_add;
	wr->wr.atomic.swap = swap;
}

static void vgo_wr_set_imm(struct ibv_send_wr *wr, uint32_t imm) {
	wr->imm_data = imm;
}

static uint32_t vgo_wc_imm(struct ibv_wc *wc) {
	return wc->imm_data;
}
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var defaultVerbs Verbs = &nativeVerbs{}

// nativeVerbs implements Verbs on top of libibverbs.
type nativeVerbs struct{}

func errnoOf(err error) Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}

func ctxPtr(h Handle) *C.struct_ibv_context {
	return (*C.struct_ibv_context)(unsafe.Pointer(uintptr(h))) //nolint:govet
}

func pdPtr(h Handle) *C.struct_ibv_pd {
	return (*C.struct_ibv_pd)(unsafe.Pointer(uintptr(h)))
}

func cqPtr(h Handle) *C.struct_ibv_cq {
	return (*C.struct_ibv_cq)(unsafe.Pointer(uintptr(h)))
}

func ccPtr(h Handle) *C.struct_ibv_comp_channel {
	return (*C.struct_ibv_comp_channel)(unsafe.Pointer(uintptr(h)))
}

func qpPtr(h Handle) *C.struct_ibv_qp {
	return (*C.struct_ibv_qp)(unsafe.Pointer(uintptr(h)))
}

func mrPtr(h Handle) *C.struct_ibv_mr {
	return (*C.struct_ibv_mr)(unsafe.Pointer(uintptr(h)))
}

func srqPtr(h Handle) *C.struct_ibv_srq {
	return (*C.struct_ibv_srq)(unsafe.Pointer(uintptr(h)))
}

func ahPtr(h Handle) *C.struct_ibv_ah {
	return (*C.struct_ibv_ah)(unsafe.Pointer(uintptr(h)))
}

func (v *nativeVerbs) GetDeviceList() ([]DeviceInfo, error) {
	var num C.int
	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		return nil, &NativeError{Op: "ibv_get_device_list", Errno: errnoOf(err)}
	}
	defer C.ibv_free_device_list(list)

	devs := unsafe.Slice(list, int(num))
	infos := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		infos = append(infos, DeviceInfo{
			Name:     C.GoString(C.ibv_get_device_name(dev)),
			GUID:     uint64(C.ibv_get_device_guid(dev)),
			NodeType: NodeType(dev.node_type),
		})
	}
	return infos, nil
}

func (v *nativeVerbs) OpenDevice(name string) (Handle, error) {
	var num C.int
	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		return 0, &NativeError{Op: "ibv_get_device_list", Errno: errnoOf(err)}
	}
	defer C.ibv_free_device_list(list)

	for _, dev := range unsafe.Slice(list, int(num)) {
		if C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}
		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, &NativeError{Op: "ibv_open_device", Errno: errnoOf(err)}
		}
		return Handle(uintptr(unsafe.Pointer(ctx))), nil
	}
	return 0, &NativeError{Op: "ibv_open_device", Errno: unix.ENODEV}
}

func (v *nativeVerbs) CloseDevice(ctx Handle) error {
	return errnoResult("ibv_close_device", Errno(C.ibv_close_device(ctxPtr(ctx))))
}

func (v *nativeVerbs) QueryPort(ctx Handle, port uint8) (PortAttr, error) {
	var attr C.struct_ibv_port_attr
	if rc := C.vgo_query_port(ctxPtr(ctx), C.uint8_t(port), &attr); rc != 0 {
		return PortAttr{}, &NativeError{Op: "ibv_query_port", Errno: Errno(rc)}
	}
	return PortAttr{
		State:        PortState(attr.state),
		ActiveMTU:    MTU(attr.active_mtu),
		MaxMTU:       MTU(attr.max_mtu),
		LID:          uint16(attr.lid),
		LinkLayer:    LinkLayer(attr.link_layer),
		GIDTableLen:  int(attr.gid_tbl_len),
		PKeyTableLen: int(attr.pkey_tbl_len),
	}, nil
}

func (v *nativeVerbs) QueryGID(ctx Handle, port uint8, index int) (GID, error) {
	var gid C.union_ibv_gid
	if rc := C.ibv_query_gid(ctxPtr(ctx), C.uint8_t(port), C.int(index), &gid); rc != 0 {
		return GID{}, &NativeError{Op: "ibv_query_gid", Errno: Errno(rc)}
	}
	var out GID
	copy(out[:], C.GoBytes(unsafe.Pointer(&gid), 16))
	return out, nil
}

func (v *nativeVerbs) AllocPD(ctx Handle) (Handle, error) {
	pd, err := C.ibv_alloc_pd(ctxPtr(ctx))
	if pd == nil {
		return 0, &NativeError{Op: "ibv_alloc_pd", Errno: errnoOf(err)}
	}
	return Handle(uintptr(unsafe.Pointer(pd))), nil
}

func (v *nativeVerbs) DeallocPD(pd Handle) error {
	return errnoResult("ibv_dealloc_pd", Errno(C.ibv_dealloc_pd(pdPtr(pd))))
}

func (v *nativeVerbs) RegMR(pd Handle, addr unsafe.Pointer, length int, access AccessFlags) (MRInfo, error) {
	mr, err := C.vgo_reg_mr(pdPtr(pd), addr, C.size_t(length), C.int(access))
	if mr == nil {
		return MRInfo{}, &NativeError{Op: "ibv_reg_mr", Errno: errnoOf(err)}
	}
	return MRInfo{
		Handle: Handle(uintptr(unsafe.Pointer(mr))),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}, nil
}

func (v *nativeVerbs) DeregMR(mr Handle) error {
	return errnoResult("ibv_dereg_mr", Errno(C.ibv_dereg_mr(mrPtr(mr))))
}

func (v *nativeVerbs) CreateCompChannel(ctx Handle) (CompChannelInfo, error) {
	cc, err := C.ibv_create_comp_channel(ctxPtr(ctx))
	if cc == nil {
		return CompChannelInfo{}, &NativeError{Op: "ibv_create_comp_channel", Errno: errnoOf(err)}
	}
	return CompChannelInfo{Handle: Handle(uintptr(unsafe.Pointer(cc))), FD: int(cc.fd)}, nil
}

func (v *nativeVerbs) DestroyCompChannel(cc Handle) error {
	return errnoResult("ibv_destroy_comp_channel", Errno(C.ibv_destroy_comp_channel(ccPtr(cc))))
}

func (v *nativeVerbs) CreateCQ(ctx Handle, cqe int, channel Handle) (Handle, error) {
	var cc *C.struct_ibv_comp_channel
	if channel != 0 {
		cc = ccPtr(channel)
	}
	cq, err := C.ibv_create_cq(ctxPtr(ctx), C.int(cqe), nil, cc, 0)
	if cq == nil {
		return 0, &NativeError{Op: "ibv_create_cq", Errno: errnoOf(err)}
	}
	return Handle(uintptr(unsafe.Pointer(cq))), nil
}

func (v *nativeVerbs) DestroyCQ(cq Handle) error {
	return errnoResult("ibv_destroy_cq", Errno(C.ibv_destroy_cq(cqPtr(cq))))
}

func (v *nativeVerbs) PollCQ(cq Handle, wc []WC) (int, error) {
	if len(wc) == 0 {
		return 0, nil
	}
	cwc := (*C.struct_ibv_wc)(C.calloc(C.size_t(len(wc)), C.sizeof_struct_ibv_wc))
	if cwc == nil {
		return 0, &NativeError{Op: "ibv_poll_cq", Errno: unix.ENOMEM}
	}
	defer C.free(unsafe.Pointer(cwc))

	n := C.ibv_poll_cq(cqPtr(cq), C.int(len(wc)), cwc)
	if n < 0 {
		return 0, &NativeError{Op: "ibv_poll_cq", Errno: Errno(-n)}
	}
	for i, entry := range unsafe.Slice(cwc, int(n)) {
		wc[i] = WC{
			WRID:    uint64(entry.wr_id),
			Status:  WCStatus(entry.status),
			Opcode:  WCOpcode(entry.opcode),
			ByteLen: uint32(entry.byte_len),
			ImmData: uint32(C.vgo_wc_imm(&entry)),
			QPNum:   uint32(entry.qp_num),
			SrcQP:   uint32(entry.src_qp),
			SLID:    uint16(entry.slid),
		}
	}
	return int(n), nil
}

func (v *nativeVerbs) ReqNotifyCQ(cq Handle, solicitedOnly bool) error {
	so := C.int(0)
	if solicitedOnly {
		so = 1
	}
	return errnoResult("ibv_req_notify_cq", Errno(C.ibv_req_notify_cq(cqPtr(cq), so)))
}

func (v *nativeVerbs) WaitCQEvent(cc Handle, timeoutMS int) (Handle, error) {
	fds := []unix.PollFd{{Fd: int32(ccPtr(cc).fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, &NativeError{Op: "poll", Errno: errnoOf(err)}
		}
		if n == 0 {
			return 0, ErrTimedOut
		}
		break
	}

	var cq *C.struct_ibv_cq
	var cqCtx unsafe.Pointer
	if rc := C.ibv_get_cq_event(ccPtr(cc), &cq, &cqCtx); rc != 0 {
		return 0, &NativeError{Op: "ibv_get_cq_event", Errno: unix.EIO}
	}
	return Handle(uintptr(unsafe.Pointer(cq))), nil
}

func (v *nativeVerbs) AckCQEvents(cq Handle, n uint32) {
	C.ibv_ack_cq_events(cqPtr(cq), C.uint(n))
}

func (v *nativeVerbs) CreateSRQ(pd Handle, attr SRQAttr) (Handle, error) {
	var init C.struct_ibv_srq_init_attr
	init.attr.max_wr = C.uint32_t(attr.MaxWR)
	init.attr.max_sge = C.uint32_t(attr.MaxSGE)
	init.attr.srq_limit = C.uint32_t(attr.SRQLimit)

	srq, err := C.ibv_create_srq(pdPtr(pd), &init)
	if srq == nil {
		return 0, &NativeError{Op: "ibv_create_srq", Errno: errnoOf(err)}
	}
	return Handle(uintptr(unsafe.Pointer(srq))), nil
}

func (v *nativeVerbs) DestroySRQ(srq Handle) error {
	return errnoResult("ibv_destroy_srq", Errno(C.ibv_destroy_srq(srqPtr(srq))))
}

func (v *nativeVerbs) PostSRQRecv(srq Handle, wrs []RecvWR) error {
	cwrs, free, err := buildRecvWRs(wrs)
	if err != nil {
		return err
	}
	defer free()

	var bad *C.struct_ibv_recv_wr
	rc := C.ibv_post_srq_recv(srqPtr(srq), cwrs, &bad)
	return errnoResult("ibv_post_srq_recv", Errno(rc))
}

func (v *nativeVerbs) CreateAH(pd Handle, attr AHAttr) (Handle, error) {
	cattr := toCAHAttr(attr)
	ah, err := C.ibv_create_ah(pdPtr(pd), &cattr)
	if ah == nil {
		return 0, &NativeError{Op: "ibv_create_ah", Errno: errnoOf(err)}
	}
	return Handle(uintptr(unsafe.Pointer(ah))), nil
}

func (v *nativeVerbs) DestroyAH(ah Handle) error {
	return errnoResult("ibv_destroy_ah", Errno(C.ibv_destroy_ah(ahPtr(ah))))
}

func toCAHAttr(attr AHAttr) C.struct_ibv_ah_attr {
	var cattr C.struct_ibv_ah_attr
	cattr.dlid = C.uint16_t(attr.DLID)
	cattr.sl = C.uint8_t(attr.SL)
	cattr.src_path_bits = C.uint8_t(attr.SrcPathBits)
	cattr.static_rate = C.uint8_t(attr.StaticRate)
	cattr.port_num = C.uint8_t(attr.PortNum)
	if attr.IsGlobal {
		cattr.is_global = 1
		C.memcpy(unsafe.Pointer(&cattr.grh.dgid), unsafe.Pointer(&attr.GRH.DGID[0]), 16)
		cattr.grh.flow_label = C.uint32_t(attr.GRH.FlowLabel)
		cattr.grh.sgid_index = C.uint8_t(attr.GRH.SGIDIndex)
		cattr.grh.hop_limit = C.uint8_t(attr.GRH.HopLimit)
		cattr.grh.traffic_class = C.uint8_t(attr.GRH.TrafficClass)
	}
	return cattr
}

func (v *nativeVerbs) CreateQP(pd Handle, attr QPInitAttr) (QPInfo, error) {
	var init C.struct_ibv_qp_init_attr
	init.send_cq = cqPtr(attr.SendCQ)
	init.recv_cq = cqPtr(attr.RecvCQ)
	if attr.SRQ != 0 {
		init.srq = srqPtr(attr.SRQ)
	}
	init.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	init.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
	init.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSGE)
	init.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSGE)
	init.cap.max_inline_data = C.uint32_t(attr.Cap.MaxInlineData)
	init.qp_type = uint32(attr.QPType)
	if attr.SQSigAll {
		init.sq_sig_all = 1
	}

	qp, err := C.ibv_create_qp(pdPtr(pd), &init)
	if qp == nil {
		return QPInfo{}, &NativeError{Op: "ibv_create_qp", Errno: errnoOf(err)}
	}
	return QPInfo{Handle: Handle(uintptr(unsafe.Pointer(qp))), QPNum: uint32(qp.qp_num)}, nil
}

func toCQPAttr(attr *QPAttr) C.struct_ibv_qp_attr {
	var cattr C.struct_ibv_qp_attr
	cattr.qp_state = uint32(attr.State)
	cattr.path_mtu = uint32(attr.PathMTU)
	cattr.qkey = C.uint32_t(attr.QKey)
	cattr.rq_psn = C.uint32_t(attr.RQPSN)
	cattr.sq_psn = C.uint32_t(attr.SQPSN)
	cattr.dest_qp_num = C.uint32_t(attr.DestQPNum)
	cattr.qp_access_flags = C.uint(attr.AccessFlags)
	cattr.pkey_index = C.uint16_t(attr.PKeyIndex)
	cattr.port_num = C.uint8_t(attr.PortNum)
	cattr.timeout = C.uint8_t(attr.Timeout)
	cattr.retry_cnt = C.uint8_t(attr.RetryCnt)
	cattr.rnr_retry = C.uint8_t(attr.RNRRetry)
	cattr.min_rnr_timer = C.uint8_t(attr.MinRNRTimer)
	cattr.max_rd_atomic = C.uint8_t(attr.MaxRDAtomic)
	cattr.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRDAtomic)
	cattr.ah_attr = toCAHAttr(attr.AH)
	cattr.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	cattr.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
	cattr.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSGE)
	cattr.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSGE)
	cattr.cap.max_inline_data = C.uint32_t(attr.Cap.MaxInlineData)
	return cattr
}

func (v *nativeVerbs) ModifyQP(qp Handle, attr *QPAttr, mask QPAttrMask) error {
	cattr := toCQPAttr(attr)
	rc := C.ibv_modify_qp(qpPtr(qp), &cattr, C.int(mask))
	return errnoResult("ibv_modify_qp", Errno(rc))
}

func (v *nativeVerbs) QueryQP(qp Handle, mask QPAttrMask) (QPAttr, QPInitAttr, error) {
	var cattr C.struct_ibv_qp_attr
	var cinit C.struct_ibv_qp_init_attr
	if rc := C.ibv_query_qp(qpPtr(qp), &cattr, C.int(mask), &cinit); rc != 0 {
		return QPAttr{}, QPInitAttr{}, &NativeError{Op: "ibv_query_qp", Errno: Errno(rc)}
	}
	attr := QPAttr{
		State:           QPState(cattr.qp_state),
		PathMTU:         MTU(cattr.path_mtu),
		QKey:            uint32(cattr.qkey),
		RQPSN:           uint32(cattr.rq_psn),
		SQPSN:           uint32(cattr.sq_psn),
		DestQPNum:       uint32(cattr.dest_qp_num),
		AccessFlags:     AccessFlags(cattr.qp_access_flags),
		PKeyIndex:       uint16(cattr.pkey_index),
		PortNum:         uint8(cattr.port_num),
		Timeout:         uint8(cattr.timeout),
		RetryCnt:        uint8(cattr.retry_cnt),
		RNRRetry:        uint8(cattr.rnr_retry),
		MinRNRTimer:     uint8(cattr.min_rnr_timer),
		MaxRDAtomic:     uint8(cattr.max_rd_atomic),
		MaxDestRDAtomic: uint8(cattr.max_dest_rd_atomic),
	}
	attr.Cap = QPCap{
		MaxSendWR:     uint32(cattr.cap.max_send_wr),
		MaxRecvWR:     uint32(cattr.cap.max_recv_wr),
		MaxSendSGE:    uint32(cattr.cap.max_send_sge),
		MaxRecvSGE:    uint32(cattr.cap.max_recv_sge),
		MaxInlineData: uint32(cattr.cap.max_inline_data),
	}
	init := QPInitAttr{
		QPType:   QPType(cinit.qp_type),
		SQSigAll: cinit.sq_sig_all != 0,
	}
	return attr, init, nil
}

func (v *nativeVerbs) DestroyQP(qp Handle) error {
	return errnoResult("ibv_destroy_qp", Errno(C.ibv_destroy_qp(qpPtr(qp))))
}

// buildSendWRs copies the request chain into C memory so no Go pointers are
// visible to the driver during the post call.
func buildSendWRs(wrs []SendWR) (*C.struct_ibv_send_wr, func(), error) {
	total := 0
	for _, wr := range wrs {
		total += len(wr.SGList)
	}
	cwrs := (*C.struct_ibv_send_wr)(C.calloc(C.size_t(len(wrs)), C.sizeof_struct_ibv_send_wr))
	csges := (*C.struct_ibv_sge)(C.calloc(C.size_t(total+1), C.sizeof_struct_ibv_sge))
	if cwrs == nil || csges == nil {
		C.free(unsafe.Pointer(cwrs))
		C.free(unsafe.Pointer(csges))
		return nil, nil, &NativeError{Op: "ibv_post_send", Errno: unix.ENOMEM}
	}
	free := func() {
		C.free(unsafe.Pointer(cwrs))
		C.free(unsafe.Pointer(csges))
	}

	wrSlice := unsafe.Slice(cwrs, len(wrs))
	sgeSlice := unsafe.Slice(csges, total+1)
	sgeIdx := 0
	for i, wr := range wrs {
		cw := &wrSlice[i]
		cw.wr_id = C.uint64_t(wr.WRID)
		cw.opcode = uint32(wr.Opcode)
		cw.send_flags = C.uint(wr.Flags)
		if len(wr.SGList) > 0 {
			cw.sg_list = &sgeSlice[sgeIdx]
			cw.num_sge = C.int(len(wr.SGList))
			for _, sge := range wr.SGList {
				sgeSlice[sgeIdx] = C.struct_ibv_sge{
					addr:   C.uint64_t(sge.Addr),
					length: C.uint32_t(sge.Length),
					lkey:   C.uint32_t(sge.LKey),
				}
				sgeIdx++
			}
		}
		switch wr.Opcode {
		case WRRDMAWrite, WRRDMAWriteWithImm, WRRDMARead:
			C.vgo_wr_set_rdma(cw, C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey))
		case WRAtomicCmpAndSwp, WRAtomicFetchAndAdd:
			C.vgo_wr_set_atomic(cw, C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey),
				C.uint64_t(wr.CompareAdd), C.uint64_t(wr.Swap))
		}
		if wr.UD != nil {
			C.vgo_wr_set_ud(cw, ahPtr(wr.UD.AH), C.uint32_t(wr.UD.RemoteQPN), C.uint32_t(wr.UD.RemoteQKey))
		}
		if wr.Opcode == WRSendWithImm || wr.Opcode == WRRDMAWriteWithImm {
			C.vgo_wr_set_imm(cw, C.uint32_t(wr.ImmData))
		}
		if i+1 < len(wrs) {
			cw.next = &wrSlice[i+1]
		}
	}
	return cwrs, free, nil
}

func buildRecvWRs(wrs []RecvWR) (*C.struct_ibv_recv_wr, func(), error) {
	total := 0
	for _, wr := range wrs {
		total += len(wr.SGList)
	}
	cwrs := (*C.struct_ibv_recv_wr)(C.calloc(C.size_t(len(wrs)), C.sizeof_struct_ibv_recv_wr))
	csges := (*C.struct_ibv_sge)(C.calloc(C.size_t(total+1), C.sizeof_struct_ibv_sge))
	if cwrs == nil || csges == nil {
		C.free(unsafe.Pointer(cwrs))
		C.free(unsafe.Pointer(csges))
		return nil, nil, &NativeError{Op: "ibv_post_recv", Errno: unix.ENOMEM}
	}
	free := func() {
		C.free(unsafe.Pointer(cwrs))
		C.free(unsafe.Pointer(csges))
	}

	wrSlice := unsafe.Slice(cwrs, len(wrs))
	sgeSlice := unsafe.Slice(csges, total+1)
	sgeIdx := 0
	for i, wr := range wrs {
		cw := &wrSlice[i]
		cw.wr_id = C.uint64_t(wr.WRID)
		if len(wr.SGList) > 0 {
			cw.sg_list = &sgeSlice[sgeIdx]
			cw.num_sge = C.int(len(wr.SGList))
			for _, sge := range wr.SGList {
				sgeSlice[sgeIdx] = C.struct_ibv_sge{
					addr:   C.uint64_t(sge.Addr),
					length: C.uint32_t(sge.Length),
					lkey:   C.uint32_t(sge.LKey),
				}
				sgeIdx++
			}
		}
		if i+1 < len(wrs) {
			cw.next = &wrSlice[i+1]
		}
	}
	return cwrs, free, nil
}

func (v *nativeVerbs) PostSend(qp Handle, wrs []SendWR) error {
	if len(wrs) == 0 {
		return nil
	}
	cwrs, free, err := buildSendWRs(wrs)
	if err != nil {
		return err
	}
	defer free()

	var bad *C.struct_ibv_send_wr
	rc := C.ibv_post_send(qpPtr(qp), cwrs, &bad)
	return errnoResult("ibv_post_send", Errno(rc))
}

func (v *nativeVerbs) PostRecv(qp Handle, wrs []RecvWR) error {
	if len(wrs) == 0 {
		return nil
	}
	cwrs, free, err := buildRecvWRs(wrs)
	if err != nil {
		return err
	}
	defer free()

	var bad *C.struct_ibv_recv_wr
	rc := C.ibv_post_recv(qpPtr(qp), cwrs, &bad)
	return errnoResult("ibv_post_recv", Errno(rc))
}
