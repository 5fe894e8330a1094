// Package nverbstest provides an in-process fake of the native verb surface
// for tests. It records every native call in order, enforces the driver's
// child-before-parent destroy rule with EBUSY, and delivers loopback
// traffic between queue pairs created on the same Fake, so two-sided
// exchanges run without hardware.
package nverbstest

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
)

// Call records one native invocation against the handle it targeted.
type Call struct {
	Op     string
	Handle nverbs.Handle
}

// Fake implements nverbs.Verbs entirely in memory.
type Fake struct {
	mu    sync.Mutex
	calls []Call
	next  nverbs.Handle

	failOps map[string]nverbs.Errno

	devices  []nverbs.DeviceInfo
	contexts map[nverbs.Handle]*fakeContext
	pds      map[nverbs.Handle]*fakePD
	mrs      map[nverbs.Handle]*fakeMR
	channels map[nverbs.Handle]*fakeChannel
	cqs      map[nverbs.Handle]*fakeCQ
	srqs     map[nverbs.Handle]*fakeSRQ
	ahs      map[nverbs.Handle]*fakeAH
	qps      map[nverbs.Handle]*fakeQP
	qpByNum  map[uint32]*fakeQP
	qpNumSeq uint32
	keySeq   uint32
}

type fakeContext struct {
	h        nverbs.Handle
	dev      nverbs.DeviceInfo
	lid      uint16
	children int
}

type fakePD struct {
	h        nverbs.Handle
	ctx      *fakeContext
	children int
}

type fakeMR struct {
	h      nverbs.Handle
	pd     *fakePD
	addr   uintptr
	length int
	lkey   uint32
	rkey   uint32
	access nverbs.AccessFlags
}

type fakeChannel struct {
	h        nverbs.Handle
	ctx      *fakeContext
	events   chan nverbs.Handle
	children int
}

type fakeCQ struct {
	h        nverbs.Handle
	ctx      *fakeContext
	channel  *fakeChannel
	cqe      int
	queue    []nverbs.WC
	armed    bool
	children int
}

type fakeSRQ struct {
	h        nverbs.Handle
	pd       *fakePD
	recvs    []nverbs.RecvWR
	children int
}

type fakeAH struct {
	h  nverbs.Handle
	pd *fakePD
}

type fakeQP struct {
	h         nverbs.Handle
	pd        *fakePD
	sendCQ    *fakeCQ
	recvCQ    *fakeCQ
	srq       *fakeSRQ
	init      nverbs.QPInitAttr
	num       uint32
	state     nverbs.QPState
	remoteQPN uint32
	recvs     []nverbs.RecvWR
}

// New returns a Fake exposing a single adapter named fake0.
func New() *Fake {
	return NewWithDevices(nverbs.DeviceInfo{
		Name:     "fake0",
		GUID:     0x0002c90300fa0001,
		NodeType: nverbs.NodeCA,
	})
}

// NewWithDevices returns a Fake exposing the given adapters. Queue pairs on
// all of them share one loopback fabric.
func NewWithDevices(devs ...nverbs.DeviceInfo) *Fake {
	return &Fake{
		next:     0x1000,
		failOps:  make(map[string]nverbs.Errno),
		devices:  devs,
		contexts: make(map[nverbs.Handle]*fakeContext),
		pds:      make(map[nverbs.Handle]*fakePD),
		mrs:      make(map[nverbs.Handle]*fakeMR),
		channels: make(map[nverbs.Handle]*fakeChannel),
		cqs:      make(map[nverbs.Handle]*fakeCQ),
		srqs:     make(map[nverbs.Handle]*fakeSRQ),
		ahs:      make(map[nverbs.Handle]*fakeAH),
		qps:      make(map[nverbs.Handle]*fakeQP),
		qpByNum:  make(map[uint32]*fakeQP),
	}
}

var _ nverbs.Verbs = (*Fake)(nil)

// FailOp makes every subsequent invocation of the named native op fail with
// errno until ClearFail.
func (f *Fake) FailOp(op string, errno nverbs.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = errno
}

// ClearFail removes an injected failure.
func (f *Fake) ClearFail(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failOps, op)
}

// Calls returns a copy of the recorded native call log in invocation order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many times the named op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *Fake) record(op string, h nverbs.Handle) {
	f.calls = append(f.calls, Call{Op: op, Handle: h})
}

func (f *Fake) checkFail(op string) error {
	if errno, ok := f.failOps[op]; ok {
		return &nverbs.NativeError{Op: op, Errno: errno}
	}
	return nil
}

func (f *Fake) handle() nverbs.Handle {
	f.next++
	return f.next
}

func fail(op string, errno nverbs.Errno) error {
	return &nverbs.NativeError{Op: op, Errno: errno}
}

func (f *Fake) GetDeviceList() ([]nverbs.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get_device_list", 0)
	if err := f.checkFail("get_device_list"); err != nil {
		return nil, err
	}
	return append([]nverbs.DeviceInfo(nil), f.devices...), nil
}

func (f *Fake) OpenDevice(name string) (nverbs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open_device", 0)
	if err := f.checkFail("open_device"); err != nil {
		return 0, err
	}
	for i, dev := range f.devices {
		if dev.Name == name {
			h := f.handle()
			f.contexts[h] = &fakeContext{h: h, dev: dev, lid: uint16(i + 1)}
			return h, nil
		}
	}
	return 0, fail("ibv_open_device", nverbs.ErrnoNoDev)
}

func (f *Fake) CloseDevice(ctx nverbs.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close_device", ctx)
	if err := f.checkFail("close_device"); err != nil {
		return err
	}
	c, ok := f.contexts[ctx]
	if !ok {
		return fail("ibv_close_device", nverbs.ErrnoInval)
	}
	if c.children > 0 {
		return fail("ibv_close_device", nverbs.ErrnoBusy)
	}
	delete(f.contexts, ctx)
	return nil
}

func (f *Fake) QueryPort(ctx nverbs.Handle, port uint8) (nverbs.PortAttr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query_port", ctx)
	if err := f.checkFail("query_port"); err != nil {
		return nverbs.PortAttr{}, err
	}
	c, ok := f.contexts[ctx]
	if !ok || port == 0 {
		return nverbs.PortAttr{}, fail("ibv_query_port", nverbs.ErrnoInval)
	}
	return nverbs.PortAttr{
		State:        nverbs.PortActive,
		ActiveMTU:    nverbs.MTU1024,
		MaxMTU:       nverbs.MTU4096,
		LID:          c.lid,
		LinkLayer:    nverbs.LinkLayerInfiniband,
		GIDTableLen:  1,
		PKeyTableLen: 1,
	}, nil
}

func (f *Fake) QueryGID(ctx nverbs.Handle, port uint8, index int) (nverbs.GID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query_gid", ctx)
	if err := f.checkFail("query_gid"); err != nil {
		return nverbs.GID{}, err
	}
	c, ok := f.contexts[ctx]
	if !ok || index < 0 {
		return nverbs.GID{}, fail("ibv_query_gid", nverbs.ErrnoInval)
	}
	var gid nverbs.GID
	gid[0] = 0xfe
	gid[1] = 0x80
	gid[14] = byte(c.lid >> 8)
	gid[15] = byte(c.lid)
	return gid, nil
}

func (f *Fake) AllocPD(ctx nverbs.Handle) (nverbs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("alloc_pd", ctx)
	if err := f.checkFail("alloc_pd"); err != nil {
		return 0, err
	}
	c, ok := f.contexts[ctx]
	if !ok {
		return 0, fail("ibv_alloc_pd", nverbs.ErrnoInval)
	}
	h := f.handle()
	f.pds[h] = &fakePD{h: h, ctx: c}
	c.children++
	return h, nil
}

func (f *Fake) DeallocPD(pd nverbs.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("dealloc_pd", pd)
	if err := f.checkFail("dealloc_pd"); err != nil {
		return err
	}
	p, ok := f.pds[pd]
	if !ok {
		return fail("ibv_dealloc_pd", nverbs.ErrnoInval)
	}
	if p.children > 0 {
		return fail("ibv_dealloc_pd", nverbs.ErrnoBusy)
	}
	delete(f.pds, pd)
	p.ctx.children--
	return nil
}

func (f *Fake) RegMR(pd nverbs.Handle, addr unsafe.Pointer, length int, access nverbs.AccessFlags) (nverbs.MRInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reg_mr", pd)
	if err := f.checkFail("reg_mr"); err != nil {
		return nverbs.MRInfo{}, err
	}
	p, ok := f.pds[pd]
	if !ok || length <= 0 {
		return nverbs.MRInfo{}, fail("ibv_reg_mr", nverbs.ErrnoInval)
	}
	h := f.handle()
	f.keySeq++
	mr := &fakeMR{
		h:      h,
		pd:     p,
		addr:   uintptr(addr),
		length: length,
		lkey:   f.keySeq<<8 | 0x11,
		rkey:   f.keySeq<<8 | 0x22,
		access: access,
	}
	f.mrs[h] = mr
	p.children++
	return nverbs.MRInfo{Handle: h, LKey: mr.lkey, RKey: mr.rkey}, nil
}

func (f *Fake) DeregMR(mr nverbs.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("dereg_mr", mr)
	if err := f.checkFail("dereg_mr"); err != nil {
		return err
	}
	m, ok := f.mrs[mr]
	if !ok {
		return fail("ibv_dereg_mr", nverbs.ErrnoInval)
	}
	delete(f.mrs, mr)
	m.pd.children--
	return nil
}

func (f *Fake) CreateCompChannel(ctx nverbs.Handle) (nverbs.CompChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_comp_channel", ctx)
	if err := f.checkFail("create_comp_channel"); err != nil {
		return nverbs.CompChannelInfo{}, err
	}
	c, ok := f.contexts[ctx]
	if !ok {
		return nverbs.CompChannelInfo{}, fail("ibv_create_comp_channel", nverbs.ErrnoInval)
	}
	h := f.handle()
	f.channels[h] = &fakeChannel{h: h, ctx: c, events: make(chan nverbs.Handle, 128)}
	c.children++
	return nverbs.CompChannelInfo{Handle: h, FD: int(h)}, nil
}

func (f *Fake) DestroyCompChannel(cc nverbs.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy_comp_channel", cc)
	if err := f.checkFail("destroy_comp_channel"); err != nil {
		return err
	}
	ch, ok := f.channels[cc]
	if !ok {
		return fail("ibv_destroy_comp_channel", nverbs.ErrnoInval)
	}
	if ch.children > 0 {
		return fail("ibv_destroy_comp_channel", nverbs.ErrnoBusy)
	}
	delete(f.channels, cc)
	ch.ctx.children--
	return nil
}

func (f *Fake) CreateCQ(ctx nverbs.Handle, cqe int, channel nverbs.Handle) (nverbs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_cq", ctx)
	if err := f.checkFail("create_cq"); err != nil {
		return 0, err
	}
	c, ok := f.contexts[ctx]
	if !ok || cqe <= 0 {
		return 0, fail("ibv_create_cq", nverbs.ErrnoInval)
	}
	var ch *fakeChannel
	if channel != 0 {
		ch, ok = f.channels[channel]
		if !ok {
			return 0, fail("ibv_create_cq", nverbs.ErrnoInval)
		}
	}
	h := f.handle()
	f.cqs[h] = &fakeCQ{h: h, ctx: c, channel: ch, cqe: cqe}
	c.children++
	if ch != nil {
		ch.children++
	}
	return h, nil
}

func (f *Fake) DestroyCQ(cq nverbs.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy_cq", cq)
	if err := f.checkFail("destroy_cq"); err != nil {
		return err
	}
	q, ok := f.cqs[cq]
	if !ok {
		return fail("ibv_destroy_cq", nverbs.ErrnoInval)
	}
	if q.children > 0 {
		return fail("ibv_destroy_cq", nverbs.ErrnoBusy)
	}
	delete(f.cqs, cq)
	q.ctx.children--
	if q.channel != nil {
		q.channel.children--
	}
	return nil
}

func (f *Fake) PollCQ(cq nverbs.Handle, wc []nverbs.WC) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("poll_cq", cq)
	if err := f.checkFail("poll_cq"); err != nil {
		return 0, err
	}
	q, ok := f.cqs[cq]
	if !ok {
		return 0, fail("ibv_poll_cq", nverbs.ErrnoInval)
	}
	n := copy(wc, q.queue)
	q.queue = q.queue[n:]
	return n, nil
}

func (f *Fake) ReqNotifyCQ(cq nverbs.Handle, solicitedOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("req_notify_cq", cq)
	if err := f.checkFail("req_notify_cq"); err != nil {
		return err
	}
	q, ok := f.cqs[cq]
	if !ok {
		return fail("ibv_req_notify_cq", nverbs.ErrnoInval)
	}
	q.armed = true
	// Completions that landed before arming still count once armed; real
	// hardware does not do this, but callers are required to re-poll after
	// arming anyway, and the event keeps channel-driven tests prompt.
	if len(q.queue) > 0 {
		f.notifyLocked(q)
	}
	return nil
}

func (f *Fake) WaitCQEvent(cc nverbs.Handle, timeoutMS int) (nverbs.Handle, error) {
	f.mu.Lock()
	f.record("wait_cq_event", cc)
	if err := f.checkFail("wait_cq_event"); err != nil {
		f.mu.Unlock()
		return 0, err
	}
	ch, ok := f.channels[cc]
	f.mu.Unlock()
	if !ok {
		return 0, fail("ibv_get_cq_event", nverbs.ErrnoInval)
	}
	if timeoutMS < 0 {
		return <-ch.events, nil
	}
	select {
	case h := <-ch.events:
		return h, nil
	case <-time.After(time.Duration(timeoutMS) * time.Millisecond):
		return 0, nverbs.ErrTimedOut
	}
}

func (f *Fake) AckCQEvents(cq nverbs.Handle, n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ack_cq_events", cq)
}

func (f *Fake) CreateSRQ(pd nverbs.Handle, attr nverbs.SRQAttr) (nverbs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_srq", pd)
	if err := f.checkFail("create_srq"); err != nil {
		return 0, err
	}
	p, ok := f.pds[pd]
	if !ok || attr.MaxWR == 0 {
		return 0, fail("ibv_create_srq", nverbs.ErrnoInval)
	}
	h := f.handle()
	f.srqs[h] = &fakeSRQ{h: h, pd: p}
	p.children++
	return h, nil
}

func (f *Fake) DestroySRQ(srq nverbs.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy_srq", srq)
	if err := f.checkFail("destroy_srq"); err != nil {
		return err
	}
	s, ok := f.srqs[srq]
	if !ok {
		return fail("ibv_destroy_srq", nverbs.ErrnoInval)
	}
	if s.children > 0 {
		return fail("ibv_destroy_srq", nverbs.ErrnoBusy)
	}
	delete(f.srqs, srq)
	s.pd.children--
	return nil
}

func (f *Fake) PostSRQRecv(srq nverbs.Handle, wrs []nverbs.RecvWR) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("post_srq_recv", srq)
	if err := f.checkFail("post_srq_recv"); err != nil {
		return err
	}
	s, ok := f.srqs[srq]
	if !ok {
		return fail("ibv_post_srq_recv", nverbs.ErrnoInval)
	}
	s.recvs = append(s.recvs, wrs...)
	return nil
}

func (f *Fake) CreateAH(pd nverbs.Handle, attr nverbs.AHAttr) (nverbs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_ah", pd)
	if err := f.checkFail("create_ah"); err != nil {
		return 0, err
	}
	p, ok := f.pds[pd]
	if !ok || attr.PortNum == 0 {
		return 0, fail("ibv_create_ah", nverbs.ErrnoInval)
	}
	h := f.handle()
	f.ahs[h] = &fakeAH{h: h, pd: p}
	p.children++
	return h, nil
}

func (f *Fake) DestroyAH(ah nverbs.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy_ah", ah)
	if err := f.checkFail("destroy_ah"); err != nil {
		return err
	}
	a, ok := f.ahs[ah]
	if !ok {
		return fail("ibv_destroy_ah", nverbs.ErrnoInval)
	}
	delete(f.ahs, ah)
	a.pd.children--
	return nil
}

func (f *Fake) CreateQP(pd nverbs.Handle, attr nverbs.QPInitAttr) (nverbs.QPInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_qp", pd)
	if err := f.checkFail("create_qp"); err != nil {
		return nverbs.QPInfo{}, err
	}
	p, ok := f.pds[pd]
	if !ok {
		return nverbs.QPInfo{}, fail("ibv_create_qp", nverbs.ErrnoInval)
	}
	sendCQ, ok := f.cqs[attr.SendCQ]
	if !ok {
		return nverbs.QPInfo{}, fail("ibv_create_qp", nverbs.ErrnoInval)
	}
	recvCQ, ok := f.cqs[attr.RecvCQ]
	if !ok {
		return nverbs.QPInfo{}, fail("ibv_create_qp", nverbs.ErrnoInval)
	}
	var srq *fakeSRQ
	if attr.SRQ != 0 {
		srq, ok = f.srqs[attr.SRQ]
		if !ok {
			return nverbs.QPInfo{}, fail("ibv_create_qp", nverbs.ErrnoInval)
		}
	}
	h := f.handle()
	f.qpNumSeq++
	qp := &fakeQP{
		h:      h,
		pd:     p,
		sendCQ: sendCQ,
		recvCQ: recvCQ,
		srq:    srq,
		init:   attr,
		num:    f.qpNumSeq,
		state:  nverbs.QPStateReset,
	}
	f.qps[h] = qp
	f.qpByNum[qp.num] = qp
	p.children++
	sendCQ.children++
	recvCQ.children++
	if srq != nil {
		srq.children++
	}
	return nverbs.QPInfo{Handle: h, QPNum: qp.num}, nil
}

func (f *Fake) ModifyQP(qp nverbs.Handle, attr *nverbs.QPAttr, mask nverbs.QPAttrMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("modify_qp", qp)
	if err := f.checkFail("modify_qp"); err != nil {
		return err
	}
	q, ok := f.qps[qp]
	if !ok || mask&nverbs.QPAttrState == 0 {
		return fail("ibv_modify_qp", nverbs.ErrnoInval)
	}
	if mask&nverbs.QPAttrDestQPN != 0 {
		q.remoteQPN = attr.DestQPNum
	}
	switch attr.State {
	case nverbs.QPStateErr:
		f.flushLocked(q)
	case nverbs.QPStateReset:
		q.recvs = nil
		q.remoteQPN = 0
	}
	q.state = attr.State
	return nil
}

func (f *Fake) QueryQP(qp nverbs.Handle, mask nverbs.QPAttrMask) (nverbs.QPAttr, nverbs.QPInitAttr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query_qp", qp)
	if err := f.checkFail("query_qp"); err != nil {
		return nverbs.QPAttr{}, nverbs.QPInitAttr{}, err
	}
	q, ok := f.qps[qp]
	if !ok {
		return nverbs.QPAttr{}, nverbs.QPInitAttr{}, fail("ibv_query_qp", nverbs.ErrnoInval)
	}
	return nverbs.QPAttr{
		State:     q.state,
		Cap:       q.init.Cap,
		DestQPNum: q.remoteQPN,
	}, q.init, nil
}

func (f *Fake) DestroyQP(qp nverbs.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy_qp", qp)
	if err := f.checkFail("destroy_qp"); err != nil {
		return err
	}
	q, ok := f.qps[qp]
	if !ok {
		return fail("ibv_destroy_qp", nverbs.ErrnoInval)
	}
	delete(f.qps, qp)
	delete(f.qpByNum, q.num)
	q.pd.children--
	q.sendCQ.children--
	q.recvCQ.children--
	if q.srq != nil {
		q.srq.children--
	}
	return nil
}

func (f *Fake) PostSend(qp nverbs.Handle, wrs []nverbs.SendWR) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("post_send", qp)
	if err := f.checkFail("post_send"); err != nil {
		return err
	}
	q, ok := f.qps[qp]
	if !ok {
		return fail("ibv_post_send", nverbs.ErrnoInval)
	}
	if q.state != nverbs.QPStateRTS {
		return fail("ibv_post_send", nverbs.ErrnoInval)
	}
	for _, wr := range wrs {
		f.executeSendLocked(q, wr)
	}
	return nil
}

func (f *Fake) PostRecv(qp nverbs.Handle, wrs []nverbs.RecvWR) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("post_recv", qp)
	if err := f.checkFail("post_recv"); err != nil {
		return err
	}
	q, ok := f.qps[qp]
	if !ok {
		return fail("ibv_post_recv", nverbs.ErrnoInval)
	}
	if q.srq != nil {
		return fail("ibv_post_recv", nverbs.ErrnoInval)
	}
	q.recvs = append(q.recvs, wrs...)
	return nil
}

// executeSendLocked resolves one send work request immediately: loopback
// copy into the destination's pending receive, then completions on both
// completion queues. Real hardware is asynchronous; collapsing the timeline
// preserves per-queue ordering, which is all the layer above relies on.
func (f *Fake) executeSendLocked(q *fakeQP, wr nverbs.SendWR) {
	switch wr.Opcode {
	case nverbs.WRSend, nverbs.WRSendWithImm:
		f.deliverLocked(q, wr)
	case nverbs.WRRDMAWrite, nverbs.WRRDMAWriteWithImm:
		var n uint32
		if len(wr.SGList) > 0 {
			sge := wr.SGList[0]
			src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(sge.Addr))), int(sge.Length))
			dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(wr.RemoteAddr))), int(sge.Length))
			n = uint32(copy(dst, src))
		}
		f.completeLocked(q.sendCQ, nverbs.WC{
			WRID: wr.WRID, Status: nverbs.WCSuccess,
			Opcode: nverbs.WCRDMAWrite, ByteLen: n, QPNum: q.num,
		})
		if wr.Opcode == nverbs.WRRDMAWriteWithImm {
			f.consumeRecvLocked(f.qpByNum[q.remoteQPN], nil, wr.ImmData, nverbs.WCRecvRDMAWithImm)
		}
	case nverbs.WRRDMARead:
		var n uint32
		if len(wr.SGList) > 0 {
			sge := wr.SGList[0]
			src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(wr.RemoteAddr))), int(sge.Length))
			dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(sge.Addr))), int(sge.Length))
			n = uint32(copy(dst, src))
		}
		f.completeLocked(q.sendCQ, nverbs.WC{
			WRID: wr.WRID, Status: nverbs.WCSuccess,
			Opcode: nverbs.WCRDMARead, ByteLen: n, QPNum: q.num,
		})
	case nverbs.WRAtomicCmpAndSwp, nverbs.WRAtomicFetchAndAdd:
		f.executeAtomicLocked(q, wr)
	default:
		f.completeLocked(q.sendCQ, nverbs.WC{
			WRID: wr.WRID, Status: nverbs.WCLocalProtectionErr, QPNum: q.num,
		})
	}
}

func (f *Fake) executeAtomicLocked(q *fakeQP, wr nverbs.SendWR) {
	target := (*uint64)(unsafe.Pointer(uintptr(wr.RemoteAddr)))
	old := *target
	switch wr.Opcode {
	case nverbs.WRAtomicCmpAndSwp:
		if old == wr.CompareAdd {
			*target = wr.Swap
		}
	case nverbs.WRAtomicFetchAndAdd:
		*target = old + wr.CompareAdd
	}
	if len(wr.SGList) > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(wr.SGList[0].Addr))), 8)
		for i := 0; i < 8; i++ {
			dst[i] = byte(old >> (8 * i))
		}
	}
	op := nverbs.WCCompSwap
	if wr.Opcode == nverbs.WRAtomicFetchAndAdd {
		op = nverbs.WCFetchAdd
	}
	f.completeLocked(q.sendCQ, nverbs.WC{
		WRID: wr.WRID, Status: nverbs.WCSuccess, Opcode: op, ByteLen: 8, QPNum: q.num,
	})
}

func (f *Fake) deliverLocked(q *fakeQP, wr nverbs.SendWR) {
	destNum := q.remoteQPN
	if q.init.QPType == nverbs.QPTypeUD && wr.UD != nil {
		destNum = wr.UD.RemoteQPN
	}
	dest := f.qpByNum[destNum]
	if dest == nil || dest.state < nverbs.QPStateRTR || dest.state >= nverbs.QPStateSQE {
		f.completeLocked(q.sendCQ, nverbs.WC{
			WRID: wr.WRID, Status: nverbs.WCRetryExceededErr, Opcode: nverbs.WCSend, QPNum: q.num,
		})
		return
	}

	opcode := nverbs.WCRecv
	n, delivered := f.consumeRecvLocked(dest, wr.SGList, wr.ImmData, opcode)
	if !delivered {
		f.completeLocked(q.sendCQ, nverbs.WC{
			WRID: wr.WRID, Status: nverbs.WCRNRRetryExceededErr, Opcode: nverbs.WCSend, QPNum: q.num,
		})
		return
	}
	f.completeLocked(q.sendCQ, nverbs.WC{
		WRID: wr.WRID, Status: nverbs.WCSuccess, Opcode: nverbs.WCSend, ByteLen: n, QPNum: q.num,
	})
}

// consumeRecvLocked pops the destination's next pending receive (SRQ first
// when bound), copies the payload, and posts the receive-side completion.
func (f *Fake) consumeRecvLocked(dest *fakeQP, sgl []nverbs.SGE, imm uint32, opcode nverbs.WCOpcode) (uint32, bool) {
	if dest == nil {
		return 0, false
	}
	var recv nverbs.RecvWR
	switch {
	case dest.srq != nil:
		if len(dest.srq.recvs) == 0 {
			return 0, false
		}
		recv = dest.srq.recvs[0]
		dest.srq.recvs = dest.srq.recvs[1:]
	default:
		if len(dest.recvs) == 0 {
			return 0, false
		}
		recv = dest.recvs[0]
		dest.recvs = dest.recvs[1:]
	}

	var n uint32
	if len(recv.SGList) > 0 && len(sgl) > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(sgl[0].Addr))), int(sgl[0].Length))
		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(recv.SGList[0].Addr))), int(recv.SGList[0].Length))
		n = uint32(copy(dst, src))
	}
	f.completeLocked(dest.recvCQ, nverbs.WC{
		WRID:    recv.WRID,
		Status:  nverbs.WCSuccess,
		Opcode:  opcode,
		ByteLen: n,
		ImmData: imm,
		QPNum:   dest.num,
	})
	return n, true
}

// flushLocked retires every pending receive with a flush error; the error
// state produces flush completions for all outstanding work.
func (f *Fake) flushLocked(q *fakeQP) {
	for _, recv := range q.recvs {
		f.completeLocked(q.recvCQ, nverbs.WC{
			WRID: recv.WRID, Status: nverbs.WCWRFlushErr, Opcode: nverbs.WCRecv, QPNum: q.num,
		})
	}
	q.recvs = nil
}

func (f *Fake) completeLocked(cq *fakeCQ, wc nverbs.WC) {
	cq.queue = append(cq.queue, wc)
	if cq.armed {
		f.notifyLocked(cq)
	}
}

func (f *Fake) notifyLocked(cq *fakeCQ) {
	if cq.channel == nil {
		return
	}
	cq.armed = false
	select {
	case cq.channel.events <- cq.h:
	default:
	}
}

// LiveObjects reports how many native objects of each kind are still alive;
// useful for leak assertions.
func (f *Fake) LiveObjects() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{
		"context": len(f.contexts),
		"pd":      len(f.pds),
		"mr":      len(f.mrs),
		"channel": len(f.channels),
		"cq":      len(f.cqs),
		"srq":     len(f.srqs),
		"ah":      len(f.ahs),
		"qp":      len(f.qps),
	}
}

// String summarizes live object counts, mostly for test failure messages.
func (f *Fake) String() string {
	live := f.LiveObjects()
	return fmt.Sprintf("fake verbs: ctx=%d pd=%d mr=%d cq=%d qp=%d",
		live["context"], live["pd"], live["mr"], live["cq"], live["qp"])
}
