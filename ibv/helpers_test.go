package ibv

import (
	"testing"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs/nverbstest"
)

func newTestContext(t *testing.T) (*nverbstest.Fake, *Context) {
	t.Helper()
	fake := nverbstest.New()
	ctx, err := OpenWith(fake, "fake0")
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	return fake, ctx
}

// endpoint bundles one side's resource chain for exchange tests.
type endpoint struct {
	ctx *Context
	pd  *ProtectionDomain
	cq  *CompletionQueue
	qp  *QueuePair
}

func newEndpoint(t *testing.T, fake *nverbstest.Fake, device string, cfg QPConfig) *endpoint {
	t.Helper()
	ctx, err := OpenWith(fake, device)
	if err != nil {
		t.Fatalf("open %s: %v", device, err)
	}
	pd, err := ctx.AllocPD()
	if err != nil {
		t.Fatalf("alloc pd: %v", err)
	}
	cq, err := ctx.CreateCQ(&CQConfig{Capacity: 32})
	if err != nil {
		t.Fatalf("create cq: %v", err)
	}
	if cfg.SendCQ == nil {
		cfg.SendCQ = cq
	}
	if cfg.RecvCQ == nil {
		cfg.RecvCQ = cq
	}
	if cfg.Transport == 0 {
		cfg.Transport = TransportRC
	}
	if cfg.Cap.MaxSendWR == 0 {
		cfg.Cap.MaxSendWR = 16
	}
	if cfg.Cap.MaxRecvWR == 0 && cfg.SRQ == nil {
		cfg.Cap.MaxRecvWR = 16
	}
	qp, err := pd.CreateQP(&cfg)
	if err != nil {
		t.Fatalf("create qp: %v", err)
	}
	ep := &endpoint{ctx: ctx, pd: pd, cq: cq, qp: qp}
	t.Cleanup(func() {
		_ = ep.qp.Close()
		_ = ep.cq.Close()
		_ = ep.pd.Close()
		_ = ep.ctx.Close()
	})
	return ep
}

// register registers a fresh buffer of n bytes on the endpoint's domain.
func (ep *endpoint) register(t *testing.T, n int, access AccessFlags) *MemoryRegion {
	t.Helper()
	mr, err := ep.pd.RegisterMemory(make([]byte, n), access)
	if err != nil {
		t.Fatalf("register memory: %v", err)
	}
	t.Cleanup(func() { _ = mr.Close() })
	return mr
}

// connectPair wires two endpoints to each other through the descriptor
// exchange, leaving both ready to send.
func connectPair(t *testing.T, a, b *endpoint) {
	t.Helper()
	opts := ConnectOptions{}
	descA, err := a.qp.LocalDescriptor(opts)
	if err != nil {
		t.Fatalf("local descriptor a: %v", err)
	}
	descB, err := b.qp.LocalDescriptor(opts)
	if err != nil {
		t.Fatalf("local descriptor b: %v", err)
	}
	if err := a.qp.Establish(descB, opts); err != nil {
		t.Fatalf("establish a: %v", err)
	}
	if err := b.qp.Establish(descA, opts); err != nil {
		t.Fatalf("establish b: %v", err)
	}
}

// selfConnect loops an endpoint's queue pair back to itself.
func selfConnect(t *testing.T, ep *endpoint) {
	t.Helper()
	opts := ConnectOptions{}
	desc, err := ep.qp.LocalDescriptor(opts)
	if err != nil {
		t.Fatalf("local descriptor: %v", err)
	}
	if err := ep.qp.Establish(desc, opts); err != nil {
		t.Fatalf("establish: %v", err)
	}
}

// pollOne drains exactly one completion or fails the test.
func pollOne(t *testing.T, cq *CompletionQueue) Completion {
	t.Helper()
	comps, err := cq.Poll(1)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(comps) != 1 {
		t.Fatalf("expected one completion, got %d", len(comps))
	}
	return comps[0]
}

func nativeCallsBetween(fake *nverbstest.Fake, ops ...string) []string {
	wanted := make(map[string]bool, len(ops))
	for _, op := range ops {
		wanted[op] = true
	}
	var out []string
	for _, call := range fake.Calls() {
		if wanted[call.Op] {
			out = append(out, call.Op)
		}
	}
	return out
}
