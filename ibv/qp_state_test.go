package ibv

import (
	"errors"
	"testing"

	"github.com/rocketbitz/ibverbs-go/internal/nverbs/nverbstest"
)

func rcInitAttrs() *TransitionAttrs {
	return NewTransitionAttrs().
		PKeyIndex(0).
		PortNum(1).
		AccessFlags(AccessLocalWrite | AccessRemoteWrite)
}

func TestModifySkippingStatesFails(t *testing.T) {
	fake := nverbstest.New()
	ep := newEndpoint(t, fake, "fake0", QPConfig{})

	err := ep.qp.Modify(StateRTS, NewTransitionAttrs().SQPSN(0))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if st := ep.qp.State(); st != StateReset {
		t.Fatalf("state changed by rejected transition: %s", st)
	}
	if n := fake.CallCount("modify_qp"); n != 0 {
		t.Fatalf("rejected transition reached the driver %d times", n)
	}
}

func TestModifyMissingAttributeNamesField(t *testing.T) {
	fake := nverbstest.New()
	ep := newEndpoint(t, fake, "fake0", QPConfig{})

	if err := ep.qp.Modify(StateInit, rcInitAttrs()); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Everything the RC init-to-RTR edge needs except the peer's number.
	partial := NewTransitionAttrs().
		RemoteAddress(&AHConfig{DLID: 7, PortNum: 1}).
		PathMTU(MTU1024).
		RQPSN(100).
		MaxDestRDAtomic(1).
		MinRNRTimer(12)

	err := ep.qp.Modify(StateRTR, partial)
	var missing *MissingAttributeError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingAttributeError, got %v", err)
	}
	if missing.Field != "remote_qp_num" {
		t.Fatalf("expected remote_qp_num, got %q", missing.Field)
	}
	if st := ep.qp.State(); st != StateInit {
		t.Fatalf("state changed by rejected transition: %s", st)
	}
	modifies := fake.CallCount("modify_qp")

	if err := ep.qp.Modify(StateRTR, partial.RemoteQPNum(ep.qp.Num())); err != nil {
		t.Fatalf("rtr with full attributes: %v", err)
	}
	if st := ep.qp.State(); st != StateRTR {
		t.Fatalf("expected RTR, got %s", st)
	}
	if n := fake.CallCount("modify_qp"); n != modifies+1 {
		t.Fatalf("expected exactly one more native modify, got %d", n-modifies)
	}
}

func TestFullSetupWalkPerTransport(t *testing.T) {
	for _, transport := range []Transport{TransportRC, TransportUC, TransportUD} {
		t.Run(transport.String(), func(t *testing.T) {
			fake := nverbstest.New()
			ep := newEndpoint(t, fake, "fake0", QPConfig{Transport: transport})
			selfConnect(t, ep)
			if st := ep.qp.State(); st != StateRTS {
				t.Fatalf("expected RTS, got %s", st)
			}
		})
	}
}

func TestDrainAndResetAlwaysLegal(t *testing.T) {
	fake := nverbstest.New()
	ep := newEndpoint(t, fake, "fake0", QPConfig{})
	selfConnect(t, ep)

	if err := ep.qp.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if st := ep.qp.State(); st != StateError {
		t.Fatalf("expected ERR after drain, got %s", st)
	}
	if err := ep.qp.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st := ep.qp.State(); st != StateReset {
		t.Fatalf("expected RESET, got %s", st)
	}

	// A recovered queue pair walks the setup path again.
	selfConnect(t, ep)
	if st := ep.qp.State(); st != StateRTS {
		t.Fatalf("expected RTS after reconnect, got %s", st)
	}
}

func TestSQDRoundTrip(t *testing.T) {
	fake := nverbstest.New()
	ep := newEndpoint(t, fake, "fake0", QPConfig{})
	selfConnect(t, ep)

	if err := ep.qp.Modify(StateSQD, nil); err != nil {
		t.Fatalf("to SQD: %v", err)
	}
	if err := ep.qp.Modify(StateRTS, nil); err != nil {
		t.Fatalf("back to RTS: %v", err)
	}
}

func TestUDSetupNeedsNoPeerAttrs(t *testing.T) {
	fake := nverbstest.New()
	ep := newEndpoint(t, fake, "fake0", QPConfig{Transport: TransportUD})

	init := NewTransitionAttrs().PKeyIndex(0).PortNum(1).QKey(0x11111111)
	if err := ep.qp.Modify(StateInit, init); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := ep.qp.Modify(StateRTR, nil); err != nil {
		t.Fatalf("rtr: %v", err)
	}
	if err := ep.qp.Modify(StateRTS, NewTransitionAttrs().SQPSN(0)); err != nil {
		t.Fatalf("rts: %v", err)
	}
}

func TestCreateQPValidation(t *testing.T) {
	_, ctx := newTestContext(t)
	t.Cleanup(func() { _ = ctx.Close() })
	pd, err := ctx.AllocPD()
	if err != nil {
		t.Fatalf("alloc pd: %v", err)
	}
	t.Cleanup(func() { _ = pd.Close() })
	cq, err := ctx.CreateCQ(&CQConfig{Capacity: 8})
	if err != nil {
		t.Fatalf("create cq: %v", err)
	}
	t.Cleanup(func() { _ = cq.Close() })

	cases := []struct {
		name string
		cfg  *QPConfig
	}{
		{"nil config", nil},
		{"bad transport", &QPConfig{Transport: 99, SendCQ: cq, RecvCQ: cq, Cap: QPCap{MaxSendWR: 1, MaxRecvWR: 1}}},
		{"missing cqs", &QPConfig{Transport: TransportRC, Cap: QPCap{MaxSendWR: 1, MaxRecvWR: 1}}},
		{"zero send depth", &QPConfig{Transport: TransportRC, SendCQ: cq, RecvCQ: cq, Cap: QPCap{MaxRecvWR: 1}}},
		{"zero recv depth without srq", &QPConfig{Transport: TransportRC, SendCQ: cq, RecvCQ: cq, Cap: QPCap{MaxSendWR: 1}}},
	}
	for _, tc := range cases {
		_, err := pd.CreateQP(tc.cfg)
		var invalid *InvalidAttributesError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected invalid attributes, got %v", tc.name, err)
		}
	}
}

func TestQueryReflectsDriverState(t *testing.T) {
	fake := nverbstest.New()
	ep := newEndpoint(t, fake, "fake0", QPConfig{Cap: QPCap{MaxSendWR: 8, MaxRecvWR: 4}})

	attr, err := ep.qp.Query()
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if attr.State != StateReset {
		t.Fatalf("fresh queue pair reports %s", attr.State)
	}

	selfConnect(t, ep)
	attr, err = ep.qp.Query()
	if err != nil {
		t.Fatalf("query after connect: %v", err)
	}
	if attr.State != StateRTS {
		t.Fatalf("connected queue pair reports %s", attr.State)
	}
	if attr.Cap.MaxSendWR < 8 || attr.Cap.MaxRecvWR < 4 {
		t.Fatalf("capacities lost on read-back: %+v", attr.Cap)
	}
	if attr.DestQPNum != ep.qp.Num() {
		t.Fatalf("destination qpn %d, connected to %d", attr.DestQPNum, ep.qp.Num())
	}
	if n := fake.CallCount("query_qp"); n != 2 {
		t.Fatalf("expected two native queries, got %d", n)
	}

	if err := ep.qp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var stale ErrInvalidHandle
	if _, err := ep.qp.Query(); !errors.As(err, &stale) {
		t.Fatalf("expected invalid handle after close, got %v", err)
	}
}
