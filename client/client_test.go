package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/ibverbs-go/ibv"
	"github.com/rocketbitz/ibverbs-go/internal/nverbs"
	"github.com/rocketbitz/ibverbs-go/internal/nverbs/nverbstest"
)

// installFake reroutes device opening onto an in-process fake fabric for the
// duration of the test.
func installFake(t *testing.T, devices ...string) *nverbstest.Fake {
	t.Helper()
	infos := make([]nverbs.DeviceInfo, len(devices))
	for i, name := range devices {
		infos[i] = nverbs.DeviceInfo{Name: name, GUID: uint64(i + 1), NodeType: nverbs.NodeCA}
	}
	fake := nverbstest.NewWithDevices(infos...)
	prev := openContext
	openContext = func(device string) (*ibv.Context, error) {
		return ibv.OpenWith(fake, device)
	}
	t.Cleanup(func() { openContext = prev })
	return fake
}

func setupPeerClients(t *testing.T, base Config) (sender, receiver *Client) {
	t.Helper()
	installFake(t, "fake0", "fake1")

	cfgA := base
	cfgA.Device = "fake0"
	cfgB := base
	cfgB.Device = "fake1"

	sender, err := Dial(cfgA)
	if err != nil {
		t.Fatalf("sender Dial: %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })

	receiver, err = Dial(cfgB)
	if err != nil {
		t.Fatalf("receiver Dial: %v", err)
	}
	t.Cleanup(func() { _ = receiver.Close() })

	senderDesc, err := sender.Descriptor()
	if err != nil {
		t.Fatalf("sender Descriptor: %v", err)
	}
	receiverDesc, err := receiver.Descriptor()
	if err != nil {
		t.Fatalf("receiver Descriptor: %v", err)
	}
	if err := sender.Connect(receiverDesc); err != nil {
		t.Fatalf("sender Connect: %v", err)
	}
	if err := receiver.Connect(senderDesc); err != nil {
		t.Fatalf("receiver Connect: %v", err)
	}
	return sender, receiver
}

func TestClientSendReceiveAsync(t *testing.T) {
	sender, receiver := setupPeerClients(t, Config{Timeout: 2 * time.Second})

	payload := []byte("async-exchange")
	recvBuf := make([]byte, len(payload))

	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}

	callback := make(chan error, 1)
	recvFuture.OnComplete(func(n int, err error) {
		if err != nil {
			callback <- err
			return
		}
		if n != len(payload) {
			callback <- fmt.Errorf("callback length mismatch: got %d want %d", n, len(payload))
			return
		}
		if string(recvBuf[:n]) != string(payload) {
			callback <- fmt.Errorf("callback payload mismatch: got %q want %q", string(recvBuf[:n]), string(payload))
			return
		}
		callback <- nil
	})

	sendFuture, err := sender.SendAsync(payload)
	if err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}

	if err := sendFuture.Await(context.Background()); err != nil {
		t.Fatalf("Send await failed: %v", err)
	}

	n, err := recvFuture.Await(context.Background())
	if err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("unexpected length: got %d want %d", n, len(payload))
	}
	if string(recvBuf[:n]) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", string(recvBuf[:n]), string(payload))
	}

	select {
	case cbErr := <-callback:
		if cbErr != nil {
			t.Fatalf("receive callback error: %v", cbErr)
		}
	case <-time.After(time.Second):
		t.Fatal("receive callback not invoked")
	}
}

func TestClientSendReceiveSync(t *testing.T) {
	sender, receiver := setupPeerClients(t, Config{Timeout: 2 * time.Second})

	payload := []byte("sync-exchange")
	recvBuf := make([]byte, len(payload))

	recvErr := make(chan error, 1)
	go func() {
		n, err := receiver.Receive(context.Background(), recvBuf)
		if err != nil {
			recvErr <- err
			return
		}
		if n != len(payload) {
			recvErr <- fmt.Errorf("unexpected length: got %d want %d", n, len(payload))
			return
		}
		if string(recvBuf[:n]) != string(payload) {
			recvErr <- fmt.Errorf("payload mismatch: got %q want %q", string(recvBuf[:n]), string(payload))
			return
		}
		recvErr <- nil
	}()

	time.Sleep(20 * time.Millisecond)

	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case err := <-recvErr:
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive timed out")
	}
}

func TestClientSendHandler(t *testing.T) {
	sender, receiver := setupPeerClients(t, Config{Timeout: 2 * time.Second})

	handlerCh := make(chan SendCompletion, 1)
	unregister := sender.RegisterSendHandler(func(comp SendCompletion) {
		handlerCh <- comp
	})
	defer unregister()

	payload := []byte("handler-send")
	recvBuf := make([]byte, len(payload))
	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := recvFuture.Await(context.Background()); err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}

	select {
	case comp := <-handlerCh:
		if comp.Err != nil {
			t.Fatalf("send handler error: %v", comp.Err)
		}
		if comp.Size != len(payload) {
			t.Fatalf("send handler size: got %d want %d", comp.Size, len(payload))
		}
	case <-time.After(time.Second):
		t.Fatal("send handler not invoked")
	}
}

func TestClientReceiveHandler(t *testing.T) {
	sender, receiver := setupPeerClients(t, Config{Timeout: 2 * time.Second})

	handlerCh := make(chan ReceiveCompletion, 1)
	unregister := receiver.RegisterReceiveHandler(func(comp ReceiveCompletion) {
		handlerCh <- comp
	})
	defer unregister()

	payload := []byte("handler-receive")
	recvBuf := make([]byte, len(payload))
	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := recvFuture.Await(context.Background()); err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}

	select {
	case comp := <-handlerCh:
		if comp.Err != nil {
			t.Fatalf("receive handler error: %v", comp.Err)
		}
		if string(comp.Payload) != string(payload) {
			t.Fatalf("receive handler payload: got %q want %q", string(comp.Payload), string(payload))
		}
	case <-time.After(time.Second):
		t.Fatal("receive handler not invoked")
	}

	unregister()
}

func TestClientStats(t *testing.T) {
	sender, receiver := setupPeerClients(t, Config{Timeout: 2 * time.Second})

	payload := []byte("stats")
	recvBuf := make([]byte, len(payload))
	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := recvFuture.Await(context.Background()); err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}

	sendStats := sender.Stats()
	if sendStats.SendPosted != 1 || sendStats.SendCompleted != 1 || sendStats.SendErrored != 0 {
		t.Fatalf("unexpected sender stats: %+v", sendStats)
	}
	recvStats := receiver.Stats()
	if recvStats.ReceivePosted != 1 || recvStats.ReceiveMatched != 1 || recvStats.ReceiveErrored != 0 {
		t.Fatalf("unexpected receiver stats: %+v", recvStats)
	}
}

func TestClientSendRequiresConnect(t *testing.T) {
	installFake(t, "fake0")
	cli, err := Dial(Config{Device: "fake0"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	if _, err := cli.SendAsync([]byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientClosed(t *testing.T) {
	installFake(t, "fake0")
	cli, err := Dial(Config{Device: "fake0"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := cli.SendAsync([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := cli.Descriptor(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Descriptor, got %v", err)
	}
}

func TestClientReceiveTimeout(t *testing.T) {
	_, receiver := setupPeerClients(t, Config{Timeout: 100 * time.Millisecond})

	buf := make([]byte, 16)
	_, err := receiver.Receive(context.Background(), buf)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClientReleasesNativeResources(t *testing.T) {
	fake := installFake(t, "fake0", "fake1")

	cfgA := Config{Device: "fake0", Timeout: time.Second}
	cfgB := Config{Device: "fake1", Timeout: time.Second}
	a, err := Dial(cfgA)
	if err != nil {
		t.Fatalf("Dial a: %v", err)
	}
	b, err := Dial(cfgB)
	if err != nil {
		t.Fatalf("Dial b: %v", err)
	}
	descA, err := a.Descriptor()
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	descB, err := b.Descriptor()
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if err := a.Connect(descB); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := b.Connect(descA); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	recvBuf := make([]byte, 8)
	future, err := b.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := a.Send(context.Background(), []byte("teardown")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := future.Await(context.Background()); err != nil {
		t.Fatalf("Await: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close a: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}
	for kind, n := range fake.LiveObjects() {
		if n != 0 {
			t.Fatalf("%d %s objects leaked", n, kind)
		}
	}
}

func TestClientStructuredLoggingAndTracing(t *testing.T) {
	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	tracer := &otelTracerAdapter{tracer: tp.Tracer("client-structured-test")}
	metrics := newMetricRecorder()

	sender, receiver := setupPeerClients(t, Config{
		Timeout:          2 * time.Second,
		Logger:           logger,
		StructuredLogger: logger,
		Tracer:           tracer,
		Metrics:          metrics,
	})

	payload := []byte("structured-logging")
	recvBuf := make([]byte, len(payload))

	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	n, err := recvFuture.Await(context.Background())
	if err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}
	if n != len(payload) || string(recvBuf[:n]) != string(payload) {
		t.Fatalf("unexpected payload: %q", string(recvBuf[:n]))
	}

	if err := sender.Close(); err != nil {
		t.Fatalf("sender close failed: %v", err)
	}
	if err := receiver.Close(); err != nil {
		t.Fatalf("receiver close failed: %v", err)
	}

	if !waitForLogEvent(observedLogs, "start", time.Second) {
		t.Fatal("missing dispatcher start log")
	}
	if !waitForLogEvent(observedLogs, "completion", time.Second) {
		t.Fatal("missing dispatcher completion log")
	}
	if !waitForLogEvent(observedLogs, "stop", time.Second) {
		t.Fatal("missing dispatcher stop log")
	}

	if !spanHasEvent(recorder, "start") {
		t.Fatal("missing dispatcher start span event")
	}
	if !spanHasEvent(recorder, "completion") {
		t.Fatal("missing dispatcher completion span event")
	}
	if !spanHasEvent(recorder, "stop") {
		t.Fatal("missing dispatcher stop span event")
	}

	_ = logger.Sync()

	snapshot := metrics.Snapshot()
	if snapshot.DispatcherStarted < 2 || snapshot.DispatcherStopped < 2 {
		t.Fatalf("dispatcher metrics missing: %+v", snapshot)
	}
	if snapshot.SendCompleted < 1 || snapshot.ReceiveCompleted < 1 {
		t.Fatalf("missing completion metrics: %+v", snapshot)
	}
	if snapshot.SendFailed != 0 || snapshot.ReceiveFailed != 0 {
		t.Fatalf("unexpected failure metrics: send=%d recv=%d", snapshot.SendFailed, snapshot.ReceiveFailed)
	}
	if len(snapshot.CQErrors) != 0 {
		t.Fatalf("unexpected CQ errors recorded: %+v", snapshot.CQErrors)
	}
}

func TestClientDispatcherLogsCQError(t *testing.T) {
	fake := installFake(t, "fake0")
	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	tracer := &otelTracerAdapter{tracer: tp.Tracer("client-cq-error-test")}
	metrics := newMetricRecorder()

	cli, err := Dial(Config{
		Device:           "fake0",
		Timeout:          2 * time.Second,
		Logger:           logger,
		StructuredLogger: logger,
		Tracer:           tracer,
		Metrics:          metrics,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = cli.Close() }()

	fake.FailOp("poll_cq", nverbs.ErrnoInval)
	defer fake.ClearFail("poll_cq")

	deadline := time.Now().Add(2 * time.Second)
	var dispatchErr error
	for time.Now().Before(deadline) {
		dispatchErr = cli.dispatchFailure()
		if dispatchErr != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if dispatchErr == nil {
		t.Fatal("expected dispatcher failure after poll error")
	}

	fake.ClearFail("poll_cq")
	if err := cli.Close(); err != nil {
		t.Fatalf("client close failed: %v", err)
	}

	if !waitForLogEvent(observedLogs, "cq_poll_error", time.Second) {
		t.Fatal("missing dispatcher CQ error log entry")
	}
	if !spanHasEvent(recorder, "cq_poll_error") {
		t.Fatal("missing dispatcher CQ error span event")
	}

	_ = logger.Sync()

	snapshot := metrics.Snapshot()
	if snapshot.DispatcherStarted < 1 {
		t.Fatalf("expected dispatcher to start, got %d", snapshot.DispatcherStarted)
	}
	if snapshot.DispatcherStopped < 1 {
		t.Fatalf("expected dispatcher to stop, got %d", snapshot.DispatcherStopped)
	}
	if len(snapshot.CQErrors) == 0 {
		t.Fatal("expected dispatcher CQ error metric")
	}
	if snapshot.SendCompleted != 0 || snapshot.ReceiveCompleted != 0 {
		t.Fatalf("unexpected data-path completion metrics: send=%d recv=%d", snapshot.SendCompleted, snapshot.ReceiveCompleted)
	}
}

type metricSnapshot struct {
	DispatcherStarted int
	DispatcherStopped int
	SendCompleted     int
	SendFailed        int
	ReceiveCompleted  int
	ReceiveFailed     int
	CQErrors          []string
}

// metricRecorder is an in-memory MetricHook for assertions.
type metricRecorder struct {
	mu       sync.Mutex
	snapshot metricSnapshot
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (m *metricRecorder) DispatcherStarted(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.DispatcherStarted++
}

func (m *metricRecorder) DispatcherStopped(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.DispatcherStopped++
}

func (m *metricRecorder) DispatcherCQError(kind string, err error, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.CQErrors = append(m.snapshot.CQErrors, fmt.Sprintf("%s: %v", kind, err))
}

func (m *metricRecorder) SendCompleted(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.SendCompleted++
}

func (m *metricRecorder) SendFailed(error, map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.SendFailed++
}

func (m *metricRecorder) ReceiveCompleted(map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.ReceiveCompleted++
}

func (m *metricRecorder) ReceiveFailed(error, map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.ReceiveFailed++
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snapshot
	out.CQErrors = append([]string(nil), m.snapshot.CQErrors...)
	return out
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		entries := logs.All()
		for _, entry := range entries {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "ibverbs-client-dispatcher" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attributes...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	s.span.AddEvent(name, trace.WithAttributes(attributes...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttribute(attr TraceAttribute) attribute.KeyValue {
	if attr.Key == "" {
		return attribute.String("undefined", fmt.Sprint(attr.Value))
	}
	switch v := attr.Value.(type) {
	case nil:
		return attribute.String(attr.Key, "")
	case string:
		return attribute.String(attr.Key, v)
	case fmt.Stringer:
		return attribute.String(attr.Key, v.String())
	case bool:
		return attribute.Bool(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case uint8:
		return attribute.Int(attr.Key, int(v))
	case uint32:
		return attribute.Int64(attr.Key, int64(v))
	case uint64:
		return attribute.Int64(attr.Key, int64(v))
	case float64:
		return attribute.Float64(attr.Key, v)
	case error:
		return attribute.String(attr.Key, v.Error())
	default:
		return attribute.String(attr.Key, fmt.Sprint(attr.Value))
	}
}
