package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/ibverbs-go/ibv"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("ibverbs client: closed")

// ErrNotConnected indicates an operation that needs an established queue
// pair was attempted before Connect.
var ErrNotConnected = errors.New("ibverbs client: not connected")

// Config controls Dial behaviour for the high-level Client.
type Config struct {
	// Device selects the adapter by name; empty picks the first one.
	Device string
	// Port is the adapter port, counting from one.
	Port     uint8
	GIDIndex int
	// Transport defaults to reliable-connected.
	Transport ibv.Transport
	// QueueDepth bounds outstanding sends and receives independently.
	QueueDepth int
	// BufferSize is the registered buffer size backing each operation.
	BufferSize int
	// Timeout bounds blocking Send/Receive when the context has no
	// deadline.
	Timeout          time.Duration
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// openContext is swapped by tests to run the client on a fake native layer.
var openContext = func(device string) (*ibv.Context, error) {
	if device == "" {
		devs, err := ibv.Devices()
		if err != nil {
			return nil, err
		}
		if len(devs) == 0 {
			return nil, errors.New("ibverbs client: no RDMA devices present")
		}
		return devs[0].Open()
	}
	return ibv.OpenDevice(device)
}

// Client owns one queue pair plus the resources behind it and pumps its
// completion queue on a background dispatcher.
type Client struct {
	cfg           Config
	ctx           *ibv.Context
	pd            *ibv.ProtectionDomain
	channel       *ibv.CompChannel
	cq            *ibv.CompletionQueue
	qp            *ibv.QueuePair
	pool          *regionPool
	connected     atomic.Bool
	closed        atomic.Bool
	dispatcherErr atomic.Pointer[errorHolder]

	stopCh chan struct{}
	wg     sync.WaitGroup

	ops sync.Map // uint64 -> *operation
	seq atomic.Uint64

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// OperationKind identifies the type of verb operation tracked by a future.
type OperationKind int

type errorHolder struct {
	err error
}

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// OperationError exposes the completion status behind a failed operation.
type OperationError struct {
	Kind   OperationKind
	Status ibv.WCStatus
}

func (e OperationError) Error() string {
	return fmt.Sprintf("ibverbs %s completion error: %s", e.Kind, e.Status)
}

// Unwrap allows errors.As to match the underlying CompletionError.
func (e OperationError) Unwrap() error {
	return &ibv.CompletionError{Status: e.Status}
}

// SendCompletion describes the outcome of a send dispatched through a
// handler.
type SendCompletion struct {
	Size int
	Err  error
}

// ReceiveCompletion describes a completed receive delivered through a
// handler.
type ReceiveCompletion struct {
	Payload []byte
	Err     error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Logger provides debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans
// or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for client operations.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	ReceivePosted  uint64
	ReceiveMatched uint64
	ReceiveErrored uint64
}

type clientStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherCQError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
}

const (
	labelDevice    = "device"
	labelPort      = "port"
	labelTransport = "transport"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelTransport] = c.cfg.Transport.String()
	attrs[labelPort] = fmt.Sprint(c.cfg.Port)
	if c.cfg.Device != "" {
		attrs[labelDevice] = c.cfg.Device
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("ibverbs client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (c *Client) metricDispatcherStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStarted(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStopped(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherCQError(kind string, err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherCQError(kind, err, c.metricAttrs(fields...))
}

func (c *Client) metricSendCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricSendFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricReceiveCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricReceiveFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveFailed(err, c.metricAttrs(fields...))
}

type operationResult struct {
	length int
	err    error
}

type operation struct {
	client  *Client
	kind    OperationKind
	size    int
	done    chan struct{}
	release func()
	meta    any

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

type receiveMeta struct {
	region *regionLease
	buffer []byte
}

func newOperation(client *Client, kind OperationKind, size int, meta any) *operation {
	return &operation{
		client: client,
		kind:   kind,
		size:   size,
		done:   make(chan struct{}),
		meta:   meta,
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.emit(op, res)
		}

		if op.release != nil {
			op.release()
		}

		close(op.done)

		for _, cb := range callbacks {
			cb := cb
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// SendFuture tracks the completion of a posted send operation.
type SendFuture struct {
	op *operation
}

// Await blocks until the send operation completes or the context is
// cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("ibverbs client: nil send future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			return f.op.resultSnapshot().err
		default:
		}
		return ctx.Err()
	case <-f.op.done:
		return f.op.resultSnapshot().err
	}
}

// Done exposes a channel that closes when the send operation resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send
// resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive operation.
type ReceiveFuture struct {
	op  *operation
	buf []byte
}

// Await blocks until the receive resolves or the context is cancelled.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("ibverbs client: nil receive future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			res := f.op.resultSnapshot()
			return res.length, res.err
		default:
		}
		return 0, ctx.Err()
	case <-f.op.done:
		res := f.op.resultSnapshot()
		return res.length, res.err
	}
}

// Buffer returns the caller-provided buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil {
		return nil
	}
	return f.buf
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

// Dial opens the device and prepares the full resource chain: protection
// domain, completion channel and queue, queue pair, and the registered
// buffer pool. The queue pair stays in the reset state until Connect.
func Dial(cfg Config) (*Client, error) {
	if cfg.Port == 0 {
		cfg.Port = 1
	}
	if cfg.Transport == 0 {
		cfg.Transport = ibv.TransportRC
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, err := openContext(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	if cfg.Device == "" {
		cfg.Device = ctx.Device().Name
	}

	pd, err := ctx.AllocPD()
	if err != nil {
		_ = ctx.Close()
		return nil, fmt.Errorf("alloc pd: %w", err)
	}

	channel, err := ctx.CreateCompChannel()
	if err != nil {
		_ = pd.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("create completion channel: %w", err)
	}

	cq, err := ctx.CreateCQ(&ibv.CQConfig{Capacity: cfg.QueueDepth * 2, Channel: channel})
	if err != nil {
		_ = channel.Close()
		_ = pd.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("create completion queue: %w", err)
	}

	qp, err := pd.CreateQP(&ibv.QPConfig{
		Transport: cfg.Transport,
		SendCQ:    cq,
		RecvCQ:    cq,
		Cap: ibv.QPCap{
			MaxSendWR: uint32(cfg.QueueDepth),
			MaxRecvWR: uint32(cfg.QueueDepth),
		},
	})
	if err != nil {
		_ = cq.Close()
		_ = channel.Close()
		_ = pd.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("create queue pair: %w", err)
	}

	pool, err := newRegionPool(pd, cfg.BufferSize, cfg.QueueDepth*2)
	if err != nil {
		_ = qp.Close()
		_ = cq.Close()
		_ = channel.Close()
		_ = pd.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("create buffer pool: %w", err)
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	client := &Client{
		cfg:              cfg,
		ctx:              ctx,
		pd:               pd,
		channel:          channel,
		cq:               cq,
		qp:               qp,
		pool:             pool,
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	client.wg.Add(1)
	go client.dispatch()

	return client, nil
}

func (c *Client) connectOptions() ibv.ConnectOptions {
	return ibv.ConnectOptions{
		PortNum:  c.cfg.Port,
		GIDIndex: c.cfg.GIDIndex,
		Access:   ibv.AccessLocalWrite,
	}
}

// Descriptor derives the endpoint descriptor to hand to the peer through
// whatever bootstrap channel connects the two sides.
func (c *Client) Descriptor() (ibv.EndpointDescriptor, error) {
	if err := c.ensureOpen(); err != nil {
		return ibv.EndpointDescriptor{}, err
	}
	return c.qp.LocalDescriptor(c.connectOptions())
}

// Connect walks the queue pair to ready-to-send against the peer's
// descriptor. Call Descriptor first so the announced sequence number
// matches.
func (c *Client) Connect(peer ibv.EndpointDescriptor) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := c.qp.Establish(peer, c.connectOptions()); err != nil {
		return err
	}
	c.connected.Store(true)
	c.logf("client: connected qpn=%d peer_qpn=%d", c.qp.Num(), peer.QPNum)
	return nil
}

// QueuePair exposes the underlying queue pair for advanced use (RDMA
// operations, manual transitions). The dispatcher keeps pumping its
// completion queue either way.
func (c *Client) QueuePair() *ibv.QueuePair {
	if c == nil {
		return nil
	}
	return c.qp
}

// Close drains the queue pair and releases every resource.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Flush outstanding work first so pinned regions retire; the dispatcher
	// is still running and observes the flush completions.
	if c.connected.Load() {
		_ = c.qp.Drain()
		deadline := time.Now().Add(200 * time.Millisecond)
		for {
			send, recv := c.qp.Outstanding()
			if send == 0 && recv == 0 || time.Now().After(deadline) {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	close(c.stopCh)
	c.wg.Wait()

	c.handlersMu.Lock()
	c.sendHandlers = nil
	c.receiveHandlers = nil
	c.handlersMu.Unlock()

	if c.pool != nil {
		c.pool.Close()
	}
	_ = c.qp.Close()
	_ = c.cq.Close()
	_ = c.channel.Close()
	_ = c.pd.Close()
	_ = c.ctx.Close()
	return nil
}

// Send posts a blocking send using the configured timeout when the supplied
// context lacks a deadline.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := c.SendAsync(payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendAsync posts a send and returns a future that resolves on completion.
func (c *Client) SendAsync(payload []byte) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("ibverbs client: empty payload")
	}
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	lease, err := c.pool.acquire(len(payload))
	if err != nil {
		return nil, err
	}
	copy(lease.bytes(), payload)

	op := newOperation(c, OperationSend, len(payload), nil)
	op.release = lease.release

	id := c.seq.Add(1)
	c.ops.Store(id, op)
	err = c.qp.PostSend([]ibv.SendDescriptor{{
		ID:     id,
		Opcode: ibv.OpSend,
		Region: lease.region,
		Length: len(payload),
	}})
	if err != nil {
		c.ops.Delete(id)
		lease.release()
		return nil, fmt.Errorf("post send: %w", err)
	}
	c.stats.sendPosted.Add(1)
	c.logf("client: send posted size=%d", len(payload))

	return &SendFuture{op: op}, nil
}

// Receive posts a blocking receive, filling buf once the completion
// resolves.
func (c *Client) Receive(ctx context.Context, buf []byte) (int, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	future, err := c.ReceiveAsync(buf)
	if err != nil {
		return 0, err
	}
	return future.Await(ctx)
}

// ReceiveAsync posts a receive and returns a future that resolves when data
// arrives. The receive queue accepts postings as soon as the queue pair has
// left reset, so receives can (and for racing peers should) be posted
// between Descriptor and Connect.
func (c *Client) ReceiveAsync(buf []byte) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("ibverbs client: buffer must be non-empty")
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	lease, err := c.pool.acquire(len(buf))
	if err != nil {
		return nil, err
	}

	meta := &receiveMeta{region: lease, buffer: buf}
	op := newOperation(c, OperationReceive, len(buf), meta)
	op.release = lease.release

	id := c.seq.Add(1)
	c.ops.Store(id, op)
	err = c.qp.PostRecv([]ibv.RecvDescriptor{{
		ID:     id,
		Region: lease.region,
		Length: len(buf),
	}})
	if err != nil {
		c.ops.Delete(id)
		lease.release()
		return nil, fmt.Errorf("post recv: %w", err)
	}
	c.stats.recvPosted.Add(1)
	c.logf("client: receive posted size=%d", len(buf))

	return &ReceiveFuture{op: op, buf: buf}, nil
}

func (c *Client) ensureOpen() error {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) dispatchFailure() error {
	if err := c.dispatcherError(); err != nil {
		return fmt.Errorf("ibverbs client dispatcher failed: %w", err)
	}
	return nil
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:     c.stats.sendPosted.Load(),
		SendCompleted:  c.stats.sendCompleted.Load(),
		SendErrored:    c.stats.sendErrored.Load(),
		ReceivePosted:  c.stats.recvPosted.Load(),
		ReceiveMatched: c.stats.recvMatched.Load(),
		ReceiveErrored: c.stats.recvErrored.Load(),
	}
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// RegisterSendHandler installs a callback invoked for every completed send.
// The returned function unregisters the handler when invoked. Passing a nil
// handler is a no-op.
func (c *Client) RegisterSendHandler(handler SendHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.sendHandlers == nil {
		c.sendHandlers = make(map[uint64]SendHandler)
	}
	c.sendHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed
// receive. The returned function unregisters the handler when invoked.
// Passing a nil handler is a no-op.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

const (
	dispatchPollBatch    = 16
	dispatchPollInterval = 50 * time.Millisecond
)

func (c *Client) dispatch() {
	defer c.wg.Done()

	span := c.startDispatcherSpan()
	startFields := []logField{
		logKV(labelTransport, c.cfg.Transport.String()),
		logKV(labelDevice, c.cfg.Device),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted(startFields...)

	defer func() {
		err := c.dispatcherError()
		status := "ok"
		fields := []logField{logKV("status", status)}
		if err != nil {
			status = "error"
			fields[0] = logKV("status", status)
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped(fields...)
		c.finishDispatcherSpan(span, err)
	}()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		comps, err := c.cq.PollWait(dispatchPollBatch, dispatchPollInterval)
		if err != nil {
			if errors.Is(err, ibv.ErrWaitTimeout) {
				continue
			}
			dispatchErr := fmt.Errorf("cq poll: %w", err)
			c.recordDispatcherFailure(span, "cq_poll_error", dispatchErr)
			c.recordDispatcherError(dispatchErr)
			return
		}
		for _, comp := range comps {
			c.handleCompletion(comp, span)
		}
	}
}

func (c *Client) handleCompletion(comp ibv.Completion, span Span) {
	val, ok := c.ops.LoadAndDelete(comp.ID)
	if !ok {
		return
	}
	op, ok := val.(*operation)
	if !ok || op == nil {
		return
	}

	result := operationResult{length: op.size}
	if op.kind == OperationReceive {
		result.length = int(comp.ByteLen)
		if meta, ok := op.meta.(*receiveMeta); ok && meta != nil && comp.OK() {
			result.length = copy(meta.buffer, meta.region.bytes()[:result.length])
		}
	}
	if comp.Err() != nil {
		result.err = OperationError{Kind: op.kind, Status: comp.Status}
	}

	c.logOperationCompletion(op, result, comp, span)
	op.complete(result)
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.stats.sendErrored.Add(1)
			c.logf("client: send errored: %v", res.err)
		} else {
			c.stats.sendCompleted.Add(1)
			c.logf("client: send completed size=%d", res.length)
		}
		c.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(c.sendHandlers))
		for _, h := range c.sendHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		completion := SendCompletion{Size: res.length, Err: res.err}
		for _, handler := range handlers {
			h := handler
			go h(completion)
		}
	case OperationReceive:
		if res.err != nil {
			c.stats.recvErrored.Add(1)
			c.logf("client: receive errored: %v", res.err)
		} else {
			c.stats.recvMatched.Add(1)
			c.logf("client: receive completed size=%d", res.length)
		}
		meta, _ := op.meta.(*receiveMeta)
		c.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
		for _, h := range c.receiveHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		var basePayload []byte
		if res.length > 0 && meta != nil && len(meta.buffer) >= res.length {
			basePayload = make([]byte, res.length)
			copy(basePayload, meta.buffer[:res.length])
		}
		for _, handler := range handlers {
			h := handler
			var payloadCopy []byte
			if basePayload != nil {
				payloadCopy = append([]byte(nil), basePayload...)
			}
			go h(ReceiveCompletion{Payload: payloadCopy, Err: res.err})
		}
	}
}

func (c *Client) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	c.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (c *Client) dispatcherError() error {
	if c == nil {
		return nil
	}
	if holder := c.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "ibverbs-client"},
		{Key: labelTransport, Value: c.cfg.Transport.String()},
		{Key: labelPort, Value: c.cfg.Port},
	}
	if c.cfg.Device != "" {
		attrs = append(attrs, TraceAttribute{Key: labelDevice, Value: c.cfg.Device})
	}
	return c.tracer.StartSpan("ibverbs-client-dispatcher", attrs...)
}

func (c *Client) finishDispatcherSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func (c *Client) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	c.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	c.metricDispatcherCQError(event, err, fields...)
}

func (c *Client) logOperationCompletion(op *operation, res operationResult, comp ibv.Completion, span Span) {
	if c == nil || op == nil {
		return
	}
	status := "ok"
	eventName := "completion"
	if res.err != nil {
		status = "error"
		eventName = "completion_error"
	}
	fields := []logField{
		logKV(labelOperation, op.kind.String()),
		logKV(labelStatus, status),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if res.err != nil {
		fields = append(fields,
			logKV("wc_status", comp.Status),
			logKV("error", res.err),
		)
	}
	c.logDispatcherEvent(eventName, fields...)
	spanAddEvent(span, eventName, fields...)
	if res.err != nil {
		spanRecordError(span, res.err)
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.metricSendFailed(res.err, fields...)
		} else {
			c.metricSendCompleted(fields...)
		}
	case OperationReceive:
		if res.err != nil {
			c.metricReceiveFailed(res.err, fields...)
		} else {
			c.metricReceiveCompleted(fields...)
		}
	}
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
