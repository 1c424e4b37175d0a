package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"Assembler-Bus/internal/core/codec"
	"Assembler-Bus/internal/core/network"
	"Assembler-Bus/internal/core/protocol"
)

var (
	vehicle   = protocol.Authority{Name: "vehicle1"}
	dashboard = protocol.Topic{Authority: vehicle, Entity: protocol.Entity{Name: "dashboard", VersionMajor: 1}}
	hvac      = protocol.Topic{Authority: vehicle, Entity: protocol.Entity{Name: "hvac", VersionMajor: 2}}
	doorState = protocol.Topic{
		Authority: vehicle,
		Entity:    protocol.Entity{Name: "body.access", VersionMajor: 1},
		Resource:  protocol.Resource{Name: "door", Instance: "front_left", Message: "Door"},
	}
	setTemp  = hvac.WithResource(protocol.RPCMethod("SetTemperature"))
	wildcard = protocol.Topic{Authority: vehicle}
)

// recorder is a Listener that queues what it receives.
type recorder struct {
	ch chan protocol.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan protocol.Message, 16)}
}

func (r *recorder) OnReceive(msg protocol.Message) { r.ch <- msg }

func (r *recorder) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("listener not invoked")
		return protocol.Message{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(wait):
	}
}

// faultySession injects substrate failures and counts primitive calls.
type faultySession struct {
	*network.MemorySession
	putErr       error
	getErr       error
	subErr       error
	queryableErr error
	puts         atomic.Int32
	gets         atomic.Int32
}

func newFaultySession() *faultySession {
	return &faultySession{MemorySession: network.NewMemorySession(network.MemoryOptions{})}
}

func (s *faultySession) Put(ctx context.Context, key string, payload []byte, opts network.PutOptions) error {
	s.puts.Add(1)
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemorySession.Put(ctx, key, payload, opts)
}

func (s *faultySession) Get(ctx context.Context, key string, opts network.GetOptions) (<-chan network.Reply, error) {
	s.gets.Add(1)
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemorySession.Get(ctx, key, opts)
}

func (s *faultySession) DeclareSubscriber(key string, handler func(network.Sample)) (network.Subscriber, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	return s.MemorySession.DeclareSubscriber(key, handler)
}

func (s *faultySession) DeclareQueryable(key string, handler func(*network.Query)) (network.Queryable, error) {
	if s.queryableErr != nil {
		return nil, s.queryableErr
	}
	return s.MemorySession.DeclareQueryable(key, handler)
}

// faultyCodec injects metadata codec failures.
type faultyCodec struct {
	*codec.Codec
	attachErr   error
	priorityErr error
}

func (c *faultyCodec) AttributesToAttachment(a protocol.Attributes) ([]byte, error) {
	if c.attachErr != nil {
		return nil, c.attachErr
	}
	return c.Codec.AttributesToAttachment(a)
}

func (c *faultyCodec) MapPriority(p protocol.Priority) (network.Priority, error) {
	if c.priorityErr != nil {
		return 0, c.priorityErr
	}
	return c.Codec.MapPriority(p)
}

func newCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(codec.Options{})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return c
}

func newTransport(t *testing.T, session network.Session, source protocol.Topic, opts ...func(*Options)) *Transport {
	t.Helper()
	o := Options{
		Source:        source,
		Logger:        zaptest.NewLogger(t),
		SweepInterval: 20 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	tr, err := New(session, o)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func publish(t *testing.T, source protocol.Topic, data string) protocol.Message {
	t.Helper()
	attrs, err := protocol.NewPublish(source, protocol.PriorityCS1)
	if err != nil {
		t.Fatalf("publish attributes: %v", err)
	}
	return protocol.Message{Attributes: attrs, Payload: protocol.Payload{Format: protocol.FormatText, Data: []byte(data)}}
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	var st *protocol.Status
	if !errors.As(err, &st) {
		t.Fatalf("expected *protocol.Status with code %s, got %v", want, err)
	}
	if st.Code != want {
		t.Fatalf("expected code %s, got %s (%v)", want, st.Code, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresSourceEntity(t *testing.T) {
	_, err := New(network.NewMemorySession(network.MemoryOptions{}), Options{Source: wildcard})
	requireCode(t, err, codes.InvalidArgument)
	if _, err := New(nil, Options{Source: dashboard}); err == nil {
		t.Fatal("expected error for nil session")
	}
}

func TestResponseTopicDerivedFromSource(t *testing.T) {
	tr := newTransport(t, network.NewMemorySession(network.MemoryOptions{}), dashboard)
	if !tr.ResponseTopic().IsRPCResponse() || tr.ResponseTopic().Entity != dashboard.Entity {
		t.Fatalf("unexpected response topic %s", tr.ResponseTopic())
	}
}

func TestCloseIsIdempotentAndRejectsUse(t *testing.T) {
	session := newFaultySession()
	tr, err := New(session, Options{Source: dashboard})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.RegisterListener(doorState, newRecorder()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if tr.listeners.Subscriptions() != 0 {
		t.Fatal("close must release subscriptions")
	}
	requireCode(t, tr.Send(context.Background(), publish(t, doorState, "x")), codes.Internal)
	requireCode(t, tr.RegisterListener(doorState, newRecorder()), codes.Internal)
	_, err = tr.InvokeMethod(context.Background(), setTemp, protocol.Payload{Data: []byte("x")}, protocol.CallOptions{})
	requireCode(t, err, codes.Internal)
	if session.puts.Load() != 0 {
		t.Fatal("closed transport reached the substrate")
	}
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	session := network.NewMemorySession(network.MemoryOptions{})
	tr := newTransport(t, session, dashboard, func(o *Options) { o.Registerer = reg })

	l := newRecorder()
	if err := tr.RegisterListener(doorState, l); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.Send(context.Background(), publish(t, doorState, "open")); err != nil {
		t.Fatalf("send: %v", err)
	}
	l.next(t)
	_ = tr.Send(context.Background(), protocol.Message{})

	if got := testutil.ToFloat64(tr.metrics.sent.WithLabelValues("publish", codes.OK.String())); got != 1 {
		t.Fatalf("sent ok = %v", got)
	}
	if got := testutil.ToFloat64(tr.metrics.sent.WithLabelValues(protocol.KindUnspecified.String(), codes.InvalidArgument.String())); got != 1 {
		t.Fatalf("sent invalid = %v", got)
	}
	waitFor(t, "delivered metric", func() bool {
		return testutil.ToFloat64(tr.metrics.inbound.WithLabelValues(pathSubscriber, outcomeDelivered)) == 1
	})
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("gather: %d %v", n, err)
	}

	if _, err := New(session, Options{Source: hvac, Registerer: reg}); err == nil {
		t.Fatal("registering the same collectors twice must fail")
	}
}

// heldSession hands the reply stream of every query to the test.
type heldSession struct {
	*network.MemorySession
	replies chan network.Reply
}

func (s *heldSession) Get(context.Context, string, network.GetOptions) (<-chan network.Reply, error) {
	return s.replies, nil
}

// gateListener blocks in OnReceive until released.
type gateListener struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateListener) OnReceive(protocol.Message) {
	close(g.entered)
	<-g.release
}

func TestCloseWaitsForResponseListener(t *testing.T) {
	session := &heldSession{
		MemorySession: network.NewMemorySession(network.MemoryOptions{}),
		replies:       make(chan network.Reply, 1),
	}
	client := newTransport(t, session, dashboard)
	gate := &gateListener{entered: make(chan struct{}), release: make(chan struct{})}
	if err := client.RegisterListener(client.ResponseTopic(), gate); err != nil {
		t.Fatalf("register: %v", err)
	}
	attrs, err := protocol.NewRequest(client.ResponseTopic(), setTemp, protocol.PriorityCS4, 1000)
	if err != nil {
		t.Fatalf("attributes: %v", err)
	}
	if err := client.Send(context.Background(), protocol.Message{Attributes: attrs, Payload: protocol.Payload{Data: []byte("21")}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	respAttrs, err := protocol.ResponseTo(attrs)
	if err != nil {
		t.Fatalf("response attributes: %v", err)
	}
	att, err := newCodec(t).AttributesToAttachment(respAttrs)
	if err != nil {
		t.Fatalf("attachment: %v", err)
	}
	session.replies <- network.Reply{Sample: network.Sample{Payload: []byte("ok"), Encoding: "application/custom;6", Attachment: att}}

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("response listener not invoked")
	}
	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()
	select {
	case err := <-closed:
		t.Fatalf("Close returned while a response listener was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the listener finished")
	}
}
