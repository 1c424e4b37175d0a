package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"Assembler-Bus/internal/core/network"
	"Assembler-Bus/internal/core/protocol"
	"Assembler-Bus/internal/core/registry"
)

type sliceListener []int

func (sliceListener) OnReceive(protocol.Message) {}

func TestRegisterUnregisterLeavesNoResidue(t *testing.T) {
	tr := newTransport(t, network.NewMemorySession(network.MemoryOptions{}), dashboard)

	for name, topic := range map[string]protocol.Topic{
		"publish":  doorState,
		"request":  setTemp,
		"response": tr.ResponseTopic(),
	} {
		l := newRecorder()
		if err := tr.RegisterListener(topic, l); err != nil {
			t.Fatalf("%s register: %v", name, err)
		}
		if err := tr.UnregisterListener(topic, l); err != nil {
			t.Fatalf("%s unregister: %v", name, err)
		}
	}
	if n := tr.listeners.Subscriptions() + tr.listeners.Queryables() + tr.listeners.ResponseListeners(); n != 0 {
		t.Fatalf("%d registry entries left", n)
	}
}

func TestRegisterClassifiesTopic(t *testing.T) {
	tr := newTransport(t, network.NewMemorySession(network.MemoryOptions{}), dashboard)
	l := newRecorder()
	for _, topic := range []protocol.Topic{doorState, setTemp, tr.ResponseTopic()} {
		if err := tr.RegisterListener(topic, l); err != nil {
			t.Fatalf("register %s: %v", topic, err)
		}
	}
	if tr.listeners.Subscriptions() != 1 || tr.listeners.Queryables() != 1 || tr.listeners.ResponseListeners() != 1 {
		t.Fatalf("unexpected tables: %d subs %d queryables %d responses",
			tr.listeners.Subscriptions(), tr.listeners.Queryables(), tr.listeners.ResponseListeners())
	}
}

func TestUnregisterWithoutRegisterIsFatal(t *testing.T) {
	tr := newTransport(t, network.NewMemorySession(network.MemoryOptions{}), dashboard)
	registered, stranger := newRecorder(), newRecorder()
	if err := tr.RegisterListener(doorState, registered); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, topic := range []protocol.Topic{doorState, setTemp, tr.ResponseTopic(), wildcard} {
		err := tr.UnregisterListener(topic, stranger)
		if !errors.Is(err, ErrListenerNotRegistered) || !errors.Is(err, registry.ErrNotFound) {
			t.Fatalf("%s: expected ErrListenerNotRegistered, got %v", topic, err)
		}
		var st *protocol.Status
		if errors.As(err, &st) {
			t.Fatalf("%s: not registered must not be a status, got %v", topic, err)
		}
	}
	if tr.listeners.Subscriptions() != 1 {
		t.Fatal("unregistering a stranger removed another listener")
	}
}

func TestRegisterRejectsUnusableListeners(t *testing.T) {
	tr := newTransport(t, network.NewMemorySession(network.MemoryOptions{}), dashboard)

	requireCode(t, tr.RegisterListener(doorState, nil), codes.InvalidArgument)
	requireCode(t, tr.RegisterListener(doorState, sliceListener{1}), codes.InvalidArgument)
	if err := tr.UnregisterListener(doorState, sliceListener{1}); !errors.Is(err, ErrListenerNotRegistered) {
		t.Fatalf("expected ErrListenerNotRegistered, got %v", err)
	}

	noResource := protocol.Topic{Authority: vehicle, Entity: protocol.Entity{Name: "door"}}
	requireCode(t, tr.RegisterListener(noResource, newRecorder()), codes.InvalidArgument)
	requireCode(t, tr.RegisterListener(protocol.Topic{}, newRecorder()), codes.InvalidArgument)
	requireCode(t, tr.UnregisterListener(noResource, newRecorder()), codes.InvalidArgument)
}

func TestWildcardRegistersAllThree(t *testing.T) {
	session := network.NewMemorySession(network.MemoryOptions{})
	tr := newTransport(t, session, dashboard)
	other := newTransport(t, session, hvac)

	l := newRecorder()
	if err := tr.RegisterListener(wildcard, l); err != nil {
		t.Fatalf("register: %v", err)
	}
	if tr.listeners.Subscriptions() != 1 || tr.listeners.Queryables() != 1 || tr.listeners.ResponseListeners() != 1 {
		t.Fatal("wildcard did not register all three listeners")
	}

	if err := other.Send(context.Background(), publish(t, doorState, "open")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := l.next(t); got.Attributes.Kind != protocol.KindPublish {
		t.Fatalf("unexpected message %s", got)
	}

	if _, err := other.InvokeMethod(context.Background(), setTemp, protocol.Payload{Data: []byte("21")}, protocol.CallOptions{TTL: 100}); err == nil {
		t.Fatal("nobody answers, the call must fail")
	}
	if got := l.next(t); got.Attributes.Kind != protocol.KindRequest {
		t.Fatalf("wildcard request listener got %s", got)
	}

	if err := tr.UnregisterListener(wildcard, l); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if n := tr.listeners.Subscriptions() + tr.listeners.Queryables() + tr.listeners.ResponseListeners(); n != 0 {
		t.Fatalf("%d entries left after wildcard unregister", n)
	}
}

func TestWildcardPartialFailureIsReported(t *testing.T) {
	session := newFaultySession()
	session.queryableErr = errors.New("queryables disabled")
	tr := newTransport(t, session, dashboard)

	err := tr.RegisterListener(wildcard, newRecorder())
	requireCode(t, err, codes.Internal)
	if !errors.Is(err, session.queryableErr) {
		t.Fatalf("cause lost: %v", err)
	}
	if tr.listeners.Subscriptions() != 1 || tr.listeners.ResponseListeners() != 1 || tr.listeners.Queryables() != 0 {
		t.Fatal("successful parts of a wildcard registration should remain")
	}
}

func TestReregisterReplacesHandle(t *testing.T) {
	session := network.NewMemorySession(network.MemoryOptions{})
	tr := newTransport(t, session, dashboard)
	l := newRecorder()
	for i := 0; i < 2; i++ {
		if err := tr.RegisterListener(doorState, l); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if tr.listeners.Subscriptions() != 1 {
		t.Fatalf("expected one subscription, got %d", tr.listeners.Subscriptions())
	}
	if err := tr.Send(context.Background(), publish(t, doorState, "open")); err != nil {
		t.Fatalf("send: %v", err)
	}
	l.next(t)
	l.none(t, 50*time.Millisecond)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	session := network.NewMemorySession(network.MemoryOptions{})
	tr := newTransport(t, session, dashboard)
	l := newRecorder()
	if err := tr.RegisterListener(doorState, l); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.UnregisterListener(doorState, l); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := tr.Send(context.Background(), publish(t, doorState, "open")); err != nil {
		t.Fatalf("send: %v", err)
	}
	l.none(t, 50*time.Millisecond)
}

func TestConcurrentDisjointRegistrations(t *testing.T) {
	tr := newTransport(t, network.NewMemorySession(network.MemoryOptions{}), dashboard)

	const n = 96
	var ops atomic.Int64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			entity := protocol.Entity{Name: fmt.Sprintf("svc%d", i), VersionMajor: 1}
			var topic protocol.Topic
			switch i % 3 {
			case 0:
				topic = protocol.Topic{Authority: vehicle, Entity: entity, Resource: protocol.Resource{Name: "state"}}
			case 1:
				topic = protocol.Topic{Authority: vehicle, Entity: entity, Resource: protocol.RPCMethod("Get")}
			default:
				topic = protocol.Topic{Authority: vehicle, Entity: entity, Resource: protocol.RPCResponse()}
			}
			l := newRecorder()
			if err := tr.RegisterListener(topic, l); err != nil {
				return fmt.Errorf("register %s: %w", topic, err)
			}
			ops.Add(1)
			if err := tr.UnregisterListener(topic, l); err != nil {
				return fmt.Errorf("unregister %s: %w", topic, err)
			}
			ops.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if ops.Load() != 2*n {
		t.Fatalf("expected %d operations, got %d", 2*n, ops.Load())
	}
	if n := tr.listeners.Subscriptions() + tr.listeners.Queryables() + tr.listeners.ResponseListeners(); n != 0 {
		t.Fatalf("%d registry entries left", n)
	}
}

func TestRegisterRacingCloseLeavesNoHandles(t *testing.T) {
	for i := 0; i < 32; i++ {
		tr, err := New(network.NewMemorySession(network.MemoryOptions{}), Options{Source: dashboard, Logger: zaptest.NewLogger(t)})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		var g errgroup.Group
		for _, topic := range []protocol.Topic{doorState, setTemp} {
			g.Go(func() error {
				if err := tr.RegisterListener(topic, newRecorder()); err != nil && !errors.Is(err, ErrClosed) {
					return fmt.Errorf("register %s: %w", topic, err)
				}
				return nil
			})
		}
		g.Go(tr.Close)
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		if n := tr.listeners.Subscriptions() + tr.listeners.Queryables(); n != 0 {
			t.Fatalf("round %d: %d handles outlived Close", i, n)
		}
	}
}
