// Package transport implements the bus transport on top of a network.Session:
// it routes the four message kinds onto put, subscribe and query, keeps the
// listener tables and runs blocking RPC calls.
package transport

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"Assembler-Bus/internal/core/codec"
	"Assembler-Bus/internal/core/network"
	"Assembler-Bus/internal/core/protocol"
	"Assembler-Bus/internal/core/registry"
)

const (
	defaultSweepInterval = time.Second
	// invokeSlack bounds how long InvokeMethod waits past the call timeout for
	// the substrate to close the reply stream.
	invokeSlack = 250 * time.Millisecond
)

var (
	ErrClosed = errors.New("transport closed")
	// ErrListenerNotRegistered is returned by UnregisterListener when the
	// listener was never registered for the topic. It is a caller error and is
	// never wrapped in a *protocol.Status.
	ErrListenerNotRegistered = errors.New("listener not registered")
)

// Codec maps bus metadata onto substrate metadata.
type Codec interface {
	AttributesToAttachment(protocol.Attributes) ([]byte, error)
	AttachmentToAttributes([]byte) (protocol.Attributes, error)
	FormatToEncoding(protocol.Format) (network.Encoding, error)
	EncodingToFormat(network.Encoding) (protocol.Format, error)
	MapPriority(protocol.Priority) (network.Priority, error)
	TopicToKey(protocol.Topic) (string, error)
}

// Options configures a Transport.
type Options struct {
	// Source is the entity this transport speaks for. InvokeMethod uses its
	// RPC response address as the request source.
	Source protocol.Topic
	// Codec defaults to codec.New(codec.Options{}).
	Codec  Codec
	Logger *zap.Logger
	// DefaultTimeout applies to requests without a ttl.
	DefaultTimeout time.Duration
	// SweepInterval is how often expired pending queries are evicted.
	SweepInterval time.Duration
	// Registerer receives the transport metrics when set.
	Registerer prometheus.Registerer
}

// Transport is safe for concurrent use. Listeners are invoked on substrate
// goroutines and may call back into the transport.
type Transport struct {
	session        network.Session
	codec          Codec
	logger         *zap.Logger
	responseTopic  protocol.Topic
	defaultTimeout time.Duration
	listeners      *registry.Listeners
	metrics        *metrics

	// life orders the closed flag against registrations and wg.Add.
	life   sync.RWMutex
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(session network.Session, opts Options) (*Transport, error) {
	if session == nil {
		return nil, errors.New("transport: nil session")
	}
	if opts.Source.Entity.Name == "" {
		return nil, protocol.NewStatus(codes.InvalidArgument, "source entity required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = network.DefaultQueryTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Codec == nil {
		c, err := codec.New(codec.Options{})
		if err != nil {
			return nil, fmt.Errorf("default codec: %w", err)
		}
		opts.Codec = c
	}

	t := &Transport{
		session:        session,
		codec:          opts.Codec,
		logger:         opts.Logger,
		responseTopic:  opts.Source.WithResource(protocol.RPCResponse()),
		defaultTimeout: opts.DefaultTimeout,
		listeners:      registry.NewListeners(),
		done:           make(chan struct{}),
	}
	t.metrics = newMetrics(t.listeners)
	if opts.Registerer != nil {
		if err := t.metrics.register(opts.Registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	t.wg.Add(1)
	go t.sweep(opts.SweepInterval)
	return t, nil
}

// ResponseTopic is the address InvokeMethod replies are sent to.
func (t *Transport) ResponseTopic() protocol.Topic { return t.responseTopic }

// Close undeclares every substrate registration and closes the session. It
// waits for running response listeners, so it must not be called from one.
func (t *Transport) Close() error {
	t.life.Lock()
	first := t.closed.CompareAndSwap(false, true)
	t.life.Unlock()
	if !first {
		return nil
	}
	close(t.done)
	t.wg.Wait()

	var err error
	subs, queryables := t.listeners.DrainHandles()
	for _, s := range subs {
		err = multierr.Append(err, s.Undeclare())
	}
	for _, q := range queryables {
		err = multierr.Append(err, q.Undeclare())
	}
	t.listeners.Clear()
	return multierr.Append(err, t.session.Close())
}

// sweep evicts pending queries nobody answered before their deadline.
func (t *Transport) sweep(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			if n := t.listeners.ExpirePendingQueries(now); n > 0 {
				t.metrics.expired.Add(float64(n))
				t.logger.Debug("expired pending queries", zap.Int("count", n))
			}
		}
	}
}

// spawn runs fn on a goroutine Close waits for. It reports false once the
// transport is closed.
func (t *Transport) spawn(fn func()) bool {
	t.life.RLock()
	defer t.life.RUnlock()
	if t.closed.Load() {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

func (t *Transport) closedStatus() error {
	return protocol.WrapStatus(codes.Internal, ErrClosed, "transport unusable")
}

// comparableListener reports whether l can be used as a table key.
func comparableListener(l protocol.Listener) bool {
	return l != nil && reflect.TypeOf(l).Comparable()
}

func requestTimeout(ttl uint32, def time.Duration) time.Duration {
	if ttl == 0 {
		return def
	}
	return time.Duration(ttl) * time.Millisecond
}
