package network

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"Assembler-Bus/internal/core/keyexpr"
)

// MemoryOptions configures a MemorySession.
type MemoryOptions struct {
	// Buffer is the per-handler delivery queue length.
	Buffer int
	Logger *zap.Logger
}

// MemorySession is a process-local substrate used for development and tests.
// Components see each other's traffic only when they share one MemorySession.
type MemorySession struct {
	r      *router
	closed atomic.Bool
}

func NewMemorySession(opts MemoryOptions) *MemorySession {
	return &MemorySession{r: newRouter(opts.Buffer, opts.Logger)}
}

func (m *MemorySession) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	if m.closed.Load() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyexpr.Validate(key); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	m.r.routeSample(Sample{
		Key:        key,
		Payload:    payload,
		Encoding:   opts.Encoding,
		Attachment: opts.Attachment,
		Priority:   opts.Priority,
	})
	return nil
}

func (m *MemorySession) Get(ctx context.Context, key string, opts GetOptions) (<-chan Reply, error) {
	if m.closed.Load() {
		return nil, ErrSessionClosed
	}
	if err := keyexpr.Validate(key); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	p := newPendingGet(ctx, opts.timeout(), m.r.buffer, -1, nil)
	delivered := m.r.routeQuery(key, opts.Target, func() *Query {
		var answered atomic.Bool
		return &Query{
			key:        key,
			payload:    append([]byte(nil), opts.Payload...),
			hasPayload: opts.Payload != nil,
			encoding:   opts.Encoding,
			attachment: opts.Attachment,
			reply: func(r Reply) error {
				return p.deliver(r, answered.CompareAndSwap(false, true))
			},
		}
	})
	p.expect(delivered)
	return p.ch, nil
}

func (m *MemorySession) DeclareSubscriber(key string, handler func(Sample)) (Subscriber, error) {
	return m.r.declareSubscriber(key, handler)
}

func (m *MemorySession) DeclareQueryable(key string, handler func(*Query)) (Queryable, error) {
	return m.r.declareQueryable(key, handler)
}

func (m *MemorySession) Close() error {
	m.closed.Store(true)
	m.r.close()
	return nil
}
