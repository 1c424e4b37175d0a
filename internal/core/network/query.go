package network

import (
	"context"
	"sync"
	"time"

	"Assembler-Bus/internal/core/keyexpr"
)

// Query is an incoming query handed to a queryable handler. It may be
// answered after the handler returns, until the querier's timeout expires.
type Query struct {
	key        string
	payload    []byte
	hasPayload bool
	encoding   Encoding
	attachment []byte
	reply      func(Reply) error
}

func (q *Query) Key() string { return q.key }

// Payload returns the value sent with the query; ok is false when the query
// carried none.
func (q *Query) Payload() (data []byte, enc Encoding, ok bool) {
	return q.payload, q.encoding, q.hasPayload
}

func (q *Query) Attachment() []byte { return q.attachment }

// Reply answers the query with s. An empty s.Key defaults to the query key.
func (q *Query) Reply(s Sample) error {
	if s.Key == "" {
		s.Key = q.key
	}
	if !keyexpr.Intersects(q.key, s.Key) {
		return ErrReplyKeyInvalid
	}
	return q.reply(Reply{Sample: s})
}

// ReplyErr answers the query with an error.
func (q *Query) ReplyErr(err error) error {
	return q.reply(Reply{Err: err})
}

// pendingGet is the querier side of one Get: a reply channel that closes
// exactly once, on timeout, on context cancellation, or when every expected
// queryable has answered.
type pendingGet struct {
	mu       sync.Mutex
	ch       chan Reply
	expected int
	answered int
	done     bool
	timer    *time.Timer
	stop     func() bool
	onDone   func()
}

// newPendingGet starts the timeout clock. expected < 0 means the number of
// answering queryables is unknown and only the timeout completes the query.
func newPendingGet(ctx context.Context, timeout time.Duration, buffer, expected int, onDone func()) *pendingGet {
	p := &pendingGet{
		ch:       make(chan Reply, buffer),
		expected: expected,
		onDone:   onDone,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = time.AfterFunc(timeout, p.finish)
	p.stop = context.AfterFunc(ctx, p.finish)
	if expected == 0 {
		p.finishLocked()
	}
	return p
}

// deliver hands r to the querier. final marks the first answer of one
// queryable.
func (p *pendingGet) deliver(r Reply, final bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return ErrQueryClosed
	}
	select {
	case p.ch <- r:
	default:
		return ErrReplyDropped
	}
	if final {
		p.answered++
		if p.expected > 0 && p.answered >= p.expected {
			p.finishLocked()
		}
	}
	return nil
}

// expect fixes the number of queryables that received the query once routing
// is done.
func (p *pendingGet) expect(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expected = n
	if p.answered >= n {
		p.finishLocked()
	}
}

func (p *pendingGet) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *pendingGet) finishLocked() {
	if p.done {
		return
	}
	p.done = true
	p.timer.Stop()
	p.stop()
	close(p.ch)
	if p.onDone != nil {
		p.onDone()
	}
}
