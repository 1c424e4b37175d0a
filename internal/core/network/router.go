package network

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"Assembler-Bus/internal/core/keyexpr"
)

const defaultBuffer = 64

// dispatcher runs a handler on its own goroutine, fed by a buffered channel.
type dispatcher[T any] struct {
	ch chan T
}

func newDispatcher[T any](buffer int, logger *zap.Logger, key string, handle func(T)) *dispatcher[T] {
	d := &dispatcher[T]{ch: make(chan T, buffer)}
	go func() {
		for v := range d.ch {
			invoke(logger, key, handle, v)
		}
	}()
	return d
}

func invoke[T any](logger *zap.Logger, key string, handle func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	handle(v)
}

// push never blocks; a full buffer drops v so one slow handler cannot stall
// the session.
func (d *dispatcher[T]) push(v T) bool {
	select {
	case d.ch <- v:
		return true
	default:
		return false
	}
}

func (d *dispatcher[T]) close() { close(d.ch) }

// router keeps the local subscriber and queryable declarations and matches
// keys against them.
type router struct {
	logger *zap.Logger
	buffer int

	mu         sync.RWMutex
	closed     bool
	nextID     int
	subs       map[int]*subscriber
	queryables map[int]*queryable
}

func newRouter(buffer int, logger *zap.Logger) *router {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &router{
		logger:     logger,
		buffer:     buffer,
		subs:       make(map[int]*subscriber),
		queryables: make(map[int]*queryable),
	}
}

type subscriber struct {
	r    *router
	id   int
	key  string
	disp *dispatcher[Sample]
}

func (s *subscriber) Key() string { return s.key }

func (s *subscriber) Undeclare() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if _, ok := s.r.subs[s.id]; ok {
		delete(s.r.subs, s.id)
		s.disp.close()
	}
	return nil
}

type queryable struct {
	r    *router
	id   int
	key  string
	disp *dispatcher[*Query]
}

func (q *queryable) Key() string { return q.key }

func (q *queryable) Undeclare() error {
	q.r.mu.Lock()
	defer q.r.mu.Unlock()
	if _, ok := q.r.queryables[q.id]; ok {
		delete(q.r.queryables, q.id)
		q.disp.close()
	}
	return nil
}

func (r *router) declareSubscriber(key string, handler func(Sample)) (*subscriber, error) {
	if err := keyexpr.Validate(key); err != nil {
		return nil, fmt.Errorf("declare subscriber: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrSessionClosed
	}
	id := r.nextID
	r.nextID++
	s := &subscriber{r: r, id: id, key: key, disp: newDispatcher(r.buffer, r.logger, key, handler)}
	r.subs[id] = s
	r.logger.Debug("subscriber declared", zap.String("key", key))
	return s, nil
}

func (r *router) declareQueryable(key string, handler func(*Query)) (*queryable, error) {
	if err := keyexpr.Validate(key); err != nil {
		return nil, fmt.Errorf("declare queryable: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrSessionClosed
	}
	id := r.nextID
	r.nextID++
	q := &queryable{r: r, id: id, key: key, disp: newDispatcher(r.buffer, r.logger, key, handler)}
	r.queryables[id] = q
	r.logger.Debug("queryable declared", zap.String("key", key))
	return q, nil
}

// routeSample delivers s to every matching subscriber and returns how many
// accepted it.
func (r *router) routeSample(s Sample) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, sub := range r.subs {
		if !keyexpr.Intersects(sub.key, s.Key) {
			continue
		}
		cp := s
		cp.Payload = append([]byte(nil), s.Payload...)
		if sub.disp.push(cp) {
			delivered++
		} else {
			r.logger.Warn("subscriber buffer full, sample dropped", zap.String("key", sub.key))
		}
	}
	return delivered
}

// routeQuery hands a query for key to the selected queryables. newQuery is
// called once per receiving queryable. It returns how many accepted it.
func (r *router) routeQuery(key string, target QueryTarget, newQuery func() *Query) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := r.matchQueryablesLocked(key, target)
	delivered := 0
	for _, q := range matched {
		if q.disp.push(newQuery()) {
			delivered++
		} else {
			r.logger.Warn("queryable buffer full, query dropped", zap.String("key", q.key))
		}
	}
	return delivered
}

func (r *router) matchQueryablesLocked(key string, target QueryTarget) []*queryable {
	var matched []*queryable
	var best *queryable
	for _, q := range r.queryables {
		if !keyexpr.Intersects(q.key, key) {
			continue
		}
		if target == TargetAll {
			matched = append(matched, q)
			continue
		}
		if best == nil || betterMatch(q, best, key) {
			best = q
		}
	}
	if best != nil {
		matched = append(matched, best)
	}
	return matched
}

// betterMatch prefers a queryable declared on exactly key, then one that
// fully includes key, then the oldest declaration.
func betterMatch(a, b *queryable, key string) bool {
	if ae, be := a.key == key, b.key == key; ae != be {
		return ae
	}
	if ai, bi := keyexpr.Includes(a.key, key), keyexpr.Includes(b.key, key); ai != bi {
		return ai
	}
	return a.id < b.id
}

func (r *router) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, s := range r.subs {
		s.disp.close()
		delete(r.subs, id)
	}
	for id, q := range r.queryables {
		q.disp.close()
		delete(r.queryables, id)
	}
}
