package registry

import (
	"time"

	"github.com/google/uuid"

	"Assembler-Bus/internal/core/network"
	"Assembler-Bus/internal/core/protocol"
)

// ListenerKey identifies a (topic, listener) registration. Topic is the
// serialized topic.
type ListenerKey struct {
	Topic    string
	Listener protocol.Listener
}

func KeyOf(topic protocol.Topic, l protocol.Listener) ListenerKey {
	return ListenerKey{Topic: topic.Key(), Listener: l}
}

// PendingQuery is an unanswered inbound request.
type PendingQuery struct {
	Query    *network.Query
	Deadline time.Time
}

// Listeners owns the four tables of a transport, one lock each.
type Listeners struct {
	subscriptions Map[ListenerKey, network.Subscriber]
	queryables    Map[ListenerKey, network.Queryable]
	responses     Map[string, protocol.Listener]
	pending       Map[string, PendingQuery]
}

func NewListeners() *Listeners {
	return &Listeners{}
}

// UpsertSubscription records sub and returns the handle it replaced, if any.
func (l *Listeners) UpsertSubscription(topic protocol.Topic, lst protocol.Listener, sub network.Subscriber) (network.Subscriber, bool) {
	return l.subscriptions.Upsert(KeyOf(topic, lst), sub)
}

func (l *Listeners) RemoveSubscription(topic protocol.Topic, lst protocol.Listener) (network.Subscriber, error) {
	return l.subscriptions.Remove(KeyOf(topic, lst))
}

func (l *Listeners) UpsertQueryable(topic protocol.Topic, lst protocol.Listener, q network.Queryable) (network.Queryable, bool) {
	return l.queryables.Upsert(KeyOf(topic, lst), q)
}

func (l *Listeners) RemoveQueryable(topic protocol.Topic, lst protocol.Listener) (network.Queryable, error) {
	return l.queryables.Remove(KeyOf(topic, lst))
}

// SetResponseListener makes lst the only response listener of source.
func (l *Listeners) SetResponseListener(source protocol.Topic, lst protocol.Listener) (protocol.Listener, bool) {
	return l.responses.Upsert(source.Key(), lst)
}

func (l *Listeners) ResponseListener(source protocol.Topic) (protocol.Listener, bool) {
	return l.responses.Get(source.Key())
}

// RemoveResponseListener removes the response listener of source. lst must be
// the registered listener, otherwise nothing is removed and ErrNotFound is
// returned.
func (l *Listeners) RemoveResponseListener(source protocol.Topic, lst protocol.Listener) error {
	l.responses.mu.Lock()
	defer l.responses.mu.Unlock()
	cur, ok := l.responses.m[source.Key()]
	if !ok || cur != lst {
		return ErrNotFound
	}
	delete(l.responses.m, source.Key())
	return nil
}

// TrackPendingQuery records q as the live query of request reqID.
func (l *Listeners) TrackPendingQuery(reqID uuid.UUID, q *network.Query, deadline time.Time) {
	l.pending.Upsert(reqID.String(), PendingQuery{Query: q, Deadline: deadline})
}

// TakePendingQuery removes and returns the query of request reqID.
func (l *Listeners) TakePendingQuery(reqID uuid.UUID) (*network.Query, error) {
	p, err := l.pending.Remove(reqID.String())
	if err != nil {
		return nil, err
	}
	return p.Query, nil
}

// ExpirePendingQueries evicts queries whose deadline is before now and
// returns how many were evicted.
func (l *Listeners) ExpirePendingQueries(now time.Time) int {
	expired := l.pending.RemoveIf(func(_ string, p PendingQuery) bool {
		return p.Deadline.Before(now)
	})
	return len(expired)
}

// DrainHandles empties the subscription and queryable tables and returns
// their substrate handles.
func (l *Listeners) DrainHandles() ([]network.Subscriber, []network.Queryable) {
	subs := l.subscriptions.Drain()
	qs := l.queryables.Drain()
	outSubs := make([]network.Subscriber, 0, len(subs))
	for _, s := range subs {
		outSubs = append(outSubs, s)
	}
	outQs := make([]network.Queryable, 0, len(qs))
	for _, q := range qs {
		outQs = append(outQs, q)
	}
	return outSubs, outQs
}

// Clear drops the response listeners and pending queries.
func (l *Listeners) Clear() {
	l.responses.Drain()
	l.pending.Drain()
}

func (l *Listeners) Subscriptions() int     { return l.subscriptions.Len() }
func (l *Listeners) Queryables() int        { return l.queryables.Len() }
func (l *Listeners) ResponseListeners() int { return l.responses.Len() }
func (l *Listeners) PendingQueries() int    { return l.pending.Len() }
