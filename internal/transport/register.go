package transport

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"Assembler-Bus/internal/core/protocol"
	"Assembler-Bus/internal/core/registry"
)

// RegisterListener attaches l to topic. RPC response addresses register a
// response listener, RPC method addresses a request listener and every other
// topic a publish/notification listener. A wildcard topic registers all
// three; if any of them fails the error is reported and the registrations
// that succeeded stay in place.
//
// Registering the same (topic, listener) pair again replaces the earlier
// registration. l must be comparable.
func (t *Transport) RegisterListener(topic protocol.Topic, l protocol.Listener) error {
	// Held until the handle is recorded so Close drains it.
	t.life.RLock()
	defer t.life.RUnlock()
	if t.closed.Load() {
		return t.closedStatus()
	}
	if !comparableListener(l) {
		return protocol.NewStatus(codes.InvalidArgument, "listener must be a non-nil comparable value")
	}
	if topic.IsWildcard() {
		err := multierr.Combine(
			t.registerResponseListener(topic, l),
			t.registerRequestListener(topic, l),
			t.registerPublishListener(topic, l),
		)
		if err != nil {
			return protocol.WrapStatus(codes.Internal, err, "wildcard registration for "+topic.String())
		}
		return nil
	}
	if err := topic.Validate(); err != nil {
		return protocol.WrapStatus(codes.InvalidArgument, err, "invalid topic")
	}
	switch {
	case topic.IsRPCResponse():
		return t.registerResponseListener(topic, l)
	case topic.IsRPCMethod():
		return t.registerRequestListener(topic, l)
	default:
		return t.registerPublishListener(topic, l)
	}
}

func (t *Transport) registerResponseListener(topic protocol.Topic, l protocol.Listener) error {
	t.listeners.SetResponseListener(topic, l)
	return nil
}

func (t *Transport) registerRequestListener(topic protocol.Topic, l protocol.Listener) error {
	key, err := t.codec.TopicToKey(topic)
	if err != nil {
		return protocol.WrapStatus(codes.InvalidArgument, err, "topic key")
	}
	cb := &queryableCallback{
		inbound:        t.inbound(),
		listeners:      t.listeners,
		listener:       l,
		defaultTimeout: t.defaultTimeout,
	}
	q, err := t.session.DeclareQueryable(key, cb.handle)
	if err != nil {
		return protocol.WrapStatus(codes.Internal, err, "declare queryable")
	}
	if prev, replaced := t.listeners.UpsertQueryable(topic, l, q); replaced {
		t.undeclare(prev.Undeclare, prev.Key())
	}
	return nil
}

func (t *Transport) registerPublishListener(topic protocol.Topic, l protocol.Listener) error {
	key, err := t.codec.TopicToKey(topic)
	if err != nil {
		return protocol.WrapStatus(codes.InvalidArgument, err, "topic key")
	}
	cb := &subscriberCallback{inbound: t.inbound(), listener: l}
	sub, err := t.session.DeclareSubscriber(key, cb.handle)
	if err != nil {
		return protocol.WrapStatus(codes.Internal, err, "declare subscriber")
	}
	if prev, replaced := t.listeners.UpsertSubscription(topic, l, sub); replaced {
		t.undeclare(prev.Undeclare, prev.Key())
	}
	return nil
}

func (t *Transport) undeclare(fn func() error, key string) {
	if err := fn(); err != nil {
		t.logger.Warn("undeclare replaced handle", zap.String("key", key), zap.Error(err))
	}
}

// UnregisterListener removes what RegisterListener(topic, l) added. If any
// targeted registration is missing the returned error wraps
// ErrListenerNotRegistered; the registrations that were found are still
// removed.
func (t *Transport) UnregisterListener(topic protocol.Topic, l protocol.Listener) error {
	if !comparableListener(l) {
		return fmt.Errorf("%w: listener is not comparable", ErrListenerNotRegistered)
	}
	if topic.IsWildcard() {
		return multierr.Combine(
			t.unregisterResponseListener(topic, l),
			t.unregisterRequestListener(topic, l),
			t.unregisterPublishListener(topic, l),
		)
	}
	if err := topic.Validate(); err != nil {
		return protocol.WrapStatus(codes.InvalidArgument, err, "invalid topic")
	}
	switch {
	case topic.IsRPCResponse():
		return t.unregisterResponseListener(topic, l)
	case topic.IsRPCMethod():
		return t.unregisterRequestListener(topic, l)
	default:
		return t.unregisterPublishListener(topic, l)
	}
}

func notRegistered(what string, topic protocol.Topic) error {
	return fmt.Errorf("%w: %s listener on %s: %w", ErrListenerNotRegistered, what, topic, registry.ErrNotFound)
}

func (t *Transport) unregisterResponseListener(topic protocol.Topic, l protocol.Listener) error {
	if err := t.listeners.RemoveResponseListener(topic, l); err != nil {
		return notRegistered("response", topic)
	}
	return nil
}

func (t *Transport) unregisterRequestListener(topic protocol.Topic, l protocol.Listener) error {
	q, err := t.listeners.RemoveQueryable(topic, l)
	if err != nil {
		return notRegistered("request", topic)
	}
	if err := q.Undeclare(); err != nil {
		return protocol.WrapStatus(codes.Internal, err, "undeclare queryable")
	}
	return nil
}

func (t *Transport) unregisterPublishListener(topic protocol.Topic, l protocol.Listener) error {
	sub, err := t.listeners.RemoveSubscription(topic, l)
	if err != nil {
		return notRegistered("publish", topic)
	}
	if err := sub.Undeclare(); err != nil {
		return protocol.WrapStatus(codes.Internal, err, "undeclare subscriber")
	}
	return nil
}
