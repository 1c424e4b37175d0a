package transport

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"Assembler-Bus/internal/core/network"
	"Assembler-Bus/internal/core/protocol"
)

// Send routes msg by its kind. Publish and notification messages are put on
// the key of their source and sink respectively, requests are issued as
// queries on the sink key and answered through the response listener of
// their source, and responses answer the pending query they correlate to.
//
// Requests do not block: Send returns once the query is issued.
func (t *Transport) Send(ctx context.Context, msg protocol.Message) error {
	err := t.send(ctx, msg)
	t.metrics.observeSend(msg.Attributes.Kind, err)
	return err
}

func (t *Transport) send(ctx context.Context, msg protocol.Message) error {
	if t.closed.Load() {
		return t.closedStatus()
	}
	attrs := msg.Attributes
	switch attrs.Kind {
	case protocol.KindPublish, protocol.KindNotification, protocol.KindRequest, protocol.KindResponse:
	default:
		return protocol.NewStatus(codes.InvalidArgument, "unknown message kind %s", attrs.Kind)
	}
	if err := attrs.Validate(); err != nil {
		return protocol.WrapStatus(codes.InvalidArgument, err, "invalid attributes")
	}

	switch attrs.Kind {
	case protocol.KindPublish:
		return t.sendData(ctx, attrs.Source, msg)
	case protocol.KindNotification:
		return t.sendData(ctx, attrs.Sink, msg)
	case protocol.KindRequest:
		key, err := t.codec.TopicToKey(attrs.Sink)
		if err != nil {
			return protocol.WrapStatus(codes.InvalidArgument, err, "sink key")
		}
		return t.sendRequest(ctx, key, msg)
	default:
		return t.sendResponse(msg)
	}
}

// encoded is the substrate metadata of an outbound message.
type encoded struct {
	attachment []byte
	encoding   network.Encoding
	priority   network.Priority
}

func (t *Transport) encode(msg protocol.Message) (encoded, error) {
	var e encoded
	var err error
	if e.attachment, err = t.codec.AttributesToAttachment(msg.Attributes); err != nil {
		return e, protocol.WrapStatus(codes.InvalidArgument, err, "encode attributes")
	}
	if e.priority, err = t.codec.MapPriority(msg.Attributes.Priority); err != nil {
		return e, protocol.WrapStatus(codes.InvalidArgument, err, "map priority")
	}
	if e.encoding, err = t.codec.FormatToEncoding(msg.Payload.Format); err != nil {
		return e, protocol.WrapStatus(codes.InvalidArgument, err, "map payload format")
	}
	return e, nil
}

func (t *Transport) sendData(ctx context.Context, topic protocol.Topic, msg protocol.Message) error {
	key, err := t.codec.TopicToKey(topic)
	if err != nil {
		return protocol.WrapStatus(codes.InvalidArgument, err, "topic key")
	}
	if msg.Payload.Empty() {
		return protocol.NewStatus(codes.InvalidArgument, "payload required")
	}
	e, err := t.encode(msg)
	if err != nil {
		return err
	}
	err = t.session.Put(ctx, key, msg.Payload.Data, network.PutOptions{
		Encoding:   e.encoding,
		Attachment: e.attachment,
		Priority:   e.priority,
	})
	if err != nil {
		return protocol.WrapStatus(codes.Internal, err, "put")
	}
	t.logger.Debug("sent", zap.Stringer("kind", msg.Attributes.Kind), zap.String("key", key))
	return nil
}

func (t *Transport) sendRequest(ctx context.Context, key string, msg protocol.Message) error {
	if msg.Payload.Empty() {
		return protocol.NewStatus(codes.InvalidArgument, "payload required")
	}
	e, err := t.encode(msg)
	if err != nil {
		return err
	}
	attrs := msg.Attributes
	if attrs.Source.IsZero() {
		return protocol.NewStatus(codes.Internal, "request without source has no response listener")
	}
	listener, ok := t.listeners.ResponseListener(attrs.Source)
	if !ok {
		return protocol.NewStatus(codes.Internal, "no response listener for %s", attrs.Source)
	}

	// The query outlives Send, so it must not be cancelled with ctx.
	replies, err := t.session.Get(context.WithoutCancel(ctx), key, network.GetOptions{
		Payload:    msg.Payload.Data,
		Encoding:   e.encoding,
		Attachment: e.attachment,
		Target:     network.TargetBestMatching,
		Timeout:    requestTimeout(attrs.TTL, t.defaultTimeout),
	})
	if err != nil {
		return protocol.WrapStatus(codes.Internal, err, "query")
	}
	cb := &replyCallback{inbound: t.inbound(), listener: listener, request: attrs}
	if !t.spawn(func() { t.drainReplies(replies, cb) }) {
		return t.closedStatus()
	}
	t.logger.Debug("sent", zap.Stringer("kind", attrs.Kind), zap.String("key", key), zap.Stringer("id", attrs.ID))
	return nil
}

func (t *Transport) drainReplies(replies <-chan network.Reply, cb *replyCallback) {
	for {
		select {
		case <-t.done:
			return
		case r, ok := <-replies:
			if !ok {
				return
			}
			cb.handle(r)
		}
	}
}

func (t *Transport) sendResponse(msg protocol.Message) error {
	attrs := msg.Attributes
	e, err := t.encode(msg)
	if err != nil {
		return err
	}
	q, err := t.listeners.TakePendingQuery(attrs.ReqID)
	if err != nil {
		return protocol.WrapStatus(codes.Internal, err, "no matching query for request "+attrs.ReqID.String())
	}
	err = q.Reply(network.Sample{
		Key:        q.Key(),
		Payload:    msg.Payload.Data,
		Encoding:   e.encoding,
		Attachment: e.attachment,
		Priority:   e.priority,
	})
	if err != nil {
		return protocol.WrapStatus(codes.Internal, err, "reply")
	}
	t.logger.Debug("sent", zap.Stringer("kind", attrs.Kind), zap.String("key", q.Key()), zap.Stringer("req_id", attrs.ReqID))
	return nil
}
