package transport

import (
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"Assembler-Bus/internal/core/network"
	"Assembler-Bus/internal/core/protocol"
	"Assembler-Bus/internal/core/registry"
)

// inbound holds what every callback needs to turn substrate data back into
// messages.
type inbound struct {
	codec   Codec
	logger  *zap.Logger
	metrics *metrics
}

func (t *Transport) inbound() inbound {
	return inbound{codec: t.codec, logger: t.logger, metrics: t.metrics}
}

func (in inbound) drop(path, key string, err error) {
	in.metrics.dropped(path)
	in.logger.Warn("inbound message dropped", zap.String("path", path), zap.String("key", key), zap.Error(err))
}

func (in inbound) decodeAttributes(attachment []byte) (protocol.Attributes, error) {
	attrs, err := in.codec.AttachmentToAttributes(attachment)
	if err != nil {
		return attrs, protocol.WrapStatus(codes.Internal, err, "decode attributes")
	}
	return attrs, nil
}

func (in inbound) decodePayload(data []byte, enc network.Encoding) (protocol.Payload, error) {
	format, err := in.codec.EncodingToFormat(enc)
	if err != nil {
		return protocol.Payload{}, protocol.WrapStatus(codes.Internal, err, "decode encoding")
	}
	return protocol.Payload{Format: format, Data: data}, nil
}

func (in inbound) decodeSample(s network.Sample) (protocol.Message, error) {
	attrs, err := in.decodeAttributes(s.Attachment)
	if err != nil {
		return protocol.Message{}, err
	}
	payload, err := in.decodePayload(s.Payload, s.Encoding)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{Attributes: attrs, Payload: payload}, nil
}

// subscriberCallback delivers publish and notification samples.
type subscriberCallback struct {
	inbound
	listener protocol.Listener
}

func (c *subscriberCallback) handle(s network.Sample) {
	msg, err := c.decodeSample(s)
	if err != nil {
		c.drop(pathSubscriber, s.Key, err)
		return
	}
	c.metrics.delivered(pathSubscriber)
	c.listener.OnReceive(msg)
}

// queryableCallback delivers requests and tracks their query until a
// response is sent or the deadline passes.
type queryableCallback struct {
	inbound
	listeners      *registry.Listeners
	listener       protocol.Listener
	defaultTimeout time.Duration
}

func (c *queryableCallback) handle(q *network.Query) {
	attrs, err := c.decodeRequest(q.Attachment())
	if err != nil {
		c.drop(pathQueryable, q.Key(), err)
		return
	}
	payload := protocol.Payload{Format: protocol.FormatUnspecified}
	if data, enc, ok := q.Payload(); ok {
		if payload, err = c.decodePayload(data, enc); err != nil {
			c.drop(pathQueryable, q.Key(), err)
			return
		}
	}
	deadline := time.Now().Add(requestTimeout(attrs.TTL, c.defaultTimeout))
	c.listeners.TrackPendingQuery(attrs.ID, q, deadline)
	c.metrics.delivered(pathQueryable)
	c.listener.OnReceive(protocol.Message{Attributes: attrs, Payload: payload})
}

// decodeRequest rejects attachments that do not carry valid request
// attributes.
func (c *queryableCallback) decodeRequest(attachment []byte) (protocol.Attributes, error) {
	attrs, err := c.decodeAttributes(attachment)
	if err != nil {
		return attrs, err
	}
	if attrs.Kind != protocol.KindRequest {
		return attrs, protocol.NewStatus(codes.Internal, "query carries %s attributes", attrs.Kind)
	}
	if err := attrs.Validate(); err != nil {
		return attrs, protocol.WrapStatus(codes.Internal, err, "invalid request attributes")
	}
	return attrs, nil
}

// replyCallback feeds replies to a request issued through Send into the
// response listener of the request source.
type replyCallback struct {
	inbound
	listener protocol.Listener
	request  protocol.Attributes
}

func (c *replyCallback) handle(r network.Reply) {
	if !r.OK() {
		c.metrics.dropped(pathReply)
		c.logger.Warn("query answered with error",
			zap.Stringer("req_id", c.request.ID),
			zap.Stringer("sink", c.request.Sink),
			zap.Error(r.Err),
		)
		return
	}
	msg, err := c.decodeSample(r.Sample)
	if err != nil {
		c.drop(pathReply, r.Sample.Key, err)
		return
	}
	c.metrics.delivered(pathReply)
	c.listener.OnReceive(msg)
}
