package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"Assembler-Bus/internal/core/network"
	"Assembler-Bus/internal/core/protocol"
)

// InvokeMethod calls the RPC method at topic and blocks until the first
// reply, the call timeout or ctx cancellation. The timeout is opts.TTL, or
// the transport default when unset. Replies after the first are discarded.
//
// Every failure after the query is issued is reported as an internal status.
func (t *Transport) InvokeMethod(ctx context.Context, method protocol.Topic, payload protocol.Payload, opts protocol.CallOptions) (protocol.Message, error) {
	msg, err := t.invoke(ctx, method, payload, opts)
	t.metrics.observeCall(err)
	return msg, err
}

func (t *Transport) invoke(ctx context.Context, method protocol.Topic, payload protocol.Payload, opts protocol.CallOptions) (protocol.Message, error) {
	if t.closed.Load() {
		return protocol.Message{}, t.closedStatus()
	}
	if err := method.Validate(); err != nil {
		return protocol.Message{}, protocol.WrapStatus(codes.InvalidArgument, err, "invalid method topic")
	}
	key, err := t.codec.TopicToKey(method)
	if err != nil {
		return protocol.Message{}, protocol.WrapStatus(codes.InvalidArgument, err, "method key")
	}

	timeout := opts.Timeout(t.defaultTimeout)
	priority := protocol.PriorityCS4
	if opts.Priority > priority && opts.Priority <= protocol.PriorityCS6 {
		priority = opts.Priority
	}
	attrs, err := protocol.NewRequest(t.responseTopic, method, priority, uint32(timeout.Milliseconds()))
	if err != nil {
		return protocol.Message{}, protocol.WrapStatus(codes.InvalidArgument, err, "request attributes")
	}
	attrs.Token = opts.Token
	if payload.Empty() {
		return protocol.Message{}, protocol.NewStatus(codes.InvalidArgument, "payload required")
	}
	e, err := t.encode(protocol.Message{Attributes: attrs, Payload: payload})
	if err != nil {
		return protocol.Message{}, err
	}

	replies, err := t.session.Get(ctx, key, network.GetOptions{
		Payload:    payload.Data,
		Encoding:   e.encoding,
		Attachment: e.attachment,
		Target:     network.TargetBestMatching,
		Timeout:    timeout,
	})
	if err != nil {
		return protocol.Message{}, protocol.WrapStatus(codes.Internal, err, "query")
	}
	t.logger.Debug("invoke", zap.String("key", key), zap.Stringer("id", attrs.ID), zap.Duration("timeout", timeout))

	first := awaitFirst(replies)
	timer := time.NewTimer(timeout + invokeSlack)
	defer timer.Stop()

	select {
	case r, ok := <-first:
		if !ok {
			return protocol.Message{}, protocol.NewStatus(codes.Internal, "no reply from %s within %s", method, timeout)
		}
		return t.decodeCallReply(r, attrs)
	case <-timer.C:
		return protocol.Message{}, protocol.NewStatus(codes.Internal, "call to %s timed out after %s", method, timeout)
	case <-ctx.Done():
		return protocol.Message{}, protocol.WrapStatus(codes.Internal, ctx.Err(), "call to "+method.String())
	}
}

// awaitFirst resolves the returned slot with the first reply on replies, or
// closes it when the stream ends without one. Later replies are drained and
// discarded.
func awaitFirst(replies <-chan network.Reply) <-chan network.Reply {
	slot := make(chan network.Reply, 1)
	go func() {
		resolved := false
		for r := range replies {
			if !resolved {
				slot <- r
				resolved = true
			}
		}
		if !resolved {
			close(slot)
		}
	}()
	return slot
}

func (t *Transport) decodeCallReply(r network.Reply, request protocol.Attributes) (protocol.Message, error) {
	if !r.OK() {
		return protocol.Message{}, protocol.WrapStatus(codes.Internal, r.Err, "error reply")
	}
	in := t.inbound()
	payload, err := in.decodePayload(r.Sample.Payload, r.Sample.Encoding)
	if err != nil {
		return protocol.Message{}, err
	}
	attrs := request
	if len(r.Sample.Attachment) > 0 {
		if attrs, err = in.decodeAttributes(r.Sample.Attachment); err != nil {
			return protocol.Message{}, err
		}
	}
	return protocol.Message{Attributes: attrs, Payload: payload}, nil
}
