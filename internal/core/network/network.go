package network

import (
	"context"
	"errors"
	"time"
)

// DefaultQueryTimeout bounds a Get issued without an explicit timeout.
const DefaultQueryTimeout = 10 * time.Second

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrQueryClosed     = errors.New("query already completed")
	ErrReplyDropped    = errors.New("reply dropped: receiver not keeping up")
	ErrReplyKeyInvalid = errors.New("reply key does not match query")
	ErrRemoteReply     = errors.New("remote queryable replied with error")
)

// Encoding tags payload bytes so the receiver can interpret them.
type Encoding string

// Priority is the substrate class of service, 1 is the most urgent.
type Priority int

const (
	PriorityRealTime Priority = iota + 1
	PriorityInteractiveHigh
	PriorityInteractiveLow
	PriorityDataHigh
	PriorityData
	PriorityDataLow
	PriorityBackground
)

// QueryTarget selects which matching queryables receive a query.
type QueryTarget int

const (
	TargetBestMatching QueryTarget = iota
	TargetAll
)

// Sample is one unit of data delivered to subscribers or returned as a reply.
type Sample struct {
	Key        string
	Payload    []byte
	Encoding   Encoding
	Attachment []byte
	Priority   Priority
}

// Reply is one answer to a Get. Err is set when the queryable answered with an
// error instead of a sample.
type Reply struct {
	Sample Sample
	Err    error
}

func (r Reply) OK() bool { return r.Err == nil }

type PutOptions struct {
	Encoding   Encoding
	Attachment []byte
	Priority   Priority
}

type GetOptions struct {
	// Payload is sent with the query when non-nil.
	Payload    []byte
	Encoding   Encoding
	Attachment []byte
	Target     QueryTarget
	// Timeout zero means DefaultQueryTimeout.
	Timeout time.Duration
}

func (o GetOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultQueryTimeout
	}
	return o.Timeout
}

// Subscriber is a live subscription. Undeclare stops delivery.
type Subscriber interface {
	Key() string
	Undeclare() error
}

// Queryable is a live query handler registration.
type Queryable interface {
	Key() string
	Undeclare() error
}

// Session is the pub/sub and query substrate the bus transport runs on.
//
// Handlers passed to DeclareSubscriber and DeclareQueryable run on session
// goroutines, concurrently with each other and with the caller.
type Session interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	// Get issues a query and returns the stream of replies. The channel is
	// closed once the query completes or its timeout expires.
	Get(ctx context.Context, key string, opts GetOptions) (<-chan Reply, error)
	DeclareSubscriber(key string, handler func(Sample)) (Subscriber, error)
	DeclareQueryable(key string, handler func(*Query)) (Queryable, error)
	Close() error
}
