package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is the closed set of message kinds carried on the bus.
type Kind int32

const (
	KindUnspecified Kind = iota
	KindPublish
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// Priority is the class of service of a message, CS0 lowest.
type Priority int32

const (
	PriorityUnspecified Priority = iota
	PriorityCS0
	PriorityCS1
	PriorityCS2
	PriorityCS3
	PriorityCS4
	PriorityCS5
	PriorityCS6
)

func (p Priority) String() string {
	if p >= PriorityCS0 && p <= PriorityCS6 {
		return fmt.Sprintf("CS%d", int32(p-PriorityCS0))
	}
	return "unspecified"
}

var (
	ErrMissingSource     = errors.New("source topic required")
	ErrUnexpectedSink    = errors.New("sink topic not allowed")
	ErrMissingSink       = errors.New("sink topic required")
	ErrMissingID         = errors.New("message id required")
	ErrMissingRequestID  = errors.New("request id required")
	ErrUnknownKind       = errors.New("unknown message kind")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrInvalidAttributes = errors.New("invalid attributes")
)

// Attributes carry everything about a message except its payload.
//
// The fields a kind requires:
//
//	publish:      ID, Source (no Sink)
//	notification: ID, Source, Sink
//	request:      ID, Sink
//	response:     ID, ReqID
//
// Use the NewPublish, NewNotification, NewRequest and NewResponse constructors
// to get a value that already satisfies its kind.
type Attributes struct {
	ID       uuid.UUID
	Kind     Kind
	Source   Topic
	Sink     Topic
	Priority Priority
	// TTL in milliseconds, zero when absent.
	TTL             uint32
	PermissionLevel uint32
	CommStatus      int32
	ReqID           uuid.UUID
	Token           string
	TraceParent     string
}

func NewPublish(source Topic, priority Priority) (Attributes, error) {
	a := Attributes{ID: NewID(), Kind: KindPublish, Source: source, Priority: priority}
	return a, a.Validate()
}

func NewNotification(source, sink Topic, priority Priority) (Attributes, error) {
	a := Attributes{ID: NewID(), Kind: KindNotification, Source: source, Sink: sink, Priority: priority}
	return a, a.Validate()
}

func NewRequest(source, sink Topic, priority Priority, ttl uint32) (Attributes, error) {
	a := Attributes{ID: NewID(), Kind: KindRequest, Source: source, Sink: sink, Priority: priority, TTL: ttl}
	return a, a.Validate()
}

func NewResponse(source, sink Topic, priority Priority, reqID uuid.UUID) (Attributes, error) {
	a := Attributes{ID: NewID(), Kind: KindResponse, Source: source, Sink: sink, Priority: priority, ReqID: reqID}
	return a, a.Validate()
}

// ResponseTo builds the response attributes answering request: addresses are
// swapped and the request id is correlated.
func ResponseTo(request Attributes) (Attributes, error) {
	return NewResponse(request.Sink, request.Source, request.Priority, request.ID)
}

// NewID returns a time ordered message id.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Validate checks a against the shape rules of its kind.
func (a Attributes) Validate() error {
	var err error
	switch a.Kind {
	case KindPublish:
		err = a.validatePublish()
	case KindNotification:
		err = a.validateNotification()
	case KindRequest:
		err = a.validateRequest()
	case KindResponse:
		err = a.validateResponse()
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownKind, a.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidAttributes, a.Kind, err)
	}
	return nil
}

func (a Attributes) validatePublish() error {
	if err := a.validateCommon(); err != nil {
		return err
	}
	if a.Source.IsZero() {
		return ErrMissingSource
	}
	if !a.Sink.IsZero() {
		return ErrUnexpectedSink
	}
	return nil
}

func (a Attributes) validateNotification() error {
	if err := a.validateCommon(); err != nil {
		return err
	}
	if a.Source.IsZero() {
		return ErrMissingSource
	}
	if a.Sink.IsZero() {
		return ErrMissingSink
	}
	return nil
}

func (a Attributes) validateRequest() error {
	if err := a.validateCommon(); err != nil {
		return err
	}
	if a.Sink.IsZero() {
		return ErrMissingSink
	}
	return nil
}

func (a Attributes) validateResponse() error {
	if err := a.validateCommon(); err != nil {
		return err
	}
	if a.ReqID == uuid.Nil {
		return ErrMissingRequestID
	}
	return nil
}

func (a Attributes) validateCommon() error {
	if a.ID == uuid.Nil {
		return ErrMissingID
	}
	if a.Priority < PriorityUnspecified || a.Priority > PriorityCS6 {
		return ErrInvalidPriority
	}
	return nil
}
