package protocol

import (
	"fmt"
	"time"
)

// Format tells the receiver how to interpret payload bytes.
type Format int32

const (
	FormatUnspecified Format = iota
	FormatProtobufWrappedInAny
	FormatProtobuf
	FormatJSON
	FormatSomeIP
	FormatSomeIPTLV
	FormatRaw
	FormatText
)

// MaxFormat is the highest known payload format.
const MaxFormat = FormatText

// Payload is opaque data plus its format.
type Payload struct {
	Format Format
	Data   []byte
}

func (p Payload) Empty() bool { return len(p.Data) == 0 }

// Message is the unit exchanged between applications.
type Message struct {
	Attributes Attributes
	Payload    Payload
}

func (m Message) String() string {
	return fmt.Sprintf(
		"Message{ID: %s, Kind: %s, Source: %s, Sink: %s, Size: %d}",
		m.Attributes.ID,
		m.Attributes.Kind,
		m.Attributes.Source,
		m.Attributes.Sink,
		len(m.Payload.Data),
	)
}

// Listener receives inbound messages. Listener values are used as registry
// keys, so implementations must be comparable; pointer receivers are the
// usual choice.
type Listener interface {
	OnReceive(msg Message)
}

type funcListener struct {
	fn func(Message)
}

func (l *funcListener) OnReceive(msg Message) { l.fn(msg) }

// ListenerFunc adapts fn to a Listener. Every call returns a distinct
// listener identity.
func ListenerFunc(fn func(Message)) Listener {
	return &funcListener{fn: fn}
}

// CallOptions configure a blocking RPC call.
type CallOptions struct {
	// TTL in milliseconds. Zero selects the transport default.
	TTL      uint32
	Priority Priority
	Token    string
}

// Timeout returns the TTL as a duration, or def when no TTL is set.
func (o CallOptions) Timeout(def time.Duration) time.Duration {
	if o.TTL == 0 {
		return def
	}
	return time.Duration(o.TTL) * time.Millisecond
}
