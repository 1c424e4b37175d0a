package network

import (
	"github.com/fxamacker/cbor/v2"
)

// envelope is the gossip wire frame for samples, queries and replies.
type envelope struct {
	Key        string `cbor:"1,keyasint"`
	Payload    []byte `cbor:"2,keyasint,omitempty"`
	HasPayload bool   `cbor:"3,keyasint,omitempty"`
	Encoding   string `cbor:"4,keyasint,omitempty"`
	Attachment []byte `cbor:"5,keyasint,omitempty"`
	Priority   int    `cbor:"6,keyasint,omitempty"`
	QueryID    string `cbor:"7,keyasint,omitempty"`
	ReplyTo    string `cbor:"8,keyasint,omitempty"`
	Target     int    `cbor:"9,keyasint,omitempty"`
	Err        string `cbor:"10,keyasint,omitempty"`
}

var envelopeEncMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	envelopeEncMode = mode
}

func marshalEnvelope(e envelope) ([]byte, error) {
	return envelopeEncMode.Marshal(e)
}

func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	err := cbor.Unmarshal(b, &e)
	return e, err
}

func (e envelope) sample() Sample {
	return Sample{
		Key:        e.Key,
		Payload:    e.Payload,
		Encoding:   Encoding(e.Encoding),
		Attachment: e.Attachment,
		Priority:   Priority(e.Priority),
	}
}

func sampleEnvelope(s Sample) envelope {
	return envelope{
		Key:        s.Key,
		Payload:    s.Payload,
		Encoding:   string(s.Encoding),
		Attachment: s.Attachment,
		Priority:   int(s.Priority),
	}
}
