package protocol

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	rpcResourceName     = "rpc"
	rpcResponseInstance = "response"
)

var (
	ErrEmptyTopic      = errors.New("topic is empty")
	ErrMissingEntity   = errors.New("topic entity name required")
	ErrMissingResource = errors.New("topic resource required")
	ErrMalformedWire   = errors.New("malformed wire data")
)

// Authority is the deployment scope a topic lives in. An empty name means local.
type Authority struct {
	Name string
}

func (a Authority) IsZero() bool { return a.Name == "" }

// Entity identifies the software entity (service or application) behind a topic.
type Entity struct {
	Name         string
	ID           uint32
	VersionMajor uint32
}

func (e Entity) IsZero() bool { return e.Name == "" && e.ID == 0 && e.VersionMajor == 0 }

// Resource selects a topic, an RPC method or the RPC response address of an entity.
type Resource struct {
	Name     string
	Instance string
	Message  string
	ID       uint32
}

func (r Resource) IsZero() bool {
	return r.Name == "" && r.Instance == "" && r.Message == "" && r.ID == 0
}

// RPCMethod returns the resource addressing the named RPC method.
func RPCMethod(method string) Resource {
	return Resource{Name: rpcResourceName, Instance: method}
}

// RPCResponse returns the resource every entity uses to receive RPC responses.
func RPCResponse() Resource {
	return Resource{Name: rpcResourceName, Instance: rpcResponseInstance}
}

// Topic is the structured address of a publish, notification, request or
// response endpoint.
type Topic struct {
	Authority Authority
	Entity    Entity
	Resource  Resource
}

func (t Topic) IsZero() bool {
	return t.Authority.IsZero() && t.Entity.IsZero() && t.Resource.IsZero()
}

// IsWildcard reports whether t names all traffic of an authority: an authority
// with neither entity nor resource.
func (t Topic) IsWildcard() bool {
	return !t.Authority.IsZero() && t.Entity.IsZero() && t.Resource.IsZero()
}

func (t Topic) IsRPCResponse() bool {
	return t.Resource.Name == rpcResourceName && t.Resource.Instance == rpcResponseInstance
}

func (t Topic) IsRPCMethod() bool {
	return t.Resource.Name == rpcResourceName && t.Resource.Instance != "" && !t.IsRPCResponse()
}

// WithResource returns a copy of t addressing r.
func (t Topic) WithResource(r Resource) Topic {
	t.Resource = r
	return t
}

// Validate checks the minimal structure the transport relies on.
func (t Topic) Validate() error {
	if t.IsZero() {
		return ErrEmptyTopic
	}
	if t.IsWildcard() {
		return nil
	}
	if t.Entity.Name == "" {
		return ErrMissingEntity
	}
	if t.Resource.IsZero() {
		return ErrMissingResource
	}
	return nil
}

// Key returns the serialized form as a string, usable as a map key.
func (t Topic) Key() string {
	return string(t.Serialize())
}

func (t Topic) String() string {
	var sb strings.Builder
	if !t.Authority.IsZero() {
		sb.WriteString("//")
		sb.WriteString(t.Authority.Name)
	}
	if t.Entity.IsZero() {
		return sb.String()
	}
	fmt.Fprintf(&sb, "/%s/%d", t.Entity.Name, t.Entity.VersionMajor)
	if t.Resource.IsZero() {
		return sb.String()
	}
	sb.WriteString("/")
	sb.WriteString(t.Resource.Name)
	if t.Resource.Instance != "" {
		sb.WriteString(".")
		sb.WriteString(t.Resource.Instance)
	}
	if t.Resource.Message != "" {
		sb.WriteString("#")
		sb.WriteString(t.Resource.Message)
	}
	return sb.String()
}

// Serialize encodes t in protobuf wire format. Two topics are equal iff their
// serialized forms are equal.
func (t Topic) Serialize() []byte {
	return AppendTopic(nil, t)
}

// AppendTopic appends the wire form of t to b.
func AppendTopic(b []byte, t Topic) []byte {
	if !t.Authority.IsZero() {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, t.Authority.Name)
	}
	if !t.Entity.IsZero() {
		var e []byte
		e = appendString(e, 1, t.Entity.Name)
		e = appendVarint(e, 2, uint64(t.Entity.ID))
		e = appendVarint(e, 3, uint64(t.Entity.VersionMajor))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	if !t.Resource.IsZero() {
		var r []byte
		r = appendString(r, 1, t.Resource.Name)
		r = appendString(r, 2, t.Resource.Instance)
		r = appendString(r, 3, t.Resource.Message)
		r = appendVarint(r, 4, uint64(t.Resource.ID))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r)
	}
	return b
}

// ParseTopic decodes the wire form produced by Serialize. Unknown fields are
// skipped.
func ParseTopic(b []byte) (Topic, error) {
	var t Topic
	err := WalkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			t.Authority.Name = string(v)
		case num == 2 && typ == protowire.BytesType:
			return WalkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					t.Entity.Name = string(v)
				case num == 2 && typ == protowire.VarintType:
					t.Entity.ID = uint32(u)
				case num == 3 && typ == protowire.VarintType:
					t.Entity.VersionMajor = uint32(u)
				}
				return nil
			})
		case num == 3 && typ == protowire.BytesType:
			return WalkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					t.Resource.Name = string(v)
				case num == 2 && typ == protowire.BytesType:
					t.Resource.Instance = string(v)
				case num == 3 && typ == protowire.BytesType:
					t.Resource.Message = string(v)
				case num == 4 && typ == protowire.VarintType:
					t.Resource.ID = uint32(u)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return Topic{}, err
	}
	return t, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// WalkFields iterates over the top level protobuf fields of b. Bytes fields
// are passed in v, varint fields in u; other wire types are skipped.
func WalkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedWire, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedWire, protowire.ParseError(m))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			u, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedWire, protowire.ParseError(m))
			}
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedWire, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
