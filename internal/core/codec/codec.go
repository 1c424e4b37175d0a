// Package codec maps bus level metadata onto the substrate: attributes to
// attachments, payload formats to encoding tags, priorities to substrate
// priorities and topics to keys.
package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"Assembler-Bus/internal/core/keyexpr"
	"Assembler-Bus/internal/core/network"
	"Assembler-Bus/internal/core/protocol"
)

const (
	// AttachmentVersion is the first byte of every attachment.
	AttachmentVersion byte = 1

	encodingPrefix     = "application/custom;"
	defaultKeyPrefix   = "up"
	defaultCacheSize   = 1024
	localAuthorityName = "local"
)

var (
	ErrEmptyAttachment   = errors.New("empty attachment")
	ErrAttachmentVersion = errors.New("unsupported attachment version")
	ErrBadAttachment     = errors.New("malformed attachment")
	ErrUnencodable       = errors.New("attributes cannot be encoded")
	ErrUnknownEncoding   = errors.New("unknown payload encoding")
	ErrUnknownFormat     = errors.New("unknown payload format")
	ErrUnknownPriority   = errors.New("unknown priority")
	ErrBadTopic          = errors.New("topic cannot be mapped to a key")
)

// Attribute field numbers inside an attachment.
const (
	fieldID protowire.Number = iota + 1
	fieldKind
	fieldSource
	fieldSink
	fieldPriority
	fieldTTL
	fieldPermissionLevel
	fieldCommStatus
	fieldReqID
	fieldToken
	fieldTraceParent
)

type Options struct {
	// KeyPrefix is the first chunk of every derived key.
	KeyPrefix string
	// KeyCacheSize bounds the topic to key cache.
	KeyCacheSize int
}

// Codec is the default metadata codec.
type Codec struct {
	prefix string
	keys   *lru.Cache[string, string]
}

func New(opts Options) (*Codec, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if !keyexpr.ValidChunk(prefix) {
		return nil, fmt.Errorf("%w: prefix %q", ErrBadTopic, prefix)
	}
	size := opts.KeyCacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	keys, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("key cache: %w", err)
	}
	return &Codec{prefix: prefix, keys: keys}, nil
}

// AttributesToAttachment encodes a as a versioned protobuf wire message.
func (c *Codec) AttributesToAttachment(a protocol.Attributes) ([]byte, error) {
	if a.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, protocol.ErrMissingID)
	}
	if a.Kind <= protocol.KindUnspecified || a.Kind > protocol.KindNotification {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, protocol.ErrUnknownKind)
	}
	if a.Priority < protocol.PriorityUnspecified || a.Priority > protocol.PriorityCS6 {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, protocol.ErrInvalidPriority)
	}

	b := []byte{AttachmentVersion}
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, a.ID[:])
	b = appendVarint(b, fieldKind, uint64(a.Kind))
	b = appendTopic(b, fieldSource, a.Source)
	b = appendTopic(b, fieldSink, a.Sink)
	b = appendVarint(b, fieldPriority, uint64(a.Priority))
	b = appendVarint(b, fieldTTL, uint64(a.TTL))
	b = appendVarint(b, fieldPermissionLevel, uint64(a.PermissionLevel))
	b = appendVarint(b, fieldCommStatus, protowire.EncodeZigZag(int64(a.CommStatus)))
	if a.ReqID != uuid.Nil {
		b = protowire.AppendTag(b, fieldReqID, protowire.BytesType)
		b = protowire.AppendBytes(b, a.ReqID[:])
	}
	b = appendString(b, fieldToken, a.Token)
	b = appendString(b, fieldTraceParent, a.TraceParent)
	return b, nil
}

// AttachmentToAttributes decodes an attachment produced by
// AttributesToAttachment. The result is not validated against its kind.
func (c *Codec) AttachmentToAttributes(b []byte) (protocol.Attributes, error) {
	if len(b) == 0 {
		return protocol.Attributes{}, ErrEmptyAttachment
	}
	if b[0] != AttachmentVersion {
		return protocol.Attributes{}, fmt.Errorf("%w: %d", ErrAttachmentVersion, b[0])
	}
	var a protocol.Attributes
	err := protocol.WalkFields(b[1:], func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case fieldID:
			a.ID, err = uuid.FromBytes(v)
		case fieldKind:
			a.Kind = protocol.Kind(u)
		case fieldSource:
			a.Source, err = protocol.ParseTopic(v)
		case fieldSink:
			a.Sink, err = protocol.ParseTopic(v)
		case fieldPriority:
			a.Priority = protocol.Priority(u)
		case fieldTTL:
			a.TTL = uint32(u)
		case fieldPermissionLevel:
			a.PermissionLevel = uint32(u)
		case fieldCommStatus:
			a.CommStatus = int32(protowire.DecodeZigZag(u))
		case fieldReqID:
			a.ReqID, err = uuid.FromBytes(v)
		case fieldToken:
			a.Token = string(v)
		case fieldTraceParent:
			a.TraceParent = string(v)
		}
		return err
	})
	if err != nil {
		return protocol.Attributes{}, fmt.Errorf("%w: %w", ErrBadAttachment, err)
	}
	if a.ID == uuid.Nil {
		return protocol.Attributes{}, fmt.Errorf("%w: %w", ErrBadAttachment, protocol.ErrMissingID)
	}
	return a, nil
}

// FormatToEncoding renders f as an application/custom encoding tag.
func (c *Codec) FormatToEncoding(f protocol.Format) (network.Encoding, error) {
	if f < protocol.FormatUnspecified || f > protocol.MaxFormat {
		return "", fmt.Errorf("%w: %d", ErrUnknownFormat, int32(f))
	}
	return network.Encoding(encodingPrefix + strconv.Itoa(int(f))), nil
}

func (c *Codec) EncodingToFormat(e network.Encoding) (protocol.Format, error) {
	s, ok := strings.CutPrefix(string(e), encodingPrefix)
	if !ok {
		return protocol.FormatUnspecified, fmt.Errorf("%w: %q", ErrUnknownEncoding, e)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(protocol.FormatUnspecified) || n > int(protocol.MaxFormat) {
		return protocol.FormatUnspecified, fmt.Errorf("%w: %q", ErrUnknownEncoding, e)
	}
	return protocol.Format(n), nil
}

// MapPriority maps a class of service onto the substrate priority scale.
// An unspecified priority is treated as CS1.
func (c *Codec) MapPriority(p protocol.Priority) (network.Priority, error) {
	switch p {
	case protocol.PriorityCS0:
		return network.PriorityBackground, nil
	case protocol.PriorityUnspecified, protocol.PriorityCS1:
		return network.PriorityDataLow, nil
	case protocol.PriorityCS2:
		return network.PriorityData, nil
	case protocol.PriorityCS3:
		return network.PriorityDataHigh, nil
	case protocol.PriorityCS4:
		return network.PriorityInteractiveLow, nil
	case protocol.PriorityCS5:
		return network.PriorityInteractiveHigh, nil
	case protocol.PriorityCS6:
		return network.PriorityRealTime, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownPriority, int32(p))
	}
}

// TopicToKey derives the substrate key of t:
//
//	<prefix>/<authority>/<entity>/<version>/<resource>
//
// A wildcard topic maps to <prefix>/<authority>/**. Local topics use the
// authority chunk "local".
func (c *Codec) TopicToKey(t protocol.Topic) (string, error) {
	cacheKey := t.Key()
	if key, ok := c.keys.Get(cacheKey); ok {
		return key, nil
	}
	key, err := c.topicToKey(t)
	if err != nil {
		return "", err
	}
	c.keys.Add(cacheKey, key)
	return key, nil
}

func (c *Codec) topicToKey(t protocol.Topic) (string, error) {
	if t.IsZero() {
		return "", fmt.Errorf("%w: %w", ErrBadTopic, protocol.ErrEmptyTopic)
	}
	authority := t.Authority.Name
	if authority == "" {
		authority = localAuthorityName
	}
	if !keyexpr.ValidChunk(authority) {
		return "", fmt.Errorf("%w: authority %q", ErrBadTopic, authority)
	}
	if t.IsWildcard() {
		return keyexpr.Join(c.prefix, authority, keyexpr.AnyChunks), nil
	}

	entity := t.Entity.Name
	if entity == "" {
		entity = strconv.FormatUint(uint64(t.Entity.ID), 16)
	}
	if !keyexpr.ValidChunk(entity) {
		return "", fmt.Errorf("%w: entity %q", ErrBadTopic, entity)
	}
	chunks := []string{c.prefix, authority, entity, strconv.FormatUint(uint64(t.Entity.VersionMajor), 10)}

	if !t.Resource.IsZero() {
		resource := resourceChunk(t.Resource)
		if !keyexpr.ValidChunk(resource) {
			return "", fmt.Errorf("%w: resource %q", ErrBadTopic, resource)
		}
		chunks = append(chunks, resource)
	}
	return keyexpr.Join(chunks...), nil
}

func resourceChunk(r protocol.Resource) string {
	if r.Name == "" {
		return strconv.FormatUint(uint64(r.ID), 16)
	}
	parts := []string{r.Name}
	if r.Instance != "" {
		parts = append(parts, r.Instance)
	}
	if r.Message != "" {
		parts = append(parts, r.Message)
	}
	return strings.Join(parts, ".")
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendTopic(b []byte, num protowire.Number, t protocol.Topic) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, t.Serialize())
}
