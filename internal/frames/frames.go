// Package frames implements the AMQP 1.0 performatives the connection and
// session layer route, and the length-prefixed frame envelope that carries
// them. Grounded on the teacher's (flat, unexported) frames.go, relocated
// here and exported the way the newer snapshot of the same library
// (link.go, sender.go) already expects to import it.
package frames

import (
	"fmt"

	"github.com/amqpcore/coreamqp/internal/buffer"
	"github.com/amqpcore/coreamqp/internal/encoding"
)

// Type is the frame-header type byte: 0 for AMQP, 1 for SASL.
type Type uint8

const (
	TypeAMQP Type = 0
	TypeSASL Type = 1
)

// Frame is the decoded representation of one frame on the wire.
type Frame struct {
	Type    Type
	Channel uint16
	Body    FrameBody

	// Done, if non-nil, is closed once the frame has been written to the
	// transport; the outgoing queue's producer may wait on it for
	// backpressure-free fire-and-forget sends.
	Done chan struct{}
}

// FrameBody is implemented by every performative and by the heartbeat's
// Empty marker.
type FrameBody interface {
	frameBody()
	fmt.Stringer
}

// marshaler/unmarshaler mirror internal/encoding's composite codec entry
// points so the connection layer's writeFrame/readFrame stay generic over
// every performative.
type marshaler interface {
	Marshal(*buffer.Buffer) error
}

type unmarshaler interface {
	Unmarshal(*buffer.Buffer) (bool, error)
}

// PerformEmpty is the heartbeat carrier: a frame with no performative body.
type PerformEmpty struct{}

func (*PerformEmpty) frameBody()                   {}
func (*PerformEmpty) String() string               { return "Empty{}" }
func (*PerformEmpty) Marshal(*buffer.Buffer) error { return nil }

// Source describes a link's message source terminus.
type Source struct {
	Address      string
	Durable      uint32
	ExpiryPolicy encoding.Symbol
	Timeout      uint32
	Dynamic      bool
	Capabilities encoding.MultiSymbol
}

func (s *Source) Marshal(wr *buffer.Buffer) error {
	if s == nil {
		wr.WriteByte(0x40)
		return nil
	}
	return marshalCompositeList(wr, byte(encoding.TypeCodeSource), []any{
		strOrNil(s.Address), s.Durable, symOrNil(s.ExpiryPolicy), s.Timeout, s.Dynamic, nil, nil, nil, nil, nil, nil, s.Capabilities,
	})
}

// Target describes a link's message target terminus.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy encoding.Symbol
	Timeout      uint32
	Dynamic      bool
	Capabilities encoding.MultiSymbol
}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	if t == nil {
		wr.WriteByte(0x40)
		return nil
	}
	return marshalCompositeList(wr, byte(encoding.TypeCodeTarget), []any{
		strOrNil(t.Address), t.Durable, symOrNil(t.ExpiryPolicy), t.Timeout, t.Dynamic, nil, t.Capabilities,
	})
}

// sourceFromRaw builds a Source from the RawComposite readAny decoded for
// a Source descriptor, mirroring the field order Marshal writes.
func sourceFromRaw(raw *encoding.RawComposite) *Source {
	if raw == nil {
		return nil
	}
	s := &Source{}
	f := raw.Fields
	if v, ok := field[string](f, 0); ok {
		s.Address = v
	}
	if v, ok := fieldUint32(f, 1); ok {
		s.Durable = v
	}
	if v, ok := field[encoding.Symbol](f, 2); ok {
		s.ExpiryPolicy = v
	}
	if v, ok := fieldUint32(f, 3); ok {
		s.Timeout = v
	}
	if v, ok := field[bool](f, 4); ok {
		s.Dynamic = v
	}
	if v, ok := field[encoding.MultiSymbol](f, 11); ok {
		s.Capabilities = v
	}
	return s
}

// targetFromRaw mirrors sourceFromRaw for the shorter Target field list.
func targetFromRaw(raw *encoding.RawComposite) *Target {
	if raw == nil {
		return nil
	}
	t := &Target{}
	f := raw.Fields
	if v, ok := field[string](f, 0); ok {
		t.Address = v
	}
	if v, ok := fieldUint32(f, 1); ok {
		t.Durable = v
	}
	if v, ok := field[encoding.Symbol](f, 2); ok {
		t.ExpiryPolicy = v
	}
	if v, ok := fieldUint32(f, 3); ok {
		t.Timeout = v
	}
	if v, ok := field[bool](f, 4); ok {
		t.Dynamic = v
	}
	if v, ok := field[encoding.MultiSymbol](f, 6); ok {
		t.Capabilities = v
	}
	return t
}

func field[T any](fields []any, i int) (T, bool) {
	var zero T
	if i >= len(fields) || fields[i] == nil {
		return zero, false
	}
	v, ok := fields[i].(T)
	return v, ok
}

// fieldUint32 accepts any of the unsigned integer widths readAny can
// produce for a uint32 composite field (the encoder may have chosen the
// smallest representation that fits).
func fieldUint32(fields []any, i int) (uint32, bool) {
	if i >= len(fields) || fields[i] == nil {
		return 0, false
	}
	switch v := fields[i].(type) {
	case uint8:
		return uint32(v), true
	case uint16:
		return uint32(v), true
	case uint32:
		return v, true
	case uint64:
		return uint32(v), true
	}
	return 0, false
}

func strOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func symOrNil(s encoding.Symbol) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalCompositeList is a light helper for the Source and Target
// composites: it writes every field, encoding a nil field as null instead
// of trimming it. PerformAttach.Unmarshal reads them back through
// sourceFromRaw/targetFromRaw.
func marshalCompositeList(wr *buffer.Buffer, code byte, fields []any) error {
	wr.Write([]byte{0x0, 0x53, code, 0xd0})
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	preLen := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	for _, f := range fields {
		if f == nil {
			wr.WriteByte(0x40)
			continue
		}
		if err := encoding.Marshal(wr, f); err != nil {
			return err
		}
	}
	patchUint32(wr, sizeIdx, uint32(wr.Len()-preLen))
	patchUint32(wr, preLen, uint32(len(fields)))
	return nil
}

func patchUint32(wr *buffer.Buffer, at int, v uint32) {
	b := wr.Bytes()
	b[at] = byte(v >> 24)
	b[at+1] = byte(v >> 16)
	b[at+2] = byte(v >> 8)
	b[at+3] = byte(v)
}
