package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/amqpcore/coreamqp/internal/buffer"
)

type marshaler interface {
	Marshal(*buffer.Buffer) error
}

// Marshal encodes v, exported for collaborators outside this package
// (internal/frames' Source/Target composites) that need the same dynamic
// dispatch marshal() uses internally.
func Marshal(wr *buffer.Buffer, v any) error {
	return marshal(wr, v)
}

// marshal encodes i into wr using the smallest applicable AMQP primitive
// encoding. Unlike the teacher's original, this only covers the types the
// core's performatives actually carry.
func marshal(wr *buffer.Buffer, i any) error {
	switch t := i.(type) {
	case nil:
		wr.WriteByte(byte(TypeCodeNull))
	case bool:
		if t {
			wr.WriteByte(byte(TypeCodeBoolTrue))
		} else {
			wr.WriteByte(byte(TypeCodeBoolFalse))
		}
	case *bool:
		return marshal(wr, *t)
	case uint8:
		wr.Write([]byte{byte(TypeCodeUbyte), t})
	case uint16:
		wr.WriteByte(byte(TypeCodeUshort))
		wr.WriteUint16(t)
	case *uint16:
		return marshal(wr, *t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		return marshal(wr, *t)
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		return marshal(wr, *t)
	case int32:
		writeInt32(wr, t)
	case Milliseconds:
		writeUint64(wr, uint64(int64(t)/1e6))
	case *Milliseconds:
		return marshal(wr, *t)
	case string:
		return writeString(wr, TypeCodeStr8, TypeCodeStr32, t)
	case *string:
		return marshal(wr, *t)
	case Symbol:
		return writeString(wr, TypeCodeSym8, TypeCodeSym32, string(t))
	case *Symbol:
		return marshal(wr, *t)
	case MultiSymbol:
		return writeSymbolArray(wr, t)
	case *MultiSymbol:
		return marshal(wr, *t)
	case []byte:
		return writeBinary(wr, t)
	case *[]byte:
		return marshal(wr, *t)
	case map[Symbol]any:
		return writeMap(wr, t)
	case map[string]any:
		return writeMap(wr, t)
	case Role:
		return marshal(wr, bool(t))
	case *Role:
		return marshal(wr, *t)
	case SenderSettleMode:
		return marshal(wr, uint8(t))
	case *SenderSettleMode:
		return marshal(wr, *t)
	case ReceiverSettleMode:
		return marshal(wr, uint8(t))
	case *ReceiverSettleMode:
		return marshal(wr, *t)
	case marshaler:
		return t.Marshal(wr)
	default:
		return fmt.Errorf("encoding: marshal not implemented for %T", i)
	}
	return nil
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n < 128 && n >= -128 {
		wr.Write([]byte{0x54, byte(n)}) // smallint
		return
	}
	wr.WriteByte(byte(TypeCodeInt))
	wr.WriteUint32(uint32(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	switch {
	case n == 0:
		wr.WriteByte(byte(TypeCodeUint0))
	case n < 256:
		wr.Write([]byte{byte(TypeCodeSmallUint), byte(n)})
	default:
		wr.WriteByte(byte(TypeCodeUint))
		wr.WriteUint32(n)
	}
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	switch {
	case n == 0:
		wr.WriteByte(byte(TypeCodeUlong0))
	case n < 256:
		wr.Write([]byte{byte(TypeCodeSmallUlong), byte(n)})
	default:
		wr.WriteByte(byte(TypeCodeUlong))
		wr.WriteUint64(n)
	}
}

func writeString(wr *buffer.Buffer, code8, code32 TypeCode, str string) error {
	if !utf8.ValidString(str) {
		return errors.New("encoding: not a valid UTF-8 string")
	}
	l := len(str)
	switch {
	case l < 256:
		wr.Write([]byte{byte(code8), byte(l)})
		wr.WriteString(str)
	case uint(l) < math.MaxUint32:
		wr.WriteByte(byte(code32))
		wr.WriteUint32(uint32(l))
		wr.WriteString(str)
	default:
		return errors.New("encoding: string too long")
	}
	return nil
}

func writeBinary(wr *buffer.Buffer, bin []byte) error {
	l := len(bin)
	switch {
	case l < 256:
		wr.Write([]byte{byte(TypeCodeVbin8), byte(l)})
		wr.Write(bin)
	case uint(l) < math.MaxUint32:
		wr.WriteByte(byte(TypeCodeVbin32))
		wr.WriteUint32(uint32(l))
		wr.Write(bin)
	default:
		return errors.New("encoding: binary too long")
	}
	return nil
}

func writeSymbolArray(wr *buffer.Buffer, syms MultiSymbol) error {
	if len(syms) == 0 {
		wr.WriteByte(byte(TypeCodeNull))
		return nil
	}
	// encode each element as sym32 so the fixed per-element width holds
	// regardless of individual symbol length.
	wr.WriteByte(byte(TypeCodeArray32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	wr.WriteUint32(uint32(len(syms)))
	wr.WriteByte(byte(TypeCodeSym32))
	preLen := wr.Len()
	for _, s := range syms {
		wr.WriteUint32(uint32(len(s)))
		wr.WriteString(string(s))
	}
	size := uint32(wr.Len()-preLen) + 5 // + length(4) + element-type(1)
	binary.BigEndian.PutUint32(wr.Bytes()[sizeIdx:], size)
	return nil
}

func writeMap(wr *buffer.Buffer, m any) error {
	startIdx := wr.Len()
	wr.Write([]byte{byte(TypeCodeMap32), 0, 0, 0, 0, 0, 0, 0, 0})

	var pairs int
	switch m := m.(type) {
	case map[Symbol]any:
		for k, v := range m {
			if err := marshal(wr, k); err != nil {
				return err
			}
			if err := marshal(wr, v); err != nil {
				return err
			}
			pairs += 2
		}
	case map[string]any:
		for k, v := range m {
			if err := marshal(wr, k); err != nil {
				return err
			}
			if err := marshal(wr, v); err != nil {
				return err
			}
			pairs += 2
		}
	default:
		return fmt.Errorf("encoding: unsupported map type %T", m)
	}

	b := wr.Bytes()[startIdx+1 : startIdx+9]
	length := wr.Len() - startIdx - 1 - 4
	binary.BigEndian.PutUint32(b[:4], uint32(length))
	binary.BigEndian.PutUint32(b[4:8], uint32(pairs))
	return nil
}

// MarshalField is one field of a described-list composite.
type MarshalField struct {
	Value any
	Omit  bool
}

// MarshalComposite writes the composite header followed by each
// non-omitted field, trimming trailing omitted fields entirely (the AMQP
// wire encoding allows a shorter list than the type's full field count).
func MarshalComposite(wr *buffer.Buffer, code TypeCode, fields []MarshalField) error {
	lastSetIdx := -1
	for i, f := range fields {
		if !f.Omit {
			lastSetIdx = i
		}
	}

	if lastSetIdx == -1 {
		wr.Write([]byte{0x0, byte(TypeCodeSmallUlong), byte(code), byte(TypeCodeList0)})
		return nil
	}

	wr.Write([]byte{0x0, byte(TypeCodeSmallUlong), byte(code)})
	wr.WriteByte(byte(TypeCodeList32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	preFieldLen := wr.Len()
	wr.WriteUint32(uint32(lastSetIdx + 1))

	for _, f := range fields[:lastSetIdx+1] {
		if f.Omit {
			wr.WriteByte(byte(TypeCodeNull))
			continue
		}
		if err := marshal(wr, f.Value); err != nil {
			return err
		}
	}

	size := uint32(wr.Len() - preFieldLen)
	binary.BigEndian.PutUint32(wr.Bytes()[sizeIdx:], size)
	return nil
}
