package encoding

import (
	"fmt"
	"time"

	"github.com/amqpcore/coreamqp/internal/buffer"
)

// UnmarshalField is one field of a described-list composite being decoded.
// HandleNull, when set, is invoked instead of leaving the field zero when
// the wire value is null (used for required fields and for fields with a
// non-zero AMQP default).
type UnmarshalField struct {
	Field      any
	HandleNull func() error
}

// PeekComposite reads the composite descriptor code without consuming the
// rest of the value, used by the frame layer to decide which performative
// type to decode into.
func PeekComposite(r *buffer.Buffer) (TypeCode, error) {
	hdr, err := r.Peek(3)
	if err != nil {
		return 0, err
	}
	if hdr[0] != 0x0 {
		return 0, fmt.Errorf("encoding: expected descriptor constructor, got %#x", hdr[0])
	}
	return TypeCode(hdr[2]), nil
}

// UnmarshalComposite consumes a described-list composite expected to carry
// descriptor code `code`, filling fields in order. isNull reports whether
// the entire value was encoded as null (valid for optional struct fields).
func UnmarshalComposite(r *buffer.Buffer, code TypeCode, fields ...UnmarshalField) (isNull bool, err error) {
	typ, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	if TypeCode(typ) == TypeCodeNull {
		return true, nil
	}
	if typ != 0x0 {
		return false, fmt.Errorf("encoding: expected descriptor constructor, got %#x", typ)
	}
	descCode, err := readAny(r)
	if err != nil {
		return false, err
	}
	gotCode, ok := toUint64(descCode)
	if !ok || TypeCode(gotCode) != code {
		return false, fmt.Errorf("encoding: expected composite %#x, got %v", code, descCode)
	}

	listType, err := r.ReadByte()
	if err != nil {
		return false, err
	}

	var count int
	switch TypeCode(listType) {
	case TypeCodeList0:
		count = 0
	case TypeCodeList8:
		if _, err := r.ReadByte(); err != nil { // size
			return false, err
		}
		n, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		count = int(n)
	case TypeCodeList32:
		if _, err := r.ReadUint32(); err != nil { // size
			return false, err
		}
		n, err := r.ReadUint32()
		if err != nil {
			return false, err
		}
		count = int(n)
	default:
		return false, fmt.Errorf("encoding: expected list type, got %#x", listType)
	}

	for i := 0; i < count; i++ {
		if i >= len(fields) {
			// unknown trailing field added by a newer peer; skip it.
			if _, err := readAny(r); err != nil {
				return false, err
			}
			continue
		}
		if err := unmarshalInto(r, fields[i]); err != nil {
			return false, err
		}
	}
	for i := count; i < len(fields); i++ {
		if fields[i].HandleNull != nil {
			if err := fields[i].HandleNull(); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func unmarshalInto(r *buffer.Buffer, f UnmarshalField) error {
	peek, err := r.Peek(1)
	if err != nil {
		return err
	}
	if TypeCode(peek[0]) == TypeCodeNull {
		r.Skip(1)
		if f.HandleNull != nil {
			return f.HandleNull()
		}
		return nil
	}
	return Unmarshal(r, f.Field)
}

// Unmarshal decodes the next AMQP value on r into v, a pointer to one of
// the scalar/collection types this package or internal/frames uses.
func Unmarshal(r *buffer.Buffer, v any) error {
	val, err := readAny(r)
	if err != nil {
		return err
	}
	return assign(v, val)
}

func assign(v any, val any) error {
	switch p := v.(type) {
	case *string:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("encoding: expected string, got %T", val)
		}
		*p = s
	case *Symbol:
		s, ok := val.(Symbol)
		if !ok {
			return fmt.Errorf("encoding: expected symbol, got %T", val)
		}
		*p = s
	case *MultiSymbol:
		switch t := val.(type) {
		case MultiSymbol:
			*p = t
		case Symbol:
			*p = MultiSymbol{t}
		default:
			return fmt.Errorf("encoding: expected symbol array, got %T", val)
		}
	case *bool:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("encoding: expected bool, got %T", val)
		}
		*p = b
	case **bool:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("encoding: expected bool, got %T", val)
		}
		*p = &b
	case *uint8:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected uint8, got %T", val)
		}
		*p = uint8(n)
	case *uint16:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected uint16, got %T", val)
		}
		*p = uint16(n)
	case **uint16:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected uint16, got %T", val)
		}
		u := uint16(n)
		*p = &u
	case *uint32:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected uint32, got %T", val)
		}
		*p = uint32(n)
	case **uint32:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected uint32, got %T", val)
		}
		u := uint32(n)
		*p = &u
	case *uint64:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected uint64, got %T", val)
		}
		*p = n
	case *[]byte:
		b, ok := val.([]byte)
		if !ok {
			return fmt.Errorf("encoding: expected binary, got %T", val)
		}
		*p = b
	case *Milliseconds:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected milliseconds, got %T", val)
		}
		*p = Milliseconds(time.Duration(n) * time.Millisecond) // wire value is a millisecond count
	case *map[Symbol]any:
		m, ok := val.(map[Symbol]any)
		if !ok {
			return fmt.Errorf("encoding: expected map, got %T", val)
		}
		*p = m
	case *map[string]any:
		switch t := val.(type) {
		case map[string]any:
			*p = t
		case map[Symbol]any:
			m := make(map[string]any, len(t))
			for k, v := range t {
				m[string(k)] = v
			}
			*p = m
		default:
			return fmt.Errorf("encoding: expected map, got %T", val)
		}
	case *Role:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("encoding: expected role, got %T", val)
		}
		*p = Role(b)
	case *SenderSettleMode:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected sender-settle-mode, got %T", val)
		}
		*p = SenderSettleMode(n)
	case **SenderSettleMode:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected sender-settle-mode, got %T", val)
		}
		m := SenderSettleMode(n)
		*p = &m
	case *ReceiverSettleMode:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected receiver-settle-mode, got %T", val)
		}
		*p = ReceiverSettleMode(n)
	case **ReceiverSettleMode:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("encoding: expected receiver-settle-mode, got %T", val)
		}
		m := ReceiverSettleMode(n)
		*p = &m
	case **Error:
		e, ok := val.(*Error)
		if !ok {
			return fmt.Errorf("encoding: expected error, got %T", val)
		}
		*p = e
	case *DeliveryState:
		d, ok := val.(DeliveryState)
		if !ok {
			return fmt.Errorf("encoding: expected delivery-state, got %T", val)
		}
		*p = d
	case *any:
		*p = val
	default:
		return fmt.Errorf("encoding: unmarshal not implemented for %T", v)
	}
	return nil
}

func toUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int32:
		return uint64(t), true
	}
	return 0, false
}

// readAny decodes the next primitive or composite value from r, returning
// it as the concrete Go type marshal() would have accepted.
func readAny(r *buffer.Buffer) (any, error) {
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch TypeCode(code) {
	case TypeCodeNull:
		return nil, nil
	case TypeCodeBoolTrue:
		return true, nil
	case TypeCodeBoolFalse:
		return false, nil
	case TypeCodeBool:
		b, err := r.ReadByte()
		return b != 0, err
	case TypeCodeUbyte:
		return r.ReadByte()
	case TypeCodeUshort:
		return r.ReadUint16()
	case TypeCodeUint0:
		return uint32(0), nil
	case TypeCodeSmallUint:
		b, err := r.ReadByte()
		return uint32(b), err
	case TypeCodeUint:
		return r.ReadUint32()
	case TypeCodeUlong0:
		return uint64(0), nil
	case TypeCodeSmallUlong:
		b, err := r.ReadByte()
		return uint64(b), err
	case TypeCodeUlong:
		return r.ReadUint64()
	case TypeCodeByte:
		b, err := r.ReadByte()
		return int8(b), err
	case TypeCodeShort:
		n, err := r.ReadUint16()
		return int16(n), err
	case 0x54: // smallint
		b, err := r.ReadByte()
		return int32(int8(b)), err
	case TypeCodeInt:
		n, err := r.ReadUint32()
		return int32(n), err
	case 0x55: // smalllong
		b, err := r.ReadByte()
		return int64(int8(b)), err
	case TypeCodeLong:
		n, err := r.ReadUint64()
		return int64(n), err
	case TypeCodeStr8:
		return readVarString(r, 1)
	case TypeCodeStr32:
		return readVarString(r, 4)
	case TypeCodeSym8:
		s, err := readVarString(r, 1)
		if err != nil {
			return nil, err
		}
		return Symbol(s.(string)), nil
	case TypeCodeSym32:
		s, err := readVarString(r, 4)
		if err != nil {
			return nil, err
		}
		return Symbol(s.(string)), nil
	case TypeCodeVbin8:
		return readVarBinary(r, 1)
	case TypeCodeVbin32:
		return readVarBinary(r, 4)
	case TypeCodeMap8:
		return readMap(r, 1)
	case TypeCodeMap32:
		return readMap(r, 4)
	case TypeCodeArray8:
		return readArray(r, 1)
	case TypeCodeArray32:
		return readArray(r, 4)
	case 0x0: // described type: composite, error, or delivery state
		return readDescribed(r)
	default:
		return nil, fmt.Errorf("encoding: unsupported type code %#x", code)
	}
}

func readVarString(r *buffer.Buffer, lenBytes int) (any, error) {
	n, err := readLen(r, lenBytes)
	if err != nil {
		return nil, err
	}
	b, err := r.Next(n)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func readVarBinary(r *buffer.Buffer, lenBytes int) (any, error) {
	n, err := readLen(r, lenBytes)
	if err != nil {
		return nil, err
	}
	return r.Next(n)
}

func readLen(r *buffer.Buffer, lenBytes int) (int, error) {
	if lenBytes == 1 {
		b, err := r.ReadByte()
		return int(b), err
	}
	n, err := r.ReadUint32()
	return int(n), err
}

func readMap(r *buffer.Buffer, lenBytes int) (any, error) {
	if _, err := readLen(r, lenBytes); err != nil { // total size, unused: we walk by count
		return nil, err
	}
	count, err := readLen(r, lenBytes)
	if err != nil {
		return nil, err
	}
	m := make(map[Symbol]any, count/2)
	for i := 0; i < count; i += 2 {
		k, err := readAny(r)
		if err != nil {
			return nil, err
		}
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		var ks Symbol
		switch t := k.(type) {
		case Symbol:
			ks = t
		case string:
			ks = Symbol(t)
		default:
			ks = Symbol(fmt.Sprint(k))
		}
		m[ks] = v
	}
	return m, nil
}

func readArray(r *buffer.Buffer, lenBytes int) (any, error) {
	if _, err := readLen(r, lenBytes); err != nil { // size
		return nil, err
	}
	count, err := readLen(r, lenBytes)
	if err != nil {
		return nil, err
	}
	elemType, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if TypeCode(elemType) == TypeCodeSym32 || TypeCode(elemType) == TypeCodeSym8 {
		syms := make(MultiSymbol, 0, count)
		for i := 0; i < count; i++ {
			n, err := readLen(r, 4)
			if err != nil {
				return nil, err
			}
			b, err := r.Next(n)
			if err != nil {
				return nil, err
			}
			syms = append(syms, Symbol(b))
		}
		return syms, nil
	}
	return nil, fmt.Errorf("encoding: unsupported array element type %#x", elemType)
}

// RawComposite is a generic described-list decode for composites this
// package doesn't interpret structurally (Source, Target: they're only
// ever built into typed values by the adapted link layer in
// internal/frames). Fields holds each list element in wire order, exactly
// as readAny would have decoded it standalone.
type RawComposite struct {
	Code   TypeCode
	Fields []any
}

// readDescribed decodes a described composite: the error record, a
// transactional delivery-state, a Source/Target terminus (as a
// RawComposite), or (unrecognized) a generic fallback the frame layer can
// retry as a specific performative decode.
func readDescribed(r *buffer.Buffer) (any, error) {
	descCode, err := readAny(r)
	if err != nil {
		return nil, err
	}
	code, ok := toUint64(descCode)
	if !ok {
		return nil, fmt.Errorf("encoding: bad descriptor %v", descCode)
	}
	// rewind is not supported by buffer.Buffer; composite decoders that
	// need the descriptor themselves (performatives) call PeekComposite
	// before ever invoking readAny, so this path is only reached for
	// delivery-state, error, and terminus values nested inside a field.
	switch TypeCode(code) {
	case TypeCodeError:
		return readErrorBody(r)
	case TypeCodeStateDeclared:
		return readStateDeclaredBody(r)
	case TypeCodeStateRejected:
		return readStateRejectedBody(r)
	case TypeCodeStateAccepted:
		if _, err := readListHeader(r); err != nil {
			return nil, err
		}
		return &StateAccepted{}, nil
	case TypeCodeStateReleased:
		if _, err := readListHeader(r); err != nil {
			return nil, err
		}
		return &StateReleased{}, nil
	case TypeCodeStateModified:
		return readStateModifiedBody(r)
	case TypeCodeSource, TypeCodeTarget:
		return readRawComposite(r, TypeCode(code))
	default:
		return nil, fmt.Errorf("encoding: unsupported descriptor %#x", code)
	}
}

func readRawComposite(r *buffer.Buffer, code TypeCode) (*RawComposite, error) {
	count, err := readListHeader(r)
	if err != nil {
		return nil, err
	}
	fields := make([]any, count)
	for i := 0; i < count; i++ {
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}
	return &RawComposite{Code: code, Fields: fields}, nil
}

func readListHeader(r *buffer.Buffer) (int, error) {
	listType, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch TypeCode(listType) {
	case TypeCodeList0:
		return 0, nil
	case TypeCodeList8:
		if _, err := r.ReadByte(); err != nil {
			return 0, err
		}
		n, err := r.ReadByte()
		return int(n), err
	case TypeCodeList32:
		if _, err := r.ReadUint32(); err != nil {
			return 0, err
		}
		n, err := r.ReadUint32()
		return int(n), err
	default:
		return 0, fmt.Errorf("encoding: expected list, got %#x", listType)
	}
}

func readErrorBody(r *buffer.Buffer) (*Error, error) {
	count, err := readListHeader(r)
	if err != nil {
		return nil, err
	}
	e := &Error{}
	for i := 0; i < count; i++ {
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		switch i {
		case 0:
			if s, ok := v.(Symbol); ok {
				e.Condition = ErrorCondition(s)
			}
		case 1:
			if s, ok := v.(string); ok {
				e.Description = s
			}
		case 2:
			if m, ok := v.(map[Symbol]any); ok {
				e.Info = m
			}
		}
	}
	return e, nil
}

func readStateDeclaredBody(r *buffer.Buffer) (*StateDeclared, error) {
	count, err := readListHeader(r)
	if err != nil {
		return nil, err
	}
	d := &StateDeclared{}
	for i := 0; i < count; i++ {
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			if b, ok := v.([]byte); ok {
				d.TransactionID = b
			}
		}
	}
	return d, nil
}

func readStateModifiedBody(r *buffer.Buffer) (*StateModified, error) {
	count, err := readListHeader(r)
	if err != nil {
		return nil, err
	}
	m := &StateModified{}
	for i := 0; i < count; i++ {
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		switch i {
		case 0:
			if b, ok := v.(bool); ok {
				m.DeliveryFailed = b
			}
		case 1:
			if b, ok := v.(bool); ok {
				m.UndeliverableHere = b
			}
		case 2:
			if a, ok := v.(map[Symbol]any); ok {
				m.MessageAnnotations = a
			}
		}
	}
	return m, nil
}

func readStateRejectedBody(r *buffer.Buffer) (*StateRejected, error) {
	count, err := readListHeader(r)
	if err != nil {
		return nil, err
	}
	d := &StateRejected{}
	for i := 0; i < count; i++ {
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			if e, ok := v.(*Error); ok {
				d.Error = e
			}
		}
	}
	return d, nil
}
