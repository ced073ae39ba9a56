package frames

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/amqpcore/coreamqp/internal/buffer"
	"github.com/amqpcore/coreamqp/internal/encoding"
)

// HeaderSize is the fixed AMQP frame header: 4-byte size, 1-byte data
// offset (in 4-byte words), 1-byte frame type, 2-byte channel.
const HeaderSize = 8

// MinMaxFrameSize is the smallest max-frame-size a peer is allowed to
// advertise in Open, per AMQP 1.0 §2.7.1.
const MinMaxFrameSize = 512

// ReadFrame reads one complete frame from r, dispatching the body to the
// performative its descriptor code names. A zero-length body (doff ==
// size/4, i.e. nothing past the header) decodes to *PerformEmpty, the
// heartbeat carrier.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[0:4])
	if size < HeaderSize {
		return nil, fmt.Errorf("frames: invalid frame size %d", size)
	}
	doff := hdr[4]
	if int(doff)*4 < HeaderSize {
		return nil, fmt.Errorf("frames: invalid data offset %d", doff)
	}
	typ := Type(hdr[5])
	channel := binary.BigEndian.Uint16(hdr[6:8])

	rest := make([]byte, size-HeaderSize)
	if len(rest) > 0 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
	}

	// skip any extended header words past the fixed 8 bytes
	extra := int(doff)*4 - HeaderSize
	if extra > len(rest) {
		return nil, fmt.Errorf("frames: data offset %d exceeds frame size %d", doff, size)
	}
	body := rest[extra:]

	fr := &Frame{Type: typ, Channel: channel}
	if len(body) == 0 {
		fr.Body = &PerformEmpty{}
		return fr, nil
	}

	buf := buffer.New(body)
	code, err := encoding.PeekComposite(buf)
	if err != nil {
		return nil, err
	}

	perf, err := newPerformative(typ, code)
	if err != nil {
		return nil, err
	}
	if _, err := perf.Unmarshal(buf); err != nil {
		return nil, err
	}
	fr.Body = perf.(FrameBody)
	return fr, nil
}

func newPerformative(typ Type, code encoding.TypeCode) (unmarshaler, error) {
	if typ == TypeSASL {
		switch code {
		case encoding.TypeCodeSASLMechanisms:
			return &SASLMechanisms{}, nil
		case encoding.TypeCodeSASLInit:
			return &SASLInit{}, nil
		case encoding.TypeCodeSASLChallenge:
			return &SASLChallenge{}, nil
		case encoding.TypeCodeSASLResponse:
			return &SASLResponse{}, nil
		case encoding.TypeCodeSASLOutcome:
			return &SASLOutcome{}, nil
		default:
			return nil, fmt.Errorf("frames: unknown SASL performative %#x", code)
		}
	}

	switch code {
	case encoding.TypeCodeOpen:
		return &PerformOpen{}, nil
	case encoding.TypeCodeBegin:
		return &PerformBegin{}, nil
	case encoding.TypeCodeAttach:
		return &PerformAttach{}, nil
	case encoding.TypeCodeFlow:
		return &PerformFlow{}, nil
	case encoding.TypeCodeTransfer:
		return &PerformTransfer{}, nil
	case encoding.TypeCodeDisposition:
		return &PerformDisposition{}, nil
	case encoding.TypeCodeDetach:
		return &PerformDetach{}, nil
	case encoding.TypeCodeEnd:
		return &PerformEnd{}, nil
	case encoding.TypeCodeClose:
		return &PerformClose{}, nil
	default:
		return nil, fmt.Errorf("frames: unknown performative %#x", code)
	}
}

// WriteFrame encodes fr (header plus marshaled body) to w as a single
// contiguous write.
func WriteFrame(w io.Writer, fr *Frame) error {
	var body buffer.Buffer
	if m, ok := fr.Body.(marshaler); ok {
		if err := m.Marshal(&body); err != nil {
			return err
		}
	}

	size := HeaderSize + body.Len()
	out := make([]byte, HeaderSize, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(size))
	out[4] = HeaderSize / 4
	out[5] = byte(fr.Type)
	binary.BigEndian.PutUint16(out[6:8], fr.Channel)
	out = append(out, body.Bytes()...)

	_, err := w.Write(out)
	return err
}
