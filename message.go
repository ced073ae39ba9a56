package amqp

import (
	"fmt"

	"github.com/amqpcore/coreamqp/internal/buffer"
	"github.com/amqpcore/coreamqp/internal/encoding"
)

// Message is the envelope a Sender transmits and a Receiver receives on a
// single link. It models only what the link layer itself needs to move
// and settle a delivery; typed header/properties/annotations sections are
// deliberately out of scope here and are carried opaquely in Annotations
// and ApplicationProperties for callers that need them.
type Message struct {
	// DeliveryTag identifies the delivery for settlement. A zero-length
	// tag causes the Sender to assign a sequential one.
	DeliveryTag []byte

	// Format is the message-format code transferred with the delivery;
	// zero selects the standard AMQP message encoding.
	Format uint32

	// SendSettled marks the delivery settled at send time. It only takes
	// effect when the link's sender settlement mode is Mixed; under
	// Settled it's implied, under Unsettled it's ignored.
	SendSettled bool

	// Annotations carries the message-annotations section, if any.
	Annotations map[string]any

	// ApplicationProperties carries the application-properties section,
	// if any.
	ApplicationProperties map[string]any

	// Data is the message's binary payload, encoded as a single
	// amqp-data body section.
	Data []byte
}

// Marshal encodes the message's sections onto wr in wire order:
// message-annotations, application-properties, then the amqp-data body.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if len(m.Annotations) > 0 {
		sym := make(map[encoding.Symbol]any, len(m.Annotations))
		for k, v := range m.Annotations {
			sym[encoding.Symbol(k)] = v
		}
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeMessageAnnotations, []encoding.MarshalField{
			{Value: sym, Omit: false},
		}); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationProperties, []encoding.MarshalField{
			{Value: m.ApplicationProperties, Omit: false},
		}); err != nil {
			return err
		}
	}
	return encoding.MarshalComposite(wr, encoding.TypeCodeAMQPData, []encoding.MarshalField{
		{Value: m.Data, Omit: false},
	})
}

// Unmarshal decodes a message from its wire-encoded section sequence. It
// tolerates message-annotations and application-properties appearing
// before the body. amqp-data sections are appended to Data in order;
// decoding stops after an amqp-value section, whose value is appended to
// Data only when it is binary (other value types are not kept).
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		typ, err := encoding.PeekComposite(r)
		if err != nil {
			return err
		}

		switch typ {
		case encoding.TypeCodeMessageAnnotations:
			var ann map[encoding.Symbol]any
			if _, err := encoding.UnmarshalComposite(r, encoding.TypeCodeMessageAnnotations,
				encoding.UnmarshalField{Field: &ann},
			); err != nil {
				return err
			}
			m.Annotations = make(map[string]any, len(ann))
			for k, v := range ann {
				m.Annotations[string(k)] = v
			}
		case encoding.TypeCodeApplicationProperties:
			var props map[string]any
			if _, err := encoding.UnmarshalComposite(r, encoding.TypeCodeApplicationProperties,
				encoding.UnmarshalField{Field: &props},
			); err != nil {
				return err
			}
			m.ApplicationProperties = props
		case encoding.TypeCodeAMQPData:
			var d []byte
			if _, err := encoding.UnmarshalComposite(r, encoding.TypeCodeAMQPData,
				encoding.UnmarshalField{Field: &d},
			); err != nil {
				return err
			}
			m.Data = append(m.Data, d...)
		case encoding.TypeCodeAMQPValue:
			var v any
			if _, err := encoding.UnmarshalComposite(r, encoding.TypeCodeAMQPValue,
				encoding.UnmarshalField{Field: &v},
			); err != nil {
				return err
			}
			if b, ok := v.([]byte); ok {
				m.Data = append(m.Data, b...)
			}
			return nil
		default:
			return fmt.Errorf("amqp: unexpected message section type code %#02x", byte(typ))
		}
	}
	return nil
}
