// Package encoding implements the slice of the AMQP 1.0 primitive type
// system the connection/session core needs to move performatives across
// the wire: described-list composites, symbols, and the handful of scalar
// types Open/Begin/Attach/Flow/Transfer/Disposition/Detach/End/Close carry.
//
// The full AMQP type system (arrays of every primitive, described maps,
// message-format annotations) is a codec concern the core treats as an
// external oracle; only the subset the performatives above reference is
// implemented here.
package encoding

import (
	"time"

	"github.com/amqpcore/coreamqp/internal/buffer"
)

type TypeCode uint8

// Type codes, restricted to what the performatives in internal/frames use.
const (
	TypeCodeNull TypeCode = 0x40

	TypeCodeBoolTrue  TypeCode = 0x41
	TypeCodeBoolFalse TypeCode = 0x42
	TypeCodeBool      TypeCode = 0x56

	TypeCodeUbyte  TypeCode = 0x50
	TypeCodeUshort TypeCode = 0x60

	TypeCodeUint0      TypeCode = 0x43
	TypeCodeSmallUint  TypeCode = 0x52
	TypeCodeUint       TypeCode = 0x70
	TypeCodeUlong0     TypeCode = 0x44
	TypeCodeSmallUlong TypeCode = 0x53
	TypeCodeUlong      TypeCode = 0x80

	TypeCodeByte  TypeCode = 0x51
	TypeCodeShort TypeCode = 0x61
	TypeCodeInt   TypeCode = 0x71
	TypeCodeLong  TypeCode = 0x81

	TypeCodeFloat  TypeCode = 0x72
	TypeCodeDouble TypeCode = 0x82

	TypeCodeTimestamp TypeCode = 0x83

	TypeCodeVbin8  TypeCode = 0xa0
	TypeCodeVbin32 TypeCode = 0xb0

	TypeCodeStr8   TypeCode = 0xa1
	TypeCodeStr32  TypeCode = 0xb1
	TypeCodeSym8   TypeCode = 0xa3
	TypeCodeSym32  TypeCode = 0xb3

	TypeCodeList0  TypeCode = 0x45
	TypeCodeList8  TypeCode = 0xc0
	TypeCodeList32 TypeCode = 0xd0

	TypeCodeMap8  TypeCode = 0xc1
	TypeCodeMap32 TypeCode = 0xd1

	TypeCodeArray8  TypeCode = 0xe0
	TypeCodeArray32 TypeCode = 0xf0
)

// Described-list codes for the performatives this engine speaks.
const (
	TypeCodeOpen         TypeCode = 0x10
	TypeCodeBegin        TypeCode = 0x11
	TypeCodeAttach       TypeCode = 0x12
	TypeCodeFlow         TypeCode = 0x13
	TypeCodeTransfer     TypeCode = 0x14
	TypeCodeDisposition  TypeCode = 0x15
	TypeCodeDetach       TypeCode = 0x16
	TypeCodeEnd          TypeCode = 0x17
	TypeCodeClose        TypeCode = 0x18
	TypeCodeError        TypeCode = 0x1d
	TypeCodeSource       TypeCode = 0x28
	TypeCodeTarget       TypeCode = 0x29
	TypeCodeStateAccepted TypeCode = 0x24
	TypeCodeStateRejected TypeCode = 0x25
	TypeCodeStateReleased TypeCode = 0x26
	TypeCodeStateModified TypeCode = 0x27
	TypeCodeStateDeclared TypeCode = 0x33

	TypeCodeMessageAnnotations    TypeCode = 0x72
	TypeCodeApplicationProperties TypeCode = 0x74
	TypeCodeAMQPData              TypeCode = 0x75
	TypeCodeAMQPValue             TypeCode = 0x77
	TypeCodeSASLMechanisms TypeCode = 0x40
	TypeCodeSASLInit       TypeCode = 0x41
	TypeCodeSASLChallenge  TypeCode = 0x42
	TypeCodeSASLResponse   TypeCode = 0x43
	TypeCodeSASLOutcome    TypeCode = 0x44
)

// Symbol is an AMQP symbol: ASCII text used for protocol constants like
// error conditions and capability names.
type Symbol string

// MultiSymbol is encoded as an array of symbols (capability lists).
type MultiSymbol []Symbol

// Milliseconds is the AMQP millisecond duration type; it round-trips
// through time.Duration.
type Milliseconds time.Duration

// Role identifies which end of a link a peer plays.
type Role bool

const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// SenderSettleMode per AMQP 1.0 §2.5.1.
type SenderSettleMode uint8

const (
	ModeUnsettled SenderSettleMode = 0
	ModeSettled   SenderSettleMode = 1
	ModeMixed     SenderSettleMode = 2
)

// ReceiverSettleMode per AMQP 1.0 §2.5.2.
type ReceiverSettleMode uint8

const (
	ModeFirst  ReceiverSettleMode = 0
	ModeSecond ReceiverSettleMode = 1
)

// DeliveryState is satisfied by the terminal outcomes a Disposition or a
// transactional Declare/Discharge response can carry.
type DeliveryState interface {
	deliveryState()
}

// StateAccepted indicates a message was accepted by the receiver.
type StateAccepted struct{}

func (*StateAccepted) deliveryState() {}

// Marshal writes StateAccepted as an empty described list.
func (*StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}

// StateRejected indicates a message was rejected, optionally with an error.
type StateRejected struct {
	Error *Error
}

func (*StateRejected) deliveryState() {}

// Marshal writes StateRejected's optional Error as a described list.
func (s *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: errOrNil(s.Error), Omit: s.Error == nil},
	})
}

// StateReleased indicates a message was released without being processed.
type StateReleased struct{}

func (*StateReleased) deliveryState() {}

// Marshal writes StateReleased as an empty described list.
func (*StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}

// StateModified indicates a message's annotations should be modified.
type StateModified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
	MessageAnnotations map[Symbol]any
}

func (*StateModified) deliveryState() {}

// Marshal writes StateModified as a described list.
func (s *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: s.DeliveryFailed, Omit: !s.DeliveryFailed},
		{Value: s.UndeliverableHere, Omit: !s.UndeliverableHere},
		{Value: s.MessageAnnotations, Omit: len(s.MessageAnnotations) == 0},
	})
}

// StateDeclared carries the transaction ID assigned by a Declare.
type StateDeclared struct {
	TransactionID []byte
}

func (*StateDeclared) deliveryState() {}

// Marshal writes StateDeclared as a described list.
func (s *StateDeclared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateDeclared, []MarshalField{
		{Value: s.TransactionID, Omit: len(s.TransactionID) == 0},
	})
}

// errOrNil returns e boxed as any, or nil if e is nil, so the zero value of
// *Error (a non-nil interface wrapping a nil pointer) never reaches marshal().
func errOrNil(e *Error) any {
	if e == nil {
		return nil
	}
	return e
}

// ValidateExpiryPolicy rejects any expiry-policy symbol outside the four
// the AMQP 1.0 spec defines for link-durability termini.
func ValidateExpiryPolicy(s Symbol) error {
	switch s {
	case "", "link-detach", "session-end", "connection-close", "never":
		return nil
	default:
		return Errorf(ErrCondInvalidField, "invalid expiry-policy %q", s)
	}
}
