package frames

import (
	"fmt"

	"github.com/amqpcore/coreamqp/internal/buffer"
	"github.com/amqpcore/coreamqp/internal/encoding"
)

// SASLCode is the sasl-outcome result code. Ref: AMQP 1.0 §5.3.3.16.
type SASLCode uint8

const (
	SASLCodeOK      SASLCode = 0
	SASLCodeAuth    SASLCode = 1
	SASLCodeSys     SASLCode = 2
	SASLCodeSysPerm SASLCode = 3
	SASLCodeSysTemp SASLCode = 4
)

func (c SASLCode) String() string {
	switch c {
	case SASLCodeOK:
		return "ok"
	case SASLCodeAuth:
		return "auth"
	case SASLCodeSys:
		return "sys"
	case SASLCodeSysPerm:
		return "sys-perm"
	case SASLCodeSysTemp:
		return "sys-temp"
	default:
		return fmt.Sprintf("SASLCode(%d)", uint8(c))
	}
}

// SASLMechanisms advertises the server's supported mechanisms. Sent once,
// by the server, as the first frame of a SASL exchange.
type SASLMechanisms struct {
	Mechanisms encoding.MultiSymbol
}

func (*SASLMechanisms) frameBody() {}
func (m *SASLMechanisms) String() string {
	return fmt.Sprintf("SASLMechanisms{%v}", m.Mechanisms)
}

func (m *SASLMechanisms) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanisms, []encoding.MarshalField{
		{Value: m.Mechanisms, Omit: false},
	})
}

func (m *SASLMechanisms) Unmarshal(r *buffer.Buffer) (bool, error) {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanisms,
		encoding.UnmarshalField{Field: &m.Mechanisms, HandleNull: requiredField("SASLMechanisms.Mechanisms")},
	)
}

// SASLInit is sent by the client selecting a mechanism and carrying its
// first response.
type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (*SASLInit) frameBody() {}
func (i *SASLInit) String() string {
	return fmt.Sprintf("SASLInit{Mechanism: %v}", i.Mechanism)
}

func (i *SASLInit) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.MarshalField{
		{Value: i.Mechanism, Omit: false},
		{Value: i.InitialResponse, Omit: len(i.InitialResponse) == 0},
		{Value: i.Hostname, Omit: i.Hostname == ""},
	})
}

func (i *SASLInit) Unmarshal(r *buffer.Buffer) (bool, error) {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit,
		encoding.UnmarshalField{Field: &i.Mechanism, HandleNull: requiredField("SASLInit.Mechanism")},
		encoding.UnmarshalField{Field: &i.InitialResponse},
		encoding.UnmarshalField{Field: &i.Hostname},
	)
}

// SASLChallenge carries a mechanism-specific challenge from the server.
type SASLChallenge struct {
	Challenge []byte
}

func (*SASLChallenge) frameBody()       {}
func (c *SASLChallenge) String() string { return "SASLChallenge{}" }

func (c *SASLChallenge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: c.Challenge, Omit: false},
	})
}

func (c *SASLChallenge) Unmarshal(r *buffer.Buffer) (bool, error) {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge,
		encoding.UnmarshalField{Field: &c.Challenge, HandleNull: requiredField("SASLChallenge.Challenge")},
	)
}

// SASLResponse answers a SASLChallenge.
type SASLResponse struct {
	Response []byte
}

func (*SASLResponse) frameBody()       {}
func (r *SASLResponse) String() string { return "SASLResponse{}" }

func (s *SASLResponse) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: s.Response, Omit: false},
	})
}

func (s *SASLResponse) Unmarshal(r *buffer.Buffer) (bool, error) {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLResponse,
		encoding.UnmarshalField{Field: &s.Response, HandleNull: requiredField("SASLResponse.Response")},
	)
}

// SASLOutcome ends the SASL exchange with a result code and, on success,
// any additional mechanism-specific data.
type SASLOutcome struct {
	Code           SASLCode
	AdditionalData []byte
}

func (*SASLOutcome) frameBody() {}
func (o *SASLOutcome) String() string {
	return fmt.Sprintf("SASLOutcome{Code: %s}", o.Code)
}

func (o *SASLOutcome) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: uint8(o.Code), Omit: false},
		{Value: o.AdditionalData, Omit: len(o.AdditionalData) == 0},
	})
}

func (o *SASLOutcome) Unmarshal(r *buffer.Buffer) (bool, error) {
	var code uint8
	isNull, err := encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome,
		encoding.UnmarshalField{Field: &code, HandleNull: requiredField("SASLOutcome.Code")},
		encoding.UnmarshalField{Field: &o.AdditionalData},
	)
	o.Code = SASLCode(code)
	return isNull, err
}
