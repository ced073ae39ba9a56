package frames

import (
	"fmt"

	"github.com/amqpcore/coreamqp/internal/buffer"
	"github.com/amqpcore/coreamqp/internal/encoding"
)

// PerformOpen is sent once by each peer, on channel 0, to begin a
// connection. Ref: AMQP 1.0 §2.7.1.
type PerformOpen struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32 // default 4294967295
	ChannelMax          uint16 // default 65535
	IdleTimeout         encoding.Milliseconds
	OutgoingLocales     encoding.MultiSymbol
	IncomingLocales     encoding.MultiSymbol
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (*PerformOpen) frameBody() {}

func (o *PerformOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %q, Hostname: %q, MaxFrameSize: %d, ChannelMax: %d, IdleTimeout: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout)
}

func (o *PerformOpen) Marshal(wr *buffer.Buffer) error {
	maxFrameSize := o.MaxFrameSize
	channelMax := o.ChannelMax
	return encoding.MarshalComposite(wr, encoding.TypeCodeOpen, []encoding.MarshalField{
		{Value: o.ContainerID, Omit: false},
		{Value: o.Hostname, Omit: o.Hostname == ""},
		{Value: maxFrameSize, Omit: maxFrameSize == 4294967295},
		{Value: channelMax, Omit: channelMax == 65535},
		{Value: o.IdleTimeout, Omit: o.IdleTimeout == 0},
		{Value: o.OutgoingLocales, Omit: len(o.OutgoingLocales) == 0},
		{Value: o.IncomingLocales, Omit: len(o.IncomingLocales) == 0},
		{Value: o.OfferedCapabilities, Omit: len(o.OfferedCapabilities) == 0},
		{Value: o.DesiredCapabilities, Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *PerformOpen) Unmarshal(r *buffer.Buffer) (bool, error) {
	o.MaxFrameSize = 4294967295
	o.ChannelMax = 65535
	return encoding.UnmarshalComposite(r, encoding.TypeCodeOpen,
		encoding.UnmarshalField{Field: &o.ContainerID, HandleNull: requiredField("Open.ContainerID")},
		encoding.UnmarshalField{Field: &o.Hostname},
		encoding.UnmarshalField{Field: &o.MaxFrameSize},
		encoding.UnmarshalField{Field: &o.ChannelMax},
		encoding.UnmarshalField{Field: &o.IdleTimeout},
		encoding.UnmarshalField{Field: &o.OutgoingLocales},
		encoding.UnmarshalField{Field: &o.IncomingLocales},
		encoding.UnmarshalField{Field: &o.OfferedCapabilities},
		encoding.UnmarshalField{Field: &o.DesiredCapabilities},
		encoding.UnmarshalField{Field: &o.Properties},
	)
}

// PerformBegin starts a session on a channel. Ref: AMQP 1.0 §2.7.2.
type PerformBegin struct {
	// RemoteChannel is set by the acceptor of a session, to the channel
	// number the peer used when it sent its own Begin.
	RemoteChannel       *uint16
	NextOutgoingID      uint32
	IncomingWindow      uint32
	OutgoingWindow      uint32
	HandleMax           uint32 // default 4294967295
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (*PerformBegin) frameBody() {}

func (b *PerformBegin) String() string {
	rc := "<nil>"
	if b.RemoteChannel != nil {
		rc = fmt.Sprint(*b.RemoteChannel)
	}
	return fmt.Sprintf("Begin{RemoteChannel: %s, NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d}",
		rc, b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow)
}

func (b *PerformBegin) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeBegin, []encoding.MarshalField{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: b.NextOutgoingID, Omit: false},
		{Value: b.IncomingWindow, Omit: false},
		{Value: b.OutgoingWindow, Omit: false},
		{Value: b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: b.OfferedCapabilities, Omit: len(b.OfferedCapabilities) == 0},
		{Value: b.DesiredCapabilities, Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *PerformBegin) Unmarshal(r *buffer.Buffer) (bool, error) {
	b.HandleMax = 4294967295
	return encoding.UnmarshalComposite(r, encoding.TypeCodeBegin,
		encoding.UnmarshalField{Field: &b.RemoteChannel},
		encoding.UnmarshalField{Field: &b.NextOutgoingID, HandleNull: requiredField("Begin.NextOutgoingID")},
		encoding.UnmarshalField{Field: &b.IncomingWindow, HandleNull: requiredField("Begin.IncomingWindow")},
		encoding.UnmarshalField{Field: &b.OutgoingWindow, HandleNull: requiredField("Begin.OutgoingWindow")},
		encoding.UnmarshalField{Field: &b.HandleMax},
		encoding.UnmarshalField{Field: &b.OfferedCapabilities},
		encoding.UnmarshalField{Field: &b.DesiredCapabilities},
		encoding.UnmarshalField{Field: &b.Properties},
	)
}

// PerformAttach establishes a link within a session. Ref: AMQP 1.0 §2.7.3.
// The connection/session core forwards this opaquely; only the adapted
// link layer interprets its fields.
type PerformAttach struct {
	Name                 string
	Handle               uint32
	Role                 encoding.Role
	SenderSettleMode     *encoding.SenderSettleMode
	ReceiverSettleMode   *encoding.ReceiverSettleMode
	Source               *Source
	Target               *Target
	InitialDeliveryCount *uint32
	MaxMessageSize       uint64
	OfferedCapabilities  encoding.MultiSymbol
	DesiredCapabilities  encoding.MultiSymbol
	Properties           map[encoding.Symbol]any
}

func (*PerformAttach) frameBody() {}
func (a *PerformAttach) String() string {
	return fmt.Sprintf("Attach{Name: %q, Handle: %d, Role: %s}", a.Name, a.Handle, a.Role)
}

func (a *PerformAttach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeAttach, []encoding.MarshalField{
		{Value: a.Name, Omit: false},
		{Value: a.Handle, Omit: false},
		{Value: a.Role, Omit: false},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: a.Target, Omit: a.Target == nil},
		{Value: nil, Omit: true}, // unsettled map: opaque to core, never populated
		{Value: false, Omit: true},
		{Value: a.InitialDeliveryCount, Omit: a.InitialDeliveryCount == nil},
		{Value: a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: a.OfferedCapabilities, Omit: len(a.OfferedCapabilities) == 0},
		{Value: a.DesiredCapabilities, Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

func (a *PerformAttach) Unmarshal(r *buffer.Buffer) (bool, error) {
	var unsettled map[encoding.Symbol]any
	var incompleteUnsettled bool
	var rawSource, rawTarget any
	isNull, err := encoding.UnmarshalComposite(r, encoding.TypeCodeAttach,
		encoding.UnmarshalField{Field: &a.Name, HandleNull: requiredField("Attach.Name")},
		encoding.UnmarshalField{Field: &a.Handle, HandleNull: requiredField("Attach.Handle")},
		encoding.UnmarshalField{Field: &a.Role, HandleNull: requiredField("Attach.Role")},
		encoding.UnmarshalField{Field: &a.SenderSettleMode},
		encoding.UnmarshalField{Field: &a.ReceiverSettleMode},
		encoding.UnmarshalField{Field: &rawSource},
		encoding.UnmarshalField{Field: &rawTarget},
		encoding.UnmarshalField{Field: &unsettled},
		encoding.UnmarshalField{Field: &incompleteUnsettled},
		encoding.UnmarshalField{Field: &a.InitialDeliveryCount},
		encoding.UnmarshalField{Field: &a.MaxMessageSize},
		encoding.UnmarshalField{Field: &a.OfferedCapabilities},
		encoding.UnmarshalField{Field: &a.DesiredCapabilities},
		encoding.UnmarshalField{Field: &a.Properties},
	)
	if raw, ok := rawSource.(*encoding.RawComposite); ok {
		a.Source = sourceFromRaw(raw)
	}
	if raw, ok := rawTarget.(*encoding.RawComposite); ok {
		a.Target = targetFromRaw(raw)
	}
	return isNull, err
}

// PerformFlow updates link/session flow-control windows.
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]any
}

func (*PerformFlow) frameBody()       {}
func (f *PerformFlow) String() string { return fmt.Sprintf("Flow{Handle: %v}", f.Handle) }

func (f *PerformFlow) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeFlow, []encoding.MarshalField{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: f.IncomingWindow, Omit: false},
		{Value: f.NextOutgoingID, Omit: false},
		{Value: f.OutgoingWindow, Omit: false},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: f.Drain, Omit: !f.Drain},
		{Value: f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *PerformFlow) Unmarshal(r *buffer.Buffer) (bool, error) {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeFlow,
		encoding.UnmarshalField{Field: &f.NextIncomingID},
		encoding.UnmarshalField{Field: &f.IncomingWindow, HandleNull: requiredField("Flow.IncomingWindow")},
		encoding.UnmarshalField{Field: &f.NextOutgoingID, HandleNull: requiredField("Flow.NextOutgoingID")},
		encoding.UnmarshalField{Field: &f.OutgoingWindow, HandleNull: requiredField("Flow.OutgoingWindow")},
		encoding.UnmarshalField{Field: &f.Handle},
		encoding.UnmarshalField{Field: &f.DeliveryCount},
		encoding.UnmarshalField{Field: &f.LinkCredit},
		encoding.UnmarshalField{Field: &f.Available},
		encoding.UnmarshalField{Field: &f.Drain},
		encoding.UnmarshalField{Field: &f.Echo},
		encoding.UnmarshalField{Field: &f.Properties},
	)
}

// PerformTransfer carries a (possibly chunked) message. Done, when set, is
// where the session delivers the peer's disposition state for the
// delivery; it is not part of the AMQP wire encoding.
type PerformTransfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	RcvSettleMode *encoding.ReceiverSettleMode
	Payload       []byte

	Done chan encoding.DeliveryState
}

func (*PerformTransfer) frameBody() {}
func (t *PerformTransfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, More: %t, PayloadLen: %d}", t.Handle, t.More, len(t.Payload))
}

func (t *PerformTransfer) Marshal(wr *buffer.Buffer) error {
	err := encoding.MarshalComposite(wr, encoding.TypeCodeTransfer, []encoding.MarshalField{
		{Value: t.Handle, Omit: false},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: t.Settled, Omit: !t.Settled},
		{Value: t.More, Omit: !t.More},
		{Value: t.RcvSettleMode, Omit: t.RcvSettleMode == nil},
	})
	if err != nil {
		return err
	}
	wr.Write(t.Payload)
	return nil
}

func (t *PerformTransfer) Unmarshal(r *buffer.Buffer) (bool, error) {
	isNull, err := encoding.UnmarshalComposite(r, encoding.TypeCodeTransfer,
		encoding.UnmarshalField{Field: &t.Handle, HandleNull: requiredField("Transfer.Handle")},
		encoding.UnmarshalField{Field: &t.DeliveryID},
		encoding.UnmarshalField{Field: &t.DeliveryTag},
		encoding.UnmarshalField{Field: &t.MessageFormat},
		encoding.UnmarshalField{Field: &t.Settled},
		encoding.UnmarshalField{Field: &t.More},
		encoding.UnmarshalField{Field: &t.RcvSettleMode},
	)
	if err != nil || isNull {
		return isNull, err
	}
	if r.Len() > 0 {
		payload, err := r.Next(r.Len())
		if err != nil {
			return false, err
		}
		t.Payload = append([]byte(nil), payload...)
	}
	return false, nil
}

// PerformDisposition settles one or more deliveries.
type PerformDisposition struct {
	Role      encoding.Role
	First     uint32
	Last      *uint32
	Settled   bool
	State     encoding.DeliveryState
	Batchable bool
}

func (*PerformDisposition) frameBody() {}
func (d *PerformDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Settled: %t}", d.Role, d.First, d.Settled)
}

func (d *PerformDisposition) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDisposition, []encoding.MarshalField{
		{Value: d.Role, Omit: false},
		{Value: d.First, Omit: false},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: d.Batchable, Omit: !d.Batchable},
	})
}

func (d *PerformDisposition) Unmarshal(r *buffer.Buffer) (bool, error) {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDisposition,
		encoding.UnmarshalField{Field: &d.Role, HandleNull: requiredField("Disposition.Role")},
		encoding.UnmarshalField{Field: &d.First, HandleNull: requiredField("Disposition.First")},
		encoding.UnmarshalField{Field: &d.Last},
		encoding.UnmarshalField{Field: &d.Settled},
		encoding.UnmarshalField{Field: &d.State},
		encoding.UnmarshalField{Field: &d.Batchable},
	)
}

// PerformDetach tears down a link.
type PerformDetach struct {
	Handle uint32
	Closed bool
	Error  *encoding.Error
}

func (*PerformDetach) frameBody() {}
func (d *PerformDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

func (d *PerformDetach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDetach, []encoding.MarshalField{
		{Value: d.Handle, Omit: false},
		{Value: d.Closed, Omit: !d.Closed},
		{Value: errField(d.Error), Omit: d.Error == nil},
	})
}

func (d *PerformDetach) Unmarshal(r *buffer.Buffer) (bool, error) {
	var errVal any
	isNull, err := encoding.UnmarshalComposite(r, encoding.TypeCodeDetach,
		encoding.UnmarshalField{Field: &d.Handle, HandleNull: requiredField("Detach.Handle")},
		encoding.UnmarshalField{Field: &d.Closed},
		encoding.UnmarshalField{Field: &errVal},
	)
	if e, ok := errVal.(*encoding.Error); ok {
		d.Error = e
	}
	return isNull, err
}

// PerformEnd ends a session, optionally citing an Error.
type PerformEnd struct {
	Error *encoding.Error
}

func (*PerformEnd) frameBody()       {}
func (e *PerformEnd) String() string { return fmt.Sprintf("End{Error: %v}", e.Error) }

func (e *PerformEnd) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeEnd, []encoding.MarshalField{
		{Value: errField(e.Error), Omit: e.Error == nil},
	})
}

func (e *PerformEnd) Unmarshal(r *buffer.Buffer) (bool, error) {
	var errVal any
	isNull, err := encoding.UnmarshalComposite(r, encoding.TypeCodeEnd, encoding.UnmarshalField{Field: &errVal})
	if er, ok := errVal.(*encoding.Error); ok {
		e.Error = er
	}
	return isNull, err
}

// PerformClose ends a connection, optionally citing an Error.
type PerformClose struct {
	Error *encoding.Error
}

func (*PerformClose) frameBody()       {}
func (c *PerformClose) String() string { return fmt.Sprintf("Close{Error: %v}", c.Error) }

func (c *PerformClose) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeClose, []encoding.MarshalField{
		{Value: errField(c.Error), Omit: c.Error == nil},
	})
}

func (c *PerformClose) Unmarshal(r *buffer.Buffer) (bool, error) {
	var errVal any
	isNull, err := encoding.UnmarshalComposite(r, encoding.TypeCodeClose, encoding.UnmarshalField{Field: &errVal})
	if er, ok := errVal.(*encoding.Error); ok {
		c.Error = er
	}
	return isNull, err
}

func errField(e *encoding.Error) any {
	if e == nil {
		return nil
	}
	return e
}

func requiredField(name string) func() error {
	return func() error { return fmt.Errorf("frames: %s is required", name) }
}
