package amqp

import (
	"context"
	"errors"
	"fmt"

	"github.com/amqpcore/coreamqp/internal/buffer"
	"github.com/amqpcore/coreamqp/internal/debug"
	"github.com/amqpcore/coreamqp/internal/encoding"
	"github.com/amqpcore/coreamqp/internal/frames"
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	l link

	manualCredits bool
	maxCredit     uint32

	// messages assembled from completed (non-More) Transfer chains,
	// handed to Receive callers in arrival order.
	messages chan Message

	// settled dispositions the mux still needs to send upstream, FIFO.
	dispositions chan *frames.PerformDisposition

	unsettledMessages map[string]struct{} // keyed by delivery tag
}

// ReceiveOptions contains any optional values for Receiver.Receive.
type ReceiveOptions struct {
	// for future expansion
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.l.key.name
}

// MaxMessageSize is the maximum size of a single message.
func (r *Receiver) MaxMessageSize() uint64 {
	return r.l.maxMessageSize
}

// Address returns the link's source address.
func (r *Receiver) Address() string {
	if r.l.source == nil {
		return ""
	}
	return r.l.source.Address
}

// Receive blocks until a message arrives, ctx completes, or the link
// terminates. If manual credit management is enabled, the caller must
// call IssueCredit before Receive returns anything.
func (r *Receiver) Receive(ctx context.Context, _ *ReceiveOptions) (*Message, error) {
	select {
	case <-r.l.done:
		return nil, r.l.doneErr
	default:
	}

	select {
	case m := <-r.messages:
		return &m, nil
	case <-r.l.done:
		return nil, r.l.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IssueCredit grants the sender credit additional link-credit. Only valid
// when the Receiver was created with ManualCredits; otherwise the mux
// replenishes credit automatically as messages are delivered.
func (r *Receiver) IssueCredit(credit uint32) error {
	if !r.manualCredits {
		return fmt.Errorf("amqp: IssueCredit requires ManualCredits")
	}
	fr := &frames.PerformFlow{Handle: &r.l.handle, LinkCredit: &credit}
	return r.l.session.txFrame(fr, nil)
}

// AcceptMessage settles a message as accepted. It sends a settled
// Disposition under either receiver settle mode.
func (r *Receiver) AcceptMessage(ctx context.Context, tag []byte) error {
	return r.settle(ctx, tag, &encoding.StateAccepted{})
}

// RejectMessage settles a message as rejected with the given error.
func (r *Receiver) RejectMessage(ctx context.Context, tag []byte, e *Error) error {
	return r.settle(ctx, tag, &encoding.StateRejected{Error: e})
}

func (r *Receiver) settle(ctx context.Context, tag []byte, state encoding.DeliveryState) error {
	_ = tag
	id := r.l.deliveryCount
	fr := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   id,
		Settled: true,
		State:   state,
	}
	select {
	case <-r.l.done:
		return r.l.doneErr
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return r.l.session.txFrame(fr, nil)
}

// Close closes the Receiver and its AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.l.closeLink(ctx)
}

// newReceiver creates a new receiving link and attaches it to the session.
func newReceiver(source string, session *Session, opts *ReceiverOptions) (*Receiver, error) {
	r := &Receiver{
		l:            newLink(session, encoding.RoleReceiver),
		messages:     make(chan Message, 1),
		dispositions: make(chan *frames.PerformDisposition, 1),
		maxCredit:    1,
	}
	r.l.source = &frames.Source{Address: source}
	r.l.target = new(frames.Target)

	if opts == nil {
		return r, nil
	}

	for _, v := range opts.Capabilities {
		r.l.target.Capabilities = append(r.l.target.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	r.l.target.Durable = opts.Durability
	if opts.MaxMessageSize != 0 {
		r.l.maxMessageSize = opts.MaxMessageSize
	}
	if opts.Name != "" {
		r.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		r.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			r.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedSenderSettleMode != nil {
		if ssm := *opts.RequestedSenderSettleMode; ssm > SenderSettleModeMixed {
			return nil, fmt.Errorf("invalid RequestedSenderSettleMode %d", ssm)
		}
		r.l.senderSettleMode = opts.RequestedSenderSettleMode
	}
	if opts.SettlementMode != nil {
		if rsm := *opts.SettlementMode; rsm > ReceiverSettleModeSecond {
			return nil, fmt.Errorf("invalid SettlementMode %d", rsm)
		}
		r.l.receiverSettleMode = opts.SettlementMode
	}
	if opts.SourceAddress != "" {
		r.l.source.Address = opts.SourceAddress
	}
	r.manualCredits = opts.ManualCredits
	if opts.Credit > 0 {
		r.maxCredit = opts.Credit
	}
	return r, nil
}

func (r *Receiver) attach(ctx context.Context) error {
	r.l.rx = make(chan frames.FrameBody, 1)

	if err := r.l.attach(ctx, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source == nil {
			pa.Source = new(frames.Source)
		}
		pa.Source.Dynamic = r.l.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if r.l.source == nil {
			r.l.source = new(frames.Source)
		}
		if r.l.dynamicAddr && pa.Source != nil {
			r.l.source.Address = pa.Source.Address
		}
	}); err != nil {
		return err
	}

	go r.mux()

	if !r.manualCredits {
		if err := r.l.session.txFrame(&frames.PerformFlow{
			Handle:     &r.l.handle,
			LinkCredit: &r.maxCredit,
		}, nil); err != nil {
			return err
		}
	}

	return nil
}

// mux is the Receiver's own forwarding loop: it drains incoming control
// frames from rx and reassembles chunked Transfer frames queued on rxQ
// into complete Messages.
func (r *Receiver) mux() {
	defer r.l.muxClose(context.Background(), nil, nil, func(fr frames.PerformTransfer) {
		r.handleTransfer(&fr)
	})

	var pending transferAccumulator
	for {
		select {
		case fr := <-r.l.rx:
			if err := r.muxHandleFrame(fr); err != nil {
				r.l.doneErr = err
				return
			}

		case q := <-r.l.rxQ.Wait():
			fr := q.Dequeue()
			r.l.rxQ.Release(q)
			tr, ok := (*fr).(*frames.PerformTransfer)
			if !ok {
				debug.Log(1, "RX (Receiver): unexpected queued frame: %s", *fr)
				continue
			}
			if msg, done := r.accumulate(&pending, tr); done {
				select {
				case r.messages <- *msg:
				case <-r.l.close:
					return
				case <-r.l.session.done:
					return
				}
				if !r.manualCredits {
					r.l.deliveryCount++
					credit := r.maxCredit
					_ = r.l.session.txFrame(&frames.PerformFlow{
						Handle:     &r.l.handle,
						LinkCredit: &credit,
					}, nil)
				}
			}

		case <-r.l.close:
			r.l.doneErr = &LinkError{}
			return

		case <-r.l.session.done:
			r.l.doneErr = r.l.session.doneErr
			return
		}
	}
}

// transferAccumulator accumulates the chunks of a multi-frame Transfer.
type transferAccumulator struct {
	data []byte
}

// accumulate appends tr's payload to pending, returning the reassembled
// Message and true once the chain's final (More == false) chunk arrives.
func (r *Receiver) accumulate(pending *transferAccumulator, tr *frames.PerformTransfer) (*Message, bool) {
	pending.data = append(pending.data, tr.Payload...)
	if tr.More {
		return nil, false
	}
	msg := &Message{DeliveryTag: tr.DeliveryTag}
	if tr.MessageFormat != nil {
		msg.Format = *tr.MessageFormat
	}
	buf := pending.data
	pending.data = nil
	if err := msg.Unmarshal(buffer.New(buf)); err != nil {
		debug.Log(1, "RX (Receiver): failed to decode message: %v", err)
		msg.Data = buf
	}
	return msg, true
}

func (r *Receiver) handleTransfer(tr *frames.PerformTransfer) {
	debug.Log(2, "RX (Receiver) (draining on close): %s", tr)
}

func (r *Receiver) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		if fr.Echo {
			credit := r.maxCredit
			deliveryCount := r.l.deliveryCount
			_ = r.l.session.txFrame(&frames.PerformFlow{
				Handle:        &r.l.handle,
				DeliveryCount: &deliveryCount,
				LinkCredit:    &credit,
			}, nil)
		}
		return nil

	case *frames.PerformDisposition:
		return nil

	default:
		return r.l.muxHandleFrame(fr)
	}
}
