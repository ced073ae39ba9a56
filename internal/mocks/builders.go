package mocks

import (
	"bytes"
	"time"

	"github.com/amqpcore/coreamqp/internal/encoding"
	"github.com/amqpcore/coreamqp/internal/frames"
)

// FrameAMQP and FrameSASL re-export the frame-header type byte so callers
// building encoded bytes don't need to import internal/frames directly.
const (
	FrameAMQP = frames.TypeAMQP
	FrameSASL = frames.TypeSASL
)

// ProtoAMQP is the protocol id for the plain-AMQP protocol header.
const ProtoAMQP = 0

// ProtoHeader builds the raw 8-byte protocol header with the given
// protocol id, the bytes a NetConn's peer reads first.
func ProtoHeader(id byte) ([]byte, error) {
	return []byte{'A', 'M', 'Q', 'P', id, 1, 0, 0}, nil
}

// EncodeFrame encodes body as a complete frame of the given type and
// channel, the same bytes frames.WriteFrame would send on the wire.
func EncodeFrame(typ frames.Type, channel uint16, body frames.FrameBody) ([]byte, error) {
	var buf bytes.Buffer
	if err := frames.WriteFrame(&buf, &frames.Frame{Type: typ, Channel: channel, Body: body}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PerformOpen encodes a reply Open naming containerID. idleTimeout, if
// given, sets the peer's advertised idle-time-out in milliseconds.
func PerformOpen(containerID string, idleTimeout ...uint32) ([]byte, error) {
	open := &frames.PerformOpen{
		ContainerID:  containerID,
		ChannelMax:   65535,
		MaxFrameSize: 65536,
	}
	if len(idleTimeout) > 0 {
		open.IdleTimeout = encoding.Milliseconds(time.Duration(idleTimeout[0]) * time.Millisecond)
	}
	return EncodeFrame(frames.TypeAMQP, 0, open)
}

// PerformBegin encodes a reply Begin answering on remoteChannel (the
// channel the initiator used for its own Begin).
func PerformBegin(remoteChannel uint16) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, remoteChannel, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		IncomingWindow: 100,
		OutgoingWindow: 100,
		HandleMax:      4294967295,
	})
}

// PerformEnd encodes an End on channel, optionally carrying err.
func PerformEnd(channel uint16, err *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformEnd{Error: err})
}

// PerformClose encodes a Close, optionally carrying err.
func PerformClose(err *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformClose{Error: err})
}

// SenderAttach encodes the receiver-role Attach answering a sender's
// attach request for name/handle on channel.
func SenderAttach(channel uint16, name string, handle uint32, mode encoding.SenderSettleMode) ([]byte, error) {
	idc := uint32(0)
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformAttach{
		Name:                 name,
		Handle:               handle,
		Role:                 encoding.RoleReceiver,
		SenderSettleMode:     &mode,
		Source:               &frames.Source{},
		Target:               &frames.Target{},
		InitialDeliveryCount: &idc,
		MaxMessageSize:       0,
	})
}

// ReceiverAttach encodes the sender-role Attach answering a receiver's
// attach request for name/handle on channel 0.
func ReceiverAttach(name string, handle uint32, mode encoding.ReceiverSettleMode) ([]byte, error) {
	idc := uint32(0)
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformAttach{
		Name:                 name,
		Handle:               handle,
		Role:                 encoding.RoleSender,
		ReceiverSettleMode:   &mode,
		Source:               &frames.Source{},
		Target:               &frames.Target{},
		InitialDeliveryCount: &idc,
	})
}

// PerformDetach encodes a Detach for handle on channel, optionally
// carrying err.
func PerformDetach(channel uint16, handle uint32, err *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformDetach{Handle: handle, Closed: true, Error: err})
}

// PerformFlow encodes a Flow granting credit link-credit to handle.
func PerformFlow(handle uint32, credit uint32) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformFlow{
		IncomingWindow: 2147483647,
		OutgoingWindow: 2147483647,
		Handle:         &handle,
		LinkCredit:     &credit,
	})
}

// PerformTransfer encodes a single, non-fragmented Transfer of payload
// on handle with the given delivery id.
func PerformTransfer(handle uint32, deliveryID uint32, payload []byte) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformTransfer{
		Handle:     handle,
		DeliveryID: &deliveryID,
		Payload:    payload,
	})
}

// PerformDisposition encodes a Disposition for a single delivery id from
// role, settling it to state.
func PerformDisposition(role encoding.Role, channel uint16, deliveryID uint32, state encoding.DeliveryState) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformDisposition{
		Role:    role,
		First:   deliveryID,
		Settled: true,
		State:   state,
	})
}
