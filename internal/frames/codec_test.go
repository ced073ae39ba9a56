package frames

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/amqpcore/coreamqp/internal/encoding"
)

// roundTrip encodes fr, decodes the result, and returns the decoded frame
// for structural comparison against the original.
func roundTrip(t *testing.T, fr *Frame) *Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, fr))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	return got
}

func TestRoundTripOpen(t *testing.T) {
	ch := uint16(4)
	sent := &Frame{Type: TypeAMQP, Channel: 0, Body: &PerformOpen{
		ContainerID:  "test-container",
		Hostname:     "broker.example",
		MaxFrameSize: 65536,
		ChannelMax:   ch,
		IdleTimeout:  encoding.Milliseconds(30 * time.Second),
	}}
	got := roundTrip(t, sent)
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Fatalf("Open round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripBegin(t *testing.T) {
	remote := uint16(7)
	sent := &Frame{Type: TypeAMQP, Channel: 3, Body: &PerformBegin{
		RemoteChannel:  &remote,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 5000,
		HandleMax:      4294967295,
	}}
	got := roundTrip(t, sent)
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Fatalf("Begin round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripClose(t *testing.T) {
	sent := &Frame{Type: TypeAMQP, Channel: 0, Body: &PerformClose{
		Error: &encoding.Error{Condition: encoding.ErrCondInternalError, Description: "boom"},
	}}
	got := roundTrip(t, sent)
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Fatalf("Close round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripEmpty(t *testing.T) {
	sent := &Frame{Type: TypeAMQP, Channel: 0, Body: &PerformEmpty{}}
	got := roundTrip(t, sent)
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Fatalf("Empty round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripAttachWithSourceAndTarget(t *testing.T) {
	rsm := encoding.ModeSecond
	sent := &Frame{Type: TypeAMQP, Channel: 2, Body: &PerformAttach{
		Name:               "link-1",
		Handle:             5,
		Role:               encoding.RoleSender,
		ReceiverSettleMode: &rsm,
		Source: &Source{
			Address: "src-addr",
			Durable: 1,
			Timeout: 30,
		},
		Target: &Target{
			Address: "tgt-addr",
			Dynamic: true,
		},
	}}
	got := roundTrip(t, sent)
	gotAttach, ok := got.Body.(*PerformAttach)
	require.True(t, ok)
	require.NotNil(t, gotAttach.Source)
	require.NotNil(t, gotAttach.Target)
	if diff := cmp.Diff(sent.Body.(*PerformAttach).Source, gotAttach.Source); diff != "" {
		t.Fatalf("Attach.Source round-trip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(sent.Body.(*PerformAttach).Target, gotAttach.Target); diff != "" {
		t.Fatalf("Attach.Target round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripTransferWithPayload(t *testing.T) {
	deliveryID := uint32(9)
	sent := &Frame{Type: TypeAMQP, Channel: 1, Body: &PerformTransfer{
		Handle:      2,
		DeliveryID:  &deliveryID,
		DeliveryTag: []byte{0, 0, 0, 0, 0, 0, 0, 9},
		Payload:     []byte("hello amqp"),
	}}
	got := roundTrip(t, sent)
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Fatalf("Transfer round-trip mismatch (-want +got):\n%s", diff)
	}
}
