package amqp

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/amqpcore/coreamqp/internal/encoding"
	"github.com/amqpcore/coreamqp/internal/frames"
	"github.com/amqpcore/coreamqp/internal/mocks"
)

// TestSenderFlowControlWaitsForCredit exercises the real PerformFlow credit
// path (rather than poking availableCredit directly, as TestSenderAttachSendClose
// does): Send blocks until a Flow grants credit, then the queued transfer
// reaches the peer.
func TestSenderFlowControlWaitsForCredit(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "test-sender-flow"
	received := make(chan *frames.PerformTransfer, 1)

	responder := func(req any) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			return mocks.SenderAttach(0, tt.Name, 0, encoding.ModeUnsettled)
		case *frames.PerformTransfer:
			received <- tt
			return mocks.PerformDisposition(encoding.RoleReceiver, 0, *tt.DeliveryID, &encoding.StateAccepted{})
		case *frames.PerformDetach:
			return mocks.PerformDetach(0, 0, nil)
		case *frames.PerformEnd:
			return mocks.PerformEnd(0, nil)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)
	c, err := NewConn(context.Background(), netConn, nil)
	require.NoError(t, err)
	sess, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	snd, err := sess.NewSender(context.Background(), "addr1", &SenderOptions{Name: linkName})
	require.NoError(t, err)

	// No credit has been granted yet: Send must not reach the peer.
	sendDone := make(chan error, 1)
	go func() {
		sendDone <- snd.Send(context.Background(), &Message{Data: []byte("hi")}, nil)
	}()

	select {
	case <-received:
		t.Fatal("transfer reached the peer before credit was granted")
	case <-time.After(100 * time.Millisecond):
	}

	// Grant a single unit of credit via an unsolicited Flow frame, exactly
	// as a real peer would push one without being asked.
	flow, err := mocks.PerformFlow(snd.l.handle, 1)
	require.NoError(t, err)
	netConn.PushFrame(flow)

	select {
	case tr := <-received:
		require.Equal(t, uint32(0), tr.Handle)
	case <-time.After(time.Second):
		t.Fatal("peer never received the transfer after credit was granted")
	}
	require.NoError(t, <-sendDone)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, snd.Close(closeCtx))
	require.NoError(t, c.Close(context.Background()))
}

// TestSenderChunksLargeMessage verifies a message larger than the
// negotiated peer max-frame-size is split across multiple Transfer frames,
// the last of which clears More.
func TestSenderChunksLargeMessage(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "test-sender-chunk"
	var transfers []*frames.PerformTransfer

	responder := func(req any) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformOpen{
				ContainerID:  "peer",
				ChannelMax:   8,
				MaxFrameSize: 128,
			})
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			return mocks.SenderAttach(0, tt.Name, 0, encoding.ModeUnsettled)
		case *frames.PerformTransfer:
			transfers = append(transfers, tt)
			if !tt.More {
				first := transfers[0]
				return mocks.PerformDisposition(encoding.RoleReceiver, 0, *first.DeliveryID, &encoding.StateAccepted{})
			}
			return nil, nil
		case *frames.PerformDetach:
			return mocks.PerformDetach(0, 0, nil)
		case *frames.PerformEnd:
			return mocks.PerformEnd(0, nil)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)
	c, err := NewConn(context.Background(), netConn, nil)
	require.NoError(t, err)
	sess, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	snd, err := sess.NewSender(context.Background(), "addr1", &SenderOptions{Name: linkName})
	require.NoError(t, err)
	snd.availableCredit = 10

	payload := bytes.Repeat([]byte("x"), 200)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Send(ctx, &Message{Data: payload}, nil))

	require.Greater(t, len(transfers), 1, "expected the 200-byte message to be split into multiple Transfer frames")
	for i, tr := range transfers {
		isLast := i == len(transfers)-1
		require.Equal(t, !isLast, tr.More)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, snd.Close(closeCtx))
	require.NoError(t, c.Close(context.Background()))
}
