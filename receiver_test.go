package amqp

import (
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

func TestReceiverAutoCreditReceiveAccept(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "test-receiver"
	const deliveryID = uint32(1)
	flowed := make(chan struct{}, 1)
	disposed := make(chan *frames.PerformDisposition, 1)

	c, sess := dialSession(t, func(req any) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return mocks.ReceiverAttach(linkName, 0, encoding.ModeFirst)
		case *frames.PerformFlow:
			select {
			case flowed <- struct{}{}:
				return mocks.PerformTransfer(0, deliveryID, []byte("hello"))
			default:
				// subsequent credit top-ups after delivery; no reply needed.
				return nil, nil
			}
		case *frames.PerformDisposition:
			disposed <- tt
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
	})

	rcv, err := sess.NewReceiver(context.Background(), "src1", &ReceiverOptions{Name: linkName, Credit: 1})
	require.NoError(t, err)
	require.Equal(t, "src1", rcv.Address())
	require.Equal(t, linkName, rcv.LinkName())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.Data)

	require.NoError(t, rcv.AcceptMessage(ctx, msg.DeliveryTag))
	select {
	case d := <-disposed:
		require.True(t, d.Settled)
	case <-time.After(time.Second):
		t.Fatal("peer never received the disposition")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, rcv.Close(closeCtx))
	require.NoError(t, c.Close(context.Background()))
}

func TestReceiverManualCredit(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "test-receiver-manual"
	flows := make(chan *frames.PerformFlow, 4)

	c, sess := dialSession(t, func(req any) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return mocks.ReceiverAttach(linkName, 0, encoding.ModeFirst)
		case *frames.PerformFlow:
			flows <- tt
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
	})

	rcv, err := sess.NewReceiver(context.Background(), "src1", &ReceiverOptions{
		Name:          linkName,
		ManualCredits: true,
	})
	require.NoError(t, err)

	// With manual credits, attach must not auto-grant an initial Flow.
	select {
	case <-flows:
		t.Fatal("unexpected automatic Flow frame with ManualCredits enabled")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, rcv.IssueCredit(5))
	select {
	case fr := <-flows:
		require.Equal(t, uint32(5), *fr.LinkCredit)
	case <-time.After(time.Second):
		t.Fatal("IssueCredit never reached the peer")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, rcv.Close(closeCtx))
	require.NoError(t, c.Close(context.Background()))
}
