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

// dialSession drives a full Open/Begin handshake over a mock transport and
// returns the resulting Conn and Session, leaving responder free to answer
// whatever link-level traffic the test drives afterward.
func dialSession(t *testing.T, extra func(req any) ([]byte, error)) (*Conn, *Session) {
	t.Helper()
	responder := func(req any) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		default:
			if extra != nil {
				return extra(req)
			}
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)
	c, err := NewConn(context.Background(), netConn, nil)
	require.NoError(t, err)
	sess, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)
	return c, sess
}

func TestSenderAttachSendClose(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "test-sender"
	received := make(chan *frames.PerformTransfer, 1)

	c, sess := dialSession(t, func(req any) ([]byte, error) {
		switch tt := req.(type) {
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
	})

	snd, err := sess.NewSender(context.Background(), "addr1", &SenderOptions{Name: linkName})
	require.NoError(t, err)
	require.Equal(t, "addr1", snd.Address())
	require.Equal(t, linkName, snd.LinkName())

	// grant credit so the sender's mux will actually dequeue a transfer.
	snd.availableCredit = 10

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Send(ctx, &Message{Data: []byte("hello")}, nil))

	select {
	case tr := <-received:
		require.Equal(t, uint32(0), tr.Handle)
	case <-time.After(time.Second):
		t.Fatal("peer never received the transfer")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	require.NoError(t, snd.Close(closeCtx))

	require.NoError(t, c.Close(context.Background()))
}

func TestSessionCloseEndsLink(t *testing.T) {
	defer leaktest.Check(t)()

	c, sess := dialSession(t, func(req any) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			return mocks.SenderAttach(0, tt.Name, 0, encoding.ModeUnsettled)
		case *frames.PerformEnd:
			return mocks.PerformEnd(0, nil)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, nil
		}
	})

	_, err := sess.NewSender(context.Background(), "addr1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sess.Close(ctx))

	require.NoError(t, c.Close(context.Background()))
}
