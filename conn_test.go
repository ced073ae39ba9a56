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

func basicResponder() mocks.Responder {
	return func(req any) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", tt)
		}
	}
}

func TestNewConnHandshake(t *testing.T) {
	defer leaktest.Check(t)()

	netConn := mocks.NewNetConn(basicResponder())
	c, err := NewConn(context.Background(), netConn, &ConnOptions{ContainerID: "me"})
	require.NoError(t, err)
	require.Equal(t, "me", c.local.ContainerID)
	require.Equal(t, "peer", c.remote.ContainerID)

	require.NoError(t, c.Close(context.Background()))
}

func TestNewSessionPairsBegin(t *testing.T) {
	defer leaktest.Check(t)()

	netConn := mocks.NewNetConn(basicResponder())
	c, err := NewConn(context.Background(), netConn, nil)
	require.NoError(t, err)

	sess, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, uint16(0), sess.channel)
	require.Equal(t, uint16(0), sess.remoteChannel)

	require.NoError(t, c.Close(context.Background()))
}

func TestNewSessionContextCanceledSendsCourtesyEnd(t *testing.T) {
	defer leaktest.Check(t)()

	sawEnd := make(chan struct{}, 1)
	blockBegin := make(chan struct{})
	responder := func(req any) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformBegin:
			<-blockBegin
			return mocks.PerformBegin(0)
		case *frames.PerformEnd:
			select {
			case sawEnd <- struct{}{}:
			default:
			}
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)
	c, err := NewConn(context.Background(), netConn, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.NewSession(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(blockBegin)
	select {
	case <-sawEnd:
	case <-time.After(time.Second):
		t.Fatal("expected a courtesy End for the abandoned session")
	}

	c.Drop()
}

func TestCloseCleanReturnsNil(t *testing.T) {
	defer leaktest.Check(t)()

	netConn := mocks.NewNetConn(basicResponder())
	c, err := NewConn(context.Background(), netConn, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
}

func TestCloseAnsweredWithErrorSurfaces(t *testing.T) {
	defer leaktest.Check(t)()

	peerErr := &Error{Condition: encoding.ErrCondInternalError, Description: "boom"}
	responder := func(req any) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformClose:
			return mocks.PerformClose(peerErr)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)
	c, err := NewConn(context.Background(), netConn, nil)
	require.NoError(t, err)

	err = c.Close(context.Background())
	require.Error(t, err)
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, KindClosed, connErr.Kind)
	require.Equal(t, peerErr, connErr.Peer)
}

func TestPeerInitiatedCloseIsTerminal(t *testing.T) {
	defer leaktest.Check(t)()

	var netConn *mocks.NetConn
	responder := func(req any) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn = mocks.NewNetConn(responder)
	c, err := NewConn(context.Background(), netConn, nil)
	require.NoError(t, err)

	b, err := mocks.PerformClose(nil)
	require.NoError(t, err)
	netConn.PushFrame(b)

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("connection never terminated after peer-initiated Close")
	}
	require.Error(t, c.doneErr)
}

func TestTooManyChannelsIsRecoverable(t *testing.T) {
	defer leaktest.Check(t)()

	responder := func(req any) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		default:
			return nil, nil
		}
	}
	netConn := mocks.NewNetConn(responder)
	c, err := NewConn(context.Background(), netConn, &ConnOptions{MaxSessions: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.NewSession(ctx, nil)
	require.NoError(t, err)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = c.NewSession(ctx2, nil)
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, KindTooManyChannels, connErr.Kind)

	c.Drop()
}

func TestHeartbeatTickerInterval(t *testing.T) {
	require.Equal(t, time.Duration(0), heartbeatTickerInterval(0, 0))
	require.Equal(t, 50*time.Millisecond, heartbeatTickerInterval(100*time.Millisecond, 0))
	require.Equal(t, time.Second, heartbeatTickerInterval(8*time.Second, 16*time.Second))
}
