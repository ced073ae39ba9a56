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

// TestLinkAttachRejectedByPeer exercises the "peer refuses the terminus"
// path: an Attach response with no Source or Target must be followed by
// waiting for the peer's Detach, acking it, and surfacing the Detach's
// error to the caller of NewSender.
func TestLinkAttachRejectedByPeer(t *testing.T) {
	defer leaktest.Check(t)()

	rejectErr := NewResourceLimitExceededError("no capacity")
	ackSent := make(chan *frames.PerformDetach, 1)

	c, sess := dialSession(t, func(req any) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			// respond with an Attach naming no terminus (the peer is
			// refusing) immediately followed by its Detach carrying the
			// reason, since attach() won't write anything between reading
			// those two frames.
			noTerminus, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformAttach{
				Name:   tt.Name,
				Handle: 0,
				Role:   encoding.RoleReceiver,
			})
			if err != nil {
				return nil, err
			}
			detach, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformDetach{
				Handle: 0,
				Closed: true,
				Error:  rejectErr,
			})
			if err != nil {
				return nil, err
			}
			return append(noTerminus, detach...), nil
		case *frames.PerformDetach:
			ackSent <- tt
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sess.NewSender(ctx, "addr1", nil)
	require.Error(t, err)

	select {
	case d := <-ackSent:
		require.True(t, d.Closed)
	case <-time.After(time.Second):
		t.Fatal("peer's refusal Detach was never acked")
	}

	require.NoError(t, c.Close(context.Background()))
}

// TestLinkNonClosingDetachNotSupported verifies a non-closing Detach from
// the peer (link-reattach, which this engine doesn't support) surfaces as a
// LinkError rather than being silently accepted.
func TestLinkNonClosingDetachNotSupported(t *testing.T) {
	defer leaktest.Check(t)()

	l := link{doneErr: nil}
	err := l.muxHandleFrame(&frames.PerformDetach{Handle: 0, Closed: false})
	require.Error(t, err)
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
}
