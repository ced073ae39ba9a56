package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatPollNone(t *testing.T) {
	now := time.Now()
	h := newHeartbeat(time.Second, time.Second, now)
	require.Equal(t, heartbeatNone, h.poll(now.Add(10*time.Millisecond), false, false))
}

func TestHeartbeatPollLocalTimeout(t *testing.T) {
	now := time.Now()
	h := newHeartbeat(100*time.Millisecond, 0, now)
	require.Equal(t, heartbeatTimeout, h.poll(now.Add(201*time.Millisecond), false, false))
}

func TestHeartbeatPollRecvActivityResetsLocalWatch(t *testing.T) {
	now := time.Now()
	h := newHeartbeat(100*time.Millisecond, 0, now)
	later := now.Add(150 * time.Millisecond)
	require.Equal(t, heartbeatNone, h.poll(later, true, false))
	require.Equal(t, heartbeatTimeout, h.poll(later.Add(201*time.Millisecond), false, false))
}

func TestHeartbeatPollRemoteEmitsThenResets(t *testing.T) {
	now := time.Now()
	h := newHeartbeat(0, 100*time.Millisecond, now)
	later := now.Add(51 * time.Millisecond)
	require.Equal(t, heartbeatEmit, h.poll(later, false, false))
	// emit resets the send watch; a tick right after should not emit again.
	require.Equal(t, heartbeatNone, h.poll(later.Add(time.Millisecond), false, false))
}

func TestHeartbeatPollSendActivitySuppressesEmit(t *testing.T) {
	now := time.Now()
	h := newHeartbeat(0, 100*time.Millisecond, now)
	later := now.Add(60 * time.Millisecond)
	require.Equal(t, heartbeatNone, h.poll(later, false, true))
}

func TestHeartbeatPollBothWatchesDisabled(t *testing.T) {
	now := time.Now()
	h := newHeartbeat(0, 0, now)
	require.Equal(t, heartbeatNone, h.poll(now.Add(time.Hour), false, false))
}
