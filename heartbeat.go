package amqp

import "time"

// heartbeatAction is the verdict produced by one heartbeat.poll call.
type heartbeatAction int

const (
	// heartbeatNone means neither watch fired.
	heartbeatNone heartbeatAction = iota
	// heartbeatEmit means the remote watch fired: we must send an Empty
	// frame on channel 0 to prove liveness to the peer.
	heartbeatEmit
	// heartbeatTimeout means the local watch fired: the peer has been
	// silent past our idle bound, the connection is dead.
	heartbeatTimeout
)

func (a heartbeatAction) String() string {
	switch a {
	case heartbeatEmit:
		return "emit"
	case heartbeatTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// idleTimeoutMultiplier is the factor applied to the negotiated local
// idle-time-out before it's treated as a hard deadline. AMQP 1.0 leaves
// the exact grace period to implementations; this mirrors what the
// original engine this core is modeled on actually uses — a flat
// doubling, not a configurable multiplier.
const idleTimeoutMultiplier = 2

// heartbeat implements the two independent idle watches described in
// spec.md §4.4, as a pure function of wall-clock time and per-tick
// read/write activity flags — it holds no timer or goroutine of its own.
// The connection driver calls poll once per scheduling step.
type heartbeat struct {
	// localIdleTimeout is our own idle-time-out: the longest we may go
	// without receiving anything before declaring the peer dead. Zero
	// disables this watch.
	localIdleTimeout time.Duration

	// remoteIdleTimeout is the peer's negotiated idle-time-out: the
	// longest the peer tolerates not hearing from us. Zero disables
	// this watch.
	remoteIdleTimeout time.Duration

	lastRecv time.Time
	lastSend time.Time
}

func newHeartbeat(localIdleTimeout, remoteIdleTimeout time.Duration, now time.Time) *heartbeat {
	return &heartbeat{
		localIdleTimeout:  localIdleTimeout,
		remoteIdleTimeout: remoteIdleTimeout,
		lastRecv:          now,
		lastSend:          now,
	}
}

// poll advances both watches to now given whether this tick observed
// local read activity (recvActivity) and local write activity
// (sendActivity); these are tracked separately per spec.md §9's
// resolution of the "idle activity flag" open question; a single
// combined flag would let a read-only tick reset the remote watch it has
// no bearing on, or vice versa.
//
// When poll returns heartbeatEmit it also records the emission as send
// activity, since the driver is expected to enqueue the Empty frame
// before its next call to poll.
func (h *heartbeat) poll(now time.Time, recvActivity, sendActivity bool) heartbeatAction {
	if recvActivity {
		h.lastRecv = now
	}
	if sendActivity {
		h.lastSend = now
	}

	if h.localIdleTimeout > 0 && now.Sub(h.lastRecv) >= idleTimeoutMultiplier*h.localIdleTimeout {
		return heartbeatTimeout
	}
	if h.remoteIdleTimeout > 0 && now.Sub(h.lastSend) >= h.remoteIdleTimeout/2 {
		h.lastSend = now
		return heartbeatEmit
	}
	return heartbeatNone
}
