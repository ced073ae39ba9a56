package amqp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/amqpcore/coreamqp/internal/debug"
	"github.com/amqpcore/coreamqp/internal/encoding"
	"github.com/amqpcore/coreamqp/internal/frames"
	"github.com/amqpcore/coreamqp/internal/queue"
)

const (
	// DefaultMaxFrameSize is installed when ConnOptions.MaxFrameSize is
	// left zero.
	DefaultMaxFrameSize = 65536
	// DefaultMaxSessions is installed when ConnOptions.MaxSessions is
	// left zero.
	DefaultMaxSessions = 65535
)

// connState is the connection lifecycle state of spec.md §3.
type connState int

const (
	// connNormal: Open exchanged, traffic flowing.
	connNormal connState = iota
	// connClosing: we sent Close, awaiting the peer's Close.
	connClosing
	// connRemoteClose: the peer sent Close first; we echoed and must
	// drain writes then terminate.
	connRemoteClose
	// connDrop: teardown requested by the owner; flush then terminate
	// unconditionally.
	connDrop
)

func (s connState) String() string {
	switch s {
	case connNormal:
		return "normal"
	case connClosing:
		return "closing"
	case connRemoteClose:
		return "remote-close"
	case connDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// channelState is the per-slot state of spec.md §3's session table.
type channelState int

const (
	chanOpening channelState = iota
	chanEstablished
	// chanClosing: we sent End on this channel and are awaiting the
	// peer's End, mirrored by original_source/src/connection.rs's
	// ChannelState::Closing.
	chanClosing
)

// openWaiter lets open_session's caller give up (ctx expiry) while the
// driver is still waiting on the peer's Begin; see spec.md §9 "courtesy
// End on dropped waiter".
type openWaiter struct {
	result chan *openResult
	cancel chan struct{}
}

type openResult struct {
	session *Session
	err     error
}

// connSlot is one entry in the dense channel allocator; local channel
// number == its index. A slot holds its Session from the moment
// open_session allocates it (chanOpening) through to the moment the
// table frees it again; only its state changes in between.
type connSlot struct {
	state   channelState
	session *Session
	opening *openWaiter
}

// Conn is an established AMQP connection: the framed transport, the
// session table, the outgoing queue, and the driver goroutines that
// multiplex frames across channels. Create one with Dial or Accept.
type Conn struct {
	transport io.ReadWriteCloser

	local  Configuration
	remote Configuration

	// peerMaxFrameSize is the max-frame-size the peer advertised in its
	// Open; Sender chunks Transfer payloads to this bound.
	peerMaxFrameSize uint32

	// UserState is whatever the acceptor's ConnectHandler returned, or
	// nil for a Dial-ed (initiator) connection.
	UserState any

	txQ *queue.Holder[*frames.Frame]

	mu      sync.Mutex
	slots   []*connSlot
	free    []int
	remotes map[uint16]int // remote channel -> slot index
	state   connState
	connErr *ConnError

	closeReqOnce sync.Once
	closeReqCh   chan *Error // non-nil Error requests Close(err); nil requests a clean Close
	dropOnce     sync.Once
	dropCh       chan struct{}

	done    chan struct{}
	doneErr error

	lastRecv int64 // unix nano, written by the reader goroutine
	lastSend int64 // unix nano, written by the writer goroutine
}

// dial/accept entry points

// Dial establishes an AMQP connection as the initiator over a freshly
// dialed TCP connection to addr.
func Dial(ctx context.Context, addr string, opts *ConnOptions) (*Conn, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "amqp: dial")
	}
	c, err := newInitiatorConn(ctx, netConn, opts)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return c, nil
}

// NewConn runs the initiator handshake over an already-established
// transport (e.g. a TLS-wrapped net.Conn) and starts its driver.
func NewConn(ctx context.Context, transport io.ReadWriteCloser, opts *ConnOptions) (*Conn, error) {
	return newInitiatorConn(ctx, transport, opts)
}

// Accept runs the acceptor handshake over transport (a connection already
// accepted by a net.Listener) and starts its driver.
func Accept(ctx context.Context, transport io.ReadWriteCloser, opts *ConnAcceptorOptions) (*Conn, error) {
	if opts == nil {
		opts = &ConnAcceptorOptions{}
	}
	local := &frames.PerformOpen{
		ContainerID:  opts.ContainerID,
		MaxFrameSize: orDefaultU32(opts.MaxFrameSize, DefaultMaxFrameSize),
		ChannelMax:   orDefaultU16(opts.MaxSessions, DefaultMaxSessions),
		IdleTimeout:  encoding.Milliseconds(time.Duration(opts.IdleTimeout) * time.Millisecond),
	}

	res, err := negotiate(ctx, transport, roleAcceptor, local, time.Duration(opts.HandshakeTimeout)*time.Millisecond, nil, opts.SASLTypes, opts.ConnectHandler)
	if err != nil {
		return nil, err
	}

	c := newConn(transport, res)
	go c.mux()
	return c, nil
}

func newInitiatorConn(ctx context.Context, transport io.ReadWriteCloser, opts *ConnOptions) (*Conn, error) {
	if opts == nil {
		opts = &ConnOptions{}
	}
	local := &frames.PerformOpen{
		ContainerID:  opts.ContainerID,
		Hostname:     opts.Hostname,
		MaxFrameSize: orDefaultU32(opts.MaxFrameSize, DefaultMaxFrameSize),
		ChannelMax:   orDefaultU16(opts.MaxSessions, DefaultMaxSessions),
		IdleTimeout:  encoding.Milliseconds(time.Duration(opts.IdleTimeout) * time.Millisecond),
	}

	var sasl *SASLType
	if opts.SASLType.mechanism != "" {
		sasl = &opts.SASLType
	}

	res, err := negotiate(ctx, transport, roleInitiator, local, time.Duration(opts.HandshakeTimeout)*time.Millisecond, sasl, nil, nil)
	if err != nil {
		return nil, err
	}

	c := newConn(transport, res)
	go c.mux()
	return c, nil
}

func newConn(transport io.ReadWriteCloser, res *handshakeResult) *Conn {
	c := &Conn{
		transport:        transport,
		local:            res.local,
		remote:           res.remote,
		peerMaxFrameSize: res.remote.MaxFrameSize,
		UserState:        res.userState,
		txQ:              queue.NewHolder(queue.New[*frames.Frame](16)),
		remotes:          make(map[uint16]int),
		closeReqCh:       make(chan *Error, 1),
		dropCh:           make(chan struct{}),
		done:             make(chan struct{}),
	}
	channelMax := res.local.ChannelMax
	if res.remote.ChannelMax < channelMax {
		channelMax = res.remote.ChannelMax
	}
	c.slots = make([]*connSlot, 0, channelMax)
	now := time.Now()
	c.lastRecv = now.UnixNano()
	c.lastSend = now.UnixNano()
	return c
}

func orDefaultU32(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultU16(v, def uint16) uint16 {
	if v == 0 {
		return def
	}
	return v
}

// channelMax returns the negotiated (min of both sides') channel-max.
func (c *Conn) channelMax() int {
	return cap(c.slots)
}

// NewSession opens a new session (the "open_session" operation of
// spec.md §4.2): it allocates a local channel, posts Begin, and blocks
// until the peer answers with its own Begin or ctx expires.
func (c *Conn) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	c.mu.Lock()
	if c.connErr != nil {
		err := c.connErr
		c.mu.Unlock()
		return nil, err
	}
	if c.state != connNormal {
		c.mu.Unlock()
		return nil, fmt.Errorf("amqp: connection is closing")
	}

	idx, err := c.allocateSlotLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	sess := newSession(c, uint16(idx), opts)
	w := &openWaiter{result: make(chan *openResult, 1), cancel: make(chan struct{})}
	c.slots[idx] = &connSlot{state: chanOpening, session: sess, opening: w}
	c.mu.Unlock()

	begin := sess.beginFrame(nil)
	c.enqueueFrame(&frames.Frame{Type: frames.TypeAMQP, Channel: uint16(idx), Body: begin})

	select {
	case res := <-w.result:
		return res.session, res.err
	case <-ctx.Done():
		close(w.cancel)
		// pairBeginLocked may have already committed the session before
		// observing the cancel; give it one more chance to claim it
		// rather than silently orphaning an established session.
		select {
		case res := <-w.result:
			return res.session, res.err
		default:
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.doneErrOrDisconnected()
	}
}

func (c *Conn) doneErrOrDisconnected() error {
	if c.doneErr != nil {
		return c.doneErr
	}
	return newConnError(KindDisconnected, nil)
}

// allocateSlotLocked finds a vacant index, reusing a freed one before
// growing, and fails with TooManyChannels once channel_max is reached.
// Must be called with c.mu held.
func (c *Conn) allocateSlotLocked() (int, error) {
	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		return idx, nil
	}
	if len(c.slots) >= c.channelMax() || len(c.slots) >= 0xFFFF {
		return 0, newConnError(KindTooManyChannels, nil)
	}
	c.slots = append(c.slots, nil)
	return len(c.slots) - 1, nil
}

func (c *Conn) freeSlotLocked(idx int) {
	c.slots[idx] = nil
	c.free = append(c.free, idx)
}

// enqueueFrame posts fr for transmission, preserving caller enqueue
// order (spec.md §8 property 2).
func (c *Conn) enqueueFrame(fr *frames.Frame) {
	c.txQ.Enqueue(fr)
}

// Close performs a clean shutdown: sends Close, waits for the peer's
// Close, and returns once the driver has terminated.
func (c *Conn) Close(ctx context.Context) error {
	return c.closeWithError(ctx, nil)
}

// CloseWithError closes the connection citing e in the outgoing Close.
func (c *Conn) CloseWithError(ctx context.Context, e *Error) error {
	return c.closeWithError(ctx, e)
}

func (c *Conn) closeWithError(ctx context.Context, e *Error) error {
	c.closeReqOnce.Do(func() {
		c.closeReqCh <- e
	})
	select {
	case <-c.done:
		return c.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drop tears the connection down immediately: best-effort flush, then
// terminate. It never fails and never blocks past the driver's exit.
func (c *Conn) Drop() {
	c.dropOnce.Do(func() { close(c.dropCh) })
	<-c.done
}

// mux is the connection driver: it owns the transport, the session
// table, the lifecycle state, and the error slot. One goroutine per
// connection, per spec.md §5's single-threaded cooperative model.
func (c *Conn) mux() {
	defer close(c.done)
	defer func() { _ = c.transport.Close() }()

	rxCh := make(chan *frames.Frame, 4)
	rxErrCh := make(chan error, 1)
	go c.readLoop(rxCh, rxErrCh)

	wErrCh := make(chan error, 1)
	wDoneCh := make(chan struct{})
	go c.writeLoop(wErrCh, wDoneCh)

	hb := newHeartbeat(c.local.IdleTimeout, c.remote.IdleTimeout, time.Now())
	tickerInterval := heartbeatTickerInterval(c.local.IdleTimeout, c.remote.IdleTimeout)
	var tickC <-chan time.Time
	if tickerInterval > 0 {
		ticker := time.NewTicker(tickerInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	var lastRecvSeen, lastSendSeen int64
	rxDone := false

	for {
		select {
		case fr, ok := <-rxCh:
			if !ok {
				rxDone = true
				continue
			}
			c.handleIncoming(fr)

		case err := <-rxErrCh:
			rxDone = true
			c.setError(newConnError(KindDisconnected, err))

		case err := <-wErrCh:
			c.setError(newConnError(KindDisconnected, err))

		case <-c.dropCh:
			c.mu.Lock()
			c.state = connDrop
			c.mu.Unlock()

		case e := <-c.closeReqCh:
			c.mu.Lock()
			if c.state == connNormal {
				c.state = connClosing
				c.mu.Unlock()
				c.enqueueFrame(&frames.Frame{Channel: 0, Body: &frames.PerformClose{Error: e}})
			} else {
				c.mu.Unlock()
			}

		case now := <-tickC:
			recvActivity := c.lastRecvNano() > lastRecvSeen
			sendActivity := c.lastSendNano() > lastSendSeen
			lastRecvSeen = c.lastRecvNano()
			lastSendSeen = c.lastSendNano()
			switch hb.poll(now, recvActivity, sendActivity) {
			case heartbeatEmit:
				c.enqueueFrame(&frames.Frame{Channel: 0, Body: &frames.PerformEmpty{}})
			case heartbeatTimeout:
				c.setError(newConnError(KindTimeout, nil))
				c.mu.Lock()
				c.state = connDrop
				c.mu.Unlock()
			}
		}

		if c.checkTerminal(rxDone) {
			c.doneErr = c.terminalErr()
			close(wDoneCh)
			return
		}
	}
}

func (c *Conn) lastRecvNano() int64 { return atomic.LoadInt64(&c.lastRecv) }
func (c *Conn) lastSendNano() int64 { return atomic.LoadInt64(&c.lastSend) }

// checkTerminal implements spec.md §4.2 step 4: Drop always terminates;
// RemoteClose terminates once the outgoing queue and write buffer have
// drained; Closing terminates once the peer's Close completed the
// handshake (signalled by handleIncoming flipping state to
// connDrop on confirmation, matching the "complete the close" language).
func (c *Conn) checkTerminal(rxDone bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == connDrop {
		return true
	}
	if c.state == connRemoteClose && c.txQ.Len() == 0 {
		return true
	}
	if rxDone && c.connErr != nil {
		return true
	}
	return false
}

func (c *Conn) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connErr != nil {
		return c.connErr
	}
	return nil
}

// setError installs err in the connection's error slot if it is not
// already set: error propagation is monotonic (spec.md §5), the first
// fault wins. Sessions still in the table notice once the driver
// terminates and closes c.done; they do not need to be walked here.
func (c *Conn) setError(err *ConnError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connErr != nil {
		return
	}
	c.connErr = err
}

// handleIncoming implements the per-frame dispatch of spec.md §4.2 step 2.
func (c *Conn) handleIncoming(fr *frames.Frame) {
	debug.Log(1, "RX (conn): channel %d: %s", fr.Channel, fr.Body)

	if _, ok := fr.Body.(*frames.PerformEmpty); ok {
		return
	}

	if fr.Channel == 0 {
		if cl, ok := fr.Body.(*frames.PerformClose); ok {
			c.handleRemoteClose(cl)
			return
		}
	}

	c.mu.Lock()
	if c.connErr != nil {
		c.mu.Unlock()
		return
	}

	idx, ok := c.remotes[fr.Channel]
	if !ok {
		if begin, ok := fr.Body.(*frames.PerformBegin); ok && begin.RemoteChannel != nil {
			c.pairBeginLocked(*begin.RemoteChannel, fr.Channel)
			c.mu.Unlock()
			return
		}
		if _, ok := fr.Body.(*frames.PerformBegin); ok {
			// peer-initiated session: left to higher layers (spec.md
			// §4.2); this core has no surface to accept one, so it is
			// logged and dropped rather than silently acknowledged.
			c.mu.Unlock()
			debug.Log(1, "RX (conn): peer-initiated Begin on channel %d not supported by this core", fr.Channel)
			return
		}
		c.mu.Unlock()
		debug.Log(1, "RX (conn): frame on unknown channel %d: %s", fr.Channel, fr.Body)
		return
	}

	slot := c.slots[idx]
	switch slot.state {
	case chanOpening:
		c.mu.Unlock()
		debug.Log(1, "RX (conn): frame for channel %d still Opening: %s", fr.Channel, fr.Body)

	case chanEstablished:
		sess := slot.session
		if _, ok := fr.Body.(*frames.PerformEnd); ok {
			// peer-initiated close: it sent End first. The table entry
			// is freed here, under the driver's own lock, rather than
			// by the session's mux: two sessions racing to mutate
			// c.remotes/c.slots from different goroutines is exactly
			// what this table exists to avoid. The session still gets
			// the frame below so its own mux can send the End
			// acknowledgment and record the outcome.
			c.freeSlotLocked(idx)
			delete(c.remotes, fr.Channel)
		}
		c.mu.Unlock()
		select {
		case sess.rx <- fr.Body:
		case <-sess.done:
		}

	case chanClosing:
		sess := slot.session
		if _, ok := fr.Body.(*frames.PerformEnd); ok {
			// this is the peer's confirming End, answering the one we
			// already sent; free the slot now so the count hits zero
			// before Session.Close's caller can observe it returning.
			c.freeSlotLocked(idx)
			delete(c.remotes, fr.Channel)
			c.mu.Unlock()
			select {
			case sess.rx <- fr.Body:
			case <-sess.done:
			}
			return
		}
		c.mu.Unlock()
		debug.Log(1, "RX (conn): frame for channel %d dropped, End already sent: %s", fr.Channel, fr.Body)
	}
}

// beginSessionClose transitions a session's slot from Established to
// Closing as it sends its own End, mirroring pairBeginLocked's handling
// of the Begin side: from here on, only a confirming End frees the slot.
// Called from the session's own goroutine, so it takes c.mu itself.
func (c *Conn) beginSessionClose(channel uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := int(channel)
	if idx < len(c.slots) && c.slots[idx] != nil && c.slots[idx].state == chanEstablished {
		c.slots[idx].state = chanClosing
	}
}

// pairBeginLocked completes a locally-initiated Begin once the peer's
// answering Begin names our local channel as its remote_channel, per
// spec.md §4.3. Must be called with c.mu held.
func (c *Conn) pairBeginLocked(localChannel uint16, remoteChannel uint16) {
	idx := int(localChannel)
	if idx >= len(c.slots) || c.slots[idx] == nil || c.slots[idx].state != chanOpening {
		debug.Log(1, "RX (conn): Begin remote_channel %d answers no Opening slot", localChannel)
		return
	}
	slot := c.slots[idx]
	w := slot.opening
	sess := slot.session

	select {
	case <-w.cancel:
		// the open_session caller gave up before the peer answered;
		// spec.md §9 mandates a courtesy End rather than silently
		// orphaning the session.
		c.freeSlotLocked(idx)
		c.mu.Unlock()
		c.enqueueFrame(&frames.Frame{Channel: localChannel, Body: &frames.PerformEnd{}})
		c.mu.Lock()
		return
	default:
	}

	sess.remoteChannel = remoteChannel
	slot.state = chanEstablished
	slot.opening = nil
	c.remotes[remoteChannel] = idx

	go sess.mux()
	w.result <- &openResult{session: sess}
}

// handleRemoteClose answers an incoming Close. If we had already sent our
// own Close, this is its answer: a nil Error means a clean mutual
// shutdown and leaves the error slot untouched so Close(ctx) returns nil.
// Otherwise the peer closed unprompted; that always becomes the
// connection's terminal error, nil Error or not, since every other waiter
// on this connection needs to learn it's going away.
func (c *Conn) handleRemoteClose(cl *frames.PerformClose) {
	c.mu.Lock()
	wasClosing := c.state == connClosing
	if wasClosing {
		c.state = connDrop
	} else {
		c.state = connRemoteClose
	}
	c.mu.Unlock()

	if wasClosing {
		if cl.Error != nil {
			c.setError(newConnErrorPeer(KindClosed, cl.Error))
		}
		return
	}

	c.setError(newConnErrorPeer(KindClosed, cl.Error))
	c.enqueueFrame(&frames.Frame{Channel: 0, Body: &frames.PerformClose{}})
}

// readLoop decodes frames off the transport until it ends or fails.
func (c *Conn) readLoop(out chan<- *frames.Frame, errCh chan<- error) {
	for {
		fr, err := frames.ReadFrame(c.transport)
		if err != nil {
			errCh <- err
			close(out)
			return
		}
		atomic.StoreInt64(&c.lastRecv, time.Now().UnixNano())
		out <- fr
	}
}

// writeLoop drains the outgoing queue onto the transport until mux signals
// done (via closing doneCh) or a write fails.
func (c *Conn) writeLoop(errCh chan<- error, doneCh <-chan struct{}) {
	for {
		select {
		case q := <-c.txQ.Wait():
			fr := q.Dequeue()
			c.txQ.Release(q)
			if err := frames.WriteFrame(c.transport, *fr); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			atomic.StoreInt64(&c.lastSend, time.Now().UnixNano())
			if (*fr).Done != nil {
				close((*fr).Done)
			}
		case <-doneCh:
			return
		}
	}
}

// heartbeatTickerInterval picks a poll cadence fine enough to observe both
// watches' half-period deadlines, per spec.md §4.4. Zero disables the
// ticker entirely when both sides disabled heartbeating.
func heartbeatTickerInterval(local, remote time.Duration) time.Duration {
	if local == 0 && remote == 0 {
		return 0
	}
	const minInterval = 50 * time.Millisecond
	shortest := local
	if remote != 0 && (shortest == 0 || remote < shortest) {
		shortest = remote
	}
	interval := shortest / 8
	if interval < minInterval {
		interval = minInterval
	}
	return interval
}
