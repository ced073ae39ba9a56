package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/amqpcore/coreamqp/internal/debug"
	"github.com/amqpcore/coreamqp/internal/encoding"
	"github.com/amqpcore/coreamqp/internal/frames"
)

// defaultWindow is the session flow-control window installed on every
// Begin; SessionOptions has no setting for it.
const defaultWindow = 5000

// Session is one established AMQP session: a bidirectional conversation
// scoped to a channel pair. It is handed to callers only once both
// Begin performatives have been exchanged; everything before that is the
// connection's Opening bookkeeping (see conn.go).
type Session struct {
	conn          *Conn
	channel       uint16 // our channel number
	remoteChannel uint16 // peer's channel number for this session

	// rx carries frames the connection's mux has routed to this session.
	rx chan frames.FrameBody
	// tx carries one-off frames a link wants sent (Detach, Disposition,
	// Flow); the session mux forwards them to the connection.
	tx chan frames.FrameBody
	// txTransfer carries outgoing Transfer frames; the session mux
	// assigns the session-scoped delivery-id before forwarding.
	txTransfer chan *frames.PerformTransfer

	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneErr   error

	mu            sync.Mutex
	links         map[uint32]*link // keyed by our own allocated handle
	remoteHandles map[uint32]*link // keyed by the peer's handle for the link
	pendingAttach map[string]*link // keyed by link name, until the peer's Handle is known
	handleMax     uint32
	nextHandle    uint32

	incomingWindow uint32
	outgoingWindow uint32

	nextDeliveryID uint32
	unsettled      map[uint32]unsettledDelivery
}

type unsettledDelivery struct {
	handle uint32
	done   chan encoding.DeliveryState
}

func newSession(c *Conn, channel uint16, opts *SessionOptions) *Session {
	s := &Session{
		conn:           c,
		channel:        channel,
		rx:             make(chan frames.FrameBody),
		tx:             make(chan frames.FrameBody),
		txTransfer:     make(chan *frames.PerformTransfer),
		close:          make(chan struct{}),
		done:           make(chan struct{}),
		links:          make(map[uint32]*link),
		remoteHandles:  make(map[uint32]*link),
		pendingAttach:  make(map[string]*link),
		handleMax:      4294967295,
		incomingWindow: defaultWindow,
		outgoingWindow: defaultWindow,
		unsettled:      make(map[uint32]unsettledDelivery),
	}
	if opts != nil && opts.MaxLinks > 0 {
		s.handleMax = opts.MaxLinks - 1
	}
	return s
}

// beginFrame builds the Begin performative this session posts to open
// its channel, or to answer a peer-initiated Begin.
func (s *Session) beginFrame(remoteChannel *uint16) *frames.PerformBegin {
	return &frames.PerformBegin{
		RemoteChannel:  remoteChannel,
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
}

// allocateHandle assigns l a fresh local handle, failing once handles 0
// through handleMax are all in use.
func (s *Session) allocateHandle(l *link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint32(len(s.links)) > s.handleMax {
		return fmt.Errorf("amqp: too many links (max %d)", s.handleMax+1)
	}
	for {
		h := s.nextHandle
		if _, in := s.links[h]; !in && uint64(h) <= uint64(s.handleMax) {
			s.links[h] = l
			s.pendingAttach[l.key.name] = l
			l.handle = h
			s.nextHandle++
			return nil
		}
		s.nextHandle++
		if uint64(s.nextHandle) > uint64(s.handleMax)+1 {
			return fmt.Errorf("amqp: too many links (max %d)", s.handleMax+1)
		}
	}
}

// deallocateHandle releases l's handle once its mux has exited.
func (s *Session) deallocateHandle(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, l.handle)
	delete(s.pendingAttach, l.key.name)
	delete(s.remoteHandles, l.remoteHandle)
}

// txFrame enqueues body for transmission on this session's channel.
// Unlike tx/txTransfer it does not go through the session's own mux:
// it's called directly from a link's own goroutine (e.g. during attach,
// before the link's mux even exists), so it writes straight through to
// the connection's outgoing queue.
func (s *Session) txFrame(body frames.FrameBody, done chan struct{}) error {
	select {
	case <-s.done:
		return s.doneErr
	default:
	}
	s.conn.enqueueFrame(&frames.Frame{Type: frames.TypeAMQP, Channel: s.channel, Body: body, Done: done})
	return nil
}

// mux is the session's own forwarding/dispatch loop: frames links hand it
// get tagged and pushed to the connection; frames the connection routes
// here get dispatched to the right link or handled at session scope.
func (s *Session) mux() {
	defer close(s.done)

	// closing tracks whether we've already sent our own End and are now
	// only waiting for the peer's answering End; conn.go's beginSessionClose
	// mirrors this at the channel table's own scope. While true, s.close
	// has already fired and must not be acted on again.
	closing := false

	for {
		select {
		case fr := <-s.tx:
			if err := s.txFrame(fr, nil); err != nil {
				s.doneErr = err
				return
			}

		case tr := <-s.txTransfer:
			s.assignDeliveryID(tr)
			if err := s.txFrame(tr, nil); err != nil {
				s.doneErr = err
				return
			}

		case fr := <-s.rx:
			if end, ok := fr.(*frames.PerformEnd); ok {
				if closing {
					// the peer's confirming End: our own Close can now
					// return, and the channel table already freed the
					// slot before routing this frame to us.
					s.doneErr = nil
					return
				}
				// peer-initiated close: echo End and report it upward.
				_ = s.txFrame(&frames.PerformEnd{}, nil)
				s.doneErr = &SessionError{RemoteErr: end.Error}
				return
			}
			if err := s.muxHandleFrame(fr); err != nil {
				s.doneErr = err
				return
			}

		case <-s.close:
			if closing {
				continue
			}
			closing = true
			s.conn.beginSessionClose(s.channel)
			_ = s.txFrame(&frames.PerformEnd{}, nil)

		case <-s.conn.done:
			s.doneErr = s.conn.doneErr
			return
		}
	}
}

// assignDeliveryID installs the session's next sequential delivery-id on
// tr if it was marked as needing one (the first chunk of a new Transfer),
// and records it as unsettled when the sender wants a disposition back.
func (s *Session) assignDeliveryID(tr *frames.PerformTransfer) {
	if tr.DeliveryID != &needsDeliveryID {
		return
	}
	id := s.nextDeliveryID
	s.nextDeliveryID++
	tr.DeliveryID = &id
	if tr.Done != nil {
		s.mu.Lock()
		s.unsettled[id] = unsettledDelivery{handle: tr.Handle, done: tr.Done}
		s.mu.Unlock()
	}
}

func (s *Session) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformAttach:
		s.mu.Lock()
		l, ok := s.pendingAttach[fr.Name]
		if ok {
			delete(s.pendingAttach, fr.Name)
			l.remoteHandle = fr.Handle
			s.remoteHandles[fr.Handle] = l
		}
		s.mu.Unlock()
		if !ok {
			debug.Log(1, "RX (session): attach response for unknown link %q", fr.Name)
			return nil
		}
		l.deliver(fr)

	case *frames.PerformFlow:
		if fr.Handle == nil {
			// session-level flow update; nothing at this layer consumes it.
			return nil
		}
		s.routeToRemoteHandle(*fr.Handle, fr)

	case *frames.PerformTransfer:
		s.routeToRemoteHandle(fr.Handle, fr)

	case *frames.PerformDetach:
		s.mu.Lock()
		l := s.remoteHandles[fr.Handle]
		delete(s.remoteHandles, fr.Handle)
		s.mu.Unlock()
		if l == nil {
			debug.Log(1, "RX (session): detach for unknown handle %d", fr.Handle)
			return nil
		}
		l.deliver(fr)

	case *frames.PerformDisposition:
		s.resolveDisposition(fr)

	default:
		debug.Log(1, "RX (session): unexpected frame: %s", fr)
	}
	return nil
}

func (s *Session) routeToRemoteHandle(remoteHandle uint32, fr frames.FrameBody) {
	s.mu.Lock()
	l := s.remoteHandles[remoteHandle]
	s.mu.Unlock()
	if l == nil {
		debug.Log(1, "RX (session): frame for unknown handle %d: %s", remoteHandle, fr)
		return
	}
	l.deliver(fr)
}

// resolveDisposition satisfies any Send callers waiting on deliveries the
// range [First, Last] covers, then forwards the frame itself to the
// owning link(s) so their own mux can do protocol-level bookkeeping
// (e.g. detaching on a rejected disposition).
func (s *Session) resolveDisposition(fr *frames.PerformDisposition) {
	last := fr.First
	if fr.Last != nil {
		last = *fr.Last
	}

	s.mu.Lock()
	seen := make(map[uint32]struct{})
	for id := fr.First; id <= last; id++ {
		u, ok := s.unsettled[id]
		if !ok {
			continue
		}
		delete(s.unsettled, id)
		select {
		case u.done <- fr.State:
		default:
		}
		seen[u.handle] = struct{}{}
	}
	links := make([]*link, 0, len(seen))
	for h := range seen {
		if l, ok := s.links[h]; ok {
			links = append(links, l)
		}
	}
	s.mu.Unlock()

	for _, l := range links {
		l.deliver(fr)
	}
}

// Close ends the session, sending End and waiting for the peer's End or
// ctx's expiry.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.close) })
	select {
	case <-s.done:
		var sessErr *SessionError
		if e, ok := s.doneErr.(*SessionError); ok {
			sessErr = e
		}
		if sessErr != nil && sessErr.RemoteErr == nil && sessErr.inner == nil {
			return nil
		}
		return s.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSender opens a sending link to target on this session.
func (s *Session) NewSender(ctx context.Context, target string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	if err := snd.attach(ctx); err != nil {
		return nil, err
	}
	return snd, nil
}

// NewReceiver opens a receiving link from source on this session.
func (s *Session) NewReceiver(ctx context.Context, source string, opts *ReceiverOptions) (*Receiver, error) {
	rcv, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	if err := rcv.attach(ctx); err != nil {
		return nil, err
	}
	return rcv, nil
}
