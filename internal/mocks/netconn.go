// Package mocks implements a scriptable net.Conn double used by the
// package's own tests to drive a Conn/Session/Sender/Receiver through a
// full handshake and protocol exchange without a real socket.
package mocks

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/amqpcore/coreamqp/internal/frames"
)

// AMQPProto is the synthetic request value a Responder sees for the
// initial 8-byte "AMQP" protocol header, which isn't itself a framed
// performative.
type AMQPProto struct{}

// Responder answers one request written to a NetConn with the raw bytes
// to hand back on the next Read, or an error to fail the test. req is
// either *AMQPProto (protocol header) or a frames.FrameBody performative.
type Responder func(req any) ([]byte, error)

// NetConn is a net.Conn whose Write calls are intercepted one at a time:
// each Write carries exactly one protocol header or one complete frame
// (matching how handshake.go and frames.WriteFrame emit them), which is
// decoded and handed to a Responder. Whatever the Responder returns is
// queued for the next Read.
type NetConn struct {
	responder Responder

	mu     sync.Mutex
	cond   *sync.Cond
	toRead bytes.Buffer
	closed bool

	// OnWrite, if set, is invoked (without affecting the response) after
	// every Write; tests use it to observe frames the code under test
	// sent without also having to answer them.
	OnWrite func(req any)
}

// NewNetConn returns a NetConn that answers every Write via responder.
func NewNetConn(responder Responder) *NetConn {
	c := &NetConn{responder: responder}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *NetConn) Write(p []byte) (int, error) {
	req, err := decodeRequest(p)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	onWrite := c.OnWrite
	c.mu.Unlock()
	if onWrite != nil {
		onWrite(req)
	}

	resp, err := c.responder(req)
	if err != nil {
		return 0, err
	}
	if len(resp) > 0 {
		c.mu.Lock()
		c.toRead.Write(resp)
		c.cond.Broadcast()
		c.mu.Unlock()
	}
	return len(p), nil
}

// PushFrame queues b (as produced by EncodeFrame or ProtoHeader) for the
// next Read, without being prompted by a Write. Used to simulate the
// peer sending an unsolicited frame (a Flow, a Transfer, a Close).
func (c *NetConn) PushFrame(b []byte) {
	c.mu.Lock()
	c.toRead.Write(b)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *NetConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.toRead.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.toRead.Len() == 0 && c.closed {
		return 0, net.ErrClosed
	}
	return c.toRead.Read(p)
}

func (c *NetConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *NetConn) LocalAddr() net.Addr              { return mockAddr("local") }
func (c *NetConn) RemoteAddr() net.Addr             { return mockAddr("remote") }
func (c *NetConn) SetDeadline(time.Time) error      { return nil }
func (c *NetConn) SetReadDeadline(time.Time) error  { return nil }
func (c *NetConn) SetWriteDeadline(time.Time) error { return nil }

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

func decodeRequest(p []byte) (any, error) {
	if len(p) == 8 && string(p[0:4]) == "AMQP" {
		return &AMQPProto{}, nil
	}
	fr, err := frames.ReadFrame(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("mocks: decoding write: %w", err)
	}
	return fr.Body, nil
}
