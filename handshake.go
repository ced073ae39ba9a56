package amqp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/amqpcore/coreamqp/internal/debug"
	"github.com/amqpcore/coreamqp/internal/encoding"
	"github.com/amqpcore/coreamqp/internal/frames"
)

// protoID names the three protocols a peer may announce in the 8-byte
// protocol header, per AMQP 1.0 §2.2.
type protoID uint8

const (
	protoAMQP protoID = 0
	protoTLS  protoID = 2
	protoSASL protoID = 3
)

// protoHeader is the fixed 8-octet preamble: "AMQP" <id> <maj> <min> <rev>.
type protoHeader struct {
	ID  protoID
	Maj uint8
	Min uint8
	Rev uint8
}

func (h protoHeader) bytes() []byte {
	return []byte{'A', 'M', 'Q', 'P', byte(h.ID), h.Maj, h.Min, h.Rev}
}

var defaultProtoHeader = protoHeader{ID: protoAMQP, Maj: 1, Min: 0, Rev: 0}

func readProtoHeader(r io.Reader) (protoHeader, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return protoHeader{}, errors.Wrap(err, "amqp: reading protocol header")
	}
	if string(buf[0:4]) != "AMQP" {
		return protoHeader{}, fmt.Errorf("amqp: invalid protocol header %q", buf[:4])
	}
	return protoHeader{ID: protoID(buf[4]), Maj: buf[5], Min: buf[6], Rev: buf[7]}, nil
}

func writeProtoHeader(w io.Writer, h protoHeader) error {
	_, err := w.Write(h.bytes())
	return errors.Wrap(err, "amqp: writing protocol header")
}

// handshakeRole selects which side of the protocol-id exchange and Open
// handshake this negotiation plays.
type handshakeRole int

const (
	roleInitiator handshakeRole = iota
	roleAcceptor
)

// Configuration is the per-endpoint policy negotiated during Open, per
// spec.md §3. It is immutable once negotiation completes.
type Configuration struct {
	ContainerID  string
	Hostname     string
	ChannelMax   uint16
	MaxFrameSize uint32
	IdleTimeout  time.Duration
}

func configFromOpen(o *frames.PerformOpen) Configuration {
	return Configuration{
		ContainerID:  o.ContainerID,
		Hostname:     o.Hostname,
		ChannelMax:   o.ChannelMax,
		MaxFrameSize: o.MaxFrameSize,
		IdleTimeout:  time.Duration(o.IdleTimeout),
	}
}

// handshakeResult carries everything the connection driver needs once
// negotiation completes.
type handshakeResult struct {
	local     Configuration
	remote    Configuration
	userState any
}

// negotiate runs the protocol-id exchange, optional SASL delegation, and
// the Open/Open exchange over transport, per spec.md §4.1. deadline, if
// non-zero, bounds the whole sequence.
//
// saslType is non-nil only for the initiator; saslTypes/connectHandler are
// used only by the acceptor. Exactly one pairing is populated by the
// caller (Dial or Accept).
func negotiate(ctx context.Context, transport io.ReadWriteCloser, role handshakeRole, local *frames.PerformOpen, deadline time.Duration, saslType *SASLType, saslTypes []SASLType, connectHandler func(*Configuration) (any, error)) (*handshakeResult, error) {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	done := make(chan *handshakeResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := negotiateSync(transport, role, local, saslType, saslTypes, connectHandler)
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		_ = transport.Close()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &HandshakeError{Kind: "timeout", inner: fmt.Errorf("amqp: handshake timed out")}
		}
		return nil, ctx.Err()
	}
}

// HandshakeError reports a failure during the pre-driver handshake
// (protocol-id exchange, SASL negotiation, or the Open/Open exchange),
// before a Conn exists to hold a transport error slot. Only an expired
// handshake deadline is reported this way, with Kind "timeout"; transport,
// codec and SASL failures are returned as the underlying error instead.
type HandshakeError struct {
	Kind  string
	inner error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("amqp: handshake %s: %v", e.Kind, e.inner)
}

func (e *HandshakeError) Unwrap() error { return e.inner }

func negotiateSync(transport io.ReadWriteCloser, role handshakeRole, local *frames.PerformOpen, saslType *SASLType, saslTypes []SASLType, connectHandler func(*Configuration) (any, error)) (*handshakeResult, error) {
	saslDone := false
	for {
		hdr, err := exchangeProtoHeader(transport, role, !saslDone && (saslType != nil || len(saslTypes) > 0))
		if err != nil {
			return nil, err
		}

		switch hdr.ID {
		case protoAMQP:
			return runOpenExchange(transport, role, local, connectHandler)

		case protoSASL:
			if saslDone {
				return nil, fmt.Errorf("amqp: unexpected second SASL protocol header")
			}
			saslDone = true
			if role == roleInitiator {
				if err := runSASLInitiator(transport, *saslType); err != nil {
					return nil, err
				}
			} else {
				if err := runSASLAcceptor(transport, saslTypes); err != nil {
					return nil, err
				}
			}
			// per spec.md §4.1 step 2: after SASL, the stream must next
			// yield an AMQP (id=0) header; loop back to read it.
			continue

		case protoTLS:
			return nil, fmt.Errorf("amqp: unexpected TLS protocol header; TLS must be established before negotiate runs")

		default:
			return nil, fmt.Errorf("amqp: unknown protocol id %d", hdr.ID)
		}
	}
}

// exchangeProtoHeader performs one round of the 8-byte header exchange.
// The initiator decides what to send: SASL if it was configured and this
// is the first round, else plain AMQP. The acceptor always answers by
// echoing whatever the peer proposed (it has already decided, out of
// band, via saslTypes, whether it requires SASL - a client that skips
// straight to AMQP when SASL is mandatory is rejected by the acceptor's
// caller via connectHandler, not here).
func exchangeProtoHeader(transport io.ReadWriteCloser, role handshakeRole, wantSASL bool) (protoHeader, error) {
	if role == roleInitiator {
		send := defaultProtoHeader
		if wantSASL {
			send.ID = protoSASL
		}
		if err := writeProtoHeader(transport, send); err != nil {
			return protoHeader{}, err
		}
		got, err := readProtoHeader(transport)
		if err != nil {
			return protoHeader{}, err
		}
		if got.ID != send.ID {
			return protoHeader{}, fmt.Errorf("amqp: server answered protocol id %d, expected %d", got.ID, send.ID)
		}
		return got, nil
	}

	got, err := readProtoHeader(transport)
	if err != nil {
		return protoHeader{}, err
	}
	echo := got
	if err := writeProtoHeader(transport, echo); err != nil {
		return protoHeader{}, err
	}
	return got, nil
}

func runSASLInitiator(transport io.ReadWriteCloser, mech SASLType) error {
	fr, err := frames.ReadFrame(transport)
	if err != nil {
		return errors.Wrap(err, "amqp: reading SASLMechanisms")
	}
	mechs, ok := fr.Body.(*frames.SASLMechanisms)
	if !ok {
		return fmt.Errorf("amqp: expected SASLMechanisms, got %s", fr.Body)
	}
	if err := negotiateSASL(mech, mechs.Mechanisms); err != nil {
		return err
	}

	init, err := mech.buildInit("")
	if err != nil {
		return err
	}
	if err := frames.WriteFrame(transport, &frames.Frame{Type: frames.TypeSASL, Body: init}); err != nil {
		return errors.Wrap(err, "amqp: writing SASLInit")
	}

	for {
		fr, err := frames.ReadFrame(transport)
		if err != nil {
			return errors.Wrap(err, "amqp: reading SASL response")
		}
		switch body := fr.Body.(type) {
		case *frames.SASLChallenge:
			resp, err := mech.answerChallenge(body.Challenge)
			if err != nil {
				return err
			}
			if err := frames.WriteFrame(transport, &frames.Frame{Type: frames.TypeSASL, Body: resp}); err != nil {
				return errors.Wrap(err, "amqp: writing SASLResponse")
			}
		case *frames.SASLOutcome:
			return saslOutcomeErr(body)
		default:
			return fmt.Errorf("amqp: unexpected SASL frame: %s", fr.Body)
		}
	}
}

func runSASLAcceptor(transport io.ReadWriteCloser, offered []SASLType) error {
	mechs := make(encoding.MultiSymbol, 0, len(offered))
	for _, m := range offered {
		mechs = append(mechs, m.mechanism)
	}
	if err := frames.WriteFrame(transport, &frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLMechanisms{Mechanisms: mechs}}); err != nil {
		return errors.Wrap(err, "amqp: writing SASLMechanisms")
	}

	fr, err := frames.ReadFrame(transport)
	if err != nil {
		return errors.Wrap(err, "amqp: reading SASLInit")
	}
	init, ok := fr.Body.(*frames.SASLInit)
	if !ok {
		return fmt.Errorf("amqp: expected SASLInit, got %s", fr.Body)
	}

	var mech *SASLType
	for i := range offered {
		if offered[i].mechanism == init.Mechanism {
			mech = &offered[i]
			break
		}
	}
	if mech == nil {
		_ = frames.WriteFrame(transport, &frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLOutcome{Code: frames.SASLCodeAuth}})
		return fmt.Errorf("amqp: client requested unsupported SASL mechanism %q", init.Mechanism)
	}

	// PLAIN/ANONYMOUS/EXTERNAL complete on the initial response alone; the
	// acceptor side of this core never issues a challenge of its own,
	// matching spec.md's "delegated to a pluggable handshake service"
	// for anything requiring one.
	_ = init.InitialResponse
	return frames.WriteFrame(transport, &frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLOutcome{Code: frames.SASLCodeOK}})
}

func runOpenExchange(transport io.ReadWriteCloser, role handshakeRole, local *frames.PerformOpen, connectHandler func(*Configuration) (any, error)) (*handshakeResult, error) {
	if role == roleInitiator {
		if err := writeOpen(transport, local); err != nil {
			return nil, err
		}
		remote, err := readOpen(transport)
		if err != nil {
			return nil, err
		}
		return &handshakeResult{local: configFromOpen(local), remote: configFromOpen(remote)}, nil
	}

	remote, err := readOpen(transport)
	if err != nil {
		return nil, err
	}
	remoteCfg := configFromOpen(remote)

	var userState any
	if connectHandler != nil {
		userState, err = connectHandler(&remoteCfg)
		if err != nil {
			return nil, err
		}
	}

	if err := writeOpen(transport, local); err != nil {
		return nil, err
	}

	return &handshakeResult{local: configFromOpen(local), remote: remoteCfg, userState: userState}, nil
}

func writeOpen(transport io.Writer, open *frames.PerformOpen) error {
	debug.Log(1, "TX (handshake): %s", open)
	return errors.Wrap(frames.WriteFrame(transport, &frames.Frame{Type: frames.TypeAMQP, Channel: 0, Body: open}), "amqp: writing Open")
}

func readOpen(transport io.Reader) (*frames.PerformOpen, error) {
	fr, err := frames.ReadFrame(transport)
	if err != nil {
		return nil, errors.Wrap(err, "amqp: reading Open")
	}
	open, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		return nil, fmt.Errorf("amqp: expected Open, got %s", fr.Body)
	}
	debug.Log(1, "RX (handshake): %s", open)
	return open, nil
}
