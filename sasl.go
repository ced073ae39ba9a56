package amqp

import (
	"fmt"

	"github.com/amqpcore/coreamqp/internal/encoding"
	"github.com/amqpcore/coreamqp/internal/frames"
)

// SASLType negotiates and drives one SASL mechanism during the connection
// handshake. init builds the client's SASLInit frame; next (if non-nil)
// answers a SASLChallenge with a SASLResponse. A mechanism with no
// challenge/response round trip (PLAIN, ANONYMOUS) leaves next nil.
type SASLType struct {
	mechanism encoding.Symbol
	init      func(hostname string) (initialResponse []byte, err error)
	next      func(challenge []byte) (response []byte, err error)
}

// SASLTypeAnonymous authenticates with the ANONYMOUS mechanism, carrying
// no credentials at all.
func SASLTypeAnonymous() SASLType {
	return SASLType{
		mechanism: "ANONYMOUS",
		init: func(string) ([]byte, error) {
			return nil, nil
		},
	}
}

// SASLTypePlain authenticates with the PLAIN mechanism (RFC 4616): a
// single response of the form "\x00" + username + "\x00" + password.
func SASLTypePlain(username, password string) SASLType {
	return SASLType{
		mechanism: "PLAIN",
		init: func(string) ([]byte, error) {
			resp := make([]byte, 0, len(username)+len(password)+2)
			resp = append(resp, 0)
			resp = append(resp, username...)
			resp = append(resp, 0)
			resp = append(resp, password...)
			return resp, nil
		},
	}
}

// SASLTypeExternal authenticates with the EXTERNAL mechanism, deferring
// identity to the transport layer (e.g. a client TLS certificate).
func SASLTypeExternal(resp string) SASLType {
	return SASLType{
		mechanism: "EXTERNAL",
		init: func(string) ([]byte, error) {
			return []byte(resp), nil
		},
	}
}

// negotiateSASL checks mech against the server's advertised mechanisms, returning
// an error naming what the server offered if there's no match.
func negotiateSASL(mech SASLType, offered encoding.MultiSymbol) error {
	for _, m := range offered {
		if m == mech.mechanism {
			return nil
		}
	}
	return fmt.Errorf("amqp: server does not support SASL mechanism %q (offered: %v)", mech.mechanism, offered)
}

func (mech SASLType) buildInit(hostname string) (*frames.SASLInit, error) {
	resp, err := mech.init(hostname)
	if err != nil {
		return nil, err
	}
	return &frames.SASLInit{
		Mechanism:       mech.mechanism,
		InitialResponse: resp,
		Hostname:        hostname,
	}, nil
}

func (mech SASLType) answerChallenge(challenge []byte) (*frames.SASLResponse, error) {
	if mech.next == nil {
		return nil, fmt.Errorf("amqp: mechanism %q does not support challenge/response", mech.mechanism)
	}
	resp, err := mech.next(challenge)
	if err != nil {
		return nil, err
	}
	return &frames.SASLResponse{Response: resp}, nil
}

func saslOutcomeErr(o *frames.SASLOutcome) error {
	if o.Code == frames.SASLCodeOK {
		return nil
	}
	return fmt.Errorf("amqp: SASL negotiation failed: %s", o.Code)
}
