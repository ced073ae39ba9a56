package amqp

import "github.com/amqpcore/coreamqp/internal/encoding"

// SenderSettleMode and ReceiverSettleMode are re-exported at the package
// root; callers never construct internal/encoding values directly.
type (
	SenderSettleMode   = encoding.SenderSettleMode
	ReceiverSettleMode = encoding.ReceiverSettleMode
)

const (
	SenderSettleModeUnsettled = encoding.ModeUnsettled
	SenderSettleModeSettled   = encoding.ModeSettled
	SenderSettleModeMixed     = encoding.ModeMixed

	ReceiverSettleModeFirst  = encoding.ModeFirst
	ReceiverSettleModeSecond = encoding.ModeSecond
)

// Durability controls whether a link's terminus survives peer restarts.
// Values and meaning per AMQP 1.0 §3.5.3.
type Durability uint32

const (
	DurabilityNone           Durability = 0
	DurabilityConfiguration  Durability = 1
	DurabilityUnsettledState Durability = 2
)

// ExpiryPolicy controls when a link's terminus is reclaimed by the peer.
type ExpiryPolicy = encoding.Symbol

const (
	ExpiryPolicyLinkDetach      ExpiryPolicy = "link-detach"
	ExpiryPolicySessionEnd      ExpiryPolicy = "session-end"
	ExpiryPolicyConnectionClose ExpiryPolicy = "connection-close"
	ExpiryPolicyNever           ExpiryPolicy = "never"
)

// needsDeliveryID is a zero-valued sentinel whose address is used as the
// DeliveryID placeholder on a Transfer's first frame before the session
// mux assigns the real next-outgoing delivery ID.
var needsDeliveryID uint32

func senderSettleModeValue(m *SenderSettleMode) SenderSettleMode {
	if m == nil {
		return SenderSettleModeUnsettled
	}
	return *m
}

func receiverSettleModeValue(m *ReceiverSettleMode) ReceiverSettleMode {
	if m == nil {
		return ReceiverSettleModeFirst
	}
	return *m
}
