package amqp

// SenderOptions contains the optional settings for creating a [Sender].
type SenderOptions struct {
	// Capabilities is the list of extension capabilities the sender's
	// source terminus advertises.
	Capabilities []string

	// Durability indicates whether the sender's source terminus survives
	// peer restarts.
	Durability Durability

	// DynamicAddress requests the peer assign the link's address.
	DynamicAddress bool

	// ExpiryPolicy overrides the default (session-end) expiry policy for
	// the sender's source terminus.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout is the delay, in seconds, after ExpiryPolicy is
	// triggered before the source terminus is actually reclaimed.
	ExpiryTimeout uint32

	// IgnoreDispositionErrors disables the default behavior of detaching
	// the link when a rejecting Disposition is received.
	IgnoreDispositionErrors bool

	// Name overrides the randomly generated link name.
	Name string

	// Properties sets additional properties sent with the Attach.
	Properties map[string]any

	// RequestedReceiverSettleMode requests a specific receiver settlement
	// mode; the link fails to attach if the peer doesn't honor it.
	RequestedReceiverSettleMode *ReceiverSettleMode

	// SettlementMode requests a specific sender settlement mode; the link
	// fails to attach if the peer doesn't honor it.
	SettlementMode *SenderSettleMode

	// SourceAddress sets the sender's source terminus address.
	SourceAddress string

	// TargetCapabilities is the list of extension capabilities the
	// sender's target terminus advertises.
	TargetCapabilities []string

	// TargetDurability indicates whether the sender's target terminus
	// survives peer restarts.
	TargetDurability Durability

	// TargetExpiryPolicy overrides the default expiry policy for the
	// sender's target terminus.
	TargetExpiryPolicy ExpiryPolicy

	// TargetExpiryTimeout is the delay, in seconds, after
	// TargetExpiryPolicy is triggered before the target terminus is
	// reclaimed.
	TargetExpiryTimeout uint32
}

// ReceiverOptions contains the optional settings for creating a [Receiver].
type ReceiverOptions struct {
	// Capabilities is the list of extension capabilities the receiver's
	// target terminus advertises.
	Capabilities []string

	// Credit sets the amount of link-credit the receiver grants to the
	// sender up front. Zero leaves the default of 1; manual credit
	// management is selected with ManualCredits.
	Credit uint32

	// Durability indicates whether the receiver's target terminus
	// survives peer restarts.
	Durability Durability

	// ManualCredits disables the receiver's automatic credit replenishment.
	ManualCredits bool

	// MaxMessageSize overrides the maximum allowed size, in bytes, of a
	// single message on this link.
	MaxMessageSize uint64

	// Name overrides the randomly generated link name.
	Name string

	// Properties sets additional properties sent with the Attach.
	Properties map[string]any

	// RequestedSenderSettleMode requests a specific sender settlement
	// mode; the link fails to attach if the peer doesn't honor it.
	RequestedSenderSettleMode *SenderSettleMode

	// SettlementMode requests a specific receiver settlement mode; the
	// link fails to attach if the peer doesn't honor it.
	SettlementMode *ReceiverSettleMode

	// SourceAddress overrides the address to receive on (defaults to
	// what's passed to NewReceiver).
	SourceAddress string
}

// ConnOptions contains the optional settings for dialing a connection.
type ConnOptions struct {
	// ContainerID identifies this peer in the Open performative.
	ContainerID string

	// IdleTimeout is this side's idle-time-out, in milliseconds, offered to
	// the peer in Open. Zero disables heartbeating on this side.
	IdleTimeout uint32

	// MaxFrameSize is the max-frame-size, in bytes, this side advertises in
	// its Open; zero selects DefaultMaxFrameSize.
	MaxFrameSize uint32

	// MaxSessions caps the number of concurrent sessions (channel-max).
	MaxSessions uint16

	// HandshakeTimeout bounds how long the protocol-header/Open exchange
	// may take before the dial fails. Zero disables the bound.
	HandshakeTimeout uint32

	// SASLType selects the SASL mechanism used during the handshake; the
	// zero value skips SASL negotiation entirely.
	SASLType SASLType

	// Hostname is the value sent in Open's hostname field, used by peers
	// that multiplex multiple virtual hosts over one listening port.
	Hostname string
}

// SessionOptions contains the optional settings for beginning a session.
type SessionOptions struct {
	// MaxLinks caps the number of concurrently attached links
	// (handle-max).
	MaxLinks uint32
}

// ConnAcceptorOptions contains the optional settings for accepting an
// inbound connection.
type ConnAcceptorOptions struct {
	// ContainerID identifies this peer in the Open performative.
	ContainerID string

	// IdleTimeout is this side's idle-time-out, offered to the peer in
	// Open. Zero disables heartbeating on this side.
	IdleTimeout uint32

	// MaxFrameSize is the max-frame-size, in bytes, this side advertises in
	// its Open; zero selects DefaultMaxFrameSize.
	MaxFrameSize uint32

	// MaxSessions caps the number of concurrent sessions (channel-max)
	// the acceptor will allow the peer to open.
	MaxSessions uint16

	// HandshakeTimeout bounds how long the protocol-header/Open exchange
	// may take before Accept fails. Zero disables the bound.
	HandshakeTimeout uint32

	// SASLTypes lists the SASL mechanisms this acceptor advertises, tried
	// in order against the client's SASLInit. Empty skips SASL entirely,
	// requiring the client to open directly with an AMQP protocol header.
	SASLTypes []SASLType

	// ConnectHandler is invoked once the peer's Open has been read,
	// before this side answers with its own Open. It may inspect the
	// peer's Configuration and reject the connection outright; a nil
	// handler accepts unconditionally. Its return value becomes
	// per-connection user state retrievable from the accepted Conn.
	ConnectHandler func(remote *Configuration) (userState any, err error)
}
