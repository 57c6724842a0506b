package amqp

import (
	"github.com/wirerail/amqp10/internal/encoding"
)

// SenderSettleMode specifies how a sending link settles deliveries.
type SenderSettleMode = encoding.SenderSettleMode

// Sender settlement modes.
const (
	ModeUnsettled = encoding.SenderSettleModeUnsettled
	ModeSettled   = encoding.SenderSettleModeSettled
	ModeMixed     = encoding.SenderSettleModeMixed
)

// ReceiverSettleMode specifies how a receiving link settles deliveries.
type ReceiverSettleMode = encoding.ReceiverSettleMode

// Receiver settlement modes.
const (
	ModeFirst  = encoding.ReceiverSettleModeFirst
	ModeSecond = encoding.ReceiverSettleModeSecond
)

// Durability specifies the durability of a terminus.
type Durability = encoding.Durability

// Terminus durability levels.
const (
	DurabilityNone           = encoding.DurabilityNone
	DurabilityConfiguration  = encoding.DurabilityConfiguration
	DurabilityUnsettledState = encoding.DurabilityUnsettledState
)

// ExpiryPolicy specifies when a terminus's resources are discarded.
type ExpiryPolicy = encoding.ExpiryPolicy

// Terminus expiry policies.
const (
	ExpiryLinkDetach      = encoding.ExpiryPolicyLinkDetach
	ExpirySessionEnd      = encoding.ExpiryPolicySessionEnd
	ExpiryConnectionClose = encoding.ExpiryPolicyConnectionClose
	ExpiryNever           = encoding.ExpiryPolicyNever
)

// maxTransferFrameHeader is the worst-case size of everything in a Transfer
// frame except the payload: the 8-byte frame header plus the largest
// encoding of the Transfer performative's fixed fields.
const maxTransferFrameHeader = 66

func senderSettleModeValue(m *SenderSettleMode) SenderSettleMode {
	if m == nil {
		return ModeMixed
	}
	return *m
}

func receiverSettleModeValue(m *ReceiverSettleMode) ReceiverSettleMode {
	if m == nil {
		return ModeFirst
	}
	return *m
}

// SenderOptions configures a Sender created by Session.NewSender.
type SenderOptions struct {
	// Capabilities is the list of extension capabilities the sender's
	// source advertises.
	Capabilities []string

	// Durability requests the durability of the sender's source.
	Durability Durability

	// DynamicAddress requests the peer allocate an ephemeral target
	// address, overriding the target address passed to NewSender.
	DynamicAddress bool

	// ExpiryPolicy requests when the source's state is discarded.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout is the duration, in seconds, the source's state
	// survives past ExpiryPolicy before being discarded.
	ExpiryTimeout uint32

	// IgnoreDispositionErrors keeps the link open when a disposition
	// carries a Rejected outcome instead of detaching it.
	IgnoreDispositionErrors bool

	// Name overrides the randomly generated link name.
	Name string

	// Properties are additional properties sent with the Attach frame.
	Properties map[string]any

	// RequestedReceiverSettleMode requests a receiver settlement mode;
	// NewSender fails if the peer doesn't honor it.
	RequestedReceiverSettleMode *ReceiverSettleMode

	// SettlementMode requests a sender settlement mode; NewSender fails
	// if the peer doesn't honor it.
	SettlementMode *SenderSettleMode

	// SourceAddress overrides the sender's source address.
	SourceAddress string
}

// ReceiverOptions configures a Receiver created by Session.NewReceiver.
type ReceiverOptions struct {
	// Capabilities is the list of extension capabilities the receiver's
	// target advertises.
	Capabilities []string

	// Credit is the link-credit issued to the peer when the receiver
	// attaches, in Manual credit mode. Ignored when Credit is 0 and
	// ManualCredits is false, in which case the receiver maintains an
	// internal auto-renewing window of defaultLinkCredit.
	Credit uint32

	// ManualCredits disables automatic credit replenishment; the caller
	// must call Receiver.IssueCredit explicitly.
	ManualCredits bool

	// Durability requests the durability of the receiver's target.
	Durability Durability

	// DynamicAddress requests the peer allocate an ephemeral source
	// address, overriding the source address passed to NewReceiver.
	DynamicAddress bool

	// ExpiryPolicy requests when the target's state is discarded.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout is the duration, in seconds, the target's state
	// survives past ExpiryPolicy before being discarded.
	ExpiryTimeout uint32

	// Name overrides the randomly generated link name.
	Name string

	// Properties are additional properties sent with the Attach frame.
	Properties map[string]any

	// RequestedSenderSettleMode requests a sender settlement mode;
	// NewReceiver fails if the peer doesn't honor it.
	RequestedSenderSettleMode *SenderSettleMode

	// SettlementMode requests a receiver settlement mode; NewReceiver
	// fails if the peer doesn't honor it.
	SettlementMode *ReceiverSettleMode

	// TargetAddress overrides the receiver's target address.
	TargetAddress string
}
