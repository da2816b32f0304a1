package amqp

import "github.com/thornwright/amqp1/internal/encoding"

// The primitive AMQP type system (format codes, map/array/list codecs,
// the Source/Target/error composites) lives in internal/encoding; this
// file only re-exports the handful of those types that appear in this
// package's public API, plus a few small helpers used by the
// connection/session/link state machines.

// SenderSettleMode controls whether a sender settles deliveries
// unilaterally or waits for the receiver to settle first.
type SenderSettleMode = encoding.SenderSettleMode

const (
	ModeUnsettled = encoding.ModeUnsettled
	ModeSettled   = encoding.ModeSettled
	ModeMixed     = encoding.ModeMixed
)

// ReceiverSettleMode controls when a receiver's settlement of a
// delivery becomes final.
type ReceiverSettleMode = encoding.ReceiverSettleMode

const (
	ModeFirst  = encoding.ModeFirst
	ModeSecond = encoding.ModeSecond
)

// Durability is the terminus-durability field of a link's Source/Target.
type Durability = encoding.Durability

const (
	DurabilityNone           = encoding.DurabilityNone
	DurabilityConfiguration  = encoding.DurabilityConfiguration
	DurabilityUnsettledState = encoding.DurabilityUnsettledState
)

// ExpiryPolicy is the terminus-expiry-policy field of a link's
// Source/Target.
type ExpiryPolicy = encoding.ExpiryPolicy

const (
	ExpiryPolicyLinkDetach     = encoding.ExpiryLinkDetach
	ExpiryPolicySessionEnd     = encoding.ExpirySessionEnd
	ExpiryPolicyConnectionClose = encoding.ExpiryConnectionClose
	ExpiryPolicyNever          = encoding.ExpiryNever
)

// UUID is a 128-bit RFC 4122 UUID, usable as a message-id/correlation-id.
type UUID = encoding.UUID

// maxTransferFrameHeader is the worst-case size of everything in a
// Transfer frame except its payload: the 8-byte frame header plus the
// marshaled transfer performative (bounded generously since several of
// its fields are optional).
const maxTransferFrameHeader = 66

func senderSettleModeValue(m *SenderSettleMode) SenderSettleMode {
	if m == nil {
		return ModeUnsettled
	}
	return *m
}

func receiverSettleModeValue(m *ReceiverSettleMode) ReceiverSettleMode {
	if m == nil {
		return ModeFirst
	}
	return *m
}
