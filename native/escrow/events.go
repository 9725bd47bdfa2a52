package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"adledger/core/types"
)

const (
	EventTypeEscrowCreated     = "escrow.created"
	EventTypeEscrowApproved    = "escrow.approved"
	EventTypeEscrowPerformance = "escrow.performance_reported"
	EventTypeEscrowDisputed    = "escrow.disputed"
	EventTypeEscrowReleased    = "escrow.released"
	EventTypeEscrowRefunded    = "escrow.refunded"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// and funded escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewApprovedEvent returns the payload emitted when a designated approver
// records an approval.
func NewApprovedEvent(e *Escrow, approver [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowApproved, e)
	evt.Attributes["approver"] = hex.EncodeToString(approver[:])
	return evt
}

// NewPerformanceReportedEvent returns the payload emitted when the oracle
// replaces the delivery snapshot.
func NewPerformanceReportedEvent(e *Escrow, snapshot *PerformanceSnapshot) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowPerformance, e)
	if snapshot != nil {
		evt.Attributes["performancePct"] = strconv.FormatUint(uint64(snapshot.CurrentPerformancePct), 10)
		evt.Attributes["views"] = strconv.FormatUint(snapshot.ViewsDelivered, 10)
		evt.Attributes["clicks"] = strconv.FormatUint(snapshot.ClicksDelivered, 10)
	}
	return evt
}

// NewDisputedEvent returns the payload emitted when the fraud authority
// places a hold on the escrow.
func NewDisputedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowDisputed, e) }

// NewReleasedEvent returns the payload for a full or partial release,
// carrying the amount settled by this call.
func NewReleasedEvent(e *Escrow, amount *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowReleased, e)
	evt.Attributes["settled"] = cloneBigInt(amount).String()
	return evt
}

// NewRefundedEvent returns the payload for a post-expiry refund, carrying
// the amount returned to the depositor.
func NewRefundedEvent(e *Escrow, amount *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowRefunded, e)
	evt.Attributes["settled"] = cloneBigInt(amount).String()
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["depositor"] = hex.EncodeToString(sanitized.Depositor[:])
	attrs["beneficiary"] = hex.EncodeToString(sanitized.Beneficiary[:])
	attrs["campaignId"] = strconv.FormatUint(sanitized.CampaignID, 10)
	attrs["amount"] = sanitized.Amount.String()
	attrs["locked"] = sanitized.LockedAmount.String()
	attrs["released"] = sanitized.ReleasedAmount.String()
	attrs["refunded"] = sanitized.RefundedAmount.String()
	attrs["state"] = sanitized.State.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
