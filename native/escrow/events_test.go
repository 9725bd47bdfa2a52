package escrow

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func eventEscrow() *Escrow {
	return &Escrow{
		ID:             42,
		Depositor:      newTestAddress(0x01),
		Beneficiary:    newTestAddress(0x02),
		CampaignID:     9,
		Amount:         big.NewInt(1000),
		LockedAmount:   big.NewInt(400),
		ReleasedAmount: big.NewInt(600),
		RefundedAmount: big.NewInt(0),
		State:          EscrowActive,
	}
}

func TestCreatedEventAttributes(t *testing.T) {
	evt := NewCreatedEvent(eventEscrow())
	if evt.Type != EventTypeEscrowCreated {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	depositor := newTestAddress(0x01)
	beneficiary := newTestAddress(0x02)
	want := map[string]string{
		"id":          "42",
		"campaignId":  "9",
		"amount":      "1000",
		"locked":      "400",
		"released":    "600",
		"refunded":    "0",
		"state":       "active",
		"depositor":   hex.EncodeToString(depositor[:]),
		"beneficiary": hex.EncodeToString(beneficiary[:]),
	}
	for key, expected := range want {
		if got := evt.Attributes[key]; got != expected {
			t.Fatalf("attribute %s = %q, want %q", key, got, expected)
		}
	}
}

func TestApprovedEventCarriesApprover(t *testing.T) {
	approver := newTestAddress(0x07)
	evt := NewApprovedEvent(eventEscrow(), approver)
	if evt.Type != EventTypeEscrowApproved {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if got := evt.Attributes["approver"]; got != hex.EncodeToString(approver[:]) {
		t.Fatalf("unexpected approver attribute %q", got)
	}
}

func TestSettlementEventsCarrySettledAmount(t *testing.T) {
	released := NewReleasedEvent(eventEscrow(), big.NewInt(250))
	if released.Attributes["settled"] != "250" {
		t.Fatalf("unexpected settled attribute %q", released.Attributes["settled"])
	}
	refunded := NewRefundedEvent(eventEscrow(), nil)
	if refunded.Attributes["settled"] != "0" {
		t.Fatalf("nil amount must render as zero, got %q", refunded.Attributes["settled"])
	}
}

func TestPerformanceEventAttributes(t *testing.T) {
	snapshot := &PerformanceSnapshot{EscrowID: 42, CurrentPerformancePct: 83, ViewsDelivered: 12000, ClicksDelivered: 310}
	evt := NewPerformanceReportedEvent(eventEscrow(), snapshot)
	if evt.Attributes["performancePct"] != "83" || evt.Attributes["views"] != "12000" || evt.Attributes["clicks"] != "310" {
		t.Fatalf("unexpected performance attributes: %v", evt.Attributes)
	}
}

func TestEventForNilEscrowIsEmpty(t *testing.T) {
	evt := NewDisputedEvent(nil)
	if evt.Type != EventTypeEscrowDisputed {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if len(evt.Attributes) != 0 {
		t.Fatalf("expected empty attributes, got %v", evt.Attributes)
	}
}
