package escrow

import (
	"fmt"
	"math/big"
)

// EscrowState represents the lifecycle states supported by the escrow engine.
// An escrow never leaves Disputed once a fraud hold lands; it becomes inert
// (rather than deleted) when its locked amount reaches zero.
type EscrowState uint8

const (
	EscrowActive EscrowState = iota
	EscrowDisputed
)

// Escrow captures a single custody record: immutable creation metadata plus
// the mutable accounting triple. The invariant LockedAmount + ReleasedAmount
// + RefundedAmount == Amount holds at all times.
type Escrow struct {
	ID                      uint64
	Depositor               [20]byte
	Beneficiary             [20]byte
	CampaignID              uint64
	Amount                  *big.Int
	LockedAmount            *big.Int
	ReleasedAmount          *big.Int
	RefundedAmount          *big.Int
	TimeLockDeadline        int64
	ExpiryDeadline          int64
	PerformanceThresholdPct uint32
	RequiredApprovers       [][20]byte
	State                   EscrowState
	CreatedAt               int64
}

// PerformanceSnapshot holds the latest oracle-reported delivery metrics for
// an escrow. Reports replace the snapshot wholesale; no history is retained.
type PerformanceSnapshot struct {
	EscrowID              uint64
	CurrentPerformancePct uint32
	ViewsDelivered        uint64
	ClicksDelivered       uint64
	UpdatedAt             int64
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	clone.LockedAmount = cloneBigInt(e.LockedAmount)
	clone.ReleasedAmount = cloneBigInt(e.ReleasedAmount)
	clone.RefundedAmount = cloneBigInt(e.RefundedAmount)
	if e.RequiredApprovers != nil {
		clone.RequiredApprovers = make([][20]byte, len(e.RequiredApprovers))
		copy(clone.RequiredApprovers, e.RequiredApprovers)
	}
	return &clone
}

// IsRequiredApprover reports whether addr was designated at creation time.
func (e *Escrow) IsRequiredApprover(addr [20]byte) bool {
	if e == nil {
		return false
	}
	for _, approver := range e.RequiredApprovers {
		if approver == addr {
			return true
		}
	}
	return false
}

// Clone returns a copy of the snapshot.
func (p *PerformanceSnapshot) Clone() *PerformanceSnapshot {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Valid reports whether the state value is within the supported range.
func (s EscrowState) Valid() bool {
	switch s {
	case EscrowActive, EscrowDisputed:
		return true
	default:
		return false
	}
}

// String renders the state for event payloads and API responses.
func (s EscrowState) String() string {
	switch s {
	case EscrowActive:
		return "active"
	case EscrowDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with non-nil amount fields. The function does
// not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if clone.LockedAmount.Sign() < 0 || clone.ReleasedAmount.Sign() < 0 || clone.RefundedAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow accounting amounts must be non-negative")
	}
	sum := new(big.Int).Add(clone.LockedAmount, clone.ReleasedAmount)
	sum.Add(sum, clone.RefundedAmount)
	if sum.Cmp(clone.Amount) != 0 {
		return nil, fmt.Errorf("escrow accounting mismatch: locked+released+refunded != amount")
	}
	if clone.PerformanceThresholdPct > 100 {
		return nil, fmt.Errorf("escrow performance threshold out of range: %d", clone.PerformanceThresholdPct)
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid escrow state: %d", clone.State)
	}
	return clone, nil
}

// SanitizeSnapshot validates an oracle report before it is persisted.
func SanitizeSnapshot(p *PerformanceSnapshot) (*PerformanceSnapshot, error) {
	if p == nil {
		return nil, fmt.Errorf("nil performance snapshot")
	}
	if p.CurrentPerformancePct > 100 {
		return nil, fmt.Errorf("performance percentage out of range: %d", p.CurrentPerformancePct)
	}
	return p.Clone(), nil
}
