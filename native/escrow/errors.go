package escrow

import "errors"

// The engine reports every rejection as a distinct sentinel so off-chain
// tooling can tell "retry later" (time lock, not yet expired) from "will
// never succeed as configured" (disputed, no eligible approver) from a
// caller mistake (bad amount, wrong identity).
var (
	ErrNilState            = errors.New("escrow engine: state not configured")
	ErrNilRoles            = errors.New("escrow engine: roles not configured")
	ErrNotFound            = errors.New("escrow: escrow not found")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
	ErrInvalidThreshold    = errors.New("escrow: invalid performance threshold")
	ErrNotRequiredApprover = errors.New("escrow: not a required approver")
	ErrUnauthorized        = errors.New("escrow: unauthorized")
	ErrDisputed            = errors.New("escrow: escrow is disputed due to fraud")
	ErrTimeLockActive      = errors.New("escrow: time lock active")
	ErrApprovalRequired    = errors.New("escrow: approval required")
	ErrPerformanceNotMet   = errors.New("escrow: performance threshold not met")
	ErrNotExpired          = errors.New("escrow: escrow not yet expired")
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
)
