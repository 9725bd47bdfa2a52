package escrow

// ReleaseInput bundles everything the release gate may consult. The gate is
// pure: it never touches storage and never mutates its input.
type ReleaseInput struct {
	Escrow      *Escrow
	Approvals   uint64
	Performance *PerformanceSnapshot
	Now         int64
}

// ReleaseCondition is a single independent predicate over a release attempt.
// A nil return means the condition holds.
type ReleaseCondition func(ReleaseInput) error

// NotDisputed rejects escrows under a fraud hold.
func NotDisputed(in ReleaseInput) error {
	if in.Escrow == nil {
		return ErrNotFound
	}
	if in.Escrow.State == EscrowDisputed {
		return ErrDisputed
	}
	return nil
}

// TimeLockElapsed rejects attempts before the time lock deadline.
func TimeLockElapsed(in ReleaseInput) error {
	if in.Escrow == nil {
		return ErrNotFound
	}
	if in.Now < in.Escrow.TimeLockDeadline {
		return ErrTimeLockActive
	}
	return nil
}

// ApprovalQuorumMet requires at least one recorded approval. The minimum is
// fixed at one regardless of the configured approver-set size, so an escrow
// created with no required approvers can never pass this condition and is
// only recoverable through the post-expiry refund path.
func ApprovalQuorumMet(in ReleaseInput) error {
	if in.Approvals < 1 {
		return ErrApprovalRequired
	}
	return nil
}

// PerformanceMet enforces the creation-time delivery threshold. A threshold
// of zero disables gating; a missing snapshot counts as zero performance.
func PerformanceMet(in ReleaseInput) error {
	if in.Escrow == nil {
		return ErrNotFound
	}
	if in.Escrow.PerformanceThresholdPct == 0 {
		return nil
	}
	var current uint32
	if in.Performance != nil {
		current = in.Performance.CurrentPerformancePct
	}
	if current < in.Escrow.PerformanceThresholdPct {
		return ErrPerformanceNotMet
	}
	return nil
}

// releaseConditions is evaluated in this exact order so failure messages are
// deterministic: fraud hold, then time lock, then approvals, then performance.
var releaseConditions = []ReleaseCondition{
	NotDisputed,
	TimeLockElapsed,
	ApprovalQuorumMet,
	PerformanceMet,
}

// EvaluateRelease runs the composite release gate, short-circuiting on the
// first failed condition. Full release, partial release and the read-only
// probe all share this predicate.
func EvaluateRelease(in ReleaseInput) error {
	for _, condition := range releaseConditions {
		if err := condition(in); err != nil {
			return err
		}
	}
	return nil
}
