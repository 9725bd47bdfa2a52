package escrow

import (
	"math/big"
	"time"

	"adledger/core/events"
	"adledger/core/types"
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool)
	EscrowNextID() (uint64, error)
	EscrowCredit(id uint64, amt *big.Int) error
	EscrowDebit(id uint64, amt *big.Int) error
	EscrowVaultAddress() [20]byte
	ApprovalPut(id uint64, approver [20]byte) error
	ApprovalCount(id uint64) (uint64, error)
	PerformancePut(*PerformanceSnapshot) error
	PerformanceGet(id uint64) (*PerformanceSnapshot, bool)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// transactionalState is implemented by state backends that can scope one
// call's writes to a buffer applied only on success. Backends without it
// apply writes directly and rely on the host to discard partial state.
type transactionalState interface {
	Begin()
	Commit() error
	Rollback()
}

// roleSource resolves the trusted identities the engine authenticates
// against. It is explicit configuration fetched per call, never ambient
// state, so the engine stays testable without a full host environment.
type roleSource interface {
	PerformanceOracle() ([20]byte, bool, error)
	FraudAuthority() ([20]byte, bool, error)
	IsAdmin(addr [20]byte) (bool, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine owns the per-escrow state machine: creation and funding, approval
// tallying, oracle-reported performance, the fraud hold, and the
// release/refund settlement paths. Every operation runs as one serialized
// state transition against the host ledger; the engine spawns no goroutines
// and performs no blocking I/O.
type Engine struct {
	state   engineState
	roles   roleSource
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRoles configures the source of trusted oracle and admin identities.
func (e *Engine) SetRoles(roles roleSource) { e.roles = roles }

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// inTransaction runs one state transition. When the backend supports
// call-scoped transactions, nothing fn wrote survives an error.
func (e *Engine) inTransaction(fn func() error) error {
	tx, ok := e.state.(transactionalState)
	if !ok {
		return fn()
	}
	tx.Begin()
	if err := fn(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return e.state.EscrowPut(esc)
}

// transfer moves advertising credit between two accounts. The operation is
// all-or-nothing: insufficient balance fails the whole call and nothing is
// written.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

func (e *Engine) isAdmin(addr [20]byte) (bool, error) {
	if e == nil || e.roles == nil {
		return false, ErrNilRoles
	}
	return e.roles.IsAdmin(addr)
}

// authorizeSettlement admits the depositor or the platform admin and rejects
// everyone else. Both the release and refund paths share this check.
func (e *Engine) authorizeSettlement(caller [20]byte, esc *Escrow) error {
	if caller == esc.Depositor {
		return nil
	}
	admin, err := e.isAdmin(caller)
	if err != nil {
		return err
	}
	if !admin {
		return ErrUnauthorized
	}
	return nil
}

// Create validates the definition, allocates the next id, moves the
// principal from the depositor into engine custody and persists the record.
// The caller identity has already been authenticated by the host; the
// depositor argument is that identity.
func (e *Engine) Create(depositor [20]byte, campaignID uint64, beneficiary [20]byte, amount *big.Int, timeLockSecs uint64, thresholdPct uint32, expiresInSecs uint64, approvers [][20]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if thresholdPct > 100 {
		return nil, ErrInvalidThreshold
	}
	required := make([][20]byte, len(approvers))
	copy(required, approvers)
	var esc *Escrow
	err := e.inTransaction(func() error {
		id, err := e.state.EscrowNextID()
		if err != nil {
			return err
		}
		now := e.now()
		esc = &Escrow{
			ID:                      id,
			Depositor:               depositor,
			Beneficiary:             beneficiary,
			CampaignID:              campaignID,
			Amount:                  amt,
			LockedAmount:            cloneBigInt(amt),
			ReleasedAmount:          big.NewInt(0),
			RefundedAmount:          big.NewInt(0),
			TimeLockDeadline:        now + int64(timeLockSecs),
			ExpiryDeadline:          now + int64(expiresInSecs),
			PerformanceThresholdPct: thresholdPct,
			RequiredApprovers:       required,
			State:                   EscrowActive,
			CreatedAt:               now,
		}
		// Funding runs first so an underfunded depositor fails the call
		// before any record exists.
		if err := e.transfer(depositor, e.state.EscrowVaultAddress(), amt); err != nil {
			return err
		}
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		return e.state.EscrowCredit(id, amt)
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// ApproveRelease records an approval from a designated approver. The record
// is presence-only and monotonic: repeated approvals by the same approver
// are idempotent and the count never decreases.
func (e *Engine) ApproveRelease(approver [20]byte, id uint64) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !esc.IsRequiredApprover(approver) {
		return ErrNotRequiredApprover
	}
	// The approval presence record and its count update land together.
	if err := e.inTransaction(func() error {
		return e.state.ApprovalPut(id, approver)
	}); err != nil {
		return err
	}
	e.emit(NewApprovedEvent(esc, approver))
	return nil
}

// UpdatePerformance overwrites the delivery snapshot for an escrow. Only the
// single configured performance oracle may report.
func (e *Engine) UpdatePerformance(oracle [20]byte, id uint64, currentPct uint32, views, clicks uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.roles == nil {
		return ErrNilRoles
	}
	configured, ok, err := e.roles.PerformanceOracle()
	if err != nil {
		return err
	}
	if !ok || configured != oracle {
		return ErrUnauthorized
	}
	if currentPct > 100 {
		return ErrInvalidThreshold
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	snapshot := &PerformanceSnapshot{
		EscrowID:              id,
		CurrentPerformancePct: currentPct,
		ViewsDelivered:        views,
		ClicksDelivered:       clicks,
		UpdatedAt:             e.now(),
	}
	if err := e.state.PerformancePut(snapshot); err != nil {
		return err
	}
	e.emit(NewPerformanceReportedEvent(esc, snapshot))
	return nil
}

// HoldForFraud flips the escrow into the disputed state. The transition is
// unconditional and idempotent and moves no funds. There is no path back to
// Active; only the post-expiry refund can still recover the locked amount.
func (e *Engine) HoldForFraud(authority [20]byte, id uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.roles == nil {
		return ErrNilRoles
	}
	configured, ok, err := e.roles.FraudAuthority()
	if err != nil {
		return err
	}
	if !ok || configured != authority {
		return ErrUnauthorized
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State == EscrowDisputed {
		return nil
	}
	esc.State = EscrowDisputed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc))
	return nil
}

func (e *Engine) releaseInput(esc *Escrow) (ReleaseInput, error) {
	approvals, err := e.state.ApprovalCount(esc.ID)
	if err != nil {
		return ReleaseInput{}, err
	}
	snapshot, _ := e.state.PerformanceGet(esc.ID)
	return ReleaseInput{
		Escrow:      esc,
		Approvals:   approvals,
		Performance: snapshot,
		Now:         e.now(),
	}, nil
}

// CanRelease evaluates the release gate with zero side effects. It returns
// false, never an error, when the escrow does not exist.
func (e *Engine) CanRelease(id uint64) bool {
	if e == nil || e.state == nil {
		return false
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return false
	}
	in, err := e.releaseInput(esc)
	if err != nil {
		return false
	}
	return EvaluateRelease(in) == nil
}

// Release settles the entire locked amount in favour of the beneficiary once
// the release gate passes.
func (e *Engine) Release(caller [20]byte, id uint64) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorizeSettlement(caller, esc); err != nil {
		return err
	}
	in, err := e.releaseInput(esc)
	if err != nil {
		return err
	}
	if err := EvaluateRelease(in); err != nil {
		return err
	}
	amt := cloneBigInt(esc.LockedAmount)
	if err := e.inTransaction(func() error {
		return e.settleRelease(esc, amt)
	}); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc, amt))
	return nil
}

// ReleasePartial settles a portion of the locked amount. It is callable
// repeatedly until the locked amount reaches zero.
func (e *Engine) ReleasePartial(caller [20]byte, id uint64, amount *big.Int) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorizeSettlement(caller, esc); err != nil {
		return err
	}
	in, err := e.releaseInput(esc)
	if err != nil {
		return err
	}
	if err := EvaluateRelease(in); err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 || amt.Cmp(esc.LockedAmount) > 0 {
		return ErrInvalidAmount
	}
	if err := e.inTransaction(func() error {
		return e.settleRelease(esc, amt)
	}); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc, amt))
	return nil
}

// settleRelease moves amount out of custody to the beneficiary and rewrites
// the accounting triple. The custody debit runs before the account transfer
// so an inconsistent custody balance fails the call before funds move.
// Callers run it inside a call-scoped transaction and emit on success.
func (e *Engine) settleRelease(esc *Escrow, amount *big.Int) error {
	if amount.Sign() > 0 {
		if err := e.state.EscrowDebit(esc.ID, amount); err != nil {
			return err
		}
		if err := e.transfer(e.state.EscrowVaultAddress(), esc.Beneficiary, amount); err != nil {
			return err
		}
	}
	esc.ReleasedAmount = new(big.Int).Add(esc.ReleasedAmount, amount)
	esc.LockedAmount = new(big.Int).Sub(esc.LockedAmount, amount)
	return e.storeEscrow(esc)
}

// Refund returns the remaining locked amount to the depositor once the
// expiry deadline has passed. The precondition is independent of the release
// gate: a disputed escrow can still be refunded after expiry.
func (e *Engine) Refund(caller [20]byte, id uint64) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorizeSettlement(caller, esc); err != nil {
		return err
	}
	if e.now() <= esc.ExpiryDeadline {
		return ErrNotExpired
	}
	amount := cloneBigInt(esc.LockedAmount)
	if err := e.inTransaction(func() error {
		if amount.Sign() > 0 {
			if err := e.state.EscrowDebit(esc.ID, amount); err != nil {
				return err
			}
			if err := e.transfer(e.state.EscrowVaultAddress(), esc.Depositor, amount); err != nil {
				return err
			}
		}
		esc.RefundedAmount = new(big.Int).Add(esc.RefundedAmount, amount)
		esc.LockedAmount = new(big.Int).Sub(esc.LockedAmount, amount)
		return e.storeEscrow(esc)
	}); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(esc, amount))
	return nil
}

// GetEscrow returns a copy of the stored escrow record.
func (e *Engine) GetEscrow(id uint64) (*Escrow, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	return e.state.EscrowGet(id)
}

// ApprovalCount returns the number of distinct approvers recorded for the
// escrow. It reports zero for unknown escrows.
func (e *Engine) ApprovalCount(id uint64) uint64 {
	if e == nil || e.state == nil {
		return 0
	}
	count, err := e.state.ApprovalCount(id)
	if err != nil {
		return 0
	}
	return count
}

// GetPerformance returns the latest oracle snapshot for the escrow.
func (e *Engine) GetPerformance(id uint64) (*PerformanceSnapshot, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	return e.state.PerformanceGet(id)
}
