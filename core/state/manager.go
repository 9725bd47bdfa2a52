package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"adledger/core/types"
	"adledger/native/escrow"
	"adledger/storage"
)

// Manager mediates every read and write against the ledger database. Records
// are RLP encoded under typed key prefixes; the manager enforces record
// integrity (sanitisation, custody accounting) while business rules stay in
// the native engines.
type Manager struct {
	db  storage.Database
	txs []*storage.Overlay
}

// NewManager wraps the provided key-value backend.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// store returns the write target for the current call scope: the innermost
// open transaction overlay, or the backing database outside a transaction.
func (m *Manager) store() storage.Database {
	if n := len(m.txs); n > 0 {
		return m.txs[n-1]
	}
	return m.db
}

// Begin opens a call-scoped transaction. Writes made until the matching
// Commit are buffered and never reach the backing database on Rollback, so
// a failed state transition leaves no partial records behind. Transactions
// nest; each Commit or Rollback closes the innermost one.
func (m *Manager) Begin() {
	m.txs = append(m.txs, storage.NewOverlay(m.store()))
}

// Commit applies the innermost transaction's buffered writes.
func (m *Manager) Commit() error {
	n := len(m.txs)
	if n == 0 {
		return fmt.Errorf("state: no open transaction")
	}
	tx := m.txs[n-1]
	m.txs = m.txs[:n-1]
	return tx.Commit()
}

// Rollback discards the innermost transaction's buffered writes. Calling it
// without an open transaction is a no-op.
func (m *Manager) Rollback() {
	n := len(m.txs)
	if n == 0 {
		return
	}
	m.txs[n-1].Close()
	m.txs = m.txs[:n-1]
}

func (m *Manager) put(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.store().Put(key, encoded)
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, fmt.Errorf("state: database not configured")
	}
	db := m.store()
	ok, err := db.Has(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	encoded, err := db.Get(key)
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVPut stores an RLP-encoded value under an opaque module key. Native
// modules use this for their own bookkeeping (e.g. the role registry).
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.put(kvKey(key), value)
}

// KVGet retrieves the value stored under the supplied key and decodes it
// into the provided destination. The boolean return reports existence.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.get(kvKey(key), out)
}

// --- Accounts ---

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount loads the account for addr, returning a zero-balance account
// when none exists yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := m.get(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	balance := stored.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	return &types.Account{Nonce: stored.Nonce, Balance: new(big.Int).Set(balance)}, nil
}

// PutAccount persists the account record for addr.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("state: account balance must be non-negative")
	}
	stored := storedAccount{Nonce: account.Nonce, Balance: new(big.Int).Set(balance)}
	return m.put(accountKey(addr), &stored)
}

// --- Escrow records ---

type storedEscrow struct {
	ID                      uint64
	Depositor               [20]byte
	Beneficiary             [20]byte
	CampaignID              uint64
	Amount                  *big.Int
	LockedAmount            *big.Int
	ReleasedAmount          *big.Int
	RefundedAmount          *big.Int
	TimeLockDeadline        uint64
	ExpiryDeadline          uint64
	PerformanceThresholdPct uint32
	RequiredApprovers       [][20]byte
	State                   uint8
	CreatedAt               uint64
}

// EscrowPut sanitises and persists the escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	if sanitized.TimeLockDeadline < 0 || sanitized.ExpiryDeadline < 0 || sanitized.CreatedAt < 0 {
		return fmt.Errorf("state: escrow timestamps must be non-negative")
	}
	stored := storedEscrow{
		ID:                      sanitized.ID,
		Depositor:               sanitized.Depositor,
		Beneficiary:             sanitized.Beneficiary,
		CampaignID:              sanitized.CampaignID,
		Amount:                  sanitized.Amount,
		LockedAmount:            sanitized.LockedAmount,
		ReleasedAmount:          sanitized.ReleasedAmount,
		RefundedAmount:          sanitized.RefundedAmount,
		TimeLockDeadline:        uint64(sanitized.TimeLockDeadline),
		ExpiryDeadline:          uint64(sanitized.ExpiryDeadline),
		PerformanceThresholdPct: sanitized.PerformanceThresholdPct,
		RequiredApprovers:       sanitized.RequiredApprovers,
		State:                   uint8(sanitized.State),
		CreatedAt:               uint64(sanitized.CreatedAt),
	}
	return m.put(escrowRecordKey(stored.ID), &stored)
}

// EscrowGet loads the escrow record with the supplied id.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool) {
	var stored storedEscrow
	ok, err := m.get(escrowRecordKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	record := &escrow.Escrow{
		ID:                      stored.ID,
		Depositor:               stored.Depositor,
		Beneficiary:             stored.Beneficiary,
		CampaignID:              stored.CampaignID,
		Amount:                  stored.Amount,
		LockedAmount:            stored.LockedAmount,
		ReleasedAmount:          stored.ReleasedAmount,
		RefundedAmount:          stored.RefundedAmount,
		TimeLockDeadline:        int64(stored.TimeLockDeadline),
		ExpiryDeadline:          int64(stored.ExpiryDeadline),
		PerformanceThresholdPct: stored.PerformanceThresholdPct,
		RequiredApprovers:       stored.RequiredApprovers,
		State:                   escrow.EscrowState(stored.State),
		CreatedAt:               int64(stored.CreatedAt),
	}
	return record.Clone(), true
}

// EscrowNextID allocates the next escrow identifier: prior maximum plus one,
// never reused.
func (m *Manager) EscrowNextID() (uint64, error) {
	var current uint64
	if _, err := m.get(escrowSequenceKey, &current); err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.put(escrowSequenceKey, &next); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowVaultAddress returns the module account holding locked funds.
func (m *Manager) EscrowVaultAddress() [20]byte {
	return escrowVaultAddress()
}

// --- Custody balances ---

// EscrowCredit records funds entering custody for the escrow.
func (m *Manager) EscrowCredit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: negative custody credit")
	}
	if _, ok := m.EscrowGet(id); !ok {
		return fmt.Errorf("state: escrow %d not found", id)
	}
	if amt.Sign() == 0 {
		return nil
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	balance.Add(balance, amt)
	return m.put(escrowCustodyKey(id), balance)
}

// EscrowDebit records funds leaving custody for the escrow. Debits exceeding
// the tracked balance fail the call.
func (m *Manager) EscrowDebit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: negative custody debit")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: custody balance insufficient for escrow %d", id)
	}
	if amt.Sign() == 0 {
		return nil
	}
	balance.Sub(balance, amt)
	return m.put(escrowCustodyKey(id), balance)
}

// EscrowBalance returns the tracked custody balance for the escrow.
func (m *Manager) EscrowBalance(id uint64) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.get(escrowCustodyKey(id), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// --- Approvals ---

// ApprovalPut records an approval. Presence records accumulate
// monotonically; repeated approvals by the same approver are idempotent.
func (m *Manager) ApprovalPut(id uint64, approver [20]byte) error {
	key := approvalKey(id, approver)
	var present bool
	ok, err := m.get(key, &present)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	count, err := m.ApprovalCount(id)
	if err != nil {
		return err
	}
	present = true
	if err := m.put(key, &present); err != nil {
		return err
	}
	count++
	return m.put(approvalCountKey(id), &count)
}

// ApprovalHas reports whether the approver already approved the escrow.
func (m *Manager) ApprovalHas(id uint64, approver [20]byte) (bool, error) {
	var present bool
	ok, err := m.get(approvalKey(id, approver), &present)
	if err != nil {
		return false, err
	}
	return ok && present, nil
}

// ApprovalCount returns the number of distinct approvers recorded.
func (m *Manager) ApprovalCount(id uint64) (uint64, error) {
	var count uint64
	if _, err := m.get(approvalCountKey(id), &count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- Performance snapshots ---

type storedSnapshot struct {
	EscrowID              uint64
	CurrentPerformancePct uint32
	ViewsDelivered        uint64
	ClicksDelivered       uint64
	UpdatedAt             uint64
}

// PerformancePut replaces the delivery snapshot for the escrow wholesale.
func (m *Manager) PerformancePut(snapshot *escrow.PerformanceSnapshot) error {
	sanitized, err := escrow.SanitizeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if sanitized.UpdatedAt < 0 {
		return fmt.Errorf("state: snapshot timestamp must be non-negative")
	}
	stored := storedSnapshot{
		EscrowID:              sanitized.EscrowID,
		CurrentPerformancePct: sanitized.CurrentPerformancePct,
		ViewsDelivered:        sanitized.ViewsDelivered,
		ClicksDelivered:       sanitized.ClicksDelivered,
		UpdatedAt:             uint64(sanitized.UpdatedAt),
	}
	return m.put(performanceKey(stored.EscrowID), &stored)
}

// PerformanceGet loads the latest delivery snapshot for the escrow.
func (m *Manager) PerformanceGet(id uint64) (*escrow.PerformanceSnapshot, bool) {
	var stored storedSnapshot
	ok, err := m.get(performanceKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	return &escrow.PerformanceSnapshot{
		EscrowID:              stored.EscrowID,
		CurrentPerformancePct: stored.CurrentPerformancePct,
		ViewsDelivered:        stored.ViewsDelivered,
		ClicksDelivered:       stored.ClicksDelivered,
		UpdatedAt:             int64(stored.UpdatedAt),
	}, true
}
