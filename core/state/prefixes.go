package state

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	accountPrefix       = []byte("account/")
	escrowRecordPrefix  = []byte("escrow/record/")
	escrowCustodyPrefix = []byte("escrow/custody/")
	approvalPrefix      = []byte("escrow/approval/")
	approvalCountPrefix = []byte("escrow/approvals/")
	performancePrefix   = []byte("escrow/performance/")
	escrowSequenceKey   = []byte("escrow/sequence")
	kvPrefix            = []byte("kv/")
)

func accountKey(addr []byte) []byte {
	return append(append([]byte(nil), accountPrefix...), fmt.Sprintf("%x", addr)...)
}

func escrowRecordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", escrowRecordPrefix, id))
}

func escrowCustodyKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", escrowCustodyPrefix, id))
}

func approvalKey(id uint64, approver [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%d/%x", approvalPrefix, id, approver))
}

func approvalCountKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", approvalCountPrefix, id))
}

func performanceKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", performancePrefix, id))
}

func kvKey(key []byte) []byte {
	return append(append([]byte(nil), kvPrefix...), key...)
}

// escrowVaultAddress is the deterministic module account holding all locked
// escrow funds. Deriving it from a fixed label keeps it collision-free with
// user accounts without storing configuration.
func escrowVaultAddress() [20]byte {
	digest := ethcrypto.Keccak256([]byte("adledger/escrow/vault"))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}
