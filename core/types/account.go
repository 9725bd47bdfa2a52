package types

import "math/big"

// Account holds the ledger-side balance and replay protection counter for a
// single address. Balances are denominated in the platform's advertising
// credit and never go negative.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}
