package types

import "math/big"

// Asset describes one fungible asset managed by the ledger: the identity
// allowed to issue new units and the total circulating supply.
type Asset struct {
	Authority [20]byte `json:"authority"`
	Supply    *big.Int `json:"supply"`
}

// Clone returns a deep copy of the asset definition.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Supply != nil {
		clone.Supply = new(big.Int).Set(a.Supply)
	} else {
		clone.Supply = big.NewInt(0)
	}
	return &clone
}

// TokenAccount holds a balance of a single asset on behalf of an owner
// identity. Accounts live at deterministically derived addresses; the owner
// may itself be a program-derived address with no corresponding private key.
type TokenAccount struct {
	Asset   [20]byte `json:"asset"`
	Owner   [20]byte `json:"owner"`
	Balance *big.Int `json:"balance"`
}

// Clone returns a deep copy of the token account.
func (t *TokenAccount) Clone() *TokenAccount {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Balance != nil {
		clone.Balance = new(big.Int).Set(t.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}
