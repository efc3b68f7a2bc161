package escrow

import (
	"fmt"
	"math/big"
)

// Escrow captures one escrow relationship: the seller's offer of a quantity of
// the sale asset at a cumulative purchase price, held at a program-derived
// address until purchased, cancelled or burned. The record and its holding
// account are co-created and co-destroyed.
type Escrow struct {
	Address           [20]byte
	Seller            [20]byte
	Receiver          [20]byte
	SaleAsset         [20]byte
	PurchaseAsset     [20]byte
	ProceedsAccount   [20]byte
	TotalPurchaseCost *big.Int
	RemainingQuantity *big.Int
	RentPayer         [20]byte
	Bump              uint8
	CreatedAt         int64
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.TotalPurchaseCost != nil {
		clone.TotalPurchaseCost = new(big.Int).Set(e.TotalPurchaseCost)
	} else {
		clone.TotalPurchaseCost = big.NewInt(0)
	}
	if e.RemainingQuantity != nil {
		clone.RemainingQuantity = new(big.Int).Set(e.RemainingQuantity)
	} else {
		clone.RemainingQuantity = big.NewInt(0)
	}
	return &clone
}

// SeedTuple lists the accounts that define an escrow relationship. The derived
// address is a pure function of the tuple, so no registry of open escrows is
// needed: the same parties and assets always map to the same record.
type SeedTuple struct {
	ProceedsAccount [20]byte
	Receiver        [20]byte
	SaleAsset       [20]byte
	PurchaseAsset   [20]byte
	RentPayer       [20]byte
}

// Seeds reconstructs the derivation tuple recorded in the escrow.
func (e *Escrow) Seeds() SeedTuple {
	return SeedTuple{
		ProceedsAccount: e.ProceedsAccount,
		Receiver:        e.Receiver,
		SaleAsset:       e.SaleAsset,
		PurchaseAsset:   e.PurchaseAsset,
		RentPayer:       e.RentPayer,
	}
}

// SanitizeEscrow validates the supplied escrow definition and returns a cloned
// instance with non-nil amount fields. The function does not mutate the
// original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.TotalPurchaseCost.Sign() < 0 {
		return nil, fmt.Errorf("escrow purchase cost must be non-negative")
	}
	if clone.RemainingQuantity.Sign() < 0 {
		return nil, fmt.Errorf("escrow quantity must be non-negative")
	}
	if derived, ok := AddressForBump(clone.Seeds(), clone.Bump); !ok || derived != clone.Address {
		return nil, fmt.Errorf("escrow address does not match derivation seeds")
	}
	return clone, nil
}
