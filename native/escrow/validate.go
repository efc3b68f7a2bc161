package escrow

import (
	"escrowd/core/types"
	"escrowd/native/token"
)

// The account validator: every account supplied to an operation must match the
// identities recorded in, or required to construct, the escrow record. All
// checks run before any mutation.

// checkDerivation requires the supplied bump to be the canonical one for the
// seed tuple. Accepting lower (still off-curve) bumps would let the same tuple
// map to more than one live record.
func (e *Engine) checkDerivation(seeds SeedTuple, bump uint8) ([20]byte, error) {
	addr, canonical, err := DeriveAddress(seeds)
	if err != nil {
		return [20]byte{}, err
	}
	if canonical != bump {
		return [20]byte{}, ErrDerivationMismatch
	}
	return addr, nil
}

// matchRecordAccounts cross-checks every identity supplied with a purchase
// against the stored record.
func (e *Engine) matchRecordAccounts(rec *Escrow, p PurchaseParams) error {
	if p.Receiver != rec.Receiver ||
		p.RentPayer != rec.RentPayer ||
		p.SaleAsset != rec.SaleAsset ||
		p.PurchaseAsset != rec.PurchaseAsset ||
		p.ProceedsAccount != rec.ProceedsAccount {
		return ErrDerivationMismatch
	}
	return nil
}

// requireTokenAccount loads an asset account and checks it holds the expected
// asset.
func (e *Engine) requireTokenAccount(addr [20]byte, asset [20]byte) (*types.TokenAccount, error) {
	acct, err := e.ledger.Account(addr)
	if err != nil {
		return nil, err
	}
	if acct.Asset != asset {
		return nil, token.ErrAssetMismatch
	}
	return acct, nil
}

// requireOwnedAccount additionally constrains the account's owner, failing
// with the supplied error so callers can distinguish an authority violation
// (wrong signer) from a misdirected destination.
func (e *Engine) requireOwnedAccount(addr [20]byte, asset, owner [20]byte, mismatch error) (*types.TokenAccount, error) {
	acct, err := e.requireTokenAccount(addr, asset)
	if err != nil {
		return nil, err
	}
	if acct.Owner != owner {
		return nil, mismatch
	}
	return acct, nil
}

// holdingFor resolves the record's holding account and verifies the recorded
// remaining quantity against its live balance. The ledger is a parameter so
// callers inside a Transact scope can resolve through the transactional view.
func (e *Engine) holdingFor(ledger Ledger, rec *Escrow) ([20]byte, *types.TokenAccount, error) {
	holding := HoldingAddress(rec.SaleAsset, rec.Address)
	acct, err := ledger.Account(holding)
	if err != nil {
		return [20]byte{}, nil, err
	}
	if acct.Owner != rec.Address || acct.Asset != rec.SaleAsset {
		return [20]byte{}, nil, ErrDerivationMismatch
	}
	if acct.Balance == nil || acct.Balance.Cmp(rec.RemainingQuantity) != 0 {
		return [20]byte{}, nil, ErrBalanceDivergence
	}
	return holding, acct, nil
}
