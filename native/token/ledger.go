package token

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
)

var (
	ErrAssetNotFound       = errors.New("token: asset not found")
	ErrAssetExists         = errors.New("token: asset already exists")
	ErrAccountNotFound     = errors.New("token: account not found")
	ErrAccountExists       = errors.New("token: account already exists")
	ErrAssetMismatch       = errors.New("token: account holds a different asset")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrNonZeroBalance      = errors.New("token: cannot close account with live balance")

	errNilState = errors.New("token ledger: state not configured")
)

// AccountRentDeposit is the storage deposit charged when a token account is
// created and refunded when it is closed.
var AccountRentDeposit = big.NewInt(2_039_280)

var rentVault = deriveVaultAddress("token/rent-vault")

func deriveVaultAddress(seed string) [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte(seed))[12:])
	return addr
}

// RentVaultAddress returns the module account that escrows token-account
// storage deposits between creation and close.
func RentVaultAddress() [20]byte { return rentVault }

// DeriveAccountAddress computes the canonical address of the token account
// holding `asset` on behalf of `owner`. One such account exists per
// (asset, owner) pair.
func DeriveAccountAddress(asset, owner [20]byte) [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("token-account"), asset[:], owner[:])[12:])
	return addr
}

type ledgerState interface {
	AssetPut(id [20]byte, asset *types.Asset) error
	AssetGet(id [20]byte) (*types.Asset, bool)
	TokenAccountPut(addr [20]byte, acct *types.TokenAccount) error
	TokenAccountGet(addr [20]byte) (*types.TokenAccount, bool)
	TokenAccountDelete(addr [20]byte) error
	NativeTransfer(from, to [20]byte, amount *big.Int) error
}

// Ledger provides the fungible-asset primitives the settlement engine builds
// on: transfer, issue, destroy, plus account creation and close with rent
// handling. Authority checks over these primitives belong to the caller.
type Ledger struct {
	state ledgerState
}

// NewLedger creates a ledger bound to the provided state backend.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state}
}

// CreateAsset registers a fungible asset under the given identifier with the
// supplied issuance authority and zero initial supply.
func (l *Ledger) CreateAsset(id [20]byte, authority [20]byte) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if _, ok := l.state.AssetGet(id); ok {
		return ErrAssetExists
	}
	return l.state.AssetPut(id, &types.Asset{Authority: authority, Supply: big.NewInt(0)})
}

// Asset returns the asset definition for the given identifier.
func (l *Ledger) Asset(id [20]byte) (*types.Asset, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	asset, ok := l.state.AssetGet(id)
	if !ok {
		return nil, ErrAssetNotFound
	}
	return asset.Clone(), nil
}

// Account returns the token account stored at the given address.
func (l *Ledger) Account(addr [20]byte) (*types.TokenAccount, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	acct, ok := l.state.TokenAccountGet(addr)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// Balance returns the live balance of the token account at the given address.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	acct, err := l.Account(addr)
	if err != nil {
		return nil, err
	}
	return acct.Balance, nil
}

// CreateAccount creates the canonical token account for (asset, owner) at its
// derived address, charging the storage deposit to the payer's native balance.
func (l *Ledger) CreateAccount(asset, owner, payer [20]byte) ([20]byte, error) {
	if l == nil || l.state == nil {
		return [20]byte{}, errNilState
	}
	if _, ok := l.state.AssetGet(asset); !ok {
		return [20]byte{}, ErrAssetNotFound
	}
	addr := DeriveAccountAddress(asset, owner)
	if _, ok := l.state.TokenAccountGet(addr); ok {
		return [20]byte{}, ErrAccountExists
	}
	if err := l.state.NativeTransfer(payer, rentVault, AccountRentDeposit); err != nil {
		return [20]byte{}, err
	}
	acct := &types.TokenAccount{Asset: asset, Owner: owner, Balance: big.NewInt(0)}
	if err := l.state.TokenAccountPut(addr, acct); err != nil {
		return [20]byte{}, err
	}
	return addr, nil
}

// CloseAccount deletes an empty token account and refunds its storage deposit
// to the designated recipient.
func (l *Ledger) CloseAccount(addr, returnRentTo [20]byte) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	acct, ok := l.state.TokenAccountGet(addr)
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Balance != nil && acct.Balance.Sign() != 0 {
		return ErrNonZeroBalance
	}
	if err := l.state.TokenAccountDelete(addr); err != nil {
		return err
	}
	return l.state.NativeTransfer(rentVault, returnRentTo, AccountRentDeposit)
}

// Transfer moves units between two accounts holding the same asset.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	fromAcct, ok := l.state.TokenAccountGet(from)
	if !ok {
		return ErrAccountNotFound
	}
	toAcct, ok := l.state.TokenAccountGet(to)
	if !ok {
		return ErrAccountNotFound
	}
	if fromAcct.Asset != toAcct.Asset {
		return ErrAssetMismatch
	}
	if fromAcct.Balance == nil || fromAcct.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	fromAcct.Balance = new(big.Int).Sub(fromAcct.Balance, amt)
	toAcct.Balance = new(big.Int).Add(balanceOrZero(toAcct.Balance), amt)
	if err := l.state.TokenAccountPut(from, fromAcct); err != nil {
		return err
	}
	return l.state.TokenAccountPut(to, toAcct)
}

// Issue mints new units of the asset into the target account, growing the
// total supply by the same amount.
func (l *Ledger) Issue(asset [20]byte, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	def, ok := l.state.AssetGet(asset)
	if !ok {
		return ErrAssetNotFound
	}
	acct, ok := l.state.TokenAccountGet(to)
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Asset != asset {
		return ErrAssetMismatch
	}
	if amt.Sign() == 0 {
		return nil
	}
	def.Supply = new(big.Int).Add(balanceOrZero(def.Supply), amt)
	acct.Balance = new(big.Int).Add(balanceOrZero(acct.Balance), amt)
	if err := l.state.AssetPut(asset, def); err != nil {
		return err
	}
	return l.state.TokenAccountPut(to, acct)
}

// Destroy burns units held by the account, irrecoverably reducing the asset's
// total supply.
func (l *Ledger) Destroy(account [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	acct, ok := l.state.TokenAccountGet(account)
	if !ok {
		return ErrAccountNotFound
	}
	def, ok := l.state.AssetGet(acct.Asset)
	if !ok {
		return ErrAssetNotFound
	}
	if acct.Balance == nil || acct.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	if balanceOrZero(def.Supply).Cmp(amt) < 0 {
		return fmt.Errorf("token: supply underflow")
	}
	acct.Balance = new(big.Int).Sub(acct.Balance, amt)
	def.Supply = new(big.Int).Sub(def.Supply, amt)
	if err := l.state.TokenAccountPut(account, acct); err != nil {
		return err
	}
	return l.state.AssetPut(acct.Asset, def)
}

func checkAmount(amount *big.Int) (*big.Int, error) {
	if amount == nil {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("token: negative amount")
	}
	return new(big.Int).Set(amount), nil
}

func balanceOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
