package state

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/native/token"
	"escrowd/storage"
)

var (
	escrowPrefix       = []byte("escrow:")
	assetPrefix        = []byte("asset:")
	tokenAccountPrefix = []byte("token-acct:")
	nativePrefix       = []byte("native:")
)

// ErrInsufficientNative is returned when a native transfer would overdraw the
// source balance.
var ErrInsufficientNative = errors.New("state: insufficient native balance")

func storageKey(prefix []byte, addr [20]byte) []byte {
	buf := make([]byte, len(prefix)+len(addr))
	copy(buf, prefix)
	copy(buf[len(prefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

// storedEscrow is the RLP shape of an escrow record. RLP carries no signed
// integers, so CreatedAt travels as uint64.
type storedEscrow struct {
	Seller            [20]byte
	Receiver          [20]byte
	SaleAsset         [20]byte
	PurchaseAsset     [20]byte
	ProceedsAccount   [20]byte
	TotalPurchaseCost *big.Int
	RemainingQuantity *big.Int
	RentPayer         [20]byte
	Bump              uint8
	CreatedAt         uint64
}

type storedAsset struct {
	Authority [20]byte
	Supply    *big.Int
}

type storedTokenAccount struct {
	Asset   [20]byte
	Owner   [20]byte
	Balance *big.Int
}

// Manager persists escrow records, assets, token accounts and native balances
// over a key-value store. It implements the state interfaces of the escrow
// engine and the token ledger, and provides the Transact scope that makes a
// settlement operation all-or-nothing. All methods are safe for concurrent
// use: direct reads and writes serialize against any open Transact scope.
type Manager struct {
	mu  sync.RWMutex
	kv  storage.Database
	log *slog.Logger
}

// NewManager creates a state manager over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{kv: db, log: slog.Default()}
}

// Transact runs fn against a staging view of the store and commits the staged
// writes only when fn succeeds. The manager is exclusively locked for the
// whole scope, so a concurrent direct write can neither land in the staging
// overlay nor observe a half-applied transaction; a failing fn leaves the
// underlying store untouched.
func (m *Manager) Transact(fn func(escrow.TxState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	overlay := storage.NewOverlay(m.kv)
	scoped := &Manager{kv: overlay, log: m.log}
	if err := fn(scoped); err != nil {
		return err
	}
	return overlay.Commit()
}

// Ledger returns a token ledger bound to this view. Inside a Transact scope
// the ledger's mutations land in the staging overlay.
func (m *Manager) Ledger() *token.Ledger {
	return token.NewLedger(m)
}

// reportReadError logs storage failures that are not plain absence, so a
// transient backend error or a corrupt payload is visible instead of being
// mistaken for a missing record.
func (m *Manager) reportReadError(what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	m.log.Error("state: failed to load "+what, slog.Any("error", err))
}

// --- escrow records ---

// EscrowPut sanitizes and persists the escrow record under its address.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	stored := storedEscrow{
		Seller:            sanitized.Seller,
		Receiver:          sanitized.Receiver,
		SaleAsset:         sanitized.SaleAsset,
		PurchaseAsset:     sanitized.PurchaseAsset,
		ProceedsAccount:   sanitized.ProceedsAccount,
		TotalPurchaseCost: sanitized.TotalPurchaseCost,
		RemainingQuantity: sanitized.RemainingQuantity,
		RentPayer:         sanitized.RentPayer,
		Bump:              sanitized.Bump,
		CreatedAt:         uint64(sanitized.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode escrow: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv.Put(storageKey(escrowPrefix, sanitized.Address), encoded)
}

// EscrowGet loads the escrow record stored at the given address.
func (m *Manager) EscrowGet(addr [20]byte) (*escrow.Escrow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, err := m.kv.Get(storageKey(escrowPrefix, addr))
	if err != nil {
		m.reportReadError("escrow record", err)
		return nil, false
	}
	var stored storedEscrow
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		m.reportReadError("escrow record", err)
		return nil, false
	}
	return &escrow.Escrow{
		Address:           addr,
		Seller:            stored.Seller,
		Receiver:          stored.Receiver,
		SaleAsset:         stored.SaleAsset,
		PurchaseAsset:     stored.PurchaseAsset,
		ProceedsAccount:   stored.ProceedsAccount,
		TotalPurchaseCost: stored.TotalPurchaseCost,
		RemainingQuantity: stored.RemainingQuantity,
		RentPayer:         stored.RentPayer,
		Bump:              stored.Bump,
		CreatedAt:         int64(stored.CreatedAt),
	}, true
}

// EscrowDelete removes the escrow record stored at the given address.
func (m *Manager) EscrowDelete(addr [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv.Delete(storageKey(escrowPrefix, addr))
}

// --- assets ---

func (m *Manager) AssetPut(id [20]byte, asset *types.Asset) error {
	if asset == nil {
		return fmt.Errorf("state: nil asset")
	}
	stored := storedAsset{Authority: asset.Authority, Supply: bigOrZero(asset.Supply)}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode asset: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv.Put(storageKey(assetPrefix, id), encoded)
}

func (m *Manager) AssetGet(id [20]byte) (*types.Asset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, err := m.kv.Get(storageKey(assetPrefix, id))
	if err != nil {
		m.reportReadError("asset", err)
		return nil, false
	}
	var stored storedAsset
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		m.reportReadError("asset", err)
		return nil, false
	}
	return &types.Asset{Authority: stored.Authority, Supply: stored.Supply}, true
}

// --- token accounts ---

func (m *Manager) TokenAccountPut(addr [20]byte, acct *types.TokenAccount) error {
	if acct == nil {
		return fmt.Errorf("state: nil token account")
	}
	stored := storedTokenAccount{Asset: acct.Asset, Owner: acct.Owner, Balance: bigOrZero(acct.Balance)}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode token account: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv.Put(storageKey(tokenAccountPrefix, addr), encoded)
}

func (m *Manager) TokenAccountGet(addr [20]byte) (*types.TokenAccount, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, err := m.kv.Get(storageKey(tokenAccountPrefix, addr))
	if err != nil {
		m.reportReadError("token account", err)
		return nil, false
	}
	var stored storedTokenAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		m.reportReadError("token account", err)
		return nil, false
	}
	return &types.TokenAccount{Asset: stored.Asset, Owner: stored.Owner, Balance: stored.Balance}, true
}

func (m *Manager) TokenAccountDelete(addr [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv.Delete(storageKey(tokenAccountPrefix, addr))
}

// --- native balances (storage deposits) ---

// NativeBalance returns the native balance funding storage deposits for the
// given identity. Missing entries read as zero.
func (m *Manager) NativeBalance(addr [20]byte) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nativeBalance(addr)
}

// NativeCredit adds to an identity's native balance. Used to seed rent funds.
func (m *Manager) NativeCredit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid credit amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.nativeBalance(addr)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	return m.kv.Put(storageKey(nativePrefix, addr), balance.Bytes())
}

// NativeTransfer moves native funds between identities, failing on overdraw.
func (m *Manager) NativeTransfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid transfer amount")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fromBalance, err := m.nativeBalance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientNative
	}
	toBalance, err := m.nativeBalance(to)
	if err != nil {
		return err
	}
	fromBalance.Sub(fromBalance, amount)
	toBalance.Add(toBalance, amount)
	if err := m.kv.Put(storageKey(nativePrefix, from), fromBalance.Bytes()); err != nil {
		return err
	}
	return m.kv.Put(storageKey(nativePrefix, to), toBalance.Bytes())
}

// nativeBalance reads a balance without taking the lock; callers hold it.
func (m *Manager) nativeBalance(addr [20]byte) (*big.Int, error) {
	raw, err := m.kv.Get(storageKey(nativePrefix, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
