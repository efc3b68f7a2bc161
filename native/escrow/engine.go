package escrow

import (
	"errors"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/token"
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")
)

// RecordRentDeposit is the storage deposit charged for the escrow record
// itself. It is refunded to the rent payer when the record closes, regardless
// of who signs the closing operation.
var RecordRentDeposit = big.NewInt(1_461_600)

// recordRentVault holds record deposits between creation and close.
var recordRentVault = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("escrow/rent-vault"))[12:])
	return addr
}()

// RentVaultAddress returns the module account escrowing record storage
// deposits.
func RentVaultAddress() [20]byte { return recordRentVault }

type engineState interface {
	EscrowGet(addr [20]byte) (*Escrow, bool)
	Transact(fn func(TxState) error) error
}

// TxState is the all-or-nothing view a settlement operation mutates. The state
// backend stages every write and commits only when the Transact closure
// succeeds, and it must exclude concurrent access to the underlying store for
// the whole scope.
type TxState interface {
	EscrowPut(*Escrow) error
	EscrowDelete(addr [20]byte) error
	NativeTransfer(from, to [20]byte, amount *big.Int) error
	Ledger() *token.Ledger
}

// Ledger is the asset-transfer collaborator the engine validates against
// before entering a Transact scope. Mutations run on the transactional
// ledger obtained from TxState instead.
type Ledger interface {
	Transfer(from, to [20]byte, amount *big.Int) error
	Issue(asset [20]byte, to [20]byte, amount *big.Int) error
	Destroy(account [20]byte, amount *big.Int) error
	CreateAccount(asset, owner, payer [20]byte) ([20]byte, error)
	CloseAccount(account, returnRentTo [20]byte) error
	Account(addr [20]byte) (*types.TokenAccount, error)
	Asset(id [20]byte) (*types.Asset, error)
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

// Engine implements the escrow settlement operations: tender (seller-funded or
// issuance-backed), full and partial purchase, cancellation and forced burn.
// Every operation validates all supplied accounts before mutating anything and
// runs its mutations inside a single Transact scope, so a rejected operation
// never moves a balance or touches the record. Operations are serialized; the
// record plus its holding account are the only shared mutable resources.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	ledger  Ledger
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

// SetLedger configures the asset ledger the engine validates through.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
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

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

// Escrow returns a copy of the record stored at the given address.
func (e *Engine) Escrow(addr [20]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadEscrow(addr)
}

func (e *Engine) loadEscrow(addr [20]byte) (*Escrow, error) {
	esc, ok := e.state.EscrowGet(addr)
	if !ok {
		return nil, ErrNotFound
	}
	return SanitizeEscrow(esc)
}

// checkTenderIncrements enforces that a tender keeps the unit price fixed. In
// exact arithmetic (curCost+addCost)/(curQty+addQty) == curCost/curQty reduces
// to curQty*addCost == curCost*addQty; the first tender into an empty record
// trivially satisfies it and fixes a fresh price.
func checkTenderIncrements(curCost, addCost, curQty, addQty *big.Int) error {
	if addCost == nil || addCost.Sign() <= 0 || addQty == nil || addQty.Sign() <= 0 {
		return ErrInvalidAmount
	}
	lhs := new(big.Int).Mul(curQty, addCost)
	rhs := new(big.Int).Mul(curCost, addQty)
	if lhs.Cmp(rhs) != 0 {
		return ErrInvalidAmount
	}
	return nil
}

// quotePurchaseCost prices a fill of qty units out of (totalQty, totalCost).
// The pro-rata cost must be exact: totalQty*cost == qty*totalCost. A fill that
// would need rounding is rejected rather than priced approximately; the final
// fill (qty == totalQty) is always exact, so every escrow can be drained.
func quotePurchaseCost(qty, totalQty, totalCost *big.Int) (*big.Int, error) {
	if qty == nil || qty.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if qty.Cmp(totalQty) > 0 {
		return nil, ErrInsufficientQuantity
	}
	cost, rem := new(big.Int).QuoRem(new(big.Int).Mul(qty, totalCost), totalQty, new(big.Int))
	if rem.Sign() != 0 {
		return nil, ErrInvalidAmount
	}
	return cost, nil
}

// TenderParams names the accounts for a seller-funded deposit. The seller
// signs, provides the sale units and pays both storage deposits, making the
// seller the record's rent payer.
type TenderParams struct {
	Bump              uint8
	CostIncrement     *big.Int
	QuantityIncrement *big.Int
	Seller            [20]byte
	Receiver          [20]byte
	SaleAsset         [20]byte
	PurchaseAsset     [20]byte
	ProceedsAccount   [20]byte
	SourceAccount     [20]byte
}

// Tender creates the escrow record and holding account on first use and
// accumulates cost/quantity on repeat use, moving the tendered units from the
// seller's source account into the holding account.
func (e *Engine) Tender(p TenderParams) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	seeds := SeedTuple{
		ProceedsAccount: p.ProceedsAccount,
		Receiver:        p.Receiver,
		SaleAsset:       p.SaleAsset,
		PurchaseAsset:   p.PurchaseAsset,
		RentPayer:       p.Seller,
	}
	addr, err := e.checkDerivation(seeds, p.Bump)
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Asset(p.PurchaseAsset); err != nil {
		return nil, err
	}
	if _, err := e.requireOwnedAccount(p.ProceedsAccount, p.PurchaseAsset, p.Seller, ErrOwnerMismatch); err != nil {
		return nil, err
	}
	if _, err := e.requireOwnedAccount(p.SourceAccount, p.SaleAsset, p.Seller, ErrOwnerMismatch); err != nil {
		return nil, err
	}
	rec, err := e.tenderTarget(addr, seeds, p.CostIncrement, p.QuantityIncrement)
	if err != nil {
		return nil, err
	}
	err = e.state.Transact(func(tx TxState) error {
		ledger := tx.Ledger()
		var holding [20]byte
		if rec == nil {
			var err error
			holding, err = ledger.CreateAccount(p.SaleAsset, addr, p.Seller)
			if err != nil {
				return err
			}
			if err := tx.NativeTransfer(p.Seller, recordRentVault, RecordRentDeposit); err != nil {
				return err
			}
			rec = e.newRecord(addr, p.Seller, seeds, p.Bump)
		} else {
			var err error
			holding, _, err = e.holdingFor(ledger, rec)
			if err != nil {
				return err
			}
		}
		if err := ledger.Transfer(p.SourceAccount, holding, p.QuantityIncrement); err != nil {
			return err
		}
		return e.accumulate(tx, rec, p.CostIncrement, p.QuantityIncrement)
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewTenderedEvent(rec, p.CostIncrement, p.QuantityIncrement, false))
	return rec.Clone(), nil
}

// IssuanceTenderParams names the accounts for a mint-backed deposit: the sale
// units are issued directly into escrow instead of moved from an existing
// balance, authorized by the asset's issuance authority. A separate rent
// payer funds the storage deposits and reclaims them on close.
type IssuanceTenderParams struct {
	Bump              uint8
	CostIncrement     *big.Int
	QuantityIncrement *big.Int
	Authority         [20]byte
	RentPayer         [20]byte
	Receiver          [20]byte
	SaleAsset         [20]byte
	PurchaseAsset     [20]byte
	ProceedsAccount   [20]byte
}

// TenderFromIssuance behaves like Tender but mints the tendered quantity into
// the holding account, for sellers offering not-yet-created supply.
func (e *Engine) TenderFromIssuance(p IssuanceTenderParams) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	seeds := SeedTuple{
		ProceedsAccount: p.ProceedsAccount,
		Receiver:        p.Receiver,
		SaleAsset:       p.SaleAsset,
		PurchaseAsset:   p.PurchaseAsset,
		RentPayer:       p.RentPayer,
	}
	addr, err := e.checkDerivation(seeds, p.Bump)
	if err != nil {
		return nil, err
	}
	saleAsset, err := e.ledger.Asset(p.SaleAsset)
	if err != nil {
		return nil, err
	}
	if saleAsset.Authority != p.Authority {
		return nil, ErrUnauthorized
	}
	if _, err := e.ledger.Asset(p.PurchaseAsset); err != nil {
		return nil, err
	}
	proceeds, err := e.requireTokenAccount(p.ProceedsAccount, p.PurchaseAsset)
	if err != nil {
		return nil, err
	}
	rec, err := e.tenderTarget(addr, seeds, p.CostIncrement, p.QuantityIncrement)
	if err != nil {
		return nil, err
	}
	err = e.state.Transact(func(tx TxState) error {
		ledger := tx.Ledger()
		var holding [20]byte
		if rec == nil {
			var err error
			holding, err = ledger.CreateAccount(p.SaleAsset, addr, p.RentPayer)
			if err != nil {
				return err
			}
			if err := tx.NativeTransfer(p.RentPayer, recordRentVault, RecordRentDeposit); err != nil {
				return err
			}
			rec = e.newRecord(addr, proceeds.Owner, seeds, p.Bump)
		} else {
			var err error
			holding, _, err = e.holdingFor(ledger, rec)
			if err != nil {
				return err
			}
		}
		if err := ledger.Issue(p.SaleAsset, holding, p.QuantityIncrement); err != nil {
			return err
		}
		return e.accumulate(tx, rec, p.CostIncrement, p.QuantityIncrement)
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewTenderedEvent(rec, p.CostIncrement, p.QuantityIncrement, true))
	return rec.Clone(), nil
}

// PurchaseParams names the accounts for a full or partial purchase. The signer
// pays from the source account but need not be the recorded receiver; only the
// destination account's owner is constrained, which lets a third party pay on
// the receiver's behalf.
type PurchaseParams struct {
	EscrowAddress      [20]byte
	Signer             [20]byte
	Receiver           [20]byte
	RentPayer          [20]byte
	SaleAsset          [20]byte
	PurchaseAsset      [20]byte
	ProceedsAccount    [20]byte
	SourceAccount      [20]byte
	DestinationAccount [20]byte
}

// Purchase settles the entire remaining quantity at the recorded total cost,
// then closes the record and holding account, refunding the storage deposits
// to the rent payer.
func (e *Engine) Purchase(p PurchaseParams) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settle(p, nil)
}

// PurchasePartial settles qty units at the pro-rata share of the recorded
// total cost, leaving the record open (at the same unit price) unless the fill
// exhausts the remaining quantity.
func (e *Engine) PurchasePartial(p PurchaseParams, qty *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if qty == nil || qty.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return e.settle(p, new(big.Int).Set(qty))
}

func (e *Engine) settle(p PurchaseParams, qty *big.Int) error {
	rec, err := e.loadEscrow(p.EscrowAddress)
	if err != nil {
		return err
	}
	if err := e.matchRecordAccounts(rec, p); err != nil {
		return err
	}
	holding, _, err := e.holdingFor(e.ledger, rec)
	if err != nil {
		return err
	}
	if qty == nil {
		qty = new(big.Int).Set(rec.RemainingQuantity)
	}
	cost, err := quotePurchaseCost(qty, rec.RemainingQuantity, rec.TotalPurchaseCost)
	if err != nil {
		return err
	}
	if _, err := e.requireOwnedAccount(p.SourceAccount, rec.PurchaseAsset, p.Signer, ErrUnauthorized); err != nil {
		return err
	}
	if _, err := e.requireOwnedAccount(p.DestinationAccount, rec.SaleAsset, rec.Receiver, ErrOwnerMismatch); err != nil {
		return err
	}
	closed := false
	err = e.state.Transact(func(tx TxState) error {
		ledger := tx.Ledger()
		if err := ledger.Transfer(p.SourceAccount, rec.ProceedsAccount, cost); err != nil {
			return err
		}
		if err := ledger.Transfer(holding, p.DestinationAccount, qty); err != nil {
			return err
		}
		rec.TotalPurchaseCost = new(big.Int).Sub(rec.TotalPurchaseCost, cost)
		rec.RemainingQuantity = new(big.Int).Sub(rec.RemainingQuantity, qty)
		if rec.RemainingQuantity.Sign() == 0 {
			closed = true
			return e.closeEscrow(tx, rec, holding)
		}
		return tx.EscrowPut(rec)
	})
	if err != nil {
		return err
	}
	e.emit(NewPurchasedEvent(rec, qty, cost, closed))
	return nil
}

// CancelParams names the accounts for a seller cancellation.
type CancelParams struct {
	EscrowAddress [20]byte
	Seller        [20]byte
	ReturnAccount [20]byte
}

// Cancel returns the full remaining quantity to a seller-owned sale-asset
// account and closes the escrow. No purchase-side balance moves.
func (e *Engine) Cancel(p CancelParams) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadEscrow(p.EscrowAddress)
	if err != nil {
		return err
	}
	if p.Seller != rec.Seller {
		return ErrUnauthorized
	}
	if _, err := e.requireOwnedAccount(p.ReturnAccount, rec.SaleAsset, rec.Seller, ErrOwnerMismatch); err != nil {
		return err
	}
	holding, _, err := e.holdingFor(e.ledger, rec)
	if err != nil {
		return err
	}
	err = e.state.Transact(func(tx TxState) error {
		if err := tx.Ledger().Transfer(holding, p.ReturnAccount, rec.RemainingQuantity); err != nil {
			return err
		}
		rec.RemainingQuantity = big.NewInt(0)
		return e.closeEscrow(tx, rec, holding)
	})
	if err != nil {
		return err
	}
	e.emit(NewCancelledEvent(rec))
	return nil
}

// BurnParams names the accounts for a forced destruction.
type BurnParams struct {
	EscrowAddress [20]byte
	RentPayer     [20]byte
}

// Burn destroys qty escrowed units outright, reducing the sale asset's total
// supply, and closes the escrow once the holding account is empty. Only the
// rent payer may invoke it. The accumulated purchase cost is left in place,
// matching the recorded offer rather than repricing the remainder.
func (e *Engine) Burn(p BurnParams, qty *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadEscrow(p.EscrowAddress)
	if err != nil {
		return err
	}
	if p.RentPayer != rec.RentPayer {
		return ErrUnauthorized
	}
	if qty == nil || qty.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if qty.Cmp(rec.RemainingQuantity) > 0 {
		return ErrInsufficientQuantity
	}
	holding, _, err := e.holdingFor(e.ledger, rec)
	if err != nil {
		return err
	}
	closed := false
	burned := new(big.Int).Set(qty)
	err = e.state.Transact(func(tx TxState) error {
		if err := tx.Ledger().Destroy(holding, burned); err != nil {
			return err
		}
		rec.RemainingQuantity = new(big.Int).Sub(rec.RemainingQuantity, burned)
		if rec.RemainingQuantity.Sign() == 0 {
			closed = true
			return e.closeEscrow(tx, rec, holding)
		}
		return tx.EscrowPut(rec)
	})
	if err != nil {
		return err
	}
	e.emit(NewBurnedEvent(rec, burned, closed))
	return nil
}

// tenderTarget loads the record a tender accumulates into (nil when this
// tender creates it) and validates the increments against its current price.
func (e *Engine) tenderTarget(addr [20]byte, seeds SeedTuple, addCost, addQty *big.Int) (*Escrow, error) {
	existing, ok := e.state.EscrowGet(addr)
	if !ok {
		if err := checkTenderIncrements(big.NewInt(0), addCost, big.NewInt(0), addQty); err != nil {
			return nil, err
		}
		return nil, nil
	}
	rec, err := SanitizeEscrow(existing)
	if err != nil {
		return nil, err
	}
	if rec.Seeds() != seeds {
		return nil, ErrDerivationMismatch
	}
	if err := checkTenderIncrements(rec.TotalPurchaseCost, addCost, rec.RemainingQuantity, addQty); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) newRecord(addr, seller [20]byte, seeds SeedTuple, bump uint8) *Escrow {
	return &Escrow{
		Address:           addr,
		Seller:            seller,
		Receiver:          seeds.Receiver,
		SaleAsset:         seeds.SaleAsset,
		PurchaseAsset:     seeds.PurchaseAsset,
		ProceedsAccount:   seeds.ProceedsAccount,
		TotalPurchaseCost: big.NewInt(0),
		RemainingQuantity: big.NewInt(0),
		RentPayer:         seeds.RentPayer,
		Bump:              bump,
		CreatedAt:         e.now(),
	}
}

func (e *Engine) accumulate(tx TxState, rec *Escrow, addCost, addQty *big.Int) error {
	rec.TotalPurchaseCost = new(big.Int).Add(rec.TotalPurchaseCost, addCost)
	rec.RemainingQuantity = new(big.Int).Add(rec.RemainingQuantity, addQty)
	return tx.EscrowPut(rec)
}

// closeEscrow tears down the holding account and the record together,
// returning both storage deposits to the rent payer. Callers must have already
// drained the holding account.
func (e *Engine) closeEscrow(tx TxState, rec *Escrow, holding [20]byte) error {
	if err := tx.Ledger().CloseAccount(holding, rec.RentPayer); err != nil {
		return err
	}
	if err := tx.NativeTransfer(recordRentVault, rec.RentPayer, RecordRentDeposit); err != nil {
		return err
	}
	return tx.EscrowDelete(rec.Address)
}
