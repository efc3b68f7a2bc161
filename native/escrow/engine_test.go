package escrow

import (
	"errors"
	"math/big"
	"testing"

	"escrowd/core/types"
	"escrowd/native/token"
)

type mockState struct {
	escrows  map[[20]byte]*Escrow
	assets   map[[20]byte]*types.Asset
	accounts map[[20]byte]*types.TokenAccount
	native   map[[20]byte]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[[20]byte]*Escrow),
		assets:   make(map[[20]byte]*types.Asset),
		accounts: make(map[[20]byte]*types.TokenAccount),
		native:   make(map[[20]byte]*big.Int),
	}
}

func (m *mockState) snapshot() *mockState {
	snap := newMockState()
	for k, v := range m.escrows {
		snap.escrows[k] = v.Clone()
	}
	for k, v := range m.assets {
		snap.assets[k] = v.Clone()
	}
	for k, v := range m.accounts {
		snap.accounts[k] = v.Clone()
	}
	for k, v := range m.native {
		snap.native[k] = new(big.Int).Set(v)
	}
	return snap
}

func (m *mockState) restore(snap *mockState) {
	m.escrows = snap.escrows
	m.assets = snap.assets
	m.accounts = snap.accounts
	m.native = snap.native
}

func (m *mockState) Transact(fn func(TxState) error) error {
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *mockState) Ledger() *token.Ledger {
	return token.NewLedger(m)
}

func (m *mockState) EscrowPut(e *Escrow) error {
	m.escrows[e.Address] = e.Clone()
	return nil
}

func (m *mockState) EscrowGet(addr [20]byte) (*Escrow, bool) {
	e, ok := m.escrows[addr]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (m *mockState) EscrowDelete(addr [20]byte) error {
	delete(m.escrows, addr)
	return nil
}

func (m *mockState) AssetPut(id [20]byte, asset *types.Asset) error {
	m.assets[id] = asset.Clone()
	return nil
}

func (m *mockState) AssetGet(id [20]byte) (*types.Asset, bool) {
	asset, ok := m.assets[id]
	if !ok {
		return nil, false
	}
	return asset.Clone(), true
}

func (m *mockState) TokenAccountPut(addr [20]byte, acct *types.TokenAccount) error {
	m.accounts[addr] = acct.Clone()
	return nil
}

func (m *mockState) TokenAccountGet(addr [20]byte) (*types.TokenAccount, bool) {
	acct, ok := m.accounts[addr]
	if !ok {
		return nil, false
	}
	return acct.Clone(), true
}

func (m *mockState) TokenAccountDelete(addr [20]byte) error {
	delete(m.accounts, addr)
	return nil
}

func (m *mockState) NativeTransfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("mock: invalid transfer amount")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBal := m.nativeBalance(from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("mock: insufficient native balance")
	}
	m.native[from] = new(big.Int).Sub(fromBal, amount)
	m.native[to] = new(big.Int).Add(m.nativeBalance(to), amount)
	return nil
}

func (m *mockState) nativeBalance(addr [20]byte) *big.Int {
	bal, ok := m.native[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

func (m *mockState) setNative(addr [20]byte, amount int64) {
	m.native[addr] = big.NewInt(amount)
}

type fixture struct {
	t      *testing.T
	engine *Engine
	state  *mockState
	ledger *token.Ledger

	authority [20]byte
	seller    [20]byte
	receiver  [20]byte
	buyer     [20]byte

	saleAsset     [20]byte
	purchaseAsset [20]byte

	proceeds     [20]byte
	sellerSale   [20]byte
	buyerFunds   [20]byte
	receiverDest [20]byte
}

func addrOf(b byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := newMockState()
	ledger := token.NewLedger(ms)
	engine := NewEngine()
	engine.SetState(ms)
	engine.SetLedger(ledger)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })

	f := &fixture{
		t:             t,
		engine:        engine,
		state:         ms,
		ledger:        ledger,
		authority:     addrOf(0xA1),
		seller:        addrOf(0x51),
		receiver:      addrOf(0x52),
		buyer:         addrOf(0x53),
		saleAsset:     addrOf(0xE1),
		purchaseAsset: addrOf(0xE2),
	}
	for _, a := range [][20]byte{f.seller, f.receiver, f.buyer} {
		ms.setNative(a, 100_000_000)
	}
	if err := ledger.CreateAsset(f.saleAsset, f.authority); err != nil {
		t.Fatalf("create sale asset: %v", err)
	}
	if err := ledger.CreateAsset(f.purchaseAsset, f.authority); err != nil {
		t.Fatalf("create purchase asset: %v", err)
	}
	f.proceeds = f.mustCreateAccount(f.purchaseAsset, f.seller, f.seller)
	f.sellerSale = f.mustCreateAccount(f.saleAsset, f.seller, f.seller)
	f.buyerFunds = f.mustCreateAccount(f.purchaseAsset, f.buyer, f.buyer)
	f.receiverDest = f.mustCreateAccount(f.saleAsset, f.receiver, f.receiver)
	if err := ledger.Issue(f.saleAsset, f.sellerSale, big.NewInt(1_000)); err != nil {
		t.Fatalf("fund seller sale account: %v", err)
	}
	if err := ledger.Issue(f.purchaseAsset, f.buyerFunds, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("fund buyer account: %v", err)
	}
	return f
}

func (f *fixture) mustCreateAccount(asset, owner, payer [20]byte) [20]byte {
	f.t.Helper()
	addr, err := f.ledger.CreateAccount(asset, owner, payer)
	if err != nil {
		f.t.Fatalf("create account: %v", err)
	}
	return addr
}

func (f *fixture) seeds() SeedTuple {
	return SeedTuple{
		ProceedsAccount: f.proceeds,
		Receiver:        f.receiver,
		SaleAsset:       f.saleAsset,
		PurchaseAsset:   f.purchaseAsset,
		RentPayer:       f.seller,
	}
}

func (f *fixture) canonicalBump() uint8 {
	f.t.Helper()
	_, bump, err := DeriveAddress(f.seeds())
	if err != nil {
		f.t.Fatalf("derive address: %v", err)
	}
	return bump
}

func (f *fixture) tenderParams(cost, qty int64) TenderParams {
	return TenderParams{
		Bump:              f.canonicalBump(),
		CostIncrement:     big.NewInt(cost),
		QuantityIncrement: big.NewInt(qty),
		Seller:            f.seller,
		Receiver:          f.receiver,
		SaleAsset:         f.saleAsset,
		PurchaseAsset:     f.purchaseAsset,
		ProceedsAccount:   f.proceeds,
		SourceAccount:     f.sellerSale,
	}
}

func (f *fixture) mustTender(cost, qty int64) *Escrow {
	f.t.Helper()
	rec, err := f.engine.Tender(f.tenderParams(cost, qty))
	if err != nil {
		f.t.Fatalf("tender: %v", err)
	}
	return rec
}

func (f *fixture) purchaseParams(rec *Escrow) PurchaseParams {
	return PurchaseParams{
		EscrowAddress:      rec.Address,
		Signer:             f.buyer,
		Receiver:           f.receiver,
		RentPayer:          rec.RentPayer,
		SaleAsset:          f.saleAsset,
		PurchaseAsset:      f.purchaseAsset,
		ProceedsAccount:    f.proceeds,
		SourceAccount:      f.buyerFunds,
		DestinationAccount: f.receiverDest,
	}
}

func (f *fixture) balance(account [20]byte) *big.Int {
	f.t.Helper()
	bal, err := f.ledger.Balance(account)
	if err != nil {
		f.t.Fatalf("balance of %x: %v", account, err)
	}
	return bal
}

func (f *fixture) requireBalance(account [20]byte, want int64) {
	f.t.Helper()
	if got := f.balance(account); got.Cmp(big.NewInt(want)) != 0 {
		f.t.Fatalf("balance of %x = %s, want %d", account, got, want)
	}
}

func (f *fixture) supply(asset [20]byte) *big.Int {
	f.t.Helper()
	def, err := f.ledger.Asset(asset)
	if err != nil {
		f.t.Fatalf("asset %x: %v", asset, err)
	}
	return def.Supply
}

func TestTenderCreatesEscrow(t *testing.T) {
	f := newFixture(t)
	nativeBefore := f.state.nativeBalance(f.seller)

	rec := f.mustTender(200, 10)

	wantAddr, wantBump, err := DeriveAddress(f.seeds())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if rec.Address != wantAddr || rec.Bump != wantBump {
		t.Fatalf("record at %x bump %d, want %x bump %d", rec.Address, rec.Bump, wantAddr, wantBump)
	}
	if rec.Seller != f.seller || rec.Receiver != f.receiver || rec.RentPayer != f.seller {
		t.Fatalf("record parties mismatch: %+v", rec)
	}
	if rec.TotalPurchaseCost.Cmp(big.NewInt(200)) != 0 || rec.RemainingQuantity.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("record amounts = %s/%s, want 200/10", rec.TotalPurchaseCost, rec.RemainingQuantity)
	}
	if rec.CreatedAt != 1_700_000_000 {
		t.Fatalf("createdAt = %d", rec.CreatedAt)
	}

	f.requireBalance(f.sellerSale, 990)
	f.requireBalance(HoldingAddress(f.saleAsset, rec.Address), 10)

	spent := new(big.Int).Sub(nativeBefore, f.state.nativeBalance(f.seller))
	wantSpent := new(big.Int).Add(token.AccountRentDeposit, RecordRentDeposit)
	if spent.Cmp(wantSpent) != 0 {
		t.Fatalf("rent charged %s, want %s", spent, wantSpent)
	}
}

func TestTenderAccumulates(t *testing.T) {
	f := newFixture(t)
	first := f.mustTender(200, 10)
	nativeAfterFirst := f.state.nativeBalance(f.seller)

	second := f.mustTender(200, 10)

	if second.Address != first.Address {
		t.Fatalf("repeat tender produced a different record")
	}
	if second.TotalPurchaseCost.Cmp(big.NewInt(400)) != 0 || second.RemainingQuantity.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("accumulated amounts = %s/%s, want 400/20", second.TotalPurchaseCost, second.RemainingQuantity)
	}
	f.requireBalance(HoldingAddress(f.saleAsset, first.Address), 20)
	f.requireBalance(f.sellerSale, 980)
	// Storage deposits are charged once, on creation.
	if got := f.state.nativeBalance(f.seller); got.Cmp(nativeAfterFirst) != 0 {
		t.Fatalf("repeat tender moved native funds: %s != %s", got, nativeAfterFirst)
	}
}

func TestTenderRejectsPriceChange(t *testing.T) {
	f := newFixture(t)
	f.mustTender(200, 10)

	_, err := f.engine.Tender(f.tenderParams(250, 10))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("tender at a new unit price: err = %v, want ErrInvalidAmount", err)
	}

	rec, err := f.engine.Escrow(mustDerive(t, f.seeds()))
	if err != nil {
		t.Fatalf("escrow after rejection: %v", err)
	}
	if rec.TotalPurchaseCost.Cmp(big.NewInt(200)) != 0 || rec.RemainingQuantity.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("rejected tender mutated the record: %s/%s", rec.TotalPurchaseCost, rec.RemainingQuantity)
	}
	f.requireBalance(f.sellerSale, 990)
}

func TestTenderRejectsZeroIncrements(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		name      string
		cost, qty int64
	}{
		{"zero cost", 0, 10},
		{"zero quantity", 200, 0},
		{"both zero", 0, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Tender(f.tenderParams(tc.cost, tc.qty))
			if !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("err = %v, want ErrInvalidAmount", err)
			}
		})
	}
}

func TestTenderRejectsNonCanonicalBump(t *testing.T) {
	f := newFixture(t)
	params := f.tenderParams(200, 10)
	params.Bump--

	_, err := f.engine.Tender(params)
	if !errors.Is(err, ErrDerivationMismatch) {
		t.Fatalf("err = %v, want ErrDerivationMismatch", err)
	}
}

func TestTenderRejectsForeignAccounts(t *testing.T) {
	f := newFixture(t)

	// Proceeds account owned by someone other than the seller.
	stranger := addrOf(0x99)
	f.state.setNative(stranger, 100_000_000)
	strangerProceeds := f.mustCreateAccount(f.purchaseAsset, stranger, stranger)
	params := f.tenderParams(200, 10)
	params.ProceedsAccount = strangerProceeds
	seeds := f.seeds()
	seeds.ProceedsAccount = strangerProceeds
	params.Bump = mustBump(t, seeds)
	if _, err := f.engine.Tender(params); !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("foreign proceeds: err = %v, want ErrOwnerMismatch", err)
	}

	// Source account holding the wrong asset.
	params = f.tenderParams(200, 10)
	params.SourceAccount = f.proceeds
	if _, err := f.engine.Tender(params); !errors.Is(err, token.ErrAssetMismatch) {
		t.Fatalf("wrong-asset source: err = %v, want ErrAssetMismatch", err)
	}
}

func TestTenderFromIssuance(t *testing.T) {
	f := newFixture(t)
	f.state.setNative(f.authority, 100_000_000)
	supplyBefore := f.supply(f.saleAsset)

	params := IssuanceTenderParams{
		Bump:              f.canonicalBump(),
		CostIncrement:     big.NewInt(300),
		QuantityIncrement: big.NewInt(15),
		Authority:         f.authority,
		RentPayer:         f.seller,
		Receiver:          f.receiver,
		SaleAsset:         f.saleAsset,
		PurchaseAsset:     f.purchaseAsset,
		ProceedsAccount:   f.proceeds,
	}
	rec, err := f.engine.TenderFromIssuance(params)
	if err != nil {
		t.Fatalf("tender from issuance: %v", err)
	}
	if rec.Seller != f.seller {
		t.Fatalf("seller = %x, want proceeds owner %x", rec.Seller, f.seller)
	}
	f.requireBalance(HoldingAddress(f.saleAsset, rec.Address), 15)
	// The seller's own balance is untouched; the quantity was minted.
	f.requireBalance(f.sellerSale, 1_000)
	grown := new(big.Int).Sub(f.supply(f.saleAsset), supplyBefore)
	if grown.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("supply grew by %s, want 15", grown)
	}
}

func TestTenderFromIssuanceRejectsWrongAuthority(t *testing.T) {
	f := newFixture(t)
	params := IssuanceTenderParams{
		Bump:              f.canonicalBump(),
		CostIncrement:     big.NewInt(300),
		QuantityIncrement: big.NewInt(15),
		Authority:         f.buyer,
		RentPayer:         f.seller,
		Receiver:          f.receiver,
		SaleAsset:         f.saleAsset,
		PurchaseAsset:     f.purchaseAsset,
		ProceedsAccount:   f.proceeds,
	}
	if _, err := f.engine.TenderFromIssuance(params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestPurchaseSettlesAndCloses(t *testing.T) {
	f := newFixture(t)
	sellerNativeBefore := f.state.nativeBalance(f.seller)
	rec := f.mustTender(200, 10)
	supplyBefore := f.supply(f.saleAsset)

	if err := f.engine.Purchase(f.purchaseParams(rec)); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	f.requireBalance(f.proceeds, 200)
	f.requireBalance(f.buyerFunds, 999_800)
	f.requireBalance(f.receiverDest, 10)
	if got := f.supply(f.saleAsset); got.Cmp(supplyBefore) != 0 {
		t.Fatalf("purchase changed supply: %s != %s", got, supplyBefore)
	}

	if _, err := f.engine.Escrow(rec.Address); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record after full purchase: err = %v, want ErrNotFound", err)
	}
	holding := HoldingAddress(f.saleAsset, rec.Address)
	if _, err := f.ledger.Account(holding); !errors.Is(err, token.ErrAccountNotFound) {
		t.Fatalf("holding after full purchase: err = %v, want ErrAccountNotFound", err)
	}
	// Both storage deposits come back to the rent payer.
	if got := f.state.nativeBalance(f.seller); got.Cmp(sellerNativeBefore) != 0 {
		t.Fatalf("seller native = %s, want %s", got, sellerNativeBefore)
	}
}

func TestPurchasePartialProRata(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)

	if err := f.engine.PurchasePartial(f.purchaseParams(rec), big.NewInt(1)); err != nil {
		t.Fatalf("partial purchase: %v", err)
	}
	f.requireBalance(f.proceeds, 20)
	f.requireBalance(f.receiverDest, 1)

	open, err := f.engine.Escrow(rec.Address)
	if err != nil {
		t.Fatalf("record after partial: %v", err)
	}
	if open.TotalPurchaseCost.Cmp(big.NewInt(180)) != 0 || open.RemainingQuantity.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("record after partial = %s/%s, want 180/9", open.TotalPurchaseCost, open.RemainingQuantity)
	}

	// Draining the remainder settles the rest of the cost and closes.
	if err := f.engine.PurchasePartial(f.purchaseParams(rec), big.NewInt(9)); err != nil {
		t.Fatalf("final partial purchase: %v", err)
	}
	f.requireBalance(f.proceeds, 200)
	f.requireBalance(f.receiverDest, 10)
	if _, err := f.engine.Escrow(rec.Address); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record after drain: err = %v, want ErrNotFound", err)
	}
}

func TestPurchasePartialRejectsInexactFill(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(205, 10)

	err := f.engine.PurchasePartial(f.purchaseParams(rec), big.NewInt(1))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("inexact fill: err = %v, want ErrInvalidAmount", err)
	}
	// The final fill is always exact.
	if err := f.engine.PurchasePartial(f.purchaseParams(rec), big.NewInt(10)); err != nil {
		t.Fatalf("full-quantity fill: %v", err)
	}
	f.requireBalance(f.proceeds, 205)
}

func TestPurchasePartialRejectsOverdraw(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)

	err := f.engine.PurchasePartial(f.purchaseParams(rec), big.NewInt(11))
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("err = %v, want ErrInsufficientQuantity", err)
	}
}

func TestPurchaseRejectsMisdirectedDestination(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)
	buyerDest := f.mustCreateAccount(f.saleAsset, f.buyer, f.buyer)

	params := f.purchaseParams(rec)
	params.DestinationAccount = buyerDest
	if err := f.engine.Purchase(params); !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("err = %v, want ErrOwnerMismatch", err)
	}

	// Nothing moved and the record is intact.
	f.requireBalance(f.proceeds, 0)
	f.requireBalance(f.buyerFunds, 1_000_000)
	f.requireBalance(HoldingAddress(f.saleAsset, rec.Address), 10)
	open, err := f.engine.Escrow(rec.Address)
	if err != nil {
		t.Fatalf("record after rejection: %v", err)
	}
	if open.TotalPurchaseCost.Cmp(big.NewInt(200)) != 0 || open.RemainingQuantity.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("rejected purchase mutated the record: %s/%s", open.TotalPurchaseCost, open.RemainingQuantity)
	}
}

func TestPurchaseRejectsForeignSource(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)

	params := f.purchaseParams(rec)
	params.Signer = f.receiver
	if err := f.engine.Purchase(params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestPurchaseRejectsRecordMismatch(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)

	params := f.purchaseParams(rec)
	params.Receiver = f.buyer
	if err := f.engine.Purchase(params); !errors.Is(err, ErrDerivationMismatch) {
		t.Fatalf("err = %v, want ErrDerivationMismatch", err)
	}
}

func TestPurchaseRollsBackOnInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(2_000_000, 10)

	err := f.engine.Purchase(f.purchaseParams(rec))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	f.requireBalance(f.buyerFunds, 1_000_000)
	f.requireBalance(f.proceeds, 0)
	f.requireBalance(HoldingAddress(f.saleAsset, rec.Address), 10)
	if _, err := f.engine.Escrow(rec.Address); err != nil {
		t.Fatalf("record after rollback: %v", err)
	}
}

func TestCancelReturnsQuantity(t *testing.T) {
	f := newFixture(t)
	sellerNativeBefore := f.state.nativeBalance(f.seller)
	rec := f.mustTender(200, 10)

	err := f.engine.Cancel(CancelParams{
		EscrowAddress: rec.Address,
		Seller:        f.seller,
		ReturnAccount: f.sellerSale,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.requireBalance(f.sellerSale, 1_000)
	f.requireBalance(f.proceeds, 0)
	f.requireBalance(f.buyerFunds, 1_000_000)
	if _, err := f.engine.Escrow(rec.Address); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record after cancel: err = %v, want ErrNotFound", err)
	}
	if got := f.state.nativeBalance(f.seller); got.Cmp(sellerNativeBefore) != 0 {
		t.Fatalf("seller native = %s, want %s", got, sellerNativeBefore)
	}
}

func TestCancelRejectsNonSeller(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)

	err := f.engine.Cancel(CancelParams{
		EscrowAddress: rec.Address,
		Seller:        f.buyer,
		ReturnAccount: f.sellerSale,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestBurnDestroysQuantity(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)
	supplyBefore := f.supply(f.saleAsset)

	if err := f.engine.Burn(BurnParams{EscrowAddress: rec.Address, RentPayer: f.seller}, big.NewInt(4)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	open, err := f.engine.Escrow(rec.Address)
	if err != nil {
		t.Fatalf("record after burn: %v", err)
	}
	if open.RemainingQuantity.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("remaining = %s, want 6", open.RemainingQuantity)
	}
	// The recorded offer keeps its cost; only quantity is destroyed.
	if open.TotalPurchaseCost.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("cost after burn = %s, want 200", open.TotalPurchaseCost)
	}
	shrunk := new(big.Int).Sub(supplyBefore, f.supply(f.saleAsset))
	if shrunk.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("supply shrank by %s, want 4", shrunk)
	}
	f.requireBalance(HoldingAddress(f.saleAsset, rec.Address), 6)
}

func TestBurnClosesWhenDrained(t *testing.T) {
	f := newFixture(t)
	sellerNativeBefore := f.state.nativeBalance(f.seller)
	rec := f.mustTender(200, 10)

	if err := f.engine.Burn(BurnParams{EscrowAddress: rec.Address, RentPayer: f.seller}, big.NewInt(10)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, err := f.engine.Escrow(rec.Address); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record after full burn: err = %v, want ErrNotFound", err)
	}
	if got := f.state.nativeBalance(f.seller); got.Cmp(sellerNativeBefore) != 0 {
		t.Fatalf("seller native = %s, want %s", got, sellerNativeBefore)
	}
}

func TestBurnRejectsNonRentPayer(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)

	err := f.engine.Burn(BurnParams{EscrowAddress: rec.Address, RentPayer: f.buyer}, big.NewInt(1))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestBurnRejectsOverdraw(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)

	err := f.engine.Burn(BurnParams{EscrowAddress: rec.Address, RentPayer: f.seller}, big.NewInt(11))
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("err = %v, want ErrInsufficientQuantity", err)
	}
}

func TestSettleDetectsBalanceDivergence(t *testing.T) {
	f := newFixture(t)
	rec := f.mustTender(200, 10)

	holding := HoldingAddress(f.saleAsset, rec.Address)
	acct := f.state.accounts[holding]
	acct.Balance = big.NewInt(7)

	if err := f.engine.Purchase(f.purchaseParams(rec)); !errors.Is(err, ErrBalanceDivergence) {
		t.Fatalf("err = %v, want ErrBalanceDivergence", err)
	}
}

func mustDerive(t *testing.T, seeds SeedTuple) [20]byte {
	t.Helper()
	addr, _, err := DeriveAddress(seeds)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return addr
}

func mustBump(t *testing.T, seeds SeedTuple) uint8 {
	t.Helper()
	_, bump, err := DeriveAddress(seeds)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return bump
}
