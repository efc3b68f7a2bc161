package rpc

import (
	"encoding/json"
	"time"

	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/observability"
)

type tenderParams struct {
	Bump          uint8  `json:"bump"`
	Cost          string `json:"cost"`
	Quantity      string `json:"quantity"`
	Seller        string `json:"seller"`
	Receiver      string `json:"receiver"`
	SaleAsset     string `json:"saleAsset"`
	PurchaseAsset string `json:"purchaseAsset"`
	Proceeds      string `json:"proceedsAccount"`
	Source        string `json:"sourceAccount"`
}

type issuanceTenderParams struct {
	Bump          uint8  `json:"bump"`
	Cost          string `json:"cost"`
	Quantity      string `json:"quantity"`
	Authority     string `json:"authority"`
	RentPayer     string `json:"rentPayer"`
	Receiver      string `json:"receiver"`
	SaleAsset     string `json:"saleAsset"`
	PurchaseAsset string `json:"purchaseAsset"`
	Proceeds      string `json:"proceedsAccount"`
}

type purchaseParams struct {
	Escrow        string `json:"escrow"`
	Signer        string `json:"signer"`
	Receiver      string `json:"receiver"`
	RentPayer     string `json:"rentPayer"`
	SaleAsset     string `json:"saleAsset"`
	PurchaseAsset string `json:"purchaseAsset"`
	Proceeds      string `json:"proceedsAccount"`
	Source        string `json:"sourceAccount"`
	Destination   string `json:"destinationAccount"`
	Quantity      string `json:"quantity,omitempty"`
}

type cancelParams struct {
	Escrow        string `json:"escrow"`
	Seller        string `json:"seller"`
	ReturnAccount string `json:"returnAccount"`
}

type burnParams struct {
	Escrow    string `json:"escrow"`
	RentPayer string `json:"rentPayer"`
	Quantity  string `json:"quantity"`
}

type escrowQueryParams struct {
	Escrow string `json:"escrow"`
}

type deriveParams struct {
	Receiver      string `json:"receiver"`
	SaleAsset     string `json:"saleAsset"`
	PurchaseAsset string `json:"purchaseAsset"`
	Proceeds      string `json:"proceedsAccount"`
	RentPayer     string `json:"rentPayer"`
}

type escrowResult struct {
	Address           string `json:"address"`
	Seller            string `json:"seller"`
	Receiver          string `json:"receiver"`
	SaleAsset         string `json:"saleAsset"`
	PurchaseAsset     string `json:"purchaseAsset"`
	ProceedsAccount   string `json:"proceedsAccount"`
	HoldingAccount    string `json:"holdingAccount"`
	TotalPurchaseCost string `json:"totalPurchaseCost"`
	RemainingQuantity string `json:"remainingQuantity"`
	RentPayer         string `json:"rentPayer"`
	Bump              uint8  `json:"bump"`
	CreatedAt         int64  `json:"createdAt"`
}

type deriveResult struct {
	Address        string `json:"address"`
	HoldingAccount string `json:"holdingAccount"`
	Bump           uint8  `json:"bump"`
}

func encodeAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.EscPrefix, addr[:]).String()
}

func escrowView(rec *escrow.Escrow) escrowResult {
	return escrowResult{
		Address:           encodeAddress(rec.Address),
		Seller:            encodeAddress(rec.Seller),
		Receiver:          encodeAddress(rec.Receiver),
		SaleAsset:         encodeAddress(rec.SaleAsset),
		PurchaseAsset:     encodeAddress(rec.PurchaseAsset),
		ProceedsAccount:   encodeAddress(rec.ProceedsAccount),
		HoldingAccount:    encodeAddress(escrow.HoldingAddress(rec.SaleAsset, rec.Address)),
		TotalPurchaseCost: rec.TotalPurchaseCost.String(),
		RemainingQuantity: rec.RemainingQuantity.String(),
		RentPayer:         encodeAddress(rec.RentPayer),
		Bump:              rec.Bump,
		CreatedAt:         rec.CreatedAt,
	}
}

func (s *Server) handleTender(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p tenderParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	cost, rpcErr := parseAmount(p.Cost, "cost")
	if rpcErr != nil {
		return nil, rpcErr
	}
	qty, rpcErr := parseAmount(p.Quantity, "quantity")
	if rpcErr != nil {
		return nil, rpcErr
	}
	call := escrow.TenderParams{Bump: p.Bump, CostIncrement: cost, QuantityIncrement: qty}
	for _, field := range []struct {
		dst   *[20]byte
		value string
		name  string
	}{
		{&call.Seller, p.Seller, "seller"},
		{&call.Receiver, p.Receiver, "receiver"},
		{&call.SaleAsset, p.SaleAsset, "saleAsset"},
		{&call.PurchaseAsset, p.PurchaseAsset, "purchaseAsset"},
		{&call.ProceedsAccount, p.Proceeds, "proceedsAccount"},
		{&call.SourceAccount, p.Source, "sourceAccount"},
	} {
		addr, rpcErr := parseAddress(field.value, field.name)
		if rpcErr != nil {
			return nil, rpcErr
		}
		*field.dst = addr
	}
	rec, err := s.engine.Tender(call)
	observability.Engine().Observe("tender", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return escrowView(rec), nil
}

func (s *Server) handleTenderFromIssuance(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p issuanceTenderParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	cost, rpcErr := parseAmount(p.Cost, "cost")
	if rpcErr != nil {
		return nil, rpcErr
	}
	qty, rpcErr := parseAmount(p.Quantity, "quantity")
	if rpcErr != nil {
		return nil, rpcErr
	}
	call := escrow.IssuanceTenderParams{Bump: p.Bump, CostIncrement: cost, QuantityIncrement: qty}
	for _, field := range []struct {
		dst   *[20]byte
		value string
		name  string
	}{
		{&call.Authority, p.Authority, "authority"},
		{&call.RentPayer, p.RentPayer, "rentPayer"},
		{&call.Receiver, p.Receiver, "receiver"},
		{&call.SaleAsset, p.SaleAsset, "saleAsset"},
		{&call.PurchaseAsset, p.PurchaseAsset, "purchaseAsset"},
		{&call.ProceedsAccount, p.Proceeds, "proceedsAccount"},
	} {
		addr, rpcErr := parseAddress(field.value, field.name)
		if rpcErr != nil {
			return nil, rpcErr
		}
		*field.dst = addr
	}
	rec, err := s.engine.TenderFromIssuance(call)
	observability.Engine().Observe("tenderFromIssuance", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return escrowView(rec), nil
}

func (s *Server) purchaseCall(p purchaseParams) (escrow.PurchaseParams, *rpcError) {
	var call escrow.PurchaseParams
	for _, field := range []struct {
		dst   *[20]byte
		value string
		name  string
	}{
		{&call.EscrowAddress, p.Escrow, "escrow"},
		{&call.Signer, p.Signer, "signer"},
		{&call.Receiver, p.Receiver, "receiver"},
		{&call.RentPayer, p.RentPayer, "rentPayer"},
		{&call.SaleAsset, p.SaleAsset, "saleAsset"},
		{&call.PurchaseAsset, p.PurchaseAsset, "purchaseAsset"},
		{&call.ProceedsAccount, p.Proceeds, "proceedsAccount"},
		{&call.SourceAccount, p.Source, "sourceAccount"},
		{&call.DestinationAccount, p.Destination, "destinationAccount"},
	} {
		addr, rpcErr := parseAddress(field.value, field.name)
		if rpcErr != nil {
			return call, rpcErr
		}
		*field.dst = addr
	}
	return call, nil
}

func (s *Server) handlePurchase(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p purchaseParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	call, rpcErr := s.purchaseCall(p)
	if rpcErr != nil {
		return nil, rpcErr
	}
	err := s.engine.Purchase(call)
	observability.Engine().Observe("purchase", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return map[string]bool{"settled": true}, nil
}

func (s *Server) handlePurchasePartial(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p purchaseParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	call, rpcErr := s.purchaseCall(p)
	if rpcErr != nil {
		return nil, rpcErr
	}
	qty, rpcErr := parseAmount(p.Quantity, "quantity")
	if rpcErr != nil {
		return nil, rpcErr
	}
	err := s.engine.PurchasePartial(call, qty)
	observability.Engine().Observe("purchasePartial", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return map[string]bool{"settled": true}, nil
}

func (s *Server) handleCancel(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p cancelParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	var call escrow.CancelParams
	for _, field := range []struct {
		dst   *[20]byte
		value string
		name  string
	}{
		{&call.EscrowAddress, p.Escrow, "escrow"},
		{&call.Seller, p.Seller, "seller"},
		{&call.ReturnAccount, p.ReturnAccount, "returnAccount"},
	} {
		addr, rpcErr := parseAddress(field.value, field.name)
		if rpcErr != nil {
			return nil, rpcErr
		}
		*field.dst = addr
	}
	err := s.engine.Cancel(call)
	observability.Engine().Observe("cancel", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return map[string]bool{"cancelled": true}, nil
}

func (s *Server) handleBurn(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p burnParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	escrowAddr, rpcErr := parseAddress(p.Escrow, "escrow")
	if rpcErr != nil {
		return nil, rpcErr
	}
	rentPayer, rpcErr := parseAddress(p.RentPayer, "rentPayer")
	if rpcErr != nil {
		return nil, rpcErr
	}
	qty, rpcErr := parseAmount(p.Quantity, "quantity")
	if rpcErr != nil {
		return nil, rpcErr
	}
	err := s.engine.Burn(escrow.BurnParams{EscrowAddress: escrowAddr, RentPayer: rentPayer}, qty)
	observability.Engine().Observe("burn", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return map[string]bool{"burned": true}, nil
}

func (s *Server) handleEscrowGet(params []json.RawMessage) (interface{}, *rpcError) {
	var p escrowQueryParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(p.Escrow, "escrow")
	if rpcErr != nil {
		return nil, rpcErr
	}
	rec, err := s.engine.Escrow(addr)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return escrowView(rec), nil
}

func (s *Server) handleEscrowDerive(params []json.RawMessage) (interface{}, *rpcError) {
	var p deriveParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	var seeds escrow.SeedTuple
	for _, field := range []struct {
		dst   *[20]byte
		value string
		name  string
	}{
		{&seeds.ProceedsAccount, p.Proceeds, "proceedsAccount"},
		{&seeds.Receiver, p.Receiver, "receiver"},
		{&seeds.SaleAsset, p.SaleAsset, "saleAsset"},
		{&seeds.PurchaseAsset, p.PurchaseAsset, "purchaseAsset"},
		{&seeds.RentPayer, p.RentPayer, "rentPayer"},
	} {
		addr, rpcErr := parseAddress(field.value, field.name)
		if rpcErr != nil {
			return nil, rpcErr
		}
		*field.dst = addr
	}
	addr, bump, err := escrow.DeriveAddress(seeds)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return deriveResult{
		Address:        encodeAddress(addr),
		HoldingAccount: encodeAddress(escrow.HoldingAddress(seeds.SaleAsset, addr)),
		Bump:           bump,
	}, nil
}
