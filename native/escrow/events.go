package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeEscrowTendered  = "escrow.tendered"
	EventTypeEscrowPurchased = "escrow.purchased"
	EventTypeEscrowCancelled = "escrow.cancelled"
	EventTypeEscrowBurned    = "escrow.burned"
)

// NewTenderedEvent returns the canonical event payload for a tender, covering
// both the transfer-funded and issuance-funded variants.
func NewTenderedEvent(e *Escrow, costAdded, qtyAdded *big.Int, issued bool) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowTendered, e)
	evt.Attributes["costAdded"] = amountString(costAdded)
	evt.Attributes["quantityAdded"] = amountString(qtyAdded)
	evt.Attributes["issued"] = strconv.FormatBool(issued)
	return evt
}

// NewPurchasedEvent returns the canonical event payload for a full or partial
// purchase.
func NewPurchasedEvent(e *Escrow, qty, cost *big.Int, closed bool) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowPurchased, e)
	evt.Attributes["quantity"] = amountString(qty)
	evt.Attributes["cost"] = amountString(cost)
	evt.Attributes["closed"] = strconv.FormatBool(closed)
	return evt
}

// NewCancelledEvent returns the canonical event payload emitted when the
// seller unwinds the escrow.
func NewCancelledEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowCancelled, e)
}

// NewBurnedEvent returns the canonical event payload for a forced destruction.
func NewBurnedEvent(e *Escrow, qty *big.Int, closed bool) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowBurned, e)
	evt.Attributes["quantity"] = amountString(qty)
	evt.Attributes["closed"] = strconv.FormatBool(closed)
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["address"] = hex.EncodeToString(e.Address[:])
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["receiver"] = hex.EncodeToString(e.Receiver[:])
	attrs["saleAsset"] = hex.EncodeToString(e.SaleAsset[:])
	attrs["purchaseAsset"] = hex.EncodeToString(e.PurchaseAsset[:])
	attrs["rentPayer"] = hex.EncodeToString(e.RentPayer[:])
	attrs["totalPurchaseCost"] = amountString(e.TotalPurchaseCost)
	attrs["remainingQuantity"] = amountString(e.RemainingQuantity)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
