package dispatch

import (
	"github.com/kshenoy-dev/critbook/pkg/dex/dexerr"
	"github.com/kshenoy-dev/critbook/pkg/dex/instruction"
	"github.com/kshenoy-dev/critbook/pkg/dex/record"
	"github.com/kshenoy-dev/critbook/pkg/dex/slab"
)

// handleCancelOrderV2 removes a resting order by its 128-bit key. The
// order's locked budget isn't released here; that happens when the
// crank applies the Out/ReleaseFunds event CancelOrder pushes, keeping
// every maker balance mutation on the single event-driven path.
func (d *Dispatcher) handleCancelOrderV2(ix *instruction.CancelOrderV2, req Request) error {
	if req.OpenOrders == nil {
		return dexerr.ErrInvalidOpenOrders
	}
	lo, hi := slab.SplitKey(ix.OrderID)
	slot, ok := req.OpenOrders.SlotForOrderID(lo, hi)
	if !ok {
		return dexerr.ErrOrderNotFound
	}
	if req.OpenOrders.IsBid(slot) != (ix.Side == instruction.Bid) {
		return dexerr.ErrOrderNotFound
	}
	return d.engine().CancelOrder(ix.Side, ix.OrderID, req.Owner)
}

// handleLegacyCancelOrder is the pre-V2 instruction's counterpart to
// handleCancelOrderV2; it additionally re-derives the owner identity from
// the 32-byte account-pubkey form the legacy wire payload carries.
func (d *Dispatcher) handleLegacyCancelOrder(ix *instruction.CancelOrder, req Request) error {
	owner := record.BytesToWords(ix.Owner)
	if owner != req.Owner {
		return dexerr.ErrOwnerMismatch
	}
	return d.handleCancelOrderV2(&instruction.CancelOrderV2{Side: ix.Side, OrderID: ix.OrderID}, req)
}

// handleCancelByClientID resolves a client-assigned order id to its
// exchange-assigned key via the signer's open-orders account, then cancels
// through the same path as handleCancelOrderV2.
func (d *Dispatcher) handleCancelByClientID(clientOrderID uint64, req Request) error {
	if req.OpenOrders == nil {
		return dexerr.ErrInvalidOpenOrders
	}
	slot, ok := req.OpenOrders.SlotForClientOrderID(clientOrderID)
	if !ok {
		return dexerr.ErrClientOrderIDNotFound
	}
	lo, hi := req.OpenOrders.OrderID(slot)
	orderID := slab.JoinKey(lo, hi)
	side := instruction.Ask
	if req.OpenOrders.IsBid(slot) {
		side = instruction.Bid
	}
	return d.engine().CancelOrder(side, orderID, req.Owner)
}
