package dispatch

import (
	"github.com/kshenoy-dev/critbook/pkg/dex/dexerr"
	"github.com/kshenoy-dev/critbook/pkg/dex/instruction"
	"github.com/kshenoy-dev/critbook/pkg/dex/matching"
	"github.com/kshenoy-dev/critbook/pkg/dex/slab"
)

// handleNewOrderV3 locks the order's full native budget out of the
// signer's free balance, reserves an open-orders slot up front (the slot
// index is stamped into every event the engine emits for this order before
// the real key is known), runs the crossing loop, and settles the taker
// leg in place: fills debit the locked budget and credit the proceeds
// immediately, while every maker-side mutation rides the event queue to
// the crank. Whatever the cross didn't consume and the posted remainder
// doesn't need goes straight back to the free balance.
func (d *Dispatcher) handleNewOrderV3(ix *instruction.NewOrderV3, req Request) (*Result, error) {
	if req.OpenOrders == nil {
		return nil, dexerr.ErrInvalidOpenOrders
	}
	if req.OpenOrders.Owner != req.Owner {
		return nil, dexerr.ErrOwnerMismatch
	}
	if ix.ClientOrderID != 0 {
		if _, taken := req.OpenOrders.SlotForClientOrderID(ix.ClientOrderID); taken {
			return nil, dexerr.ErrClientOrderIDTaken
		}
	}

	isBid := ix.Side == instruction.Bid
	oo := req.OpenOrders
	m := d.Accounts.Market

	if isBid {
		if err := oo.LockQuote(ix.MaxNativePcQtyIncludingFees); err != nil {
			return nil, dexerr.ErrInsufficientFunds
		}
	} else {
		if err := oo.LockBase(ix.MaxCoinQty * m.BaseLotSize); err != nil {
			return nil, dexerr.ErrInsufficientFunds
		}
	}

	slotIdx, err := oo.ReserveSlot(0, 0, ix.ClientOrderID, isBid)
	if err != nil {
		return nil, dexerr.ErrTooManyOpenOrders
	}

	res, err := d.engine().NewOrder(matching.NewOrderParams{
		Side:                        ix.Side,
		OrderType:                   ix.OrderType,
		LimitPrice:                  ix.LimitPrice,
		MaxCoinQty:                  ix.MaxCoinQty,
		MaxNativePcQtyIncludingFees: ix.MaxNativePcQtyIncludingFees,
		SelfTradeBehavior:           ix.SelfTradeBehavior,
		ClientOrderID:               ix.ClientOrderID,
		Limit:                       ix.Limit,
		Owner:                       req.Owner,
		OwnerSlot:                   uint8(slotIdx),
		FeeTier:                     feeTier(req),
	})
	if err != nil {
		// Dispatch restores the pre-instruction snapshot, undoing the
		// lock, the slot reservation, and any partial event trail.
		return nil, err
	}

	if isBid {
		consumed := res.NativePcFilled + res.NativeTakerFee
		oo.DebitLockedQuote(consumed)
		oo.CreditBase(res.CoinLotsTraded * m.BaseLotSize)
		needed := res.PostedQty * ix.LimitPrice * m.QuoteLotSize
		oo.UnlockQuote(satSub(ix.MaxNativePcQtyIncludingFees, consumed+needed))
	} else {
		traded := res.CoinLotsTraded * m.BaseLotSize
		oo.DebitLockedBase(traded)
		oo.CreditQuote(res.NativePcFilled - res.NativeTakerFee)
		needed := res.PostedQty * m.BaseLotSize
		oo.UnlockBase(satSub(ix.MaxCoinQty*m.BaseLotSize, traded+needed))
	}

	if !res.Posted {
		_ = oo.ReleaseSlot(slotIdx)
		return &Result{RemainingQty: res.RemainingQty}, nil
	}

	lo, hi := slab.SplitKey(res.OrderID)
	_ = oo.SetOrderID(slotIdx, lo, hi)
	return &Result{OrderID: &[2]uint64{lo, hi}, RemainingQty: res.RemainingQty}, nil
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// handleLegacyNewOrder mirrors the pre-V3 instruction's contract: record
// the request for a later MatchOrders crank rather than matching inline.
// Since MatchOrders is rejected outright (see dispatch.go), this handler
// only demonstrates that contract on the request queue; no resting order
// or fill can ever result from it.
func (d *Dispatcher) handleLegacyNewOrder(ix *instruction.NewOrder, req Request) error {
	if req.OpenOrders == nil {
		return dexerr.ErrInvalidOpenOrders
	}
	flags := matching.RequestNewOrder
	if ix.Side == instruction.Bid {
		flags |= matching.RequestBid
	}
	entry := matching.Request{
		Flags:         flags,
		LimitPrice:    ix.LimitPrice,
		MaxQty:        ix.MaxQty,
		Owner:         req.Owner,
		ClientOrderID: ix.ClientID,
	}
	if err := d.Accounts.RequestQueue.PushBack(entry.Encode()); err != nil {
		return dexerr.ErrRequestQueueFull
	}
	return nil
}
