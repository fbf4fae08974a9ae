// Package matching implements the new-order and cancel state machine:
// crossing an incoming order against the opposite book, self-trade
// arbitration, fee/rebate accrual, and overflow eviction when a side is
// full.
package matching

import (
	"github.com/holiman/uint256"

	"github.com/kshenoy-dev/critbook/pkg/dex/dexerr"
	"github.com/kshenoy-dev/critbook/pkg/dex/fees"
	"github.com/kshenoy-dev/critbook/pkg/dex/instruction"
	"github.com/kshenoy-dev/critbook/pkg/dex/market"
	"github.com/kshenoy-dev/critbook/pkg/dex/queue"
	"github.com/kshenoy-dev/critbook/pkg/dex/slab"
)

// Engine binds one market's mutable state together so matching operations
// can cross, post, and evict without the dispatcher re-threading each
// argument through every call.
type Engine struct {
	Market     *market.Market
	Bids       *slab.Slab
	Asks       *slab.Slab
	EventQueue *queue.Ring
	NextSeqNum func() uint64
}

// NewOrderParams collects a NewOrderV3-shaped request plus the account
// context the dispatcher has already resolved (owner identity, owner
// slot, fee tier) so the engine itself never touches open-orders records
// directly; maker balance mutation only happens later, in the crank.
type NewOrderParams struct {
	Side                        instruction.Side
	OrderType                   instruction.OrderType
	LimitPrice                  uint64
	MaxCoinQty                  uint64
	MaxNativePcQtyIncludingFees uint64
	SelfTradeBehavior           instruction.SelfTradeBehavior
	ClientOrderID               uint64
	Limit                       uint16

	Owner     [4]uint64
	OwnerSlot uint8
	FeeTier   fees.Tier
}

// NewOrderResult reports the outcome of a NewOrder call. The taker-leg
// totals (lots traded, native quote filled, fee charged) are returned to
// the dispatcher rather than settled here: the aggressor's balances are
// adjusted in the same instruction, while every maker-side mutation rides
// the event queue to the crank.
type NewOrderResult struct {
	OrderID      *uint256.Int
	Posted       bool
	PostedQty    uint64
	RemainingQty uint64

	CoinLotsTraded uint64
	NativePcFilled uint64
	NativeTakerFee uint64
}

// NewOrder runs the full crossing loop for one incoming order, pushing
// Fill/Out events to the engine's EventQueue and mutating Bids/Asks and
// the market's fee counters in place. A failed pass reverts its own event
// pushes, so no partial fill trail is ever visible to the crank even when
// the engine runs without the dispatcher's account snapshot around it.
func (e *Engine) NewOrder(p NewOrderParams) (*NewOrderResult, error) {
	eventsAtEntry := e.EventQueue.Count()
	res, err := e.newOrder(p)
	if err != nil {
		e.EventQueue.RevertPushes(eventsAtEntry)
	}
	return res, err
}

func (e *Engine) newOrder(p NewOrderParams) (*NewOrderResult, error) {
	if e.Market.Disabled {
		return nil, dexerr.ErrMarketDisabled
	}

	isBid := p.Side == instruction.Bid
	var restingSide, ownSide *slab.Slab
	if isBid {
		restingSide, ownSide = e.Asks, e.Bids
	} else {
		restingSide, ownSide = e.Bids, e.Asks
	}

	unfilledQty := p.MaxCoinQty
	// A bid's budget is quoted fee-inclusive; strip the worst-case taker
	// fee before matching so accumulated fills plus the fee computed on
	// them can never exceed what the caller actually locked. Post-only
	// orders never take, so their whole budget stays postable.
	pcBudgetRemaining := p.MaxNativePcQtyIncludingFees
	if isBid && p.OrderType != instruction.PostOnly {
		pcBudgetRemaining = fees.RemoveTakerFee(p.FeeTier, pcBudgetRemaining)
	}
	var coinLotsTraded uint64
	var accumNativePcFilled uint64
	var accumMakerRebates uint64

	iterations := p.Limit

	for p.OrderType != instruction.PostOnly && unfilledQty > 0 {
		bestHandle, ok := bestOpposing(restingSide, isBid)
		if !ok {
			break
		}
		best, _ := restingSide.Get(bestHandle)

		if iterations == 0 {
			// Iteration budget exhausted: flush and post the remainder.
			break
		}

		if !crosses(isBid, p.LimitPrice, best.Price()) {
			break
		}

		tradeQty := best.Quantity
		if unfilledQty < tradeQty {
			tradeQty = unfilledQty
		}
		if isBid {
			lotCost := best.Price() * e.Market.QuoteLotSize
			if maxAffordable := pcBudgetRemaining / lotCost; maxAffordable < tradeQty {
				tradeQty = maxAffordable
			}
		}
		if tradeQty == 0 {
			break
		}

		if best.Owner == p.Owner {
			remaining, err := e.arbitrateSelfTrade(restingSide, bestHandle, best, p, tradeQty, unfilledQty, isBid)
			if err != nil {
				return nil, err
			}
			unfilledQty = remaining
			iterations--
			continue
		}

		if err := e.fill(restingSide, bestHandle, best, tradeQty, isBid); err != nil {
			return nil, err
		}

		nativePcThisFill := tradeQty * best.Price() * e.Market.QuoteLotSize
		coinLotsTraded += tradeQty
		accumNativePcFilled += nativePcThisFill
		accumMakerRebates += fees.MakerRebate(fees.Tier(best.FeeTier), nativePcThisFill)

		unfilledQty -= tradeQty
		if isBid {
			pcBudgetRemaining -= nativePcThisFill
		}
		iterations--
	}

	var nativeTakerFee uint64
	if accumNativePcFilled > 0 {
		nativeTakerFee = fees.TakerFee(p.FeeTier, accumNativePcFilled)
		netFeesBeforeReferrer := nativeTakerFee - accumMakerRebates
		referrerRebate := fees.ReferrerRebate(nativeTakerFee)
		netFees := netFeesBeforeReferrer - referrerRebate

		e.Market.ReferrerRebatesAccrued += referrerRebate
		e.Market.QuoteFeesAccrued += netFees
		e.Market.QuoteDepositsTotal -= netFeesBeforeReferrer

		takerOrderID := slab.PackKey(p.LimitPrice, e.NextSeqNum(), isBid)
		var flags EventFlags = EventFill
		if isBid {
			flags |= EventBid
		}
		var released, paid uint64
		if isBid {
			released = coinLotsTraded * e.Market.BaseLotSize
			paid = accumNativePcFilled + nativeTakerFee
		} else {
			released = accumNativePcFilled - nativeTakerFee
			paid = coinLotsTraded * e.Market.BaseLotSize
		}
		if err := e.pushEvent(Event{
			Flags:             flags,
			OwnerSlot:         p.OwnerSlot,
			FeeTier:           uint8(p.FeeTier),
			NativeQtyReleased: released,
			NativeQtyPaid:     paid,
			NativeFeeOrRebate: nativeTakerFee,
			OrderID:           takerOrderID,
			Owner:             p.Owner,
			ClientOrderID:     p.ClientOrderID,
		}); err != nil {
			return nil, err
		}
	}

	result := &NewOrderResult{
		RemainingQty:   unfilledQty,
		CoinLotsTraded: coinLotsTraded,
		NativePcFilled: accumNativePcFilled,
		NativeTakerFee: nativeTakerFee,
	}

	postQty := unfilledQty
	canPost := p.OrderType != instruction.ImmediateOrCancel && postQty > 0

	if canPost && p.OrderType == instruction.PostOnly {
		// A post-only order that would cross is dropped rather than
		// posted, so the book never ends up crossed.
		if h, ok := bestOpposing(restingSide, isBid); ok {
			best, _ := restingSide.Get(h)
			if crosses(isBid, p.LimitPrice, best.Price()) {
				canPost = false
			}
		}
	}
	if canPost && isBid {
		lotCost := p.LimitPrice * e.Market.QuoteLotSize
		if maxPost := pcBudgetRemaining / lotCost; maxPost < postQty {
			postQty = maxPost
		}
		if postQty == 0 {
			canPost = false
		}
	}

	if !canPost {
		if unfilledQty > 0 {
			if err := e.pushUnlockOut(p, unfilledQty, isBid); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	orderID := slab.PackKey(p.LimitPrice, e.NextSeqNum(), isBid)
	leaf := &slab.LeafNode{
		OwnerSlot:     p.OwnerSlot,
		FeeTier:       p.FeeTier,
		Key:           orderID,
		Owner:         p.Owner,
		Quantity:      postQty,
		ClientOrderID: p.ClientOrderID,
	}
	if _, _, err := ownSide.InsertLeaf(leaf); err == slab.ErrOutOfSpace {
		var evicted *slab.LeafNode
		var evictOK bool
		if isBid {
			evicted, evictOK = ownSide.RemoveMin()
		} else {
			evicted, evictOK = ownSide.RemoveMax()
		}
		if !evictOK {
			return nil, dexerr.ErrOrderbookFull
		}
		if err := e.pushOut(evicted, true, true, e.nativeForLots(evicted.Quantity, evicted.Price(), isBid), isBid); err != nil {
			return nil, err
		}
		if _, _, err := ownSide.InsertLeaf(leaf); err != nil {
			return nil, dexerr.ErrOrderbookFull
		}
	} else if err != nil {
		return nil, err
	}

	if postQty < unfilledQty {
		if err := e.pushUnlockOut(p, unfilledQty-postQty, isBid); err != nil {
			return nil, err
		}
	}

	result.OrderID = orderID
	result.Posted = true
	result.PostedQty = postQty
	return result, nil
}

func bestOpposing(s *slab.Slab, aggressorIsBid bool) (slab.NodeHandle, bool) {
	if aggressorIsBid {
		return s.FindMin()
	}
	return s.FindMax()
}

func crosses(isBid bool, limitPrice, restingPrice uint64) bool {
	if isBid {
		return limitPrice >= restingPrice
	}
	return limitPrice <= restingPrice
}

// nativeForLots converts a resting order's lot quantity into the native
// amount of whichever currency that side locked: quote for bids (priced at
// the order's own price), base for asks.
func (e *Engine) nativeForLots(lots, price uint64, isBid bool) uint64 {
	if isBid {
		return lots * price * e.Market.QuoteLotSize
	}
	return lots * e.Market.BaseLotSize
}

// arbitrateSelfTrade applies the configured policy when an aggressor would
// match against its own resting order, returning the aggressor's reduced
// unfilled quantity.
func (e *Engine) arbitrateSelfTrade(restingSide *slab.Slab, h slab.NodeHandle, best *slab.LeafNode, p NewOrderParams, tradeQty, unfilledQty uint64, takerIsBid bool) (uint64, error) {
	makerIsBid := !takerIsBid

	switch p.SelfTradeBehavior {
	case instruction.AbortTransaction:
		return 0, dexerr.ErrWouldSelfTrade

	case instruction.CancelProvide:
		restingSide.RemoveByKey(best.Key)
		if err := e.pushOut(best, true, true, e.nativeForLots(best.Quantity, best.Price(), makerIsBid), makerIsBid); err != nil {
			return 0, err
		}
		return unfilledQty, nil

	case instruction.DecrementTake:
		fullyOut := tradeQty == best.Quantity
		if fullyOut {
			restingSide.RemoveByKey(best.Key)
		} else {
			restingSide.SetQuantity(h, best.Quantity-tradeQty)
		}
		if err := e.pushOut(best, true, fullyOut, e.nativeForLots(tradeQty, best.Price(), makerIsBid), makerIsBid); err != nil {
			return 0, err
		}

		// The taker's matching quantity is cancelled too; its locked
		// budget returns to the caller in the same instruction, so this
		// Out carries no release_funds bit for the crank.
		var takerFlags EventFlags = EventOut
		if takerIsBid {
			takerFlags |= EventBid
		}
		if err := e.pushEvent(Event{
			Flags:             takerFlags,
			OwnerSlot:         p.OwnerSlot,
			FeeTier:           uint8(p.FeeTier),
			NativeQtyReleased: e.nativeForLots(tradeQty, best.Price(), takerIsBid),
			Owner:             p.Owner,
			ClientOrderID:     p.ClientOrderID,
		}); err != nil {
			return 0, err
		}
		return unfilledQty - tradeQty, nil

	default:
		return 0, dexerr.ErrInvalidInstruction
	}
}

// fill applies one non-self-trade match: credits the maker's fill event
// and decrements (or removes) the resting leaf.
func (e *Engine) fill(restingSide *slab.Slab, h slab.NodeHandle, best *slab.LeafNode, tradeQty uint64, takerIsBid bool) error {
	nativePcThisFill := tradeQty * best.Price() * e.Market.QuoteLotSize
	makerRebate := fees.MakerRebate(fees.Tier(best.FeeTier), nativePcThisFill)

	var makerFlags EventFlags = EventFill | EventMaker
	if !takerIsBid {
		// Maker is on the bid side when the taker is an ask.
		makerFlags |= EventBid
	}
	if err := e.pushEvent(Event{
		Flags:             makerFlags,
		OwnerSlot:         best.OwnerSlot,
		FeeTier:           uint8(best.FeeTier),
		NativeQtyReleased: nativeQtyReleasedForMaker(takerIsBid, tradeQty, nativePcThisFill, e.Market),
		NativeQtyPaid:     nativeQtyPaidForMaker(takerIsBid, tradeQty, nativePcThisFill, e.Market),
		NativeFeeOrRebate: makerRebate,
		OrderID:           best.Key,
		Owner:             best.Owner,
		ClientOrderID:     best.ClientOrderID,
	}); err != nil {
		return err
	}

	remaining := best.Quantity - tradeQty
	if remaining == 0 {
		restingSide.RemoveByKey(best.Key)
		return e.pushOut(best, true, true, 0, !takerIsBid)
	}
	restingSide.SetQuantity(h, remaining)
	return nil
}

// nativeQtyReleasedForMaker is the amount crank.applyEvent credits to the
// maker's free balance on a fill: base for a bid maker (they bought it),
// quote for an ask maker (they sold into it).
func nativeQtyReleasedForMaker(takerIsBid bool, tradeQty, nativePc uint64, m *market.Market) uint64 {
	if takerIsBid {
		// Maker is an ask: receives the quote proceeds of the sale.
		return nativePc
	}
	// Maker is a bid: receives the base it bought.
	return tradeQty * m.BaseLotSize
}

// nativeQtyPaidForMaker is the amount crank.applyEvent debits from the
// maker's locked balance on a fill: the counterpart of
// nativeQtyReleasedForMaker, drawn from whichever side the maker originally
// locked when the order was placed.
func nativeQtyPaidForMaker(takerIsBid bool, tradeQty, nativePc uint64, m *market.Market) uint64 {
	if takerIsBid {
		// Maker is an ask: consumes locked base.
		return tradeQty * m.BaseLotSize
	}
	// Maker is a bid: consumes locked quote.
	return nativePc
}

// pushOut emits an Out event for a resting leaf that was removed or
// reduced: fully filled, self-trade cancelled/decremented, or evicted.
// nativeQtyReleased is in native units of the currency the leaf's side
// locked; fullyOut additionally tells the crank to free the leaf's
// open-orders slot.
func (e *Engine) pushOut(leaf *slab.LeafNode, releaseFunds, fullyOut bool, nativeQtyReleased uint64, isBid bool) error {
	var flags EventFlags = EventOut
	if releaseFunds {
		flags |= EventReleaseFunds
	}
	if fullyOut {
		flags |= EventFullyOut
	}
	if isBid {
		flags |= EventBid
	}
	return e.pushEvent(Event{
		Flags:             flags,
		OwnerSlot:         leaf.OwnerSlot,
		FeeTier:           uint8(leaf.FeeTier),
		NativeQtyReleased: nativeQtyReleased,
		OrderID:           leaf.Key,
		Owner:             leaf.Owner,
		ClientOrderID:     leaf.ClientOrderID,
	})
}

// pushEvent translates a full ring into the event-queue-full rejection;
// the dispatcher's snapshot makes the whole instruction a no-op in that
// case.
func (e *Engine) pushEvent(ev Event) error {
	if err := e.EventQueue.PushBack(ev.Encode()); err != nil {
		return dexerr.ErrEventQueueFull
	}
	return nil
}

// pushUnlockOut records the aggressor's unconsumed quantity going out
// without posting. The caller's locked budget is returned by the
// dispatcher inside the same instruction, so the event carries
// release_funds = false and the crank treats it as a pure notification.
func (e *Engine) pushUnlockOut(p NewOrderParams, remainingQty uint64, isBid bool) error {
	var qtyReleased uint64
	if isBid {
		qtyReleased = remainingQty * p.LimitPrice * e.Market.QuoteLotSize
	} else {
		qtyReleased = remainingQty * e.Market.BaseLotSize
	}
	var flags EventFlags = EventOut
	if isBid {
		flags |= EventBid
	}
	return e.pushEvent(Event{
		Flags:             flags,
		OwnerSlot:         p.OwnerSlot,
		FeeTier:           uint8(p.FeeTier),
		NativeQtyReleased: qtyReleased,
		Owner:             p.Owner,
		ClientOrderID:     p.ClientOrderID,
	})
}

// CancelOrder removes a resting leaf by key from the side it belongs to,
// verifying ownership, and emits a release-funds Out event carrying the
// native quantity the cancelled order had locked.
func (e *Engine) CancelOrder(side instruction.Side, orderID *uint256.Int, owner [4]uint64) error {
	s := e.Bids
	isBid := side == instruction.Bid
	if !isBid {
		s = e.Asks
	}
	leaf, ok := s.FindByKey(orderID)
	if !ok {
		return dexerr.ErrOrderNotFound
	}
	if leaf.Owner != owner {
		return dexerr.ErrOrderNotYours
	}
	removed, ok := s.RemoveByKey(orderID)
	if !ok {
		return dexerr.ErrOrderNotFound
	}
	return e.pushOut(removed, true, true, e.nativeForLots(removed.Quantity, removed.Price(), isBid), isBid)
}
