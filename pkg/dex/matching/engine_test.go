package matching

import (
	"testing"

	"github.com/kshenoy-dev/critbook/pkg/dex/fees"
	"github.com/kshenoy-dev/critbook/pkg/dex/instruction"
	"github.com/kshenoy-dev/critbook/pkg/dex/market"
	"github.com/kshenoy-dev/critbook/pkg/dex/queue"
	"github.com/kshenoy-dev/critbook/pkg/dex/slab"
)

func newTestEngine(t *testing.T, slabNodes, eventSlots int) *Engine {
	t.Helper()
	bidsBuf := make([]byte, 32+slabNodes*slab.NodeSize)
	asksBuf := make([]byte, 32+slabNodes*slab.NodeSize)
	bids, err := slab.New(bidsBuf)
	if err != nil {
		t.Fatalf("slab.New(bids): %v", err)
	}
	asks, err := slab.New(asksBuf)
	if err != nil {
		t.Fatalf("slab.New(asks): %v", err)
	}
	evBuf := make([]byte, 32+eventSlots*EventSize)
	evQueue, err := queue.New(evBuf, EventSize)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	m := &market.Market{
		BaseLotSize:  1000,
		QuoteLotSize: 1,
		// Pre-fund the deposit counter the way real flow does through vault
		// deposits, so fee deductions have something to come out of.
		QuoteDepositsTotal: 1_000_000_000,
	}
	var seq uint64
	return &Engine{
		Market:     m,
		Bids:       bids,
		Asks:       asks,
		EventQueue: evQueue,
		NextSeqNum: func() uint64 { seq++; return seq },
	}
}

func drainEvents(q *queue.Ring) []Event {
	var out []Event
	for {
		raw, ok := q.PopFront()
		if !ok {
			return out
		}
		out = append(out, DecodeEvent(raw))
	}
}

func TestNewOrderCrossAndFill(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	buyer := [4]uint64{1}
	seller := [4]uint64{2}

	// Seller posts an ask first (resting maker).
	_, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.Limit,
		LimitPrice: 99_000, MaxCoinQty: 4,
		Owner: seller, OwnerSlot: 1, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("seller post: %v", err)
	}

	// Buyer crosses with a higher bid; the trade executes at the resting
	// price.
	res, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.Limit,
		LimitPrice: 100_000, MaxCoinQty: 5, MaxNativePcQtyIncludingFees: 520_000,
		Owner: buyer, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("buyer cross: %v", err)
	}
	if !res.Posted {
		t.Fatalf("expected remaining 1 lot to post")
	}
	if res.RemainingQty != 1 || res.PostedQty != 1 {
		t.Fatalf("remaining=%d posted=%d, want 1/1", res.RemainingQty, res.PostedQty)
	}
	if res.CoinLotsTraded != 4 {
		t.Fatalf("coin lots traded = %d, want 4", res.CoinLotsTraded)
	}
	if res.NativePcFilled != 4*99_000 {
		t.Fatalf("native pc filled = %d, want %d", res.NativePcFilled, 4*99_000)
	}
	if res.NativeTakerFee != fees.TakerFee(fees.Base, 4*99_000) {
		t.Fatalf("taker fee = %d, want %d", res.NativeTakerFee, fees.TakerFee(fees.Base, 4*99_000))
	}

	if e.Market.QuoteFeesAccrued == 0 {
		t.Fatalf("expected nonzero taker fee accrual")
	}

	evs := drainEvents(e.EventQueue)
	// Maker fill, maker fully-out, taker fill.
	if len(evs) != 3 {
		t.Fatalf("event count = %d, want 3", len(evs))
	}
	makerFill := evs[0]
	if !makerFill.Flags.Has(EventFill) || !makerFill.Flags.Has(EventMaker) {
		t.Fatalf("first event should be the maker fill: %+v", makerFill)
	}
	if makerFill.NativeQtyReleased != 4*99_000 || makerFill.NativeQtyPaid != 4*1000 {
		t.Fatalf("maker fill released=%d paid=%d, want %d/%d",
			makerFill.NativeQtyReleased, makerFill.NativeQtyPaid, 4*99_000, 4*1000)
	}
	takerFill := evs[2]
	if !takerFill.Flags.Has(EventFill) || takerFill.Flags.Has(EventMaker) {
		t.Fatalf("third event should be the taker fill: %+v", takerFill)
	}
	if takerFill.NativeQtyReleased != 4*1000 {
		t.Fatalf("taker fill released = %d, want %d", takerFill.NativeQtyReleased, 4*1000)
	}
	if takerFill.NativeQtyPaid != 4*99_000+res.NativeTakerFee {
		t.Fatalf("taker fill paid = %d, want %d", takerFill.NativeQtyPaid, 4*99_000+res.NativeTakerFee)
	}
}

// TestBidBudgetReservesTakerFee sizes a crossing bid's budget to exactly
// the resting liquidity's cost: the engine must hold back fee headroom
// during the loop so the consumed total (fills plus fee) never exceeds
// what the caller locked.
func TestBidBudgetReservesTakerFee(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	seller := [4]uint64{1}
	buyer := [4]uint64{2}

	if _, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.Limit,
		LimitPrice: 1, MaxCoinQty: 1000,
		Owner: seller, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	}); err != nil {
		t.Fatalf("seed ask: %v", err)
	}

	const budget = 1000
	res, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.Limit,
		LimitPrice: 1, MaxCoinQty: 1000, MaxNativePcQtyIncludingFees: budget,
		Owner: buyer, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("tight-budget bid: %v", err)
	}

	spendable := fees.RemoveTakerFee(fees.Base, budget)
	if res.CoinLotsTraded != spendable {
		t.Fatalf("coin lots traded = %d, want the fee-stripped budget %d", res.CoinLotsTraded, spendable)
	}
	if res.NativePcFilled+res.NativeTakerFee > budget {
		t.Fatalf("filled %d + fee %d exceeds the locked budget %d",
			res.NativePcFilled, res.NativeTakerFee, budget)
	}
	if res.Posted {
		t.Fatalf("an exhausted budget leaves nothing to post")
	}
}

// TestFailedMatchingPassRevertsEventPushes fills against a third party
// before tripping an AbortTransaction self-trade: the fill events pushed
// earlier in the same pass must be rolled back with it.
func TestFailedMatchingPassRevertsEventPushes(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	other := [4]uint64{1}
	self := [4]uint64{2}

	if _, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.Limit,
		LimitPrice: 100, MaxCoinQty: 1,
		Owner: other, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	}); err != nil {
		t.Fatalf("other's ask: %v", err)
	}
	if _, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.Limit,
		LimitPrice: 101, MaxCoinQty: 1,
		Owner: self, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	}); err != nil {
		t.Fatalf("self ask: %v", err)
	}

	countBefore := e.EventQueue.Count()
	seqBefore := e.EventQueue.SeqNum()

	_, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.Limit,
		LimitPrice: 101, MaxCoinQty: 2, MaxNativePcQtyIncludingFees: 1_000,
		SelfTradeBehavior: instruction.AbortTransaction,
		Owner:             self, OwnerSlot: 1, FeeTier: fees.Base, Limit: 10,
	})
	if err == nil {
		t.Fatalf("expected WouldSelfTrade after crossing into own ask")
	}
	if e.EventQueue.Count() != countBefore {
		t.Fatalf("event count = %d, want %d (partial fill trail must be reverted)",
			e.EventQueue.Count(), countBefore)
	}
	if e.EventQueue.SeqNum() != seqBefore {
		t.Fatalf("seq num = %d, want %d after revert", e.EventQueue.SeqNum(), seqBefore)
	}
}

func TestNewOrderIOCNoFill(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	owner := [4]uint64{1}

	// No resting liquidity crosses an IOC ask at limit 10_000.
	res, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.ImmediateOrCancel,
		LimitPrice: 10_000, MaxCoinQty: 1,
		Owner: owner, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if res.Posted {
		t.Fatalf("IOC order must never post")
	}
	if e.Asks.LeafCount() != 0 {
		t.Fatalf("no leaf should have been inserted")
	}

	evs := drainEvents(e.EventQueue)
	if len(evs) != 1 {
		t.Fatalf("event count = %d, want a single out", len(evs))
	}
	out := evs[0]
	if !out.Flags.Has(EventOut) || out.Flags.Has(EventReleaseFunds) {
		t.Fatalf("IOC remainder out must not carry release_funds: %+v", out)
	}
}

func TestSelfTradeAbortTransaction(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	owner := [4]uint64{7}

	if _, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.PostOnly,
		LimitPrice: 500, MaxCoinQty: 1, MaxNativePcQtyIncludingFees: 500,
		Owner: owner, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	}); err != nil {
		t.Fatalf("post-only bid: %v", err)
	}
	countBefore := e.EventQueue.Count()

	_, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.Limit,
		LimitPrice: 499, MaxCoinQty: 1,
		SelfTradeBehavior: instruction.AbortTransaction,
		Owner:             owner, OwnerSlot: 1, FeeTier: fees.Base, Limit: 10,
	})
	if err == nil {
		t.Fatalf("expected WouldSelfTrade error")
	}
	if e.Bids.LeafCount() != 1 {
		t.Fatalf("resting bid must survive an aborted self-trade")
	}
	if e.EventQueue.Count() != countBefore {
		t.Fatalf("aborted self-trade must not push events")
	}
}

func TestSelfTradeDecrementTakeEmitsBothOuts(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	owner := [4]uint64{7}

	if _, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.PostOnly,
		LimitPrice: 500, MaxCoinQty: 2, MaxNativePcQtyIncludingFees: 1000,
		Owner: owner, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	}); err != nil {
		t.Fatalf("post-only bid: %v", err)
	}

	res, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.Limit,
		LimitPrice: 500, MaxCoinQty: 1,
		SelfTradeBehavior: instruction.DecrementTake,
		Owner:             owner, OwnerSlot: 1, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("decrement-take ask: %v", err)
	}
	if res.CoinLotsTraded != 0 {
		t.Fatalf("a self-trade never fills: traded = %d", res.CoinLotsTraded)
	}
	if res.Posted {
		t.Fatalf("fully decremented aggressor has nothing left to post")
	}

	h, ok := e.Bids.FindMax()
	if !ok {
		t.Fatalf("partially decremented maker should still rest")
	}
	makerLeaf, _ := e.Bids.Get(h)
	if makerLeaf.Quantity != 1 {
		t.Fatalf("maker quantity = %d, want 1 after decrement", makerLeaf.Quantity)
	}

	evs := drainEvents(e.EventQueue)
	if len(evs) != 2 {
		t.Fatalf("event count = %d, want maker out + taker out", len(evs))
	}
	makerOut, takerOut := evs[0], evs[1]
	if !makerOut.Flags.Has(EventReleaseFunds) || !makerOut.Flags.Has(EventBid) {
		t.Fatalf("maker out must release the bid's locked quote: %+v", makerOut)
	}
	if makerOut.Flags.Has(EventFullyOut) {
		t.Fatalf("partially decremented maker keeps its slot: %+v", makerOut)
	}
	if makerOut.NativeQtyReleased != 1*500*1 {
		t.Fatalf("maker out released = %d, want 500", makerOut.NativeQtyReleased)
	}
	if takerOut.Flags.Has(EventReleaseFunds) {
		t.Fatalf("taker out is settled in-instruction, not by the crank: %+v", takerOut)
	}
}

func TestSelfTradeCancelProvideRemovesMaker(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	owner := [4]uint64{7}

	if _, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.PostOnly,
		LimitPrice: 500, MaxCoinQty: 2, MaxNativePcQtyIncludingFees: 1000,
		Owner: owner, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	}); err != nil {
		t.Fatalf("post-only bid: %v", err)
	}

	res, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.Limit,
		LimitPrice: 500, MaxCoinQty: 1,
		SelfTradeBehavior: instruction.CancelProvide,
		Owner:             owner, OwnerSlot: 1, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("cancel-provide ask: %v", err)
	}

	if e.Bids.LeafCount() != 0 {
		t.Fatalf("cancel-provide must remove the entire maker order")
	}
	// The taker keeps its full quantity and, with the book now clear,
	// posts it.
	if !res.Posted || res.PostedQty != 1 {
		t.Fatalf("taker should post its full remainder: %+v", res)
	}
	if e.Asks.LeafCount() != 1 {
		t.Fatalf("expected the taker's remainder resting on the ask side")
	}

	evs := drainEvents(e.EventQueue)
	if len(evs) != 1 {
		t.Fatalf("event count = %d, want a single maker out", len(evs))
	}
	if !evs[0].Flags.Has(EventFullyOut) || !evs[0].Flags.Has(EventReleaseFunds) {
		t.Fatalf("cancelled maker must be fully out with funds released: %+v", evs[0])
	}
	if evs[0].NativeQtyReleased != 2*500*1 {
		t.Fatalf("maker out released = %d, want 1000", evs[0].NativeQtyReleased)
	}
}

func TestPostOnlyCrossingDoesNotPost(t *testing.T) {
	e := newTestEngine(t, 16, 16)

	if _, err := e.NewOrder(NewOrderParams{
		Side: instruction.Ask, OrderType: instruction.Limit,
		LimitPrice: 100, MaxCoinQty: 1,
		Owner: [4]uint64{1}, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	}); err != nil {
		t.Fatalf("seed ask: %v", err)
	}

	res, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.PostOnly,
		LimitPrice: 100, MaxCoinQty: 1, MaxNativePcQtyIncludingFees: 100,
		Owner: [4]uint64{2}, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("post-only bid: %v", err)
	}
	if res.Posted {
		t.Fatalf("crossing post-only order must not post")
	}
	if res.CoinLotsTraded != 0 {
		t.Fatalf("post-only order must never take: traded = %d", res.CoinLotsTraded)
	}
	if e.Bids.LeafCount() != 0 {
		t.Fatalf("bid side should be empty")
	}
}

func TestOverflowEvictionBumpsMinKeyBid(t *testing.T) {
	// 3 nodes hold exactly 2 leaves + 1 inner: the book is full.
	e := newTestEngine(t, 3, 16)
	for i, price := range []uint64{100, 200} {
		owner := [4]uint64{uint64(i + 1)}
		if _, err := e.NewOrder(NewOrderParams{
			Side: instruction.Bid, OrderType: instruction.PostOnly,
			LimitPrice: price, MaxCoinQty: 1, MaxNativePcQtyIncludingFees: price,
			Owner: owner, OwnerSlot: uint8(i), FeeTier: fees.Base, Limit: 10,
		}); err != nil {
			t.Fatalf("seed bid %d: %v", price, err)
		}
	}
	if e.Bids.LeafCount() != 2 {
		t.Fatalf("expected 2 resting bids, got %d", e.Bids.LeafCount())
	}
	beforeCount := e.Bids.LeafCount()
	_, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.PostOnly,
		LimitPrice: 300, MaxCoinQty: 1, MaxNativePcQtyIncludingFees: 300,
		Owner: [4]uint64{99}, OwnerSlot: 2, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("eviction-triggering bid: %v", err)
	}
	if e.Bids.LeafCount() != beforeCount {
		t.Fatalf("leaf count should be unchanged after eviction, got %d want %d", e.Bids.LeafCount(), beforeCount)
	}
	minH, ok := e.Bids.FindMin()
	if !ok {
		t.Fatalf("expected a minimum leaf to remain")
	}
	minLeaf, _ := e.Bids.Get(minH)
	if minLeaf.Price() == 100 {
		t.Fatalf("the minimum-key (lowest price) bid should have been evicted, still present")
	}

	evs := drainEvents(e.EventQueue)
	if len(evs) != 1 {
		t.Fatalf("event count = %d, want the evicted bid's out", len(evs))
	}
	out := evs[0]
	if !out.Flags.Has(EventOut) || !out.Flags.Has(EventReleaseFunds) || !out.Flags.Has(EventFullyOut) {
		t.Fatalf("eviction out must release funds and free the slot: %+v", out)
	}
	if out.NativeQtyReleased != 1*100*1 {
		t.Fatalf("eviction released = %d, want the evicted bid's locked 100", out.NativeQtyReleased)
	}
}

func TestCancelOrderCreditsRelease(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	owner := [4]uint64{3}
	res, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.PostOnly,
		LimitPrice: 500, MaxCoinQty: 2, MaxNativePcQtyIncludingFees: 1000,
		ClientOrderID: 0x123a,
		Owner:         owner, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := e.CancelOrder(instruction.Bid, res.OrderID, owner); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if e.Bids.LeafCount() != 0 {
		t.Fatalf("expected bid removed after cancel")
	}

	evs := drainEvents(e.EventQueue)
	last := evs[len(evs)-1]
	if !last.Flags.Has(EventOut) || !last.Flags.Has(EventReleaseFunds) || !last.Flags.Has(EventFullyOut) {
		t.Fatalf("cancel out must release funds and free the slot: %+v", last)
	}
	if last.NativeQtyReleased != 2*500*1 {
		t.Fatalf("cancel released = %d, want quantity*price*pc_lot = 1000", last.NativeQtyReleased)
	}
}

func TestCancelOrderWrongOwnerRejected(t *testing.T) {
	e := newTestEngine(t, 16, 16)
	owner := [4]uint64{3}
	res, err := e.NewOrder(NewOrderParams{
		Side: instruction.Bid, OrderType: instruction.PostOnly,
		LimitPrice: 500, MaxCoinQty: 1, MaxNativePcQtyIncludingFees: 500,
		Owner: owner, OwnerSlot: 0, FeeTier: fees.Base, Limit: 10,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := e.CancelOrder(instruction.Bid, res.OrderID, [4]uint64{4}); err == nil {
		t.Fatalf("cancel by a different owner must be rejected")
	}
	if e.Bids.LeafCount() != 1 {
		t.Fatalf("rejected cancel must leave the order resting")
	}
}
