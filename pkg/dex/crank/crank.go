// Package crank implements the two handlers that settle what the matching
// engine only recorded as events: ConsumeEvents replays the event queue
// into open-orders balance mutations, and SettleFunds sweeps free
// balances out to the participant's wallets.
package crank

import (
	"errors"

	"github.com/kshenoy-dev/critbook/pkg/dex/fees"
	"github.com/kshenoy-dev/critbook/pkg/dex/market"
	"github.com/kshenoy-dev/critbook/pkg/dex/matching"
	"github.com/kshenoy-dev/critbook/pkg/dex/openorders"
	"github.com/kshenoy-dev/critbook/pkg/dex/queue"
)

// AccountResolver looks up the open-orders account for a given owner
// identity. ConsumeEvents stops processing the first time an event's
// owner isn't found; skipping an event out of order is forbidden.
type AccountResolver func(owner [4]uint64) (*openorders.OpenOrders, bool)

// ErrOverRelease means an Out event asked to release more than its owner
// ever had locked: the queue and the open-orders record disagree, which is
// corruption, not user error.
var ErrOverRelease = errors.New("crank: release exceeds locked balance")

// ConsumeEvents pops up to limit events from eventQueue, applying each to
// the open-orders account resolve returns for its owner. It returns the
// number of events actually processed.
func ConsumeEvents(eventQueue *queue.Ring, resolve AccountResolver, limit int) (int, error) {
	return consumeEvents(eventQueue, resolve, limit, nil)
}

// ConsumeEventsObserved behaves exactly like ConsumeEvents, additionally
// invoking onEvent with every event as it is applied, before it is popped
// from the queue. The monitoring surface's WebSocket hub uses this to
// stream events as the crank drains them, without the crank itself
// depending on anything about how they're displayed.
func ConsumeEventsObserved(eventQueue *queue.Ring, resolve AccountResolver, limit int, onEvent func(matching.Event)) (int, error) {
	return consumeEvents(eventQueue, resolve, limit, onEvent)
}

func consumeEvents(eventQueue *queue.Ring, resolve AccountResolver, limit int, onEvent func(matching.Event)) (int, error) {
	processed := 0
	for processed < limit {
		raw, ok := eventQueue.PeekFront()
		if !ok {
			break
		}
		ev := matching.DecodeEvent(raw)

		oo, found := resolve(ev.Owner)
		if !found {
			break
		}

		if err := applyEvent(oo, ev); err != nil {
			return processed, err
		}
		if onEvent != nil {
			onEvent(ev)
		}

		eventQueue.PopFront()
		processed++
	}
	return processed, nil
}

func applyEvent(oo *openorders.OpenOrders, ev matching.Event) error {
	switch {
	case ev.Flags.Has(matching.EventFill) && ev.Flags.Has(matching.EventMaker):
		if ev.Flags.Has(matching.EventBid) {
			// Maker rested a bid: receives base, pays quote.
			oo.CreditBase(ev.NativeQtyReleased)
			oo.DebitLockedQuote(ev.NativeQtyPaid)
			oo.CreditQuote(ev.NativeFeeOrRebate) // maker rebate
		} else {
			// Maker rested an ask: receives quote, pays base.
			oo.DebitLockedBase(ev.NativeQtyPaid)
			oo.CreditQuote(ev.NativeQtyReleased)
			oo.CreditQuote(ev.NativeFeeOrRebate)
		}

	case ev.Flags.Has(matching.EventFill):
		// Taker fill: only the referrer's carve-out of the taker fee lands
		// here. The taker's proceeds and consumed budget were settled by
		// the dispatcher inside the placing instruction itself.
		oo.AccrueReferrerRebate(fees.ReferrerRebate(ev.NativeFeeOrRebate))

	case ev.Flags.Has(matching.EventOut):
		if ev.Flags.Has(matching.EventReleaseFunds) {
			if ev.Flags.Has(matching.EventBid) {
				if ev.NativeQtyReleased > oo.NativeLockedQuote {
					return ErrOverRelease
				}
				oo.UnlockQuote(ev.NativeQtyReleased)
			} else {
				if ev.NativeQtyReleased > oo.NativeLockedBase {
					return ErrOverRelease
				}
				oo.UnlockBase(ev.NativeQtyReleased)
			}
		}
		if ev.Flags.Has(matching.EventFullyOut) {
			oo.ReleaseSlot(int(ev.OwnerSlot))
		}
	}
	return nil
}

// SettleFunds transfers a participant's free balances out to their
// wallets (represented here by the caller-supplied credit callbacks,
// standing in for the host runtime's token-transfer sub-calls), decrements
// market deposit totals, and either pays a referrer their accrued rebate
// or folds it into protocol fees.
func SettleFunds(m *market.Market, oo *openorders.OpenOrders, hasReferrer bool, creditBaseWallet, creditQuoteWallet func(uint64)) {
	base := oo.NativeFreeBase
	quote := oo.NativeFreeQuote

	creditBaseWallet(base)
	creditQuoteWallet(quote)
	oo.NativeFreeBase = 0
	oo.NativeFreeQuote = 0

	m.BaseDepositsTotal -= base
	m.QuoteDepositsTotal -= quote

	rebate := oo.RefererRebatesAccrued
	if rebate > 0 {
		if hasReferrer {
			creditQuoteWallet(rebate)
		} else {
			m.QuoteFeesAccrued += rebate
		}
		oo.RefererRebatesAccrued = 0
	}
}
