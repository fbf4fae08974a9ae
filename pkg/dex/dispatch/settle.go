package dispatch

import (
	"github.com/kshenoy-dev/critbook/pkg/dex/crank"
	"github.com/kshenoy-dev/critbook/pkg/dex/dexerr"
	"github.com/kshenoy-dev/critbook/pkg/dex/matching"
)

// handleConsumeEvents replays up to limit entries off the event queue into
// the open-orders balance mutations they describe, via the crank package.
// onEvent, if non-nil, is invoked with every event as it's applied (the
// monitoring surface's broadcast hook).
func (d *Dispatcher) handleConsumeEvents(resolve OpenOrdersResolver, onEvent func(matching.Event), limit int) (int, error) {
	if resolve == nil {
		return 0, dexerr.ErrInvalidOpenOrders
	}
	n, err := crank.ConsumeEventsObserved(d.Accounts.EventQueue, crank.AccountResolver(resolve), limit, onEvent)
	if err != nil {
		return n, err
	}
	return n, nil
}

// handleSettleFunds sweeps the signer's free balances out to their wallets
// and pays out (or folds in) any accrued referrer rebate.
func (d *Dispatcher) handleSettleFunds(req Request) error {
	if req.OpenOrders == nil {
		return dexerr.ErrInvalidOpenOrders
	}
	if req.OpenOrders.Owner != req.Owner {
		return dexerr.ErrOwnerMismatch
	}
	if req.CreditBaseWallet == nil || req.CreditQuoteWallet == nil {
		return dexerr.ErrInvalidInstruction
	}
	crank.SettleFunds(d.Accounts.Market, req.OpenOrders, req.HasReferrer, req.CreditBaseWallet, req.CreditQuoteWallet)
	return nil
}
