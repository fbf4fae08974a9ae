// Package dispatch wires the matching engine, crank and instruction decoder
// together into the single entry point a host calls once per submitted
// instruction: decode, resolve accounts, route to a handler, and either
// commit every mutation the handler made or surface the rejection untouched.
package dispatch

import (
	"go.uber.org/zap"

	"github.com/kshenoy-dev/critbook/pkg/dex/dexerr"
	"github.com/kshenoy-dev/critbook/pkg/dex/fees"
	"github.com/kshenoy-dev/critbook/pkg/dex/instruction"
	"github.com/kshenoy-dev/critbook/pkg/dex/market"
	"github.com/kshenoy-dev/critbook/pkg/dex/matching"
	"github.com/kshenoy-dev/critbook/pkg/dex/openorders"
	"github.com/kshenoy-dev/critbook/pkg/dex/queue"
	"github.com/kshenoy-dev/critbook/pkg/dex/slab"
)

// Accounts binds the fixed-size buffers and typed views backing one
// market's matching state. The dispatcher never owns these; a caller
// (cmd/dexd's crank loop, or a test) loads them once from storage and
// passes the same *Accounts to every instruction targeting this market.
type Accounts struct {
	Market       *market.Market
	Bids         *slab.Slab
	Asks         *slab.Slab
	RequestQueue *queue.Ring
	EventQueue   *queue.Ring
}

// OpenOrdersResolver looks up a participant's open-orders account by
// identity, the same contract crank.AccountResolver uses.
type OpenOrdersResolver func(owner [4]uint64) (*openorders.OpenOrders, bool)

// Dispatcher routes decoded instructions to handlers for one market.
type Dispatcher struct {
	Accounts *Accounts
	Log      *zap.Logger
}

// New builds a Dispatcher over acc, logging with log (or a no-op logger if
// nil).
func New(acc *Accounts, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{Accounts: acc, Log: log}
}

func (d *Dispatcher) engine() *matching.Engine {
	return &matching.Engine{
		Market:     d.Accounts.Market,
		Bids:       d.Accounts.Bids,
		Asks:       d.Accounts.Asks,
		EventQueue: d.Accounts.EventQueue,
		NextSeqNum: d.Accounts.RequestQueue.NextSeqNum,
	}
}

// Request carries everything beyond the raw wire bytes a handler may need:
// the signer's identity and (when applicable) their open-orders account,
// discount-token balances for fee-tier resolution, wallet credit callbacks
// for SettleFunds, and an authority signature for the two gated
// instructions.
type Request struct {
	Owner      [4]uint64
	OpenOrders *openorders.OpenOrders

	SRMBalance  uint64
	MSRMBalance uint64

	Resolver OpenOrdersResolver   // ConsumeEvents only
	OnEvent  func(matching.Event) // ConsumeEvents only; optional observer (e.g. monitor's broadcast hub)

	HasReferrer        bool         // SettleFunds only
	CreditBaseWallet    func(uint64) // SettleFunds only
	CreditQuoteWallet   func(uint64) // SettleFunds only
	ConsumeEventsLimit  int          // ConsumeEvents handler's default if instruction.Limit is 0

	Authority *AuthoritySig // SweepFees / DisableMarket only
}

// Result reports what a handler produced, for the caller to surface to
// clients; only the fields relevant to the dispatched instruction are set.
type Result struct {
	OrderID         *[2]uint64 // (lo, hi); nil unless the order rested
	RemainingQty    uint64
	EventsProcessed int
}

// snapshot captures every account a book-mutating handler can touch, the
// way the host runtime copies writable account bytes before an instruction
// runs: on error the handler's partial effects (locked balances, reserved
// slots, slab edits, queued events) are all discarded at once, so engine
// code never attempts a manual undo.
type snapshot struct {
	bids, asks       []byte
	events, requests []byte
	market           market.Market
	openOrders       *openorders.OpenOrders
}

func (d *Dispatcher) takeSnapshot(oo *openorders.OpenOrders) *snapshot {
	s := &snapshot{
		bids:     append([]byte(nil), d.Accounts.Bids.Bytes()...),
		asks:     append([]byte(nil), d.Accounts.Asks.Bytes()...),
		events:   append([]byte(nil), d.Accounts.EventQueue.Bytes()...),
		requests: append([]byte(nil), d.Accounts.RequestQueue.Bytes()...),
		market:   *d.Accounts.Market,
	}
	if oo != nil {
		cp := *oo
		s.openOrders = &cp
	}
	return s
}

func (s *snapshot) restore(d *Dispatcher, oo *openorders.OpenOrders) {
	copy(d.Accounts.Bids.Bytes(), s.bids)
	copy(d.Accounts.Asks.Bytes(), s.asks)
	copy(d.Accounts.EventQueue.Bytes(), s.events)
	copy(d.Accounts.RequestQueue.Bytes(), s.requests)
	*d.Accounts.Market = s.market
	if oo != nil && s.openOrders != nil {
		*oo = *s.openOrders
	}
}

// Dispatch decodes buf as a wire instruction and routes it to the matching
// handler. Order-mutating instructions run against a pre-instruction
// snapshot of every writable account: a rejection restores the snapshot, so
// a failed instruction is a no-op plus an error.
func (d *Dispatcher) Dispatch(buf []byte, req Request) (*Result, error) {
	ix, err := instruction.Decode(buf)
	if err != nil {
		return nil, err
	}

	log := d.Log.With(zap.String("instruction", discName(ix.Disc)))

	switch ix.Disc {
	case instruction.DiscNewOrder, instruction.DiscNewOrderV3,
		instruction.DiscCancelOrder, instruction.DiscCancelOrderByClientId,
		instruction.DiscCancelOrderV2, instruction.DiscCancelOrderByClientIdV2:
		snap := d.takeSnapshot(req.OpenOrders)
		res, err := d.route(ix, req, log)
		if err != nil {
			snap.restore(d, req.OpenOrders)
		}
		return res, err
	}
	return d.route(ix, req, log)
}

func (d *Dispatcher) route(ix *instruction.Instruction, req Request, log *zap.Logger) (*Result, error) {
	switch ix.Disc {
	case instruction.DiscNewOrder:
		log.Info("legacy new order enqueued")
		return nil, d.handleLegacyNewOrder(ix.NewOrder, req)

	case instruction.DiscNewOrderV3:
		res, err := d.handleNewOrderV3(ix.NewOrderV3, req)
		if err != nil {
			log.Warn("new order rejected", zap.Error(err))
			return nil, err
		}
		log.Info("new order applied", zap.Uint64("remaining_qty", res.RemainingQty))
		return res, nil

	case instruction.DiscCancelOrder:
		return nil, d.handleLegacyCancelOrder(ix.CancelOrder, req)

	case instruction.DiscCancelOrderByClientId:
		return nil, d.handleCancelByClientID(ix.CancelOrderByClientId.ClientID, req)

	case instruction.DiscCancelOrderV2:
		return nil, d.handleCancelOrderV2(ix.CancelOrderV2, req)

	case instruction.DiscCancelOrderByClientIdV2:
		return nil, d.handleCancelByClientID(ix.CancelOrderByClientIdV2.ClientOrderID, req)

	case instruction.DiscMatchOrders:
		// The legacy request-queue + crank-matching design NewOrder/
		// CancelOrder fed is superseded by NewOrderV3's synchronous
		// matching; nothing ever needs a MatchOrders crank, so this
		// discriminant decodes successfully but has no handler.
		return nil, dexerr.ErrInvalidInstruction

	case instruction.DiscConsumeEvents:
		limit := int(ix.ConsumeEvents.Limit)
		if limit == 0 {
			limit = req.ConsumeEventsLimit
		}
		n, err := d.handleConsumeEvents(req.Resolver, req.OnEvent, limit)
		if err != nil {
			return nil, err
		}
		log.Info("events consumed", zap.Int("count", n))
		return &Result{EventsProcessed: n}, nil

	case instruction.DiscSettleFunds:
		return nil, d.handleSettleFunds(req)

	case instruction.DiscDisableMarket:
		return nil, d.handleDisableMarket(req)

	case instruction.DiscSweepFees:
		return nil, d.handleSweepFees(req)

	default:
		return nil, dexerr.ErrInvalidInstruction
	}
}

func discName(d instruction.Discriminant) string {
	switch d {
	case instruction.DiscInitializeMarket:
		return "InitializeMarket"
	case instruction.DiscNewOrder:
		return "NewOrder"
	case instruction.DiscMatchOrders:
		return "MatchOrders"
	case instruction.DiscConsumeEvents:
		return "ConsumeEvents"
	case instruction.DiscCancelOrder:
		return "CancelOrder"
	case instruction.DiscSettleFunds:
		return "SettleFunds"
	case instruction.DiscCancelOrderByClientId:
		return "CancelOrderByClientId"
	case instruction.DiscDisableMarket:
		return "DisableMarket"
	case instruction.DiscSweepFees:
		return "SweepFees"
	case instruction.DiscNewOrderV3:
		return "NewOrderV3"
	case instruction.DiscCancelOrderV2:
		return "CancelOrderV2"
	case instruction.DiscCancelOrderByClientIdV2:
		return "CancelOrderByClientIdV2"
	default:
		return "Unknown"
	}
}

func feeTier(req Request) fees.Tier {
	return fees.ResolveTier(req.SRMBalance, req.MSRMBalance)
}
