// Command dexd is critbook's process entrypoint: it allocates one market's
// accounts, runs a crank loop that periodically drains the event queue,
// and serves the read-only monitoring surface.
//
// Instruction submission (the wallet/CLI that builds NewOrderV3/
// CancelOrderV2/SettleFunds wire buffers) lives outside this repository;
// dexd's job is to host the account state plus the two external
// collaborators of the matching core: the crank driver and the monitoring
// endpoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kshenoy-dev/critbook/params"
	"github.com/kshenoy-dev/critbook/pkg/dex/dispatch"
	"github.com/kshenoy-dev/critbook/pkg/dex/instruction"
	"github.com/kshenoy-dev/critbook/pkg/dex/market"
	"github.com/kshenoy-dev/critbook/pkg/dex/matching"
	"github.com/kshenoy-dev/critbook/pkg/dex/openorders"
	"github.com/kshenoy-dev/critbook/pkg/dex/record"
	"github.com/kshenoy-dev/critbook/pkg/dex/slab"
	"github.com/kshenoy-dev/critbook/pkg/monitor"
	"github.com/kshenoy-dev/critbook/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	var logger *zap.Logger
	var err error
	if logFile != "" {
		logger, err = util.NewLoggerWithFile(logFile)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	acc, err := dispatch.InitializeMarket(buildInitParams(cfg.Market))
	if err != nil {
		sugar.Fatalw("market_init_failed", "err", err)
	}
	sugar.Infow("market_initialized",
		"base_lot_size", acc.Market.BaseLotSize,
		"quote_lot_size", acc.Market.QuoteLotSize,
		"slab_nodes", cfg.Market.SlabNodes,
		"event_queue_len", cfg.Market.EventQueueLen,
	)

	registry := newOpenOrdersRegistry()

	var lock sync.RWMutex
	d := dispatch.New(acc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := monitor.New(acc, &lock, logger)
	go func() {
		if err := mon.Serve(cfg.Monitor.Addr, cfg.Monitor.DepthTickPeriod, ctx.Done()); err != nil {
			sugar.Fatalw("monitor_server_failed", "err", err)
		}
	}()

	runCrankLoop(ctx, sugar, d, &lock, registry, mon.BroadcastEvent, cfg.Crank)
}

// openOrdersRegistry is the in-memory stand-in for the host's
// account-loading machinery: a real deployment resolves an owner's
// open-orders account from whatever account meta the instruction named,
// decoded through dispatch.LoadOpenOrders. dexd has no instruction
// submission transport, so it holds an in-memory map instead. Nothing in
// dexd adds entries to it, so the crank loop stops at the first queued
// event, whose owner it cannot resolve.
type openOrdersRegistry struct {
	mu   sync.Mutex
	byID map[[4]uint64]*openorders.OpenOrders
}

func newOpenOrdersRegistry() *openOrdersRegistry {
	return &openOrdersRegistry{byID: make(map[[4]uint64]*openorders.OpenOrders)}
}

func (r *openOrdersRegistry) resolve(owner [4]uint64) (*openorders.OpenOrders, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oo, ok := r.byID[owner]
	return oo, ok
}

func runCrankLoop(ctx context.Context, log *zap.SugaredLogger, d *dispatch.Dispatcher, lock *sync.RWMutex, registry *openOrdersRegistry, onEvent func(matching.Event), cfg params.Crank) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	consumeIx := make([]byte, 5+2) // version + discriminant + limit u16
	consumeIx[1] = byte(instruction.DiscConsumeEvents)

	for {
		select {
		case <-ctx.Done():
			log.Info("crank_loop_stopped")
			return
		case <-ticker.C:
			lock.Lock()
			res, err := d.Dispatch(consumeIx, dispatch.Request{
				Resolver:           registry.resolve,
				OnEvent:            onEvent,
				ConsumeEventsLimit: cfg.EventsLimit,
			})
			lock.Unlock()
			if err != nil {
				log.Warnw("consume_events_failed", "err", err)
				continue
			}
			if res.EventsProcessed > 0 {
				log.Infow("events_consumed", "count", res.EventsProcessed)
			}
		}
	}
}

func buildInitParams(m params.Market) dispatch.InitializeMarketParams {
	return dispatch.InitializeMarketParams{
		MarketBuf:        paddedBuf(market.Size),
		BidsBuf:          paddedBuf(32 + m.SlabNodes*slab.NodeSize),
		AsksBuf:          paddedBuf(32 + m.SlabNodes*slab.NodeSize),
		RequestQueueBuf:  paddedBuf(32 + m.RequestQueueLen*matching.RequestSize),
		EventQueueBuf:    paddedBuf(32 + m.EventQueueLen*matching.EventSize),
		BaseLotSize:      m.BaseLotSize,
		QuoteLotSize:     m.QuoteLotSize,
		FeeRateBps:       m.FeeRateBps,
		VaultSignerNonce: m.VaultSignerNonce,
		PcDustThreshold:  m.PcDustThreshold,
	}
}

func paddedBuf(bodySize int) []byte {
	return make([]byte, len(record.HeadPad)+bodySize+len(record.TailPad))
}
