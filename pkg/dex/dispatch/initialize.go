package dispatch

import (
	"github.com/kshenoy-dev/critbook/pkg/dex/market"
	"github.com/kshenoy-dev/critbook/pkg/dex/matching"
)

// InitializeMarketParams collects the caller-provided buffers and static
// parameters a fresh market needs. Bids/Asks/RequestQueue/EventQueue must
// all be entirely zeroed; their capacities are whatever their buffer
// lengths imply, matching a host that allocated fixed-size accounts up
// front rather than a resizable one.
type InitializeMarketParams struct {
	MarketBuf       []byte
	BidsBuf         []byte
	AsksBuf         []byte
	RequestQueueBuf []byte
	EventQueueBuf   []byte

	OwnAddress       [4]uint64
	BaseVault        [4]uint64
	QuoteVault       [4]uint64
	BaseMint         [4]uint64
	QuoteMint        [4]uint64
	Authority        [4]uint64
	BaseLotSize      uint64
	QuoteLotSize     uint64
	FeeRateBps       uint8
	VaultSignerNonce uint64
	PcDustThreshold  uint64
}

// InitializeMarket lays out a fresh market descriptor, two empty order
// book slabs, and empty request/event queues into caller-provided buffers.
// It returns the Accounts a Dispatcher can be built over.
func InitializeMarket(p InitializeMarketParams) (*Accounts, error) {
	m, body, err := LoadMarket(p.MarketBuf, true)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = market.New(market.InitParams{
			OwnAddress:       p.OwnAddress,
			BaseVault:        p.BaseVault,
			QuoteVault:       p.QuoteVault,
			BaseMint:         p.BaseMint,
			QuoteMint:        p.QuoteMint,
			Authority:        p.Authority,
			BaseLotSize:      p.BaseLotSize,
			QuoteLotSize:     p.QuoteLotSize,
			FeeRateBps:       p.FeeRateBps,
			VaultSignerNonce: p.VaultSignerNonce,
			PcDustThreshold:  p.PcDustThreshold,
		})
		copy(body, m.Encode())
	}

	bids, err := LoadSlab(p.BidsBuf, true)
	if err != nil {
		return nil, err
	}
	asks, err := LoadSlab(p.AsksBuf, true)
	if err != nil {
		return nil, err
	}
	reqQueue, err := LoadQueue(p.RequestQueueBuf, matching.RequestSize, true)
	if err != nil {
		return nil, err
	}
	evQueue, err := LoadQueue(p.EventQueueBuf, matching.EventSize, true)
	if err != nil {
		return nil, err
	}

	return &Accounts{
		Market:       m,
		Bids:         bids,
		Asks:         asks,
		RequestQueue: reqQueue,
		EventQueue:   evQueue,
	}, nil
}
