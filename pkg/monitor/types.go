package monitor

// Response and broadcast payload shapes for the read-only monitoring
// surface's REST/WebSocket contract.

// MarketSummary reports a market's static parameters and accrued
// accounting counters.
type MarketSummary struct {
	BaseLotSize            uint64 `json:"baseLotSize"`
	QuoteLotSize           uint64 `json:"quoteLotSize"`
	BaseDepositsTotal      uint64 `json:"baseDepositsTotal"`
	QuoteDepositsTotal     uint64 `json:"quoteDepositsTotal"`
	QuoteFeesAccrued       uint64 `json:"quoteFeesAccrued"`
	ReferrerRebatesAccrued uint64 `json:"referrerRebatesAccrued"`
	Disabled               bool   `json:"disabled"`
}

// DepthLevel is one aggregated price level: every resting order at Price,
// summed.
type DepthLevel struct {
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
}

// DepthSnapshot is the current book, best price first on both sides.
type DepthSnapshot struct {
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// QueueStatus reports ring occupancy: the event-queue length an external
// crank driver polls to decide whether a ConsumeEvents pass is worth
// submitting, plus capacities and the request queue's counterpart since
// both are already in memory.
type QueueStatus struct {
	RequestQueueLen uint64 `json:"requestQueueLength"`
	RequestQueueCap uint64 `json:"requestQueueCapacity"`
	EventQueueLen   uint64 `json:"eventQueueLength"`
	EventQueueCap   uint64 `json:"eventQueueCapacity"`
}

// FeeTierInfo is one row of the public fee schedule.
type FeeTierInfo struct {
	Tier           string `json:"tier"`
	TakerFeeBps    int64  `json:"takerFeeBps"`
	MakerRebateBps int64  `json:"makerRebateBps"`
	Threshold      uint64 `json:"discountThreshold"`
}

// DepthUpdate is the message broadcast to WebSocket subscribers on every
// tick of the monitor's clock.
type DepthUpdate struct {
	Type string        `json:"type"` // "depth"
	Data DepthSnapshot `json:"data"`
}

// EventPayload is an Event record (Fill or Out) rendered for the
// monitoring surface, broadcast as the crank drains the event queue.
type EventPayload struct {
	Kind              string `json:"kind"` // "fill" or "out"
	Maker             bool   `json:"maker"`
	Bid               bool   `json:"bid"`
	ReleaseFunds      bool   `json:"releaseFunds"`
	OwnerSlot         uint8  `json:"ownerSlot"`
	NativeQtyReleased uint64 `json:"nativeQtyReleased"`
	NativeQtyPaid     uint64 `json:"nativeQtyPaid"`
	NativeFeeOrRebate uint64 `json:"nativeFeeOrRebate"`
	ClientOrderID     uint64 `json:"clientOrderId"`
}

// EventUpdate is the message broadcast for every event the crank applies.
type EventUpdate struct {
	Type string       `json:"type"` // "event"
	Data EventPayload `json:"data"`
}

// ErrorResponse is the JSON error body shape. No handler in this package
// currently writes it.
type ErrorResponse struct {
	Error string `json:"error"`
}
