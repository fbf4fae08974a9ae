package dispatch

import (
	"encoding/binary"

	"github.com/kshenoy-dev/critbook/pkg/dex/dexerr"
	"github.com/kshenoy-dev/critbook/pkg/dex/market"
	"github.com/kshenoy-dev/critbook/pkg/dex/openorders"
	"github.com/kshenoy-dev/critbook/pkg/dex/queue"
	"github.com/kshenoy-dev/critbook/pkg/dex/record"
	"github.com/kshenoy-dev/critbook/pkg/dex/slab"
)

// openOrdersFlagsOffset is where openorders.Encode leaves its account-kind
// flags word (owner[32] + market[32]) zeroed, for the account-level wrapper
// to fill in.
const openOrdersFlagsOffset = 64

// Every account buffer a host hands the dispatcher is wrapped in
// record.HeadPad/TailPad; LoadMarket/LoadSlab/LoadQueue/LoadOpenOrders are
// the one place that contract gets enforced, so every other package can
// treat the slice it receives as already-validated typed storage.

// LoadMarket strips buf's head/tail padding and decodes its typed region.
// When init is true and buf is entirely zeroed, the padding markers are
// written (not checked) and the returned *market.Market is nil; the
// caller is expected to build one with market.New and Encode it into the
// returned body.
func LoadMarket(buf []byte, init bool) (m *market.Market, body []byte, err error) {
	body, err = record.StripPadding(buf, init)
	if err != nil {
		return nil, nil, err
	}
	if init && isZero(body) {
		return nil, body, nil
	}
	m, err = market.Decode(body)
	if err != nil {
		return nil, nil, err
	}
	if !m.AccountFlags.Has(record.FlagInitialized) || !m.AccountFlags.Has(record.FlagMarket) {
		return nil, nil, dexerr.ErrInvalidMarket
	}
	return m, body, nil
}

// LoadSlab strips buf's padding and wraps the body as a bids/asks Slab.
func LoadSlab(buf []byte, init bool) (*slab.Slab, error) {
	body, err := record.StripPadding(buf, init)
	if err != nil {
		return nil, err
	}
	return slab.New(body)
}

// LoadQueue strips buf's padding and wraps the body as a request/event
// Ring with the given per-slot size.
func LoadQueue(buf []byte, slotSize int, init bool) (*queue.Ring, error) {
	body, err := record.StripPadding(buf, init)
	if err != nil {
		return nil, err
	}
	return queue.New(body, slotSize)
}

// LoadOpenOrders strips buf's padding and decodes an existing open-orders
// record. Creating a fresh one goes through CreateOpenOrders instead, since
// a new record needs the owner/market identity before it has anything to
// decode.
func LoadOpenOrders(buf []byte) (*openorders.OpenOrders, error) {
	body, err := record.StripPadding(buf, false)
	if err != nil {
		return nil, err
	}
	flags := record.Flags(binary.LittleEndian.Uint64(body[openOrdersFlagsOffset:]))
	if !flags.Has(record.FlagInitialized) || !flags.Has(record.FlagOpenOrders) {
		return nil, dexerr.ErrInvalidOpenOrders
	}
	return openorders.Decode(body)
}

// CreateOpenOrders stamps buf's head/tail padding (buf must be entirely
// zeroed) and encodes a fresh open-orders record for owner at market into
// it, returning the decoded record and the body slice it was written into.
func CreateOpenOrders(buf []byte, owner, marketID [4]uint64) (*openorders.OpenOrders, []byte, error) {
	body, err := record.StripPadding(buf, true)
	if err != nil {
		return nil, nil, err
	}
	if !isZero(body) {
		return nil, nil, dexerr.ErrInvalidOpenOrders
	}
	oo := openorders.New(owner, marketID)
	copy(body, oo.Encode())
	flags := record.FlagInitialized | record.FlagOpenOrders
	binary.LittleEndian.PutUint64(body[openOrdersFlagsOffset:], uint64(flags))
	return oo, body, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
