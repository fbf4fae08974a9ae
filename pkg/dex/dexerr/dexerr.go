// Package dexerr defines the closed set of errors a dispatched instruction
// can fail with: every failure the matching core can produce is a named
// sentinel, not an ad-hoc string, so callers can switch on cause and the
// dispatcher can translate a rejection into a stable integer code for the
// host.
package dexerr

import "errors"

var (
	ErrInvalidInstruction       = errors.New("dex: invalid instruction")
	ErrInvalidMarketFlags       = errors.New("dex: account flags do not describe a market")
	ErrInvalidMarket            = errors.New("dex: invalid market account")
	ErrMarketDisabled           = errors.New("dex: market is disabled")
	ErrInvalidRequestQueue      = errors.New("dex: invalid request queue account")
	ErrInvalidEventQueue        = errors.New("dex: invalid event queue account")
	ErrWrongBidsAccount         = errors.New("dex: bids account does not belong to this market")
	ErrWrongAsksAccount         = errors.New("dex: asks account does not belong to this market")
	ErrWrongOrdersAccount       = errors.New("dex: open orders account does not belong to this market")
	ErrWrongCoinMint            = errors.New("dex: coin mint does not match market")
	ErrWrongPcMint              = errors.New("dex: price currency mint does not match market")
	ErrWrongCoinVault           = errors.New("dex: coin vault does not match market")
	ErrWrongPcVault             = errors.New("dex: price currency vault does not match market")
	ErrInvalidOpenOrders        = errors.New("dex: invalid open orders account")
	ErrOwnerMismatch            = errors.New("dex: open orders account owner mismatch")
	ErrOrderNotFound            = errors.New("dex: order not found")
	ErrOrderNotYours            = errors.New("dex: order belongs to a different owner")
	ErrTooManyOpenOrders        = errors.New("dex: open orders account has no free slot")
	ErrOrderbookFull            = errors.New("dex: orderbook out of space")
	ErrRequestQueueFull         = errors.New("dex: request queue full")
	ErrEventQueueFull           = errors.New("dex: event queue full")
	ErrSlabTooSmall             = errors.New("dex: slab account too small")
	ErrEventQueueTooSmall       = errors.New("dex: event queue account too small")
	ErrInsufficientFunds        = errors.New("dex: insufficient funds")
	ErrTransferFailed           = errors.New("dex: token transfer failed")
	ErrWouldSelfTrade           = errors.New("dex: order would self-trade and behavior is AbortTransaction")
	ErrUnauthorized             = errors.New("dex: missing or invalid authority signature")
	ErrInvalidLotSize           = errors.New("dex: order size or price is not a multiple of the market's lot size")
	ErrZeroLotOrder             = errors.New("dex: order rounds to zero lots")
	ErrClientOrderIDZero        = errors.New("dex: client order id must be nonzero")
	ErrClientOrderIDTaken       = errors.New("dex: client order id already in use on this open orders account")
	ErrClientOrderIDNotFound    = errors.New("dex: no resting order with that client order id")
	ErrUnsupportedInstruction   = errors.New("dex: instruction recognized but not supported by this dispatcher")
	// ErrAssertionFailed marks a programmer-error condition (slab shape
	// corruption, unreachable code); it is never the correct response to
	// any user input.
	ErrAssertionFailed = errors.New("dex: internal assertion failed")
)

// codes maps each sentinel to the integer the host sees in place of a Go
// error value. The numbering is append-only: codes are part of the wire
// contract with off-chain clients and never reused.
var codes = map[error]uint32{
	ErrInvalidInstruction:     1,
	ErrInvalidMarketFlags:     2,
	ErrInvalidMarket:          3,
	ErrMarketDisabled:         4,
	ErrInvalidRequestQueue:    5,
	ErrInvalidEventQueue:      6,
	ErrWrongBidsAccount:       7,
	ErrWrongAsksAccount:       8,
	ErrWrongOrdersAccount:     9,
	ErrWrongCoinMint:          10,
	ErrWrongPcMint:            11,
	ErrWrongCoinVault:         12,
	ErrWrongPcVault:           13,
	ErrInvalidOpenOrders:      14,
	ErrOwnerMismatch:          15,
	ErrOrderNotFound:          16,
	ErrOrderNotYours:          17,
	ErrTooManyOpenOrders:      18,
	ErrOrderbookFull:          19,
	ErrRequestQueueFull:       20,
	ErrEventQueueFull:         21,
	ErrSlabTooSmall:           22,
	ErrEventQueueTooSmall:     23,
	ErrInsufficientFunds:      24,
	ErrTransferFailed:         25,
	ErrWouldSelfTrade:         26,
	ErrUnauthorized:           27,
	ErrInvalidLotSize:         28,
	ErrZeroLotOrder:           29,
	ErrClientOrderIDZero:      30,
	ErrClientOrderIDTaken:     31,
	ErrClientOrderIDNotFound:  32,
	ErrUnsupportedInstruction: 33,
}

// assertionFailedCode is deliberately far from the user-visible range so a
// host log line showing it reads as a bug report, not a rejection.
const assertionFailedCode = 1000

// Code translates err into its host-facing integer code. Unknown errors
// (including wrapped sentinels that don't unwrap to one of the above) are
// programmer errors and map to the AssertionFailed code.
func Code(err error) uint32 {
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return assertionFailedCode
}
