// Package openorders implements the per-participant open-orders record: a
// fixed 128-slot table of resting order handles plus free/locked base and
// quote balances.
package openorders

import (
	"encoding/binary"
	"errors"
)

// MaxSlots is the number of concurrent resting orders a single open-orders
// account can reference, matching the 128-bit free_slot_bits/is_bid_bits
// bitmasks below.
const MaxSlots = 128

// Size is the fixed byte length of an open-orders record body (the region
// between head and tail padding): owner(32) + market(32) + flags(8) +
// freeSlotBits(16) + isBidBits(16) + orderIDs(128*16) + clientIDs(128*8) +
// nativeFree(base 8, quote 8) + nativeLocked(base 8, quote 8) +
// refereeRebatesAccrued(8).
const Size = 32 + 32 + 8 + 16 + 16 + MaxSlots*16 + MaxSlots*8 + 8 + 8 + 8 + 8 + 8

var (
	ErrSlotInUse     = errors.New("openorders: no free slot")
	ErrSlotNotFound  = errors.New("openorders: slot not found")
	ErrInsufficientFree = errors.New("openorders: insufficient free balance")
)

// OpenOrders is the decoded in-memory form of one participant's account at
// one market. OrderIDs holds each slot's 128-bit order key as two u64
// words (low, high) since the package avoids a hard dependency on
// uint256 for a type that's otherwise a plain balance ledger.
type OpenOrders struct {
	Owner  [4]uint64
	Market [4]uint64

	FreeSlotBits [2]uint64 // bit i set => slot i is free
	IsBidBits    [2]uint64 // bit i set => slot i holds a bid

	OrderIDLo   [MaxSlots]uint64
	OrderIDHi   [MaxSlots]uint64
	ClientOrderID [MaxSlots]uint64

	NativeFreeBase  uint64
	NativeFreeQuote uint64
	NativeLockedBase  uint64
	NativeLockedQuote uint64

	RefererRebatesAccrued uint64
}

// New returns an OpenOrders with every slot marked free.
func New(owner, market [4]uint64) *OpenOrders {
	oo := &OpenOrders{Owner: owner, Market: market}
	oo.FreeSlotBits[0] = ^uint64(0)
	oo.FreeSlotBits[1] = ^uint64(0)
	return oo
}

func bitSet(words *[2]uint64, slot int) bool {
	return words[slot/64]&(1<<uint(slot%64)) != 0
}

func bitSetTo(words *[2]uint64, slot int, v bool) {
	mask := uint64(1) << uint(slot%64)
	if v {
		words[slot/64] |= mask
	} else {
		words[slot/64] &^= mask
	}
}

// IsFree reports whether slot is available for a new resting order.
func (o *OpenOrders) IsFree(slot int) bool { return bitSet(&o.FreeSlotBits, slot) }

// FreeSlotCount returns how many of the 128 slots are currently free.
func (o *OpenOrders) FreeSlotCount() int {
	n := 0
	for i := 0; i < MaxSlots; i++ {
		if o.IsFree(i) {
			n++
		}
	}
	return n
}

// ReserveSlot claims the first free slot for a resting order with the
// given key (lo, hi) and client order id, returning the slot index.
func (o *OpenOrders) ReserveSlot(keyLo, keyHi uint64, clientOrderID uint64, isBid bool) (int, error) {
	for i := 0; i < MaxSlots; i++ {
		if o.IsFree(i) {
			bitSetTo(&o.FreeSlotBits, i, false)
			bitSetTo(&o.IsBidBits, i, isBid)
			o.OrderIDLo[i] = keyLo
			o.OrderIDHi[i] = keyHi
			o.ClientOrderID[i] = clientOrderID
			return i, nil
		}
	}
	return 0, ErrSlotInUse
}

// SetOrderID backfills a reserved slot's order key once the matching engine
// has assigned one. NewOrderV3 must reserve a slot before calling the
// engine (the slot index is stamped into the engine's events as they're
// produced) but the 128-bit key itself isn't known until the engine posts
// the order, so the dispatcher reserves with a placeholder key and corrects
// it here afterward.
func (o *OpenOrders) SetOrderID(slot int, keyLo, keyHi uint64) error {
	if slot < 0 || slot >= MaxSlots || o.IsFree(slot) {
		return ErrSlotNotFound
	}
	o.OrderIDLo[slot] = keyLo
	o.OrderIDHi[slot] = keyHi
	return nil
}

// ReleaseSlot frees a slot previously reserved with ReserveSlot, e.g. once
// an order is fully filled or cancelled.
func (o *OpenOrders) ReleaseSlot(slot int) error {
	if slot < 0 || slot >= MaxSlots || o.IsFree(slot) {
		return ErrSlotNotFound
	}
	bitSetTo(&o.FreeSlotBits, slot, true)
	bitSetTo(&o.IsBidBits, slot, false)
	o.OrderIDLo[slot] = 0
	o.OrderIDHi[slot] = 0
	o.ClientOrderID[slot] = 0
	return nil
}

// SlotForOrderID finds the slot holding the given 128-bit order key, if any.
func (o *OpenOrders) SlotForOrderID(keyLo, keyHi uint64) (int, bool) {
	for i := 0; i < MaxSlots; i++ {
		if !o.IsFree(i) && o.OrderIDLo[i] == keyLo && o.OrderIDHi[i] == keyHi {
			return i, true
		}
	}
	return -1, false
}

// SlotForClientOrderID finds the slot holding the given client-assigned
// order id, if any. Client order ids are opaque to the matching engine; they
// exist purely so a participant can cancel without tracking the 128-bit
// exchange-assigned key.
func (o *OpenOrders) SlotForClientOrderID(clientOrderID uint64) (int, bool) {
	if clientOrderID == 0 {
		return -1, false
	}
	for i := 0; i < MaxSlots; i++ {
		if !o.IsFree(i) && o.ClientOrderID[i] == clientOrderID {
			return i, true
		}
	}
	return -1, false
}

// IsBid reports whether slot holds a bid (false for an ask or a free slot).
func (o *OpenOrders) IsBid(slot int) bool { return bitSet(&o.IsBidBits, slot) }

// OrderID returns the 128-bit order key stored in slot as (lo, hi) words.
func (o *OpenOrders) OrderID(slot int) (lo, hi uint64) { return o.OrderIDLo[slot], o.OrderIDHi[slot] }

// LockBase moves qty from free to locked base balance; it is the credit
// side of placing a resting ask. Returns ErrInsufficientFree if the free
// balance can't cover it; the invariant free <= total must never break.
func (o *OpenOrders) LockBase(qty uint64) error {
	if o.NativeFreeBase < qty {
		return ErrInsufficientFree
	}
	o.NativeFreeBase -= qty
	o.NativeLockedBase += qty
	return nil
}

// LockQuote is LockBase's counterpart for the quote side (placing a bid).
func (o *OpenOrders) LockQuote(qty uint64) error {
	if o.NativeFreeQuote < qty {
		return ErrInsufficientFree
	}
	o.NativeFreeQuote -= qty
	o.NativeLockedQuote += qty
	return nil
}

// UnlockBase moves qty from locked back to free base balance, e.g. on
// cancel or after a fill consumes less than the full locked amount.
func (o *OpenOrders) UnlockBase(qty uint64) {
	if qty > o.NativeLockedBase {
		qty = o.NativeLockedBase
	}
	o.NativeLockedBase -= qty
	o.NativeFreeBase += qty
}

// UnlockQuote is UnlockBase's counterpart for the quote side.
func (o *OpenOrders) UnlockQuote(qty uint64) {
	if qty > o.NativeLockedQuote {
		qty = o.NativeLockedQuote
	}
	o.NativeLockedQuote -= qty
	o.NativeFreeQuote += qty
}

// CreditBase adds directly to the free base balance, e.g. crediting a
// maker's fill proceeds or a taker's bought base asset.
func (o *OpenOrders) CreditBase(qty uint64)  { o.NativeFreeBase += qty }
func (o *OpenOrders) CreditQuote(qty uint64) { o.NativeFreeQuote += qty }

// DebitLockedBase removes qty that was locked and has now been consumed by
// a fill, without returning it to free (the base went to the counterparty).
func (o *OpenOrders) DebitLockedBase(qty uint64) {
	if qty > o.NativeLockedBase {
		qty = o.NativeLockedBase
	}
	o.NativeLockedBase -= qty
}

func (o *OpenOrders) DebitLockedQuote(qty uint64) {
	if qty > o.NativeLockedQuote {
		qty = o.NativeLockedQuote
	}
	o.NativeLockedQuote -= qty
}

// AccrueReferrerRebate adds to the running referrer-rebate balance, paid
// out (or folded back into protocol fees) by the settle-funds handler.
func (o *OpenOrders) AccrueReferrerRebate(amount uint64) {
	o.RefererRebatesAccrued += amount
}

// Encode serializes o into a Size-byte buffer.
func (o *OpenOrders) Encode() []byte {
	buf := make([]byte, Size)
	off := 0
	putWords := func(words [4]uint64) {
		for _, w := range words {
			binary.LittleEndian.PutUint64(buf[off:], w)
			off += 8
		}
	}
	putWords(o.Owner)
	putWords(o.Market)
	binary.LittleEndian.PutUint64(buf[off:], 0) // flags reserved for account-kind bit, set by caller via record.Flags
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.FreeSlotBits[0])
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.FreeSlotBits[1])
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.IsBidBits[0])
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.IsBidBits[1])
	off += 8
	for i := 0; i < MaxSlots; i++ {
		binary.LittleEndian.PutUint64(buf[off:], o.OrderIDLo[i])
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], o.OrderIDHi[i])
		off += 8
	}
	for i := 0; i < MaxSlots; i++ {
		binary.LittleEndian.PutUint64(buf[off:], o.ClientOrderID[i])
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], o.NativeFreeBase)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.NativeFreeQuote)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.NativeLockedBase)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.NativeLockedQuote)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.RefererRebatesAccrued)
	return buf
}

// Decode parses a Size-byte buffer produced by Encode.
func Decode(buf []byte) (*OpenOrders, error) {
	if len(buf) != Size {
		return nil, errors.New("openorders: bad buffer length")
	}
	o := &OpenOrders{}
	off := 0
	getWords := func() [4]uint64 {
		var w [4]uint64
		for i := range w {
			w[i] = binary.LittleEndian.Uint64(buf[off:])
			off += 8
		}
		return w
	}
	o.Owner = getWords()
	o.Market = getWords()
	off += 8 // flags, owned by the account-level record wrapper
	o.FreeSlotBits[0] = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	o.FreeSlotBits[1] = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	o.IsBidBits[0] = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	o.IsBidBits[1] = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	for i := 0; i < MaxSlots; i++ {
		o.OrderIDLo[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		o.OrderIDHi[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	for i := 0; i < MaxSlots; i++ {
		o.ClientOrderID[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	o.NativeFreeBase = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	o.NativeFreeQuote = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	o.NativeLockedBase = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	o.NativeLockedQuote = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	o.RefererRebatesAccrued = binary.LittleEndian.Uint64(buf[off:])
	return o, nil
}
