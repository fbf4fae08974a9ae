package matching

import (
	"encoding/binary"

	"github.com/holiman/uint256"
)

// EventFlags tags what kind of book mutation an Event records.
type EventFlags uint8

const (
	EventFill         EventFlags = 1 << 0
	EventOut          EventFlags = 1 << 1
	EventBid          EventFlags = 1 << 2
	EventMaker        EventFlags = 1 << 3
	EventReleaseFunds EventFlags = 1 << 4
	// EventFullyOut marks an Out event whose resting order's open-orders
	// slot should be released entirely, as opposed to an Out that merely
	// returns a taker's unconsumed locked budget with no slot to free.
	EventFullyOut EventFlags = 1 << 5
)

func (f EventFlags) Has(bit EventFlags) bool { return f&bit != 0 }

// EventSize is the fixed encoded length of an Event record.
const EventSize = 1 + 1 + 1 + 5 + 8 + 8 + 8 + 8 + 8 + 32 + 8

// Event is the decoded in-memory form of one event-queue entry: a Fill or
// an Out, produced by the matching engine and consumed by ConsumeEvents.
type Event struct {
	Flags              EventFlags
	OwnerSlot          uint8
	FeeTier            uint8
	NativeQtyReleased  uint64
	NativeQtyPaid      uint64
	NativeFeeOrRebate  uint64
	OrderID            *uint256.Int
	Owner              [4]uint64
	ClientOrderID      uint64
}

// Encode serializes e into an EventSize-byte buffer for pushing onto the
// event queue's Ring.
func (e Event) Encode() []byte {
	buf := make([]byte, EventSize)
	buf[0] = byte(e.Flags)
	buf[1] = e.OwnerSlot
	buf[2] = e.FeeTier
	off := 8
	binary.LittleEndian.PutUint64(buf[off:], e.NativeQtyReleased)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], e.NativeQtyPaid)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], e.NativeFeeOrRebate)
	off += 8
	lo, hi := splitU128(e.OrderID)
	binary.LittleEndian.PutUint64(buf[off:], lo)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], hi)
	off += 8
	for _, w := range e.Owner {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], e.ClientOrderID)
	return buf
}

// DecodeEvent parses an EventSize-byte buffer produced by Encode.
func DecodeEvent(buf []byte) Event {
	e := Event{
		Flags:     EventFlags(buf[0]),
		OwnerSlot: buf[1],
		FeeTier:   buf[2],
	}
	off := 8
	e.NativeQtyReleased = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.NativeQtyPaid = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.NativeFeeOrRebate = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	lo := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	hi := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.OrderID = joinU128(lo, hi)
	for i := range e.Owner {
		e.Owner[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	e.ClientOrderID = binary.LittleEndian.Uint64(buf[off:])
	return e
}

func splitU128(v *uint256.Int) (lo, hi uint64) {
	if v == nil {
		return 0, 0
	}
	lo = v.Uint64()
	hi = new(uint256.Int).Rsh(v, 64).Uint64()
	return lo, hi
}

func joinU128(lo, hi uint64) *uint256.Int {
	v := new(uint256.Int).SetUint64(hi)
	v.Lsh(v, 64)
	v.Or(v, new(uint256.Int).SetUint64(lo))
	return v
}
