package matching

import "encoding/binary"

// RequestFlags tags what kind of instruction a legacy request-queue entry
// recorded.
type RequestFlags uint8

const (
	RequestNewOrder RequestFlags = 1 << iota
	RequestCancelOrder
	RequestBid
)

func (f RequestFlags) Has(bit RequestFlags) bool { return f&bit != 0 }

// RequestSize is the fixed encoded length of a Request record: flags u8,
// owner_slot u8, 6 bytes padding, limit_price u64, max_qty u64, owner
// 32 bytes, client_order_id u64.
const RequestSize = 1 + 1 + 6 + 8 + 8 + 32 + 8

// Request is the decoded form of a legacy (non-V3) NewOrder/CancelOrder
// instruction as it would have been recorded on the request queue for a
// later MatchOrders crank to process. critbook's dispatcher applies
// NewOrderV3/CancelOrderV2 synchronously instead and rejects MatchOrders
// with dexerr.ErrInvalidInstruction, so Encode/DecodeRequest exist only to
// let the legacy NewOrder entry point record what it used to enqueue rather
// than silently dropping it. The legacy CancelOrder is applied directly and
// enqueues nothing.
type Request struct {
	Flags         RequestFlags
	OwnerSlot     uint8
	LimitPrice    uint64
	MaxQty        uint64
	Owner         [4]uint64
	ClientOrderID uint64
}

// Encode serializes r into a RequestSize-byte buffer.
func (r Request) Encode() []byte {
	buf := make([]byte, RequestSize)
	buf[0] = byte(r.Flags)
	buf[1] = r.OwnerSlot
	off := 8
	binary.LittleEndian.PutUint64(buf[off:], r.LimitPrice)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.MaxQty)
	off += 8
	for _, w := range r.Owner {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], r.ClientOrderID)
	return buf
}

// DecodeRequest parses a RequestSize-byte buffer produced by Encode.
func DecodeRequest(buf []byte) Request {
	r := Request{Flags: RequestFlags(buf[0]), OwnerSlot: buf[1]}
	off := 8
	r.LimitPrice = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.MaxQty = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	for i := range r.Owner {
		r.Owner[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	r.ClientOrderID = binary.LittleEndian.Uint64(buf[off:])
	return r
}
