// Package instruction implements the wire format every dispatched
// instruction is decoded from: a one-byte version, a four-byte
// little-endian discriminant, and a fixed-length payload per discriminant.
package instruction

import (
	"encoding/binary"

	"github.com/holiman/uint256"

	"github.com/kshenoy-dev/critbook/pkg/dex/dexerr"
)

// Side encodes which book an order/cancel targets.
type Side uint8

const (
	Bid Side = 0
	Ask Side = 1
)

// OrderType controls whether an order may rest on the book after matching.
type OrderType uint8

const (
	Limit            OrderType = 0
	ImmediateOrCancel OrderType = 1
	PostOnly         OrderType = 2
)

// SelfTradeBehavior selects the arbitration policy when an aggressor would
// cross its own resting order.
type SelfTradeBehavior uint8

const (
	DecrementTake   SelfTradeBehavior = 0
	CancelProvide   SelfTradeBehavior = 1
	AbortTransaction SelfTradeBehavior = 2
)

// Discriminant identifies which instruction a buffer decodes to.
type Discriminant uint32

const (
	DiscInitializeMarket Discriminant = 0
	DiscNewOrder         Discriminant = 1
	DiscMatchOrders      Discriminant = 2
	DiscConsumeEvents    Discriminant = 3
	DiscCancelOrder      Discriminant = 4
	DiscSettleFunds      Discriminant = 5
	DiscCancelOrderByClientId Discriminant = 6
	DiscDisableMarket    Discriminant = 7
	DiscSweepFees        Discriminant = 8
	DiscNewOrderV3       Discriminant = 10
	DiscCancelOrderV2    Discriminant = 11
	DiscCancelOrderByClientIdV2 Discriminant = 12
)

const wireVersion = 0

type InitializeMarket struct {
	CoinLotSize      uint64
	PcLotSize        uint64
	FeeRateBps       uint16
	VaultSignerNonce uint64
	PcDustThreshold  uint64
}

type NewOrder struct {
	Side      Side
	LimitPrice uint64
	MaxQty    uint64
	OrderType OrderType
	ClientID  uint64
}

type MatchOrders struct {
	Limit uint16
}

type ConsumeEvents struct {
	Limit uint16
}

type CancelOrder struct {
	Side      Side
	OrderID   *uint256.Int
	Owner     [32]byte
	OwnerSlot uint8
}

type CancelOrderByClientId struct {
	ClientID uint64
}

type NewOrderV3 struct {
	Side                          Side
	LimitPrice                    uint64
	MaxCoinQty                    uint64
	MaxNativePcQtyIncludingFees   uint64
	SelfTradeBehavior             SelfTradeBehavior
	OrderType                     OrderType
	ClientOrderID                 uint64
	Limit                         uint16
}

type CancelOrderV2 struct {
	Side    Side
	OrderID *uint256.Int
}

type CancelOrderByClientIdV2 struct {
	ClientOrderID uint64
}

// Instruction is the decoded form of any wire instruction; exactly one of
// its typed fields is non-nil, matching Disc.
type Instruction struct {
	Disc Discriminant

	InitializeMarket       *InitializeMarket
	NewOrder               *NewOrder
	MatchOrders            *MatchOrders
	ConsumeEvents          *ConsumeEvents
	CancelOrder            *CancelOrder
	CancelOrderByClientId  *CancelOrderByClientId
	NewOrderV3             *NewOrderV3
	CancelOrderV2          *CancelOrderV2
	CancelOrderByClientIdV2 *CancelOrderByClientIdV2
}

// Decode parses a wire instruction buffer. Any out-of-range discriminant,
// version, side, order-type, or self-trade-behavior byte is rejected with
// ErrInvalidInstruction rather than partially decoded.
func Decode(buf []byte) (*Instruction, error) {
	if len(buf) < 5 {
		return nil, dexerr.ErrInvalidInstruction
	}
	if buf[0] != wireVersion {
		return nil, dexerr.ErrInvalidInstruction
	}
	disc := Discriminant(binary.LittleEndian.Uint32(buf[1:5]))
	payload := buf[5:]

	switch disc {
	case DiscInitializeMarket:
		if len(payload) != 8+8+2+8+8 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		return &Instruction{Disc: disc, InitializeMarket: &InitializeMarket{
			CoinLotSize:      r.u64(),
			PcLotSize:        r.u64(),
			FeeRateBps:       r.u16(),
			VaultSignerNonce: r.u64(),
			PcDustThreshold:  r.u64(),
		}}, nil

	case DiscNewOrder:
		if len(payload) != 4+8+8+4+8 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		side, err := decodeSide(r.u32())
		if err != nil {
			return nil, err
		}
		limitPrice := r.u64()
		maxQty := r.u64()
		otRaw := r.u32()
		ot, err := decodeOrderType(otRaw)
		if err != nil {
			return nil, err
		}
		clientID := r.u64()
		if limitPrice == 0 || maxQty == 0 {
			return nil, dexerr.ErrInvalidInstruction
		}
		return &Instruction{Disc: disc, NewOrder: &NewOrder{
			Side: side, LimitPrice: limitPrice, MaxQty: maxQty, OrderType: ot, ClientID: clientID,
		}}, nil

	case DiscMatchOrders:
		if len(payload) != 2 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		return &Instruction{Disc: disc, MatchOrders: &MatchOrders{Limit: r.u16()}}, nil

	case DiscConsumeEvents:
		if len(payload) != 2 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		return &Instruction{Disc: disc, ConsumeEvents: &ConsumeEvents{Limit: r.u16()}}, nil

	case DiscCancelOrder:
		if len(payload) != 4+16+32+1 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		side, err := decodeSide(r.u32())
		if err != nil {
			return nil, err
		}
		orderID := r.u128()
		var owner [32]byte
		copy(owner[:], r.bytes(32))
		ownerSlot := r.u8()
		return &Instruction{Disc: disc, CancelOrder: &CancelOrder{
			Side: side, OrderID: orderID, Owner: owner, OwnerSlot: ownerSlot,
		}}, nil

	case DiscSettleFunds:
		if len(payload) != 0 {
			return nil, dexerr.ErrInvalidInstruction
		}
		return &Instruction{Disc: disc}, nil

	case DiscCancelOrderByClientId:
		if len(payload) != 8 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		return &Instruction{Disc: disc, CancelOrderByClientId: &CancelOrderByClientId{ClientID: r.u64()}}, nil

	case DiscDisableMarket, DiscSweepFees:
		if len(payload) != 0 {
			return nil, dexerr.ErrInvalidInstruction
		}
		return &Instruction{Disc: disc}, nil

	case DiscNewOrderV3:
		if len(payload) != 1+8+8+8+1+1+8+2 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		side, err := decodeSide(uint32(r.u8()))
		if err != nil {
			return nil, err
		}
		limitPrice := r.u64()
		maxCoinQty := r.u64()
		maxNativePc := r.u64()
		stb, err := decodeSelfTradeBehavior(r.u8())
		if err != nil {
			return nil, err
		}
		ot, err := decodeOrderType(uint32(r.u8()))
		if err != nil {
			return nil, err
		}
		clientOrderID := r.u64()
		limit := r.u16()
		if limitPrice == 0 || maxCoinQty == 0 || maxNativePc == 0 {
			return nil, dexerr.ErrInvalidInstruction
		}
		return &Instruction{Disc: disc, NewOrderV3: &NewOrderV3{
			Side: side, LimitPrice: limitPrice, MaxCoinQty: maxCoinQty,
			MaxNativePcQtyIncludingFees: maxNativePc, SelfTradeBehavior: stb,
			OrderType: ot, ClientOrderID: clientOrderID, Limit: limit,
		}}, nil

	case DiscCancelOrderV2:
		if len(payload) != 1+16 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		side, err := decodeSide(uint32(r.u8()))
		if err != nil {
			return nil, err
		}
		orderID := r.u128()
		return &Instruction{Disc: disc, CancelOrderV2: &CancelOrderV2{Side: side, OrderID: orderID}}, nil

	case DiscCancelOrderByClientIdV2:
		if len(payload) != 8 {
			return nil, dexerr.ErrInvalidInstruction
		}
		r := cursor{b: payload}
		clientOrderID := r.u64()
		if clientOrderID == 0 {
			return nil, dexerr.ErrInvalidInstruction
		}
		return &Instruction{Disc: disc, CancelOrderByClientIdV2: &CancelOrderByClientIdV2{ClientOrderID: clientOrderID}}, nil

	default:
		return nil, dexerr.ErrInvalidInstruction
	}
}

func decodeSide(v uint32) (Side, error) {
	switch v {
	case 0:
		return Bid, nil
	case 1:
		return Ask, nil
	default:
		return 0, dexerr.ErrInvalidInstruction
	}
}

func decodeOrderType(v uint32) (OrderType, error) {
	switch v {
	case 0:
		return Limit, nil
	case 1:
		return ImmediateOrCancel, nil
	case 2:
		return PostOnly, nil
	default:
		return 0, dexerr.ErrInvalidInstruction
	}
}

func decodeSelfTradeBehavior(v uint8) (SelfTradeBehavior, error) {
	switch v {
	case 0:
		return DecrementTake, nil
	case 1:
		return CancelProvide, nil
	case 2:
		return AbortTransaction, nil
	default:
		return 0, dexerr.ErrInvalidInstruction
	}
}

// cursor is a minimal little-endian reader local to instruction decoding;
// it intentionally doesn't reuse pkg/dex/record's Reader/Writer, which are
// scoped to account-buffer records rather than one-shot wire payloads.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) u8() uint8 {
	v := c.b[c.off]
	c.off++
	return v
}

func (c *cursor) u16() uint16 {
	v := binary.LittleEndian.Uint16(c.b[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	v := binary.LittleEndian.Uint32(c.b[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64() uint64 {
	v := binary.LittleEndian.Uint64(c.b[c.off:])
	c.off += 8
	return v
}

func (c *cursor) bytes(n int) []byte {
	v := c.b[c.off : c.off+n]
	c.off += n
	return v
}

func (c *cursor) u128() *uint256.Int {
	lo := c.u64()
	hi := c.u64()
	key := new(uint256.Int).SetUint64(hi)
	key.Lsh(key, 64)
	key.Or(key, new(uint256.Int).SetUint64(lo))
	return key
}

// EncodeNewOrderV3 builds a wire buffer for a NewOrderV3 instruction; used
// by tests and by any off-chain client embedded in this module.
func EncodeNewOrderV3(o NewOrderV3) []byte {
	buf := make([]byte, 5+1+8+8+8+1+1+8+2)
	buf[0] = wireVersion
	binary.LittleEndian.PutUint32(buf[1:5], uint32(DiscNewOrderV3))
	off := 5
	buf[off] = uint8(o.Side)
	off++
	binary.LittleEndian.PutUint64(buf[off:], o.LimitPrice)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.MaxCoinQty)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], o.MaxNativePcQtyIncludingFees)
	off += 8
	buf[off] = uint8(o.SelfTradeBehavior)
	off++
	buf[off] = uint8(o.OrderType)
	off++
	binary.LittleEndian.PutUint64(buf[off:], o.ClientOrderID)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], o.Limit)
	return buf
}
