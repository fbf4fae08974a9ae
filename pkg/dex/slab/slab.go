// Package slab implements the crit-bit order tree: a slab-allocated, packed
// binary radix trie keyed on 128-bit order keys, stored in a caller-owned
// byte buffer. Every node access goes through a byte cursor
// (pkg/dex/record-style encode/decode) instead of unsafe pointer casts, and
// github.com/holiman/uint256 supplies the 128-bit key arithmetic Go has no
// native integer type for.
package slab

import (
	"encoding/binary"
	"errors"

	"github.com/holiman/uint256"

	"github.com/kshenoy-dev/critbook/pkg/dex/fees"
)

// NodeHandle is a 32-bit index into the slab's node array; handles are
// stable across insert/remove (apart from removal of the handle itself),
// unlike pointers, and serialize trivially.
type NodeHandle = uint32

const nilHandle NodeHandle = 0

type nodeTag uint32

const (
	tagUninitialized nodeTag = iota
	tagInner
	tagLeaf
	tagFree
	tagLastFree
)

// NodeSize is fixed across every variant; the first word of every node is
// its tag, so a generic slab can host mixed Inner/Leaf/Free nodes in one
// array.
const NodeSize = 72

const headerSize = 32 // bump_index u64, free_list_len u64, free_list_head u32, root_node u32, leaf_count u64

var (
	ErrOutOfSpace   = errors.New("slab: out of space")
	ErrSlabTooShort = errors.New("slab: buffer too small for header")
)

// LeafNode is the decoded, in-memory form of a resting order. Key encodes
// price in the upper 64 bits and a sequence-derived tiebreaker in the
// lower 64 (complemented for bids) so max(key) is always the best bid and
// min(key) the best ask.
type LeafNode struct {
	OwnerSlot     uint8
	FeeTier       fees.Tier
	Key           *uint256.Int
	Owner         [4]uint64 // 32-byte participant identity, 4 little-endian words
	Quantity      uint64
	ClientOrderID uint64
}

// Price returns the upper 64 bits of the order key.
func (l *LeafNode) Price() uint64 { return keyHigh(l.Key) }

// OrderID returns the full 128-bit key, which is also the order's public
// identifier handed back to clients on NewOrder.
func (l *LeafNode) OrderID() *uint256.Int { return l.Key }

func keyHigh(key *uint256.Int) uint64 {
	hi := new(uint256.Int).Rsh(key, 64)
	return hi.Uint64()
}

func keyLow(key *uint256.Int) uint64 { return key.Uint64() }

// SplitKey decomposes a 128-bit order key into the (low, high) u64 words
// every other record that references an order id by value (open-orders
// slots, event records) stores it as, instead of carrying a uint256
// dependency of their own.
func SplitKey(key *uint256.Int) (lo, hi uint64) { return keyLow(key), keyHigh(key) }

// JoinKey is SplitKey's inverse.
func JoinKey(lo, hi uint64) *uint256.Int {
	key := new(uint256.Int).SetUint64(hi)
	key.Lsh(key, 64)
	key.Or(key, new(uint256.Int).SetUint64(lo))
	return key
}

// PackKey builds a 128-bit order key from a price and a monotonic sequence
// number. Asks use the sequence number directly (lowest key = earliest =
// best ask at a tied price); bids use its bitwise complement (so the
// earliest order at a tied price has the highest key = best bid).
func PackKey(price uint64, seqNum uint64, isBid bool) *uint256.Int {
	lo := seqNum
	if isBid {
		lo = ^seqNum
	}
	key := new(uint256.Int).SetUint64(price)
	key.Lsh(key, 64)
	key.Or(key, new(uint256.Int).SetUint64(lo))
	return key
}

func encodeKey(dst []byte, key *uint256.Int) {
	binary.LittleEndian.PutUint64(dst[0:8], keyLow(key))
	binary.LittleEndian.PutUint64(dst[8:16], keyHigh(key))
}

func decodeKey(src []byte) *uint256.Int {
	lo := binary.LittleEndian.Uint64(src[0:8])
	hi := binary.LittleEndian.Uint64(src[8:16])
	key := new(uint256.Int).SetUint64(hi)
	key.Lsh(key, 64)
	key.Or(key, new(uint256.Int).SetUint64(lo))
	return key
}

type innerNode struct {
	prefixLen uint32
	key       *uint256.Int
	children  [2]NodeHandle
}

// Slab is a tagged-union node array over a caller-owned byte buffer: a
// 32-byte header followed by a flat array of fixed 72-byte nodes. Every
// node access goes through encode/decode rather than an unsafe cast, which
// keeps the type bit-stable across Go versions without relying on struct
// layout guarantees the language doesn't make.
type Slab struct {
	buf     []byte
	nodeBuf []byte
	nodeCnt uint32
}

// New wraps buf as a Slab, truncating any trailing bytes that don't form a
// whole node. buf must be pre-zeroed for a fresh slab or already hold a
// valid header for an existing one.
func New(buf []byte) (*Slab, error) {
	if len(buf) < headerSize {
		return nil, ErrSlabTooShort
	}
	nodeBuf := buf[headerSize:]
	nodeCnt := uint32(len(nodeBuf) / NodeSize)
	nodeBuf = nodeBuf[:int(nodeCnt)*NodeSize]
	return &Slab{buf: buf, nodeBuf: nodeBuf, nodeCnt: nodeCnt}, nil
}

// Capacity returns the number of node slots in the slab.
func (s *Slab) Capacity() uint32 { return s.nodeCnt }

// Bytes exposes the slab's full backing buffer (header plus node array),
// for callers that snapshot and restore account state around a failed
// instruction.
func (s *Slab) Bytes() []byte { return s.buf }

func (s *Slab) bumpIndex() uint64     { return binary.LittleEndian.Uint64(s.buf[0:8]) }
func (s *Slab) setBumpIndex(v uint64) { binary.LittleEndian.PutUint64(s.buf[0:8], v) }

func (s *Slab) freeListLen() uint64     { return binary.LittleEndian.Uint64(s.buf[8:16]) }
func (s *Slab) setFreeListLen(v uint64) { binary.LittleEndian.PutUint64(s.buf[8:16], v) }

func (s *Slab) freeListHead() NodeHandle     { return binary.LittleEndian.Uint32(s.buf[16:20]) }
func (s *Slab) setFreeListHead(v NodeHandle) { binary.LittleEndian.PutUint32(s.buf[16:20], v) }

func (s *Slab) rootNode() NodeHandle     { return binary.LittleEndian.Uint32(s.buf[20:24]) }
func (s *Slab) setRootNode(v NodeHandle) { binary.LittleEndian.PutUint32(s.buf[20:24], v) }

// LeafCount returns the number of live leaves (resting orders) in the slab.
func (s *Slab) LeafCount() uint64     { return binary.LittleEndian.Uint64(s.buf[24:32]) }
func (s *Slab) setLeafCount(v uint64) { binary.LittleEndian.PutUint64(s.buf[24:32], v) }

// IsEmpty reports whether the slab holds no live nodes.
func (s *Slab) IsEmpty() bool { return s.bumpIndex() == s.freeListLen() }

func (s *Slab) nodeSlot(h NodeHandle) []byte {
	off := int(h) * NodeSize
	return s.nodeBuf[off : off+NodeSize]
}

func (s *Slab) tagAt(h NodeHandle) nodeTag {
	return nodeTag(binary.LittleEndian.Uint32(s.nodeSlot(h)[0:4]))
}

// allocate reserves a node slot from the free list or by bumping the
// allocator.
func (s *Slab) allocate() (NodeHandle, error) {
	if s.freeListLen() == 0 {
		bi := s.bumpIndex()
		if bi >= uint64(s.nodeCnt) {
			return 0, ErrOutOfSpace
		}
		s.setBumpIndex(bi + 1)
		return NodeHandle(bi), nil
	}
	h := s.freeListHead()
	slot := s.nodeSlot(h)
	next := binary.LittleEndian.Uint32(slot[4:8])
	s.setFreeListHead(next)
	s.setFreeListLen(s.freeListLen() - 1)
	return h, nil
}

func (s *Slab) free(h NodeHandle) {
	slot := s.nodeSlot(h)
	tag := tagFree
	if s.freeListLen() == 0 {
		tag = tagLastFree
	}
	binary.LittleEndian.PutUint32(slot[0:4], uint32(tag))
	binary.LittleEndian.PutUint32(slot[4:8], s.freeListHead())
	for i := 8; i < NodeSize; i++ {
		slot[i] = 0
	}
	s.setFreeListLen(s.freeListLen() + 1)
	s.setFreeListHead(h)
}

func (s *Slab) writeLeaf(h NodeHandle, leaf *LeafNode) {
	slot := s.nodeSlot(h)
	binary.LittleEndian.PutUint32(slot[0:4], uint32(tagLeaf))
	slot[4] = leaf.OwnerSlot
	slot[5] = byte(leaf.FeeTier)
	slot[6] = 0
	slot[7] = 0
	encodeKey(slot[8:24], leaf.Key)
	for i, w := range leaf.Owner {
		binary.LittleEndian.PutUint64(slot[24+i*8:32+i*8], w)
	}
	binary.LittleEndian.PutUint64(slot[56:64], leaf.Quantity)
	binary.LittleEndian.PutUint64(slot[64:72], leaf.ClientOrderID)
}

func (s *Slab) readLeaf(h NodeHandle) *LeafNode {
	slot := s.nodeSlot(h)
	leaf := &LeafNode{
		OwnerSlot: slot[4],
		FeeTier:   fees.Tier(slot[5]),
		Key:       decodeKey(slot[8:24]),
	}
	for i := range leaf.Owner {
		leaf.Owner[i] = binary.LittleEndian.Uint64(slot[24+i*8 : 32+i*8])
	}
	leaf.Quantity = binary.LittleEndian.Uint64(slot[56:64])
	leaf.ClientOrderID = binary.LittleEndian.Uint64(slot[64:72])
	return leaf
}

func (s *Slab) writeInner(h NodeHandle, in *innerNode) {
	slot := s.nodeSlot(h)
	binary.LittleEndian.PutUint32(slot[0:4], uint32(tagInner))
	binary.LittleEndian.PutUint32(slot[4:8], in.prefixLen)
	encodeKey(slot[8:24], in.key)
	binary.LittleEndian.PutUint32(slot[24:28], in.children[0])
	binary.LittleEndian.PutUint32(slot[28:32], in.children[1])
	for i := 32; i < NodeSize; i++ {
		slot[i] = 0
	}
}

func (s *Slab) readInner(h NodeHandle) *innerNode {
	slot := s.nodeSlot(h)
	return &innerNode{
		prefixLen: binary.LittleEndian.Uint32(slot[4:8]),
		key:       decodeKey(slot[8:24]),
		children: [2]NodeHandle{
			binary.LittleEndian.Uint32(slot[24:28]),
			binary.LittleEndian.Uint32(slot[28:32]),
		},
	}
}

func (s *Slab) setQuantity(h NodeHandle, qty uint64) {
	binary.LittleEndian.PutUint64(s.nodeSlot(h)[56:64], qty)
}

// keyAt returns the key of an inner or leaf node at h.
func (s *Slab) keyAt(h NodeHandle) *uint256.Int {
	return decodeKey(s.nodeSlot(h)[8:24])
}

func (s *Slab) root() (NodeHandle, bool) {
	if s.LeafCount() == 0 {
		return 0, false
	}
	return s.rootNode(), true
}

func (s *Slab) findMinMax(findMax bool) (NodeHandle, bool) {
	root, ok := s.root()
	if !ok {
		return 0, false
	}
	for {
		if s.tagAt(root) != tagInner {
			return root, true
		}
		in := s.readInner(root)
		idx := 0
		if findMax {
			idx = 1
		}
		root = in.children[idx]
	}
}

// FindMin returns the handle of the lowest-keyed leaf (best ask).
func (s *Slab) FindMin() (NodeHandle, bool) { return s.findMinMax(false) }

// FindMax returns the handle of the highest-keyed leaf (best bid).
func (s *Slab) FindMax() (NodeHandle, bool) { return s.findMinMax(true) }

// Get returns the leaf at handle h, or false if h doesn't name a live leaf.
func (s *Slab) Get(h NodeHandle) (*LeafNode, bool) {
	if h >= s.nodeCnt || s.tagAt(h) != tagLeaf {
		return nil, false
	}
	return s.readLeaf(h), true
}

// SetQuantity mutates a resting leaf's remaining quantity in place.
func (s *Slab) SetQuantity(h NodeHandle, qty uint64) { s.setQuantity(h, qty) }

// InsertLeaf inserts newLeaf, splitting at the first point the new key and
// an existing node's key diverge. If a leaf with the exact same key already
// exists the insert clobbers it in place and returns the displaced leaf;
// that case is structurally unreachable given monotonic sequence numbers
// and exists only as defense in depth.
func (s *Slab) InsertLeaf(newLeaf *LeafNode) (NodeHandle, *LeafNode, error) {
	root, ok := s.root()
	if !ok {
		h, err := s.allocate()
		if err != nil {
			return 0, nil, err
		}
		s.writeLeaf(h, newLeaf)
		s.setRootNode(h)
		s.setLeafCount(1)
		return h, nil, nil
	}

	for {
		rootKey := s.keyAt(root)
		if rootKey.Eq(newLeaf.Key) && s.tagAt(root) == tagLeaf {
			old := s.readLeaf(root)
			s.writeLeaf(root, newLeaf)
			return root, old, nil
		}

		sharedPrefixLen := leadingZeros128(xor256(rootKey, newLeaf.Key))

		if s.tagAt(root) == tagInner {
			in := s.readInner(root)
			if sharedPrefixLen >= in.prefixLen {
				root = in.children[critBit(newLeaf.Key, in.prefixLen)]
				continue
			}
		}

		newLeafBit := critBit(newLeaf.Key, sharedPrefixLen)
		oldRootBit := 1 - newLeafBit

		newLeafHandle, err := s.allocate()
		if err != nil {
			return 0, nil, ErrOutOfSpace
		}
		s.writeLeaf(newLeafHandle, newLeaf)

		movedRootHandle, err := s.allocate()
		if err != nil {
			s.free(newLeafHandle)
			return 0, nil, ErrOutOfSpace
		}
		copy(s.nodeSlot(movedRootHandle), s.nodeSlot(root))

		var children [2]NodeHandle
		children[newLeafBit] = newLeafHandle
		children[oldRootBit] = movedRootHandle
		s.writeInner(root, &innerNode{
			prefixLen: sharedPrefixLen,
			key:       newLeaf.Key,
			children:  children,
		})
		s.setLeafCount(s.LeafCount() + 1)
		return newLeafHandle, nil, nil
	}
}

// FindByKey looks up the leaf with the given key without removing it. It
// walks the same crit-bit path RemoveByKey does, so a miss (no leaf with
// this key) is reported as ok == false rather than aliasing onto some
// unrelated occupied slot.
func (s *Slab) FindByKey(key *uint256.Int) (*LeafNode, bool) {
	root, ok := s.root()
	if !ok {
		return nil, false
	}
	h := root
	for s.tagAt(h) == tagInner {
		in := s.readInner(h)
		h = in.children[critBit(key, in.prefixLen)]
	}
	leaf := s.readLeaf(h)
	if !leaf.Key.Eq(key) {
		return nil, false
	}
	return leaf, true
}

// RemoveByKey removes and returns the leaf with the exact key, or false if
// no such leaf exists.
func (s *Slab) RemoveByKey(key *uint256.Int) (*LeafNode, bool) {
	root, ok := s.root()
	if !ok {
		return nil, false
	}
	if s.tagAt(root) == tagLeaf {
		leaf := s.readLeaf(root)
		if !leaf.Key.Eq(key) {
			return nil, false
		}
		s.free(root)
		s.setRootNode(0)
		s.setLeafCount(0)
		return leaf, true
	}

	parent := root
	in := s.readInner(parent)
	child := in.children[critBit(key, in.prefixLen)]

	for {
		if s.tagAt(child) == tagInner {
			cin := s.readInner(child)
			parent = child
			child = cin.children[critBit(key, cin.prefixLen)]
			continue
		}
		leaf := s.readLeaf(child)
		if !leaf.Key.Eq(key) {
			return nil, false
		}
		break
	}

	parentIn := s.readInner(parent)
	var otherBit int
	if parentIn.children[0] == child {
		otherBit = 1
	} else {
		otherBit = 0
	}
	otherChild := parentIn.children[otherBit]
	copy(s.nodeSlot(parent), s.nodeSlot(otherChild))
	s.free(otherChild)
	removed := s.readLeaf(child)
	s.free(child)
	s.setLeafCount(s.LeafCount() - 1)
	return removed, true
}

// RemoveMin removes and returns the lowest-keyed leaf (the resting order
// evicted when bids overflow).
func (s *Slab) RemoveMin() (*LeafNode, bool) {
	h, ok := s.FindMin()
	if !ok {
		return nil, false
	}
	leaf, _ := s.Get(h)
	return s.RemoveByKey(leaf.Key)
}

// RemoveMax removes and returns the highest-keyed leaf (the resting order
// evicted when asks overflow).
func (s *Slab) RemoveMax() (*LeafNode, bool) {
	h, ok := s.FindMax()
	if !ok {
		return nil, false
	}
	leaf, _ := s.Get(h)
	return s.RemoveByKey(leaf.Key)
}

// Iterate walks every live leaf in ascending key order (lowest price first
// on the ask side, worst bid first on the bid side), calling fn for each.
// Traversal stops early if fn returns false. Used by read-only depth
// reporting, which has no need to mutate the tree and so never goes
// through RemoveMin/RemoveMax.
func (s *Slab) Iterate(fn func(*LeafNode) bool) {
	root, ok := s.root()
	if !ok {
		return
	}
	s.walk(root, fn)
}

func (s *Slab) walk(h NodeHandle, fn func(*LeafNode) bool) bool {
	if s.tagAt(h) == tagLeaf {
		return fn(s.readLeaf(h))
	}
	in := s.readInner(h)
	if !s.walk(in.children[0], fn) {
		return false
	}
	return s.walk(in.children[1], fn)
}

// critBit returns the bit of key at position p counting from the MSB of a
// 128-bit value (bit 0 = most significant).
func critBit(key *uint256.Int, p uint32) int {
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(127-p))
	if new(uint256.Int).And(key, mask).IsZero() {
		return 0
	}
	return 1
}

func xor256(a, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Xor(a, b)
}

// leadingZeros128 counts leading zero bits of a 128-bit value held in the
// low two words of a uint256.Int (the upper two words are always zero for
// order keys).
func leadingZeros128(v *uint256.Int) uint32 {
	hi := keyHigh(v)
	if hi != 0 {
		return uint32(leadingZeros64(hi))
	}
	return 64 + uint32(leadingZeros64(keyLow(v)))
}

func leadingZeros64(v uint64) int {
	n := 0
	for bit := uint(63); ; bit-- {
		if v&(1<<bit) != 0 {
			return n
		}
		n++
		if bit == 0 {
			break
		}
	}
	return n
}
