package slab

import (
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
)

func newSlab(t *testing.T, nodes int) *Slab {
	t.Helper()
	buf := make([]byte, headerSize+nodes*NodeSize)
	s, err := New(buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPackKeyOrdering(t *testing.T) {
	// Asks: lower sequence number at the same price sorts first (min-key).
	a1 := PackKey(100, 1, false)
	a2 := PackKey(100, 2, false)
	if a1.Cmp(a2) >= 0 {
		t.Fatalf("ask seq 1 should sort before seq 2: %v vs %v", a1, a2)
	}

	// Bids: lower sequence number at the same price sorts LAST in raw key
	// order (complemented), so it stays the max-key once a later order
	// arrives; first-in-time wins ties on both sides.
	b1 := PackKey(100, 1, true)
	b2 := PackKey(100, 2, true)
	if b1.Cmp(b2) <= 0 {
		t.Fatalf("bid seq 1 should sort after seq 2 (complemented): %v vs %v", b1, b2)
	}

	// Price dominates sequence regardless of side.
	hi := PackKey(200, 1, false)
	lo := PackKey(100, 9999, false)
	if hi.Cmp(lo) <= 0 {
		t.Fatalf("higher price must produce a larger key: %v vs %v", hi, lo)
	}
}

func TestSlabInsertFindRemoveSingle(t *testing.T) {
	s := newSlab(t, 8)
	key := PackKey(50, 1, false)
	leaf := &LeafNode{OwnerSlot: 0, Key: key, Owner: [4]uint64{1, 2, 3, 4}, Quantity: 10}

	h, displaced, err := s.InsertLeaf(leaf)
	if err != nil {
		t.Fatalf("InsertLeaf: %v", err)
	}
	if displaced != nil {
		t.Fatalf("expected no displaced leaf on first insert")
	}
	if s.LeafCount() != 1 {
		t.Fatalf("leaf count = %d, want 1", s.LeafCount())
	}

	got, ok := s.Get(h)
	if !ok || got.Quantity != 10 {
		t.Fatalf("Get after insert: ok=%v got=%+v", ok, got)
	}

	removed, ok := s.RemoveByKey(key)
	if !ok || removed.Quantity != 10 {
		t.Fatalf("RemoveByKey: ok=%v removed=%+v", ok, removed)
	}
	if !s.IsEmpty() {
		t.Fatalf("slab should be empty after removing its only leaf")
	}
}

func TestSlabFindMinMax(t *testing.T) {
	s := newSlab(t, 32)
	prices := []uint64{500, 100, 900, 300, 700}
	for i, p := range prices {
		_, _, err := s.InsertLeaf(&LeafNode{Key: PackKey(p, uint64(i+1), false), Quantity: 1})
		if err != nil {
			t.Fatalf("InsertLeaf(%d): %v", p, err)
		}
	}

	minH, ok := s.FindMin()
	if !ok {
		t.Fatalf("FindMin: not found")
	}
	minLeaf, _ := s.Get(minH)
	if minLeaf.Price() != 100 {
		t.Fatalf("FindMin price = %d, want 100", minLeaf.Price())
	}

	maxH, ok := s.FindMax()
	if !ok {
		t.Fatalf("FindMax: not found")
	}
	maxLeaf, _ := s.Get(maxH)
	if maxLeaf.Price() != 900 {
		t.Fatalf("FindMax price = %d, want 900", maxLeaf.Price())
	}
}

// TestSlabSimulateOperations performs a randomized sequence of inserts and
// removals against an in-memory oracle map keyed by price, checking FindMin
// agreement after every step.
func TestSlabSimulateOperations(t *testing.T) {
	const capacity = 256
	s := newSlab(t, capacity)
	oracle := map[uint64]bool{}
	rng := rand.New(rand.NewSource(1))

	var seq uint64
	for i := 0; i < 2000; i++ {
		price := uint64(rng.Intn(capacity / 2))
		if present, exists := oracle[price]; exists && present {
			// remove
			key := findKeyForPrice(s, price)
			if key != nil {
				if _, ok := s.RemoveByKey(key); !ok {
					t.Fatalf("oracle says price %d present but RemoveByKey failed", price)
				}
			}
			oracle[price] = false
		} else {
			seq++
			if s.LeafCount() >= capacity-1 {
				continue
			}
			_, _, err := s.InsertLeaf(&LeafNode{Key: PackKey(price, seq, false), Quantity: 1})
			if err != nil {
				continue
			}
			oracle[price] = true
		}

		wantMin, wantMinOK := minPresent(oracle)
		gotMinH, gotMinOK := s.FindMin()
		if wantMinOK != gotMinOK {
			t.Fatalf("step %d: FindMin presence mismatch want=%v got=%v", i, wantMinOK, gotMinOK)
		}
		if gotMinOK {
			gotMin, _ := s.Get(gotMinH)
			if gotMin.Price() != wantMin {
				t.Fatalf("step %d: FindMin = %d, want %d", i, gotMin.Price(), wantMin)
			}
		}
	}
}

func minPresent(oracle map[uint64]bool) (uint64, bool) {
	found := false
	var min uint64
	for p, present := range oracle {
		if !present {
			continue
		}
		if !found || p < min {
			min = p
			found = true
		}
	}
	return min, found
}

func TestSplitKeyJoinKeyRoundTrip(t *testing.T) {
	key := PackKey(12345, 987, true)
	lo, hi := SplitKey(key)
	rejoined := JoinKey(lo, hi)
	if rejoined.Cmp(key) != 0 {
		t.Fatalf("JoinKey(SplitKey(key)) = %v, want %v", rejoined, key)
	}
}

func TestFindByKeyMissDoesNotAliasUnrelatedLeaf(t *testing.T) {
	s := newSlab(t, 8)
	present := PackKey(50, 1, false)
	if _, _, err := s.InsertLeaf(&LeafNode{Key: present, Owner: [4]uint64{1}, Quantity: 1}); err != nil {
		t.Fatalf("InsertLeaf: %v", err)
	}

	absent := PackKey(999, 1, false)
	if _, ok := s.FindByKey(absent); ok {
		t.Fatalf("FindByKey found a leaf for a key that was never inserted")
	}
	found, ok := s.FindByKey(present)
	if !ok || !found.Key.Eq(present) {
		t.Fatalf("FindByKey missed the inserted leaf")
	}
}

func findKeyForPrice(s *Slab, price uint64) *uint256.Int {
	h, ok := s.FindMin()
	if !ok {
		return nil
	}
	// Linear scan via repeated min-walk would mutate the tree, so instead
	// walk leaves by re-deriving from FindMin/FindMax is insufficient for
	// an arbitrary price; for this oracle test we only ever remove a price
	// we can locate by re-scanning handles 0..Capacity.
	for handle := NodeHandle(0); handle < s.Capacity(); handle++ {
		leaf, ok := s.Get(handle)
		if ok && leaf.Price() == price {
			return leaf.Key
		}
	}
	_ = h
	return nil
}
