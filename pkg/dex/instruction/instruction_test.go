package instruction

import "testing"

func TestDecodeNewOrderV3RoundTrip(t *testing.T) {
	want := NewOrderV3{
		Side:                        Ask,
		LimitPrice:                  99_000,
		MaxCoinQty:                  4,
		MaxNativePcQtyIncludingFees: 1,
		SelfTradeBehavior:           AbortTransaction,
		OrderType:                   Limit,
		ClientOrderID:               0xabcd,
		Limit:                       65,
	}
	buf := EncodeNewOrderV3(want)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Disc != DiscNewOrderV3 || got.NewOrderV3 == nil {
		t.Fatalf("wrong discriminant: %+v", got)
	}
	if *got.NewOrderV3 != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", *got.NewOrderV3, want)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	buf := EncodeNewOrderV3(NewOrderV3{Side: Bid, LimitPrice: 1, MaxCoinQty: 1, MaxNativePcQtyIncludingFees: 1})
	buf[0] = 1
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for bad version")
	}
}

func TestDecodeRejectsUnknownDiscriminant(t *testing.T) {
	buf := make([]byte, 5)
	buf[1] = 9 // discriminant 9 is intentionally absent from the table
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for unknown discriminant 9")
	}
}

func TestDecodeRejectsZeroPrice(t *testing.T) {
	buf := EncodeNewOrderV3(NewOrderV3{Side: Bid, LimitPrice: 0, MaxCoinQty: 1, MaxNativePcQtyIncludingFees: 1})
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for zero limit price")
	}
}

func TestDecodeSettleFundsNoPayload(t *testing.T) {
	buf := make([]byte, 5)
	buf[1] = byte(DiscSettleFunds)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Disc != DiscSettleFunds {
		t.Fatalf("wrong discriminant")
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	if _, err := Decode([]byte{0, 1, 0}); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}
