package market

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Market{
		OwnAddress:   [4]uint64{1, 2, 3, 4},
		BaseVault:    [4]uint64{5, 6, 7, 8},
		QuoteVault:   [4]uint64{9, 10, 11, 12},
		BaseLotSize:  100,
		QuoteLotSize: 1,
		VaultSignerNonce: 42,
		FeeRateBps:   22,
		Disabled:     false,
	}
	buf := m.Encode()
	if len(buf) != Size {
		t.Fatalf("Encode length = %d, want %d", len(buf), Size)
	}
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.BaseLotSize != 100 || decoded.QuoteLotSize != 1 || decoded.VaultSignerNonce != 42 {
		t.Fatalf("decoded mismatch: %+v", decoded)
	}
	if decoded.Disabled {
		t.Fatalf("decoded Disabled should be false")
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, err := Decode(make([]byte, Size-1)); err != ErrBadLength {
		t.Fatalf("Decode short buffer: err = %v, want ErrBadLength", err)
	}
}

func TestDeriveVaultSignerDeterministic(t *testing.T) {
	addr := [4]uint64{1, 2, 3, 4}
	a := DeriveVaultSigner(addr, 7)
	b := DeriveVaultSigner(addr, 7)
	if a != b {
		t.Fatalf("DeriveVaultSigner not deterministic: %x vs %x", a, b)
	}
	c := DeriveVaultSigner(addr, 8)
	if a == c {
		t.Fatalf("DeriveVaultSigner should differ across nonces")
	}
}
