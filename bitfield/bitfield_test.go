package bitfield

import "testing"

func TestGetSetClear(t *testing.T) {
	b := New(10)
	if b.Get(0) {
		t.Fatal("expected bit 0 clear initially")
	}
	b.Set(0)
	if !b.Get(0) {
		t.Fatal("expected bit 0 set")
	}
	b.Clear(0)
	if b.Get(0) {
		t.Fatal("expected bit 0 clear after Clear")
	}
}

func TestBitOrderingIsMSBFirst(t *testing.T) {
	b := New(8)
	b.Set(0)
	if b.RawBytes()[0] != 0x80 {
		t.Fatalf("expected bit 0 to be MSB of byte 0, got %08b", b.RawBytes()[0])
	}
	b.Clear(0)
	b.Set(7)
	if b.RawBytes()[0] != 0x01 {
		t.Fatalf("expected bit 7 to be LSB of byte 0, got %08b", b.RawBytes()[0])
	}
}

func TestCardinality(t *testing.T) {
	b := New(20)
	for _, i := range []int{0, 3, 19} {
		b.Set(i)
	}
	if b.Cardinality() != 3 {
		t.Fatalf("expected cardinality 3, got %d", b.Cardinality())
	}
}

func TestHexRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 16, 100, 257} {
		b := New(n)
		for i := 0; i < n; i += 3 {
			b.Set(i)
		}
		h := b.ToHex()
		b2, err := FromHex(n, h)
		if err != nil {
			t.Fatalf("n=%d: FromHex: %s", n, err)
		}
		if b2.ToHex() != h {
			t.Fatalf("n=%d: round trip mismatch", n)
		}
		for i := 0; i < n; i++ {
			if b.Get(i) != b2.Get(i) {
				t.Fatalf("n=%d: bit %d mismatch after round trip", n, i)
			}
		}
	}
}

func TestFromHexRejectsDirtyPadding(t *testing.T) {
	// n=1 means only the MSB of the single byte is meaningful; 0xFF has
	// padding bits set and must be rejected by the strict decoder.
	if _, err := FromHex(1, "ff"); err == nil {
		t.Fatal("expected error for dirty padding bits")
	}
	// FromBytes, used for wire-received bitfields, should mask instead of
	// erroring.
	b, err := FromBytes(1, []byte{0xFF})
	if err != nil {
		t.Fatalf("FromBytes: %s", err)
	}
	if b.RawBytes()[0] != 0x80 {
		t.Fatalf("expected padding masked to 0x80, got %08b", b.RawBytes()[0])
	}
}

func TestCompleteAndSetAll(t *testing.T) {
	b := New(5)
	if b.Complete() {
		t.Fatal("expected incomplete bitfield")
	}
	b.SetAll(true)
	if !b.Complete() {
		t.Fatal("expected complete bitfield after SetAll(true)")
	}
	if b.Cardinality() != 5 {
		t.Fatalf("expected cardinality 5, got %d", b.Cardinality())
	}
}

func TestSetBits(t *testing.T) {
	b := New(8)
	b.Set(1)
	b.Set(4)
	got := b.SetBits()
	if len(got) != 2 || got[0] != 1 || got[1] != 4 {
		t.Fatalf("unexpected set bits: %v", got)
	}
}
