package bitmap

import "testing"

func TestSetGet(t *testing.T) {
	b := New(129)
	if b.Get(0) {
		t.Fatal("expected bit 0 clear on a fresh bitmap")
	}
	b.Set(0, true)
	if !b.Get(0) {
		t.Fatal("expected bit 0 set after Set(0, true)")
	}
	b.Set(0, false)
	if b.Get(0) {
		t.Fatal("expected bit 0 clear after Set(0, false)")
	}
}

func TestFirstFalseAllocatesInOrder(t *testing.T) {
	b := New(129)
	for want := uint64(0); want < 10; want++ {
		got, ok := b.FirstFalse()
		if !ok {
			t.Fatalf("expected a free bit at iteration %d", want)
		}
		if got != want {
			t.Fatalf("expected first free bit %d, got %d", want, got)
		}
		b.Set(got, true)
	}
}

func TestFirstFalseAfterFree(t *testing.T) {
	b := New(129)
	ids := make([]uint64, 0, 5)
	for i := 0; i < 5; i++ {
		id, ok := b.FirstFalse()
		if !ok {
			t.Fatalf("expected a free id")
		}
		b.Set(id, true)
		ids = append(ids, id)
	}
	b.Set(ids[1], false)
	got, ok := b.FirstFalse()
	if !ok || got != ids[1] {
		t.Fatalf("expected freed id %d to be reused, got %d (ok=%v)", ids[1], got, ok)
	}
}

func TestFirstFalseFull(t *testing.T) {
	b := New(4)
	for i := uint64(0); i < 4; i++ {
		b.Set(i, true)
	}
	if _, ok := b.FirstFalse(); ok {
		t.Fatal("expected no free bit in a full bitmap")
	}
}

func TestSetGetPanicOutOfRange(t *testing.T) {
	b := New(8)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-range Set")
		}
	}()
	b.Set(8, true)
}

func TestBitOrderingIsMSBFirst(t *testing.T) {
	// Bit 0 is the MSB of word 0: setting it must flip the top bit.
	b := New(64)
	b.Set(0, true)
	if b.data[0] != 1<<63 {
		t.Fatalf("expected word 0 = 0x8000000000000000, got %#x", b.data[0])
	}
}

func TestOverAllocatesOneExtraWord(t *testing.T) {
	b := New(128)
	if len(b.data) != 128/64+1 {
		t.Fatalf("expected %d words, got %d", 128/64+1, len(b.data))
	}
}
