package storage

import (
	"testing"

	"github.com/anselmo-ruiz/featurestore/hashkey"
)

func TestStoreRoutesByHighBits(t *testing.T) {
	s := NewStoreWithSizes(t.TempDir(), 16, 64) // 4-bit routing (shift=60)
	h := uint64(0x5) << 60                      // slot 5
	slot, err := s.GetSlot(h)
	if err != nil {
		t.Fatal(err)
	}
	if slot.ID != 5 {
		t.Fatalf("expected slot 5, got %d", slot.ID)
	}
}

func TestStoreSingleSlotRoutesEverythingToSlotZero(t *testing.T) {
	s := NewStoreWithSizes(t.TempDir(), 1, 64)
	if _, err := s.GetSlot(1 << 63); err != nil {
		t.Fatalf("single-slot store should route everything to slot 0, got %v", err)
	}
}

func TestStoreGetPageForKey(t *testing.T) {
	s := NewStoreWithSizes(t.TempDir(), 16, 64)
	key := "101110001"
	h := hashkey.Hash(key)
	slot, page, err := s.GetPage(h)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if page.MinPK != 0 {
		t.Fatalf("expected the initial full-range page, got MinPK=%d", page.MinPK)
	}
	expectedSlot, _ := s.GetSlot(h)
	if slot.ID != expectedSlot.ID {
		t.Fatalf("GetPage's slot (%d) disagrees with GetSlot (%d)", slot.ID, expectedSlot.ID)
	}
}
