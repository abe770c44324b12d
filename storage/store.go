package storage

import (
	"fmt"

	"github.com/anselmo-ruiz/featurestore/wal"
)

// SlotNumByBit determines the slot count (4096) and the routing shift.
const SlotNumByBit = 12

// SlotCount is the fixed number of slots a Store holds.
const SlotCount = 1 << SlotNumByBit

// Store is the fixed array of slots a key-hash routes through. Grounded
// on feature_base/src/store/mod.rs / feature_node's top-level store
// handle.
type Store struct {
	DataDir   string
	Slots     []*Slot
	slotShift uint
}

// NewStore builds a full-size Store (SlotCount slots, each sized for
// PageNum page ids) with every slot freshly initialized to a single page
// covering the whole hash range — the state Recovery installs before
// replaying the WAL (spec §4.7 step 1). It performs no I/O itself;
// callers that need replay should use recovery.Open instead of
// constructing a Store directly.
func NewStore(dataDir string) *Store {
	return NewStoreWithSizes(dataDir, SlotCount, PageNum)
}

// NewStoreWithSizes is NewStore with explicit slot/page-id counts — a
// test seam so unit tests can exercise routing and flush logic without
// paying for 4096 slots × a 2^18-bit bitmap each.
func NewStoreWithSizes(dataDir string, slotCount int, pageNum uint64) *Store {
	s := &Store{DataDir: dataDir, Slots: make([]*Slot, slotCount), slotShift: shiftFor(slotCount)}
	for i := range s.Slots {
		s.Slots[i] = NewSlotWithPageNum(uint16(i), dataDir, pageNum)
	}
	return s
}

func shiftFor(slotCount int) uint {
	bits := uint(0)
	for 1<<bits < slotCount {
		bits++
	}
	return 64 - bits
}

// GetSlot routes a key hash to its owning slot via the store's high
// routing bits (SlotNumByBit in production).
func (s *Store) GetSlot(keyHash uint64) (*Slot, error) {
	id := keyHash >> s.slotShift
	if int(id) >= len(s.Slots) {
		return nil, fmt.Errorf("store: slot id %d out of range", id)
	}
	return s.Slots[id], nil
}

// GetPage resolves a key hash all the way to its containing page.
func (s *Store) GetPage(keyHash uint64) (*Slot, *Page, error) {
	slot, err := s.GetSlot(keyHash)
	if err != nil {
		return nil, nil, err
	}
	page, ok := slot.GetPage(keyHash)
	if !ok {
		return nil, nil, fmt.Errorf("store: no page covers hash %d in slot %d", keyHash, slot.ID)
	}
	return slot, page, nil
}

// CheckPoint flushes every slot's dirty pages and page index. Intended
// to be called periodically by the Checkpointer and once more on
// graceful shutdown.
func (s *Store) CheckPoint(w *wal.WAL) error {
	for _, slot := range s.Slots {
		if err := slot.StorePage(w); err != nil {
			return fmt.Errorf("checkpoint slot %d: %w", slot.ID, err)
		}
		if err := slot.StorePageIndex(w); err != nil {
			return fmt.Errorf("checkpoint slot %d index: %w", slot.ID, err)
		}
	}
	return nil
}
