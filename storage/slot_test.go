package storage

import (
	"os"
	"testing"

	"github.com/anselmo-ruiz/featurestore/featureval"
	"github.com/anselmo-ruiz/featurestore/wal"
)

func newTestSlot(t *testing.T) (*Slot, string) {
	t.Helper()
	dir := t.TempDir()
	return NewSlotWithPageNum(0, dir, 1024), dir
}

func TestSlotGetPageRangeLastLookup(t *testing.T) {
	s, _ := newTestSlot(t)
	mid, err := s.NewPage(1000, ^uint64(0))
	if err != nil {
		t.Fatal(err)
	}
	_ = mid

	p, ok := s.GetPage(500)
	if !ok || p.MinPK != 0 {
		t.Fatalf("expected hash 500 to land in the original [0,1000) page, got %+v (ok=%v)", p, ok)
	}
	p2, ok := s.GetPage(1500)
	if !ok || p2.MinPK != 1000 {
		t.Fatalf("expected hash 1500 to land in the new [1000,max) page, got %+v (ok=%v)", p2, ok)
	}
}

func TestSlotNewPageAllocatesDistinctIDs(t *testing.T) {
	s, _ := newTestSlot(t)
	p1, err := s.NewPage(1000, 2000)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.NewPage(2000, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if p1.ID == p2.ID {
		t.Fatalf("expected distinct page ids, both got %d", p1.ID)
	}
}

func TestSlotFreedPageAllowsReuse(t *testing.T) {
	s, _ := newTestSlot(t)
	p1, err := s.NewPage(1000, 2000)
	if err != nil {
		t.Fatal(err)
	}
	s.FreedPage(p1.ID)
	p2, err := s.NewPage(2000, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if p2.ID != p1.ID {
		t.Fatalf("expected freed id %d to be reused, got %d", p1.ID, p2.ID)
	}
}

func TestSlotStorePageWritesInPlaceAndClearsDirty(t *testing.T) {
	s, dir := newTestSlot(t)
	w, err := wal.Open(dir + "/redo.log")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	p, ok := s.GetPage(0)
	if !ok {
		t.Fatal("expected the initial page to exist")
	}
	fv := featureval.New()
	fv.AddInt(0, 1000, 1)
	p.Put("k", fv)
	p.AfterUpdate(1, s.enqueueDirty)

	if err := s.StorePage(w); err != nil {
		t.Fatalf("StorePage: %v", err)
	}
	if p.DirtyMark().Dirty {
		t.Fatal("expected dirty mark cleared after store_page")
	}
	if _, err := os.Stat(s.pagePath("shard")); err != nil {
		t.Fatalf("expected shadow shard file to exist: %v", err)
	}
}

func TestSlotStorePageIndexIsNoOpWhenClean(t *testing.T) {
	s, dir := newTestSlot(t)
	w, err := wal.Open(dir + "/redo.log")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := s.StorePageIndex(w); err != nil {
		t.Fatalf("expected no-op on a clean index, got %v", err)
	}
	if _, err := os.Stat(s.indexPath("index")); err == nil {
		t.Fatal("expected no primary index file to be written when index wasn't dirty")
	}
}
