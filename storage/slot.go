package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/anselmo-ruiz/featurestore/bitmap"
	"github.com/anselmo-ruiz/featurestore/wal"
	"github.com/natefinch/atomic"
)

// PageNum is the number of page ids a slot's BitMap can address.
const PageNum = 1 << 18

// maxDirtyDrain is how many pages get_wait_store_page dequeues per call.
const maxDirtyDrain = 10

// Slot owns one disjoint key-hash shard: its pages, the bitmap backing
// page-id allocation, and the dirty-page queue flush drains from.
// Grounded on feature_base/src/store/slot.rs.
type Slot struct {
	ID uint16

	dataDir string

	pagesMu sync.RWMutex
	pages   map[uint64]*Page // keyed by MinPK
	order   []uint64         // MinPKs, ascending — index coverage invariant lives here

	bitmapMu sync.Mutex
	bm       *bitmap.BitMap

	dirtyMu    sync.Mutex
	dirtyPages []uint64 // queue of MinPKs awaiting flush

	indexMu    sync.Mutex
	indexDirty DirtyMark
}

// NewSlot creates a slot covering the full hash range with a single
// initial page (the state Recovery installs before replaying the WAL).
// Production callers get PageNum page ids via NewStore; tests that don't
// want to pay for a 2^18-bit bitmap per slot can use NewSlotWithPageNum.
func NewSlot(id uint16, dataDir string) *Slot {
	return NewSlotWithPageNum(id, dataDir, PageNum)
}

// NewSlotWithPageNum is NewSlot with an explicit bitmap size — a test
// seam, since the spec's PageNum=2^18 makes a full-size Store expensive
// to instantiate just to exercise routing logic.
func NewSlotWithPageNum(id uint16, dataDir string, pageNum uint64) *Slot {
	s := &Slot{
		ID:      id,
		dataDir: dataDir,
		pages:   make(map[uint64]*Page),
		bm:      bitmap.New(pageNum),
	}
	p := NewPage(id, 0, 0, ^uint64(0))
	s.bitmapMu.Lock()
	s.bm.Set(0, true)
	s.bitmapMu.Unlock()
	s.pages[0] = p
	s.order = []uint64{0}
	return s
}

// GetPage returns the page whose [MinPK, MaxPK) contains keyHash: the
// range-last lookup over the ordered index (the largest MinPK ≤
// keyHash).
func (s *Slot) GetPage(keyHash uint64) (*Page, bool) {
	s.pagesMu.RLock()
	defer s.pagesMu.RUnlock()
	idx := sort.Search(len(s.order), func(i int) bool { return s.order[i] > keyHash })
	if idx == 0 {
		return nil, false
	}
	minPK := s.order[idx-1]
	p, ok := s.pages[minPK]
	return p, ok
}

// NewPage allocates a fresh page id from the bitmap and installs a page
// covering [minPK, maxPK) in the ordered index.
func (s *Slot) NewPage(minPK, maxPK uint64) (*Page, error) {
	id, err := s.allocPageID()
	if err != nil {
		return nil, err
	}

	p := NewPage(s.ID, id, minPK, maxPK)
	s.pagesMu.Lock()
	s.insertOrdered(minPK, p)
	s.pagesMu.Unlock()
	return p, nil
}

// allocPageID draws a free page id from the slot's bitmap, marking it
// used. Bitmap exhaustion (no free page id available at flush) is
// returned as an error.
func (s *Slot) allocPageID() (uint64, error) {
	s.bitmapMu.Lock()
	defer s.bitmapMu.Unlock()
	id, ok := s.bm.FirstFalse()
	if !ok {
		return 0, fmt.Errorf("slot %d: bitmap exhausted, no free page id", s.ID)
	}
	s.bm.Set(id, true)
	return id, nil
}

func (s *Slot) insertOrdered(minPK uint64, p *Page) {
	idx := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= minPK })
	s.pages[minPK] = p
	if idx < len(s.order) && s.order[idx] == minPK {
		return
	}
	s.order = append(s.order, 0)
	copy(s.order[idx+1:], s.order[idx:])
	s.order[idx] = minPK
}

// FreedPage clears id's bit in the bitmap, making it available for reuse.
func (s *Slot) FreedPage(id uint64) {
	s.bitmapMu.Lock()
	s.bm.Set(id, false)
	s.bitmapMu.Unlock()
}

// enqueueDirty appends minPK to the dirty-page queue; installed as the
// enqueue callback Page.AfterUpdate calls on its clean→dirty transition.
func (s *Slot) enqueueDirty(minPK uint64) {
	s.dirtyMu.Lock()
	s.dirtyPages = append(s.dirtyPages, minPK)
	s.dirtyMu.Unlock()
}

// EnqueueDirty is enqueueDirty exported for callers outside this package —
// the update pipeline passes it to Page.AfterUpdateLocked/AfterUpdate so a
// page's clean→dirty transition reaches its owning slot's flush queue.
func (s *Slot) EnqueueDirty(minPK uint64) {
	s.enqueueDirty(minPK)
}

// getWaitStorePage dequeues up to maxDirtyDrain MinPKs and returns their
// current pages, skipping any MinPK whose page was retired by a split.
func (s *Slot) getWaitStorePage() []*Page {
	s.dirtyMu.Lock()
	n := len(s.dirtyPages)
	if n > maxDirtyDrain {
		n = maxDirtyDrain
	}
	drained := append([]uint64(nil), s.dirtyPages[:n]...)
	s.dirtyPages = s.dirtyPages[n:]
	s.dirtyMu.Unlock()

	s.pagesMu.RLock()
	defer s.pagesMu.RUnlock()
	var pages []*Page
	for _, minPK := range drained {
		if p, ok := s.pages[minPK]; ok {
			pages = append(pages, p)
		}
	}
	return pages
}

// StorePage flushes dirty pages: for each, snapshot+encode under its read
// lock, write to the shadow file, WAL PageBkStore, then either write the
// page in place (if it still fits) or split it and swap the new pages
// into the index. See spec §4.4 store_page.
func (s *Slot) StorePage(w *wal.WAL) error {
	pages := s.getWaitStorePage()
	if len(pages) == 0 {
		return nil
	}

	for _, p := range pages {
		if err := s.storeOnePage(w, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slot) storeOnePage(w *wal.WAL, p *Page) error {
	p.mu.RLock()
	encoded := p.Encode(nil)
	needSpace := p.needSpaceLocked()
	minPK, maxPK, pageID := p.MinPK, p.MaxPK, p.ID
	p.mu.RUnlock()

	tid := w.NewTID()
	w.SendBeginLog(tid)

	shardPath := s.pagePath("shard")
	if err := writeFileSync(shardPath, encoded); err != nil {
		return fmt.Errorf("slot %d: write shadow shard: %w", s.ID, err)
	}
	bkActionID := w.SendPageBkStoreLog(tid, s.ID, pageID, minPK, maxPK)

	if needSpace < PageSize {
		if err := s.writeInPlace(pageID, encoded); err != nil {
			return fmt.Errorf("slot %d: write page %d in place: %w", s.ID, pageID, err)
		}
		p.ClearDirty()
	} else {
		newPages := p.Split()
		for _, np := range newPages {
			id, err := s.allocPageID()
			if err != nil {
				return fmt.Errorf("slot %d: split page %d: %w", s.ID, pageID, err)
			}
			np.ID = id
			enc := np.Encode(nil)
			if err := s.writeInPlace(np.ID, enc); err != nil {
				return fmt.Errorf("slot %d: write split page: %w", s.ID, err)
			}
		}
		s.pagesMu.Lock()
		s.removeOrdered(minPK)
		for _, np := range newPages {
			s.insertOrdered(np.MinPK, np)
		}
		s.pagesMu.Unlock()
		s.FreedPage(pageID)

		s.indexMu.Lock()
		s.indexDirty.mark(bkActionID)
		s.indexMu.Unlock()
	}

	return w.CommitLog(tid)
}

func (s *Slot) removeOrdered(minPK uint64) {
	idx := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= minPK })
	if idx < len(s.order) && s.order[idx] == minPK {
		s.order = append(s.order[:idx], s.order[idx+1:]...)
	}
	delete(s.pages, minPK)
}

// StorePageIndex flushes the slot's min_pk→page_id index, if dirty: a
// two-phase write (shadow index, WAL PageIndexStore, primary index) per
// spec §4.4 store_page_index.
func (s *Slot) StorePageIndex(w *wal.WAL) error {
	s.indexMu.Lock()
	dirty := s.indexDirty.Dirty
	s.indexMu.Unlock()
	if !dirty {
		return nil
	}

	s.pagesMu.RLock()
	buf := make([]byte, 0, len(s.order)*16)
	for _, minPK := range s.order {
		p := s.pages[minPK]
		var tmp [16]byte
		binary.BigEndian.PutUint64(tmp[0:8], minPK)
		binary.BigEndian.PutUint64(tmp[8:16], p.ID)
		buf = append(buf, tmp[:]...)
	}
	s.pagesMu.RUnlock()

	tid := w.NewTID()
	w.SendBeginLog(tid)

	bkPath := s.indexPath("index_bk")
	if err := writeFileSync(bkPath, buf); err != nil {
		return fmt.Errorf("slot %d: write index backup: %w", s.ID, err)
	}
	w.SendPageIndexStoreLog(tid, s.ID)

	primaryPath := s.indexPath("index")
	if err := atomic.WriteFile(primaryPath, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("slot %d: write primary index: %w", s.ID, err)
	}

	s.indexMu.Lock()
	s.indexDirty.clear()
	s.indexMu.Unlock()

	return w.CommitLog(tid)
}

func (s *Slot) pagePath(suffix string) string {
	return fmt.Sprintf("%s/slot_%d_%s", s.dataDir, s.ID, suffix)
}

func (s *Slot) indexPath(suffix string) string {
	return fmt.Sprintf("%s/slot_%d_%s", s.dataDir, s.ID, suffix)
}

// writeInPlace writes encoded page bytes at pageID's fixed offset within
// its page file, per the PageSize*id mod/div FileSize addressing scheme.
func (s *Slot) writeInPlace(pageID uint64, data []byte) error {
	fileIndex := PageSize * pageID / FileSize
	offset := int64(PageSize * pageID % FileSize)
	path := fmt.Sprintf("%s/slot_%d_page_%d", s.dataDir, s.ID, fileIndex)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	return f.Sync()
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
