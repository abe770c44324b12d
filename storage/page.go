package storage

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/anselmo-ruiz/featurestore/featureval"
	"github.com/anselmo-ruiz/featurestore/ferr"
	"github.com/anselmo-ruiz/featurestore/hashkey"
)

// PageSize and FileSize are compile-time constants; changing either
// invalidates existing data directories.
const (
	PageSize = 1 << 16
	FileSize = 1 << 30
)

// pageHeaderSize is the fixed portion of the serialized page layout:
// total_size(8) + slot_id(2) + page_id(8) + min_pk(8) + max_pk(8).
const pageHeaderSize = 8 + 2 + 8 + 8 + 8

// DirtyMark records the WAL action id range during which an object went
// from clean to dirty, used as the flush watermark for retention.
type DirtyMark struct {
	Dirty         bool
	FirstActionID uint64
	LastActionID  uint64
}

// mark transitions the mark to dirty, returning whether this call caused
// the clean→dirty transition.
func (d *DirtyMark) mark(actionID uint64) (firstTransition bool) {
	firstTransition = !d.Dirty
	if firstTransition {
		d.FirstActionID = actionID
		d.Dirty = true
	}
	d.LastActionID = actionID
	return firstTransition
}

func (d *DirtyMark) clear() {
	*d = DirtyMark{}
}

// Page is a sorted collection of (key → FeatureValue) bounded to a
// key-hash range [MinPK, MaxPK). Grounded on feature_base/src/store/page.rs;
// the on-wire layout and split algorithm are pinned by spec rather than
// left to the teacher's slotted-page format, since a feature store page
// holds a variable number of variable-length windowed aggregates instead
// of fixed binary records.
type Page struct {
	mu sync.RWMutex

	SlotID uint16
	ID     uint64
	MinPK  uint64
	MaxPK  uint64

	keys  []string // ascending, kept in step with data for deterministic encode order
	data  map[string]*featureval.FeatureValue
	dirty DirtyMark
}

// NewPage returns an empty page covering [minPK, maxPK).
func NewPage(slotID uint16, id, minPK, maxPK uint64) *Page {
	return &Page{
		SlotID: slotID,
		ID:     id,
		MinPK:  minPK,
		MaxPK:  maxPK,
		data:   make(map[string]*featureval.FeatureValue),
	}
}

// Contains reports whether key's hash falls within [MinPK, MaxPK).
func (p *Page) Contains(key string) bool {
	h := hashkey.Hash(key)
	return h >= p.MinPK && h < p.MaxPK
}

// Get is a pure lookup; callers needing a mutable handle to accumulate
// into should call Get then Put, or, while holding the page's write lock,
// GetOrCreateLocked (which is what UpdatePipeline uses).
func (p *Page) Get(key string) (*featureval.FeatureValue, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fv, ok := p.data[key]
	return fv, ok
}

// Put inserts or replaces the FeatureValue at key.
func (p *Page) Put(key string, fv *featureval.FeatureValue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.data[key]; !exists {
		p.insertKey(key)
	}
	p.data[key] = fv
}

func (p *Page) insertKey(key string) {
	idx := sort.SearchStrings(p.keys, key)
	p.keys = append(p.keys, "")
	copy(p.keys[idx+1:], p.keys[idx:])
	p.keys[idx] = key
}

// Lock and Unlock expose the page's write lock to callers that need a
// single critical section spanning more than one operation — the update
// pipeline locks a page once per transaction, resolves or creates the
// FeatureValue for each of its keys, and runs the feature template
// against it, rather than re-acquiring the lock per call.
func (p *Page) Lock() { p.mu.Lock() }

// Unlock releases a lock taken with Lock.
func (p *Page) Unlock() { p.mu.Unlock() }

// TryLock attempts to take the write lock without blocking, satisfying
// concurrency.Locker (Manager.Acquire calls it under either policy).
func (p *Page) TryLock() bool { return p.mu.TryLock() }

// GetOrCreateLocked returns the FeatureValue at key, creating and
// inserting an empty one if absent. Callers must already hold the page's
// write lock (see Lock).
func (p *Page) GetOrCreateLocked(key string) *featureval.FeatureValue {
	fv, ok := p.data[key]
	if !ok {
		fv = featureval.New()
		p.data[key] = fv
		p.insertKey(key)
	}
	return fv
}

// AfterUpdate marks the page dirty for actionID. enqueue is called with
// the page's MinPK exactly once, on the clean→dirty transition — callers
// pass the owning slot's dirty-page enqueue function. Idempotent while
// already dirty.
func (p *Page) AfterUpdate(actionID uint64, enqueue func(minPK uint64)) {
	p.mu.Lock()
	firstTransition := p.dirty.mark(actionID)
	p.mu.Unlock()
	if firstTransition && enqueue != nil {
		enqueue(p.MinPK)
	}
}

// AfterUpdateLocked is AfterUpdate for a caller that already holds the
// page's write lock (see Lock/GetOrCreateLocked).
func (p *Page) AfterUpdateLocked(actionID uint64, enqueue func(minPK uint64)) {
	firstTransition := p.dirty.mark(actionID)
	if firstTransition && enqueue != nil {
		enqueue(p.MinPK)
	}
}

// DirtyMark returns a copy of the page's current dirty state.
func (p *Page) DirtyMark() DirtyMark {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

// ClearDirty resets the page's dirty mark after a successful flush.
func (p *Page) ClearDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty.clear()
}

// NeedSpace returns the exact serialized size in bytes.
func (p *Page) NeedSpace() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.needSpaceLocked()
}

func (p *Page) needSpaceLocked() int {
	total := pageHeaderSize
	for _, k := range p.keys {
		total += 2 + len(k) + p.data[k].NeedSpace()
	}
	return total
}

// Encode appends the big-endian wire encoding of the page to buf.
func (p *Page) Encode(buf []byte) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := p.needSpaceLocked()
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(total))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:2], p.SlotID)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint64(tmp[:], p.ID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], p.MinPK)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], p.MaxPK)
	buf = append(buf, tmp[:]...)

	for _, k := range p.keys {
		var klen [2]byte
		binary.BigEndian.PutUint16(klen[:], uint16(len(k)))
		buf = append(buf, klen[:]...)
		buf = append(buf, k...)
		buf = p.data[k].Encode(buf)
	}
	return buf
}

// DecodePage reads a Page from the front of data, consuming exactly the
// bytes declared by its total_size header.
func DecodePage(data []byte) (*Page, int, error) {
	if len(data) < pageHeaderSize {
		return nil, 0, ferr.InsufficientDataErr("page header")
	}
	totalSize := int(binary.BigEndian.Uint64(data[0:8]))
	if len(data) < totalSize {
		return nil, 0, ferr.InsufficientDataErr("page body")
	}
	p := &Page{
		SlotID: binary.BigEndian.Uint16(data[8:10]),
		ID:     binary.BigEndian.Uint64(data[10:18]),
		MinPK:  binary.BigEndian.Uint64(data[18:26]),
		MaxPK:  binary.BigEndian.Uint64(data[26:34]),
		data:   make(map[string]*featureval.FeatureValue),
	}
	off := pageHeaderSize
	for off < totalSize {
		if off+2 > totalSize {
			return nil, 0, ferr.InsufficientDataErr("page key length")
		}
		klen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+klen > totalSize {
			return nil, 0, ferr.InsufficientDataErr("page key bytes")
		}
		key := string(data[off : off+klen])
		off += klen
		fv, n, err := featureval.Decode(data[off:totalSize])
		if err != nil {
			return nil, 0, err
		}
		off += n
		p.keys = append(p.keys, key)
		p.data[key] = fv
	}
	return p, totalSize, nil
}

// splitEntry is one (key, hash, FeatureValue) tuple ordered by hash for
// the duration of a split — the resident page keeps its data sorted by
// key string, but split partitions the hash space, so entries are
// re-sorted by hash only for this computation.
type splitEntry struct {
	key  string
	hash uint64
	fv   *featureval.FeatureValue
	size int
}

// Split partitions the page's entries by hash(key) into a sequence of new
// pages, each bounded to roughly PageSize/2 bytes, covering
// [MinPK, MaxPK) contiguously. The caller (Slot.storeOnePage) is responsible
// for assigning fresh ids from the bitmap and freeing the original id.
func (p *Page) Split() []*Page {
	p.mu.RLock()
	entries := make([]splitEntry, 0, len(p.keys))
	for _, k := range p.keys {
		fv := p.data[k]
		entries = append(entries, splitEntry{
			key:  k,
			hash: hashkey.Hash(k),
			fv:   fv,
			size: 2 + len(k) + fv.NeedSpace(),
		})
	}
	minPK, maxPK, slotID := p.MinPK, p.MaxPK, p.SlotID
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })

	const target = PageSize / 2
	var buckets [][]splitEntry
	cur := make([]splitEntry, 0)
	curSize := pageHeaderSize
	for _, e := range entries {
		if curSize+e.size > target && len(cur) > 0 {
			buckets = append(buckets, cur)
			cur = nil
			curSize = pageHeaderSize
		}
		cur = append(cur, e)
		curSize += e.size
	}
	if len(cur) > 0 {
		buckets = append(buckets, cur)
	}
	if len(buckets) == 0 {
		buckets = [][]splitEntry{{}}
	}

	pages := make([]*Page, len(buckets))
	for i, b := range buckets {
		np := &Page{SlotID: slotID, data: make(map[string]*featureval.FeatureValue)}
		for _, e := range b {
			np.keys = append(np.keys, e.key)
			np.data[e.key] = e.fv
		}
		pages[i] = np
	}
	pages[0].MinPK = minPK
	for i := 1; i < len(pages); i++ {
		pages[i].MinPK = buckets[i][0].hash
		pages[i-1].MaxPK = pages[i].MinPK
	}
	pages[len(pages)-1].MaxPK = maxPK
	return pages
}
