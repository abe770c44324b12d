// Package wal implements the append-only write-ahead log that makes
// feature updates and page flushes durable: a single writer goroutine
// serializes LogItems submitted by many producers, issuing monotonic
// action ids and transaction ids, with a commit barrier producers block
// on until their transaction's Commit record is fsynced.
//
// Grounded on feature_base/src/store/wal.rs and feature_base/src/store/
// redo_log.rs for the record taxonomy, and on the teacher's
// storage/wal.go for the on-disk idiom this adapts: a magic-stamped
// header, length-prefixed records read back with a truncate-on-corruption
// loader. The teacher's WAL serializes whole-page before/after images
// keyed by a single record type; this one serializes a tagged union of
// six record kinds (three of them carrying a payload) keyed by tid,
// matching the spec's transactional
// grouping instead.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/anselmo-ruiz/featurestore/featureval"
	"github.com/anselmo-ruiz/featurestore/ferr"
	"github.com/anselmo-ruiz/featurestore/storagefile"
)

func floatBits(f float64) uint64    { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// Kind identifies the payload carried by a LogItem.
type Kind uint8

const (
	KindBegin           Kind = 1
	KindCommit          Kind = 2
	KindEnd             Kind = 3
	KindFeatureUpdate   Kind = 4
	KindPageBkStore     Kind = 5
	KindPageIndexStore  Kind = 8
)

// queueCapacity bounds the writer's inbox, providing backpressure to
// producers as specified (≈100 items).
const queueCapacity = 100

// FeatureUpdatePayload is the redo/undo pair a feature update writes.
type FeatureUpdatePayload struct {
	FeatureKey string
	TimeKey    uint64
	Undo       *featureval.Value
	Redo       featureval.Value
}

// PageBkStorePayload records that a page's bytes were written to its
// slot's shadow file and paired with this WAL record before the in-place
// write.
type PageBkStorePayload struct {
	SlotID uint16
	PageID uint64
	MinPK  uint64
	MaxPK  uint64
}

// PageIndexStorePayload records that a slot's min_pk→page_id index was
// written to its shadow index file.
type PageIndexStorePayload struct {
	SlotID uint16
}

// LogItem is one record: a kind, the transaction and action ids it
// belongs to, and its (possibly absent) payload.
type LogItem struct {
	TID      uint64
	Kind     Kind
	ActionID uint64

	FeatureUpdate *FeatureUpdatePayload
	PageBkStore   *PageBkStorePayload
	PageIndexStore *PageIndexStorePayload
}

type writeRequest struct {
	item  LogItem
	reply chan error // non-nil only for Commit records
}

// WAL is the single-writer, many-producer log. Producers call the
// Send* methods (non-blocking besides the bounded channel send) and the
// blocking CommitLog barrier.
type WAL struct {
	file storagefile.StorageFile
	path string
	lock *storagefile.Lock // held for the WAL's lifetime; guards the data dir against a second process

	nextActionID uint64 // atomic
	nextTID      uint64 // atomic

	enqueueMu sync.Mutex // serializes action-id allocation with its channel send
	queue     chan writeRequest

	closeOnce sync.Once
	done      chan struct{}
}

var magic = [4]byte{'F', 'W', 'A', 'L'}

// Open opens or creates the WAL at path (typically "<data_dir>/redo.log"),
// replaying nothing itself — recovery.Replay is responsible for reading
// the file back; Open only establishes the append point and primes the
// action-id/tid counters past whatever was already on disk so that a
// restarted process never reuses an id. Open also takes an OS-level
// advisory lock on path, held until Close, so a second process cannot
// open the same data directory out from under this one.
func Open(path string) (*WAL, error) {
	lock, err := storagefile.LockPath(path)
	if err != nil {
		return nil, fmt.Errorf("wal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	w := &WAL{file: f, path: path, lock: lock, queue: make(chan writeRequest, queueCapacity), done: make(chan struct{})}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			lock.Unlock()
			return nil, err
		}
	} else {
		if err := w.readHeader(); err != nil {
			f.Close()
			lock.Unlock()
			return nil, err
		}
		if err := w.primeCounters(); err != nil {
			f.Close()
			lock.Unlock()
			return nil, err
		}
	}

	go w.run()
	return w, nil
}

// OpenMem opens a WAL backed by an in-memory file, for tests.
func OpenMem() (*WAL, error) {
	f := storagefile.NewMemFile()
	w := &WAL{file: f, path: "<mem>", queue: make(chan writeRequest, queueCapacity), done: make(chan struct{})}
	if err := w.writeHeader(); err != nil {
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *WAL) writeHeader() error {
	var hdr [8]byte
	copy(hdr[0:4], magic[:])
	binary.BigEndian.PutUint32(hdr[4:8], 1)
	_, err := w.file.WriteAt(hdr[:], 0)
	return err
}

func (w *WAL) readHeader() error {
	var hdr [8]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] || hdr[3] != magic[3] {
		return fmt.Errorf("wal: bad magic in %s", w.path)
	}
	return nil
}

// primeCounters scans the existing log once at open time, advancing
// nextActionID/nextTID past the highest values already recorded so a
// restarted process never reissues an id a prior run already used.
func (w *WAL) primeCounters() error {
	return ForEachRecord(w.file, func(item LogItem) error {
		if item.ActionID >= w.nextActionID {
			atomic.StoreUint64(&w.nextActionID, item.ActionID+1)
		}
		if item.TID >= w.nextTID {
			atomic.StoreUint64(&w.nextTID, item.TID+1)
		}
		return nil
	})
}

// NewTID returns a fresh, process-wide monotonic transaction id.
func (w *WAL) NewTID() uint64 {
	return atomic.AddUint64(&w.nextTID, 1) - 1
}

func (w *WAL) allocActionID() uint64 {
	return atomic.AddUint64(&w.nextActionID, 1) - 1
}

// enqueue assigns the item's action id and hands it to the writer goroutine
// as one atomic step. allocActionID alone is only an atomic counter bump —
// without a lock spanning the allocation and the channel send, two
// concurrent callers can allocate ids N and N+1 but race each other into
// w.queue in the opposite order, so the writer would append action_id N+1
// before N. The mutex makes "allocate, then enqueue" indivisible, which is
// what keeps action_ids strictly increasing in the on-disk log.
func (w *WAL) enqueue(item LogItem, reply chan error) uint64 {
	w.enqueueMu.Lock()
	defer w.enqueueMu.Unlock()
	item.ActionID = w.allocActionID()
	w.queue <- writeRequest{item: item, reply: reply}
	return item.ActionID
}

// SendBeginLog enqueues a Begin record opening transaction tid.
func (w *WAL) SendBeginLog(tid uint64) uint64 {
	return w.enqueue(LogItem{TID: tid, Kind: KindBegin}, nil)
}

// SendFeatureUpdateLog enqueues a FeatureUpdate record.
func (w *WAL) SendFeatureUpdateLog(tid uint64, featureKey string, timeKey uint64, undo *featureval.Value, redo featureval.Value) uint64 {
	return w.enqueue(LogItem{TID: tid, Kind: KindFeatureUpdate, FeatureUpdate: &FeatureUpdatePayload{
		FeatureKey: featureKey, TimeKey: timeKey, Undo: undo, Redo: redo,
	}}, nil)
}

// SendPageBkStoreLog enqueues a PageBkStore record.
func (w *WAL) SendPageBkStoreLog(tid uint64, slotID uint16, pageID, minPK, maxPK uint64) uint64 {
	return w.enqueue(LogItem{TID: tid, Kind: KindPageBkStore, PageBkStore: &PageBkStorePayload{
		SlotID: slotID, PageID: pageID, MinPK: minPK, MaxPK: maxPK,
	}}, nil)
}

// SendPageIndexStoreLog enqueues a PageIndexStore record.
func (w *WAL) SendPageIndexStoreLog(tid uint64, slotID uint16) uint64 {
	return w.enqueue(LogItem{TID: tid, Kind: KindPageIndexStore, PageIndexStore: &PageIndexStorePayload{SlotID: slotID}}, nil)
}

// SendEndLog enqueues an End record (available for multi-phase
// transactions; the update pipeline and checkpointer don't need it —
// they close a transaction with CommitLog directly).
func (w *WAL) SendEndLog(tid uint64) uint64 {
	return w.enqueue(LogItem{TID: tid, Kind: KindEnd}, nil)
}

// CommitLog enqueues a Commit record and blocks until the writer has
// written and fsynced it. This is the durability barrier the update
// pipeline and checkpointer wait on before releasing their locks.
func (w *WAL) CommitLog(tid uint64) error {
	reply := make(chan error, 1)
	w.enqueue(LogItem{TID: tid, Kind: KindCommit}, reply)
	return <-reply
}

// Close stops the writer goroutine, closes the backing file, and releases
// the directory lock taken by Open. Pending queued items are drained
// before shutdown.
func (w *WAL) Close() error {
	w.closeOnce.Do(func() { close(w.queue) })
	<-w.done
	err := w.file.Close()
	if w.lock != nil {
		if uerr := w.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}

// run is the single writer task: receive, serialize, append, fsync,
// signal. On a write error it logs nothing itself (callers own logging
// policy) — it reports the error back through reply if one was provided;
// otherwise the record is considered lost, the Commit of its transaction
// is not written, and CommitLog for that tid returns an error.
func (w *WAL) run() {
	defer close(w.done)
	var offset int64 = -1           // unknown; resolved on first write via Stat
	failed := make(map[uint64]bool) // tids with a record that was not written
	for req := range w.queue {
		if req.item.Kind == KindCommit && failed[req.item.TID] {
			delete(failed, req.item.TID)
			req.reply <- fmt.Errorf("wal: tid %d has a record that was not written", req.item.TID)
			continue
		}
		if offset < 0 {
			info, err := w.file.Stat()
			if err != nil {
				if req.reply != nil {
					req.reply <- err
				} else {
					failed[req.item.TID] = true
				}
				continue
			}
			offset = info.Size()
		}
		buf := encodeItem(req.item)
		n, err := w.file.WriteAt(buf, offset)
		if err == nil {
			offset += int64(n)
			err = w.file.Sync()
		}
		if req.reply != nil {
			req.reply <- err
		} else if err != nil {
			failed[req.item.TID] = true
		}
	}
}

// encodeItem serializes one LogItem in the on-disk format:
//
//	u32 total_record_len   (= 8+1+8+payload)
//	u64 tid
//	u8  kind
//	u64 action_id
//	payload (per kind)
func encodeItem(item LogItem) []byte {
	payload := encodePayload(item)
	recLen := 8 + 1 + 8 + len(payload)
	buf := make([]byte, 4+recLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(recLen))
	binary.BigEndian.PutUint64(buf[4:12], item.TID)
	buf[12] = byte(item.Kind)
	binary.BigEndian.PutUint64(buf[13:21], item.ActionID)
	copy(buf[21:], payload)
	return buf
}

func encodePayload(item LogItem) []byte {
	switch item.Kind {
	case KindFeatureUpdate:
		p := item.FeatureUpdate
		buf := make([]byte, 0, 2+len(p.FeatureKey)+8+1+9+9)
		var klen [2]byte
		binary.BigEndian.PutUint16(klen[:], uint16(len(p.FeatureKey)))
		buf = append(buf, klen[:]...)
		buf = append(buf, p.FeatureKey...)
		var tk [8]byte
		binary.BigEndian.PutUint64(tk[:], p.TimeKey)
		buf = append(buf, tk[:]...)
		if p.Undo == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = encodeValue(buf, *p.Undo)
		}
		buf = encodeValue(buf, p.Redo)
		return buf
	case KindPageBkStore:
		p := item.PageBkStore
		buf := make([]byte, 2+8+8+8)
		binary.BigEndian.PutUint16(buf[0:2], p.SlotID)
		binary.BigEndian.PutUint64(buf[2:10], p.PageID)
		binary.BigEndian.PutUint64(buf[10:18], p.MinPK)
		binary.BigEndian.PutUint64(buf[18:26], p.MaxPK)
		return buf
	case KindPageIndexStore:
		p := item.PageIndexStore
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, p.SlotID)
		return buf
	default: // Begin, Commit, End carry no payload
		return nil
	}
}

func encodeValue(buf []byte, v featureval.Value) []byte {
	buf = append(buf, byte(v.Kind))
	var raw [8]byte
	switch v.Kind {
	case featureval.KindInt:
		binary.BigEndian.PutUint64(raw[:], v.Int)
	case featureval.KindFloat:
		binary.BigEndian.PutUint64(raw[:], floatBits(v.Float))
	}
	return append(buf, raw[:]...)
}

// decodeItem reads one LogItem from the front of data, returning the
// number of bytes consumed (the full record including its length
// prefix). Returns InsufficientData if data doesn't yet hold a complete
// record.
func decodeItem(data []byte) (LogItem, int, error) {
	if len(data) < 4 {
		return LogItem{}, 0, ferr.InsufficientDataErr("wal record length")
	}
	recLen := int(binary.BigEndian.Uint32(data[0:4]))
	total := 4 + recLen
	if len(data) < total {
		return LogItem{}, 0, ferr.InsufficientDataErr("wal record body")
	}
	if recLen < 8+1+8 {
		return LogItem{}, 0, ferr.New(ferr.Generic, "wal: record length %d too short for header", recLen)
	}
	body := data[4:total]
	item := LogItem{
		TID:      binary.BigEndian.Uint64(body[0:8]),
		Kind:     Kind(body[8]),
		ActionID: binary.BigEndian.Uint64(body[9:17]),
	}
	payload := body[17:]
	switch item.Kind {
	case KindFeatureUpdate:
		p, err := decodeFeatureUpdate(payload)
		if err != nil {
			return LogItem{}, 0, err
		}
		item.FeatureUpdate = p
	case KindPageBkStore:
		if len(payload) < 26 {
			return LogItem{}, 0, ferr.InsufficientDataErr("page bk store payload")
		}
		item.PageBkStore = &PageBkStorePayload{
			SlotID: binary.BigEndian.Uint16(payload[0:2]),
			PageID: binary.BigEndian.Uint64(payload[2:10]),
			MinPK:  binary.BigEndian.Uint64(payload[10:18]),
			MaxPK:  binary.BigEndian.Uint64(payload[18:26]),
		}
	case KindPageIndexStore:
		if len(payload) < 2 {
			return LogItem{}, 0, ferr.InsufficientDataErr("page index store payload")
		}
		item.PageIndexStore = &PageIndexStorePayload{SlotID: binary.BigEndian.Uint16(payload[0:2])}
	}
	return item, total, nil
}

func decodeFeatureUpdate(payload []byte) (*FeatureUpdatePayload, error) {
	if len(payload) < 2 {
		return nil, ferr.InsufficientDataErr("feature update key length")
	}
	klen := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2
	if len(payload) < off+klen+8+1 {
		return nil, ferr.InsufficientDataErr("feature update header")
	}
	key := string(payload[off : off+klen])
	off += klen
	timeKey := binary.BigEndian.Uint64(payload[off : off+8])
	off += 8
	hasUndo := payload[off] == 1
	off++
	p := &FeatureUpdatePayload{FeatureKey: key, TimeKey: timeKey}
	if hasUndo {
		v, n, err := decodeValue(payload[off:])
		if err != nil {
			return nil, err
		}
		p.Undo = &v
		off += n
	}
	v, _, err := decodeValue(payload[off:])
	if err != nil {
		return nil, err
	}
	p.Redo = v
	return p, nil
}

func decodeValue(data []byte) (featureval.Value, int, error) {
	if len(data) < 9 {
		return featureval.Value{}, 0, ferr.InsufficientDataErr("wal value")
	}
	kind := featureval.Kind(data[0])
	raw := binary.BigEndian.Uint64(data[1:9])
	switch kind {
	case featureval.KindInt:
		return featureval.IntValue(raw), 9, nil
	case featureval.KindFloat:
		return featureval.FloatValue(floatFromBits(raw)), 9, nil
	default:
		return featureval.Value{}, 0, ferr.New(ferr.Generic, "wal: unknown value kind %d", kind)
	}
}

// ReplayRecords calls fn for every well-formed record currently durable
// in the log. Callers (recovery.Replay) must call this before any new
// record is enqueued on this WAL, since it reads from the same backing
// file the writer goroutine appends to.
func (w *WAL) ReplayRecords(fn func(LogItem) error) error {
	return ForEachRecord(w.file, fn)
}

// ForEachRecord reads every well-formed record from the front of f
// (starting just past the 8-byte header) and calls fn with each. It
// stops at the first truncated or corrupt record — the truncate policy
// recovery relies on to discard an incomplete trailing transaction.
func ForEachRecord(f storagefile.StorageFile, fn func(LogItem) error) error {
	const chunk = 64 * 1024
	offset := int64(8)
	var buf []byte
	for {
		tmp := make([]byte, chunk)
		n, err := f.ReadAt(tmp, offset+int64(len(buf)))
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		eof := err == io.EOF
		if err != nil && !eof {
			return fmt.Errorf("wal: read: %w", err)
		}

		for {
			item, consumed, derr := decodeItem(buf)
			if derr != nil {
				if ferr.Is(derr, ferr.InsufficientData) {
					break
				}
				return nil // corrupt record: truncate policy stops here
			}
			if cerr := fn(item); cerr != nil {
				return cerr
			}
			buf = buf[consumed:]
			offset += int64(consumed)
		}
		if eof {
			return nil
		}
	}
}
