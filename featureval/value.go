// Package featureval implements the windowed, ordered feature value that
// Page stores one of per key: an ordered mapping from window-start
// timestamp to a numeric aggregate.
//
// Grounded on feature_base/src/feature/value.rs (FeatureValue, ValueKind,
// add_int/add_float) and on storage/document.go's length-prefixed binary
// encode/decode style for the on-disk layout.
package featureval

import (
	"encoding/binary"
	"math"

	"github.com/anselmo-ruiz/featurestore/ferr"
)

// Kind tags the variant stored for a given window.
type Kind byte

const (
	KindInt   Kind = 1
	KindFloat Kind = 2
)

// Value is a tagged union of the two numeric aggregate kinds a window can
// hold. The variant is fixed for a given feature (COUNT ⇒ Int).
type Value struct {
	Kind  Kind
	Int   uint64
	Float float64
}

// IntValue builds an Int value.
func IntValue(v uint64) Value { return Value{Kind: KindInt, Int: v} }

// FloatValue builds a Float value.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// UpdateRecord is the exact redo/undo pair an in-place FeatureValue update
// produces — the content an update pipeline writes as a WAL FeatureUpdate
// payload. Returning it (rather than mutating through an aliased pointer
// after a read-only lookup, as feature_base/src/feature/value.rs does
// unsafely) is the hazard-free contract spec.md §9 calls for.
type UpdateRecord struct {
	Key   uint64 // window_start
	Undo  *Value // nil if the window was created by this update
	Redo  Value
}

// entry is one (window_start, Value) pair, kept in ascending window_start
// order so encode/decode and range iteration don't need a separate sort.
type entry struct {
	windowStart uint64
	value       Value
}

// FeatureValue is an ordered mapping from window_start (event-time ms,
// floored to the window) to Value. Windows are created lazily on first
// write.
type FeatureValue struct {
	entries []entry
}

// New returns an empty FeatureValue.
func New() *FeatureValue {
	return &FeatureValue{}
}

func floorToWindow(eventTimeMs, windowMs uint64) uint64 {
	return eventTimeMs - eventTimeMs%windowMs
}

// find returns the index of windowStart in entries (sorted), and whether it
// was found; if not found, index is the insertion point.
func (fv *FeatureValue) find(windowStart uint64) (int, bool) {
	lo, hi := 0, len(fv.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if fv.entries[mid].windowStart < windowStart {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(fv.entries) && fv.entries[lo].windowStart == windowStart {
		return lo, true
	}
	return lo, false
}

// Get returns the value stored at a given window start, if any.
func (fv *FeatureValue) Get(windowStart uint64) (Value, bool) {
	idx, ok := fv.find(windowStart)
	if !ok {
		return Value{}, false
	}
	return fv.entries[idx].value, true
}

// Len reports the number of populated windows.
func (fv *FeatureValue) Len() int { return len(fv.entries) }

// Windows returns the populated window starts in ascending order.
func (fv *FeatureValue) Windows() []uint64 {
	out := make([]uint64, len(fv.entries))
	for i, e := range fv.entries {
		out[i] = e.windowStart
	}
	return out
}

// AddInt applies a windowed count-style delta at eventTimeMs, flooring to
// windowMs, and returns the redo/undo record to write to the WAL.
//
//  1. t = eventTimeMs - eventTimeMs mod windowMs
//  2. no entry at t: insert Int(delta); undo=nil, redo=Int(delta)
//  3. entry at t is Int(v): replace with Int(v+delta) (saturating at
//     u64::MAX); undo=Some(Int(v)), redo=Int(v+delta)
//  4. entry at t is Float: TypeMismatch
func (fv *FeatureValue) AddInt(eventTimeMs, windowMs, delta uint64) (UpdateRecord, error) {
	t := floorToWindow(eventTimeMs, windowMs)
	idx, ok := fv.find(t)
	if !ok {
		v := IntValue(delta)
		fv.insertAt(idx, entry{windowStart: t, value: v})
		return UpdateRecord{Key: t, Undo: nil, Redo: v}, nil
	}
	old := fv.entries[idx].value
	if old.Kind != KindInt {
		return UpdateRecord{}, ferr.New(ferr.TypeMismatch, "window %d holds a Float value, cannot add_int", t)
	}
	sum := old.Int + delta
	if sum < old.Int { // overflow: saturate at u64::MAX
		sum = ^uint64(0)
	}
	newVal := IntValue(sum)
	fv.entries[idx].value = newVal
	oldCopy := old
	return UpdateRecord{Key: t, Undo: &oldCopy, Redo: newVal}, nil
}

// AddFloat is the Float analogue of AddInt. No saturation: float overflow
// follows IEEE 754 (→ +Inf), which is well-defined and testable as-is.
func (fv *FeatureValue) AddFloat(eventTimeMs, windowMs uint64, delta float64) (UpdateRecord, error) {
	t := floorToWindow(eventTimeMs, windowMs)
	idx, ok := fv.find(t)
	if !ok {
		v := FloatValue(delta)
		fv.insertAt(idx, entry{windowStart: t, value: v})
		return UpdateRecord{Key: t, Undo: nil, Redo: v}, nil
	}
	old := fv.entries[idx].value
	if old.Kind != KindFloat {
		return UpdateRecord{}, ferr.New(ferr.TypeMismatch, "window %d holds an Int value, cannot add_float", t)
	}
	newVal := FloatValue(old.Float + delta)
	fv.entries[idx].value = newVal
	oldCopy := old
	return UpdateRecord{Key: t, Undo: &oldCopy, Redo: newVal}, nil
}

func (fv *FeatureValue) insertAt(idx int, e entry) {
	fv.entries = append(fv.entries, entry{})
	copy(fv.entries[idx+1:], fv.entries[idx:])
	fv.entries[idx] = e
}

// Put sets the value at a window directly, bypassing add semantics — used
// by decode and by recovery when replaying a WAL FeatureUpdate's redo value.
func (fv *FeatureValue) Put(windowStart uint64, v Value) {
	idx, ok := fv.find(windowStart)
	if ok {
		fv.entries[idx].value = v
		return
	}
	fv.insertAt(idx, entry{windowStart: windowStart, value: v})
}

// Equal reports deep equality, used by tests (round-trip invariant).
func (fv *FeatureValue) Equal(other *FeatureValue) bool {
	if fv == nil || other == nil {
		return fv == other
	}
	if len(fv.entries) != len(other.entries) {
		return false
	}
	for i := range fv.entries {
		if fv.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}

// ---------- Serialization ----------
//
// u32 count
//   repeated count times: u64 window_start, ValueKind
// ValueKind := u8 tag (1=Int,2=Float) || (u64|f64)

// NeedSpace returns the exact serialized size in bytes.
func (fv *FeatureValue) NeedSpace() int {
	return 4 + len(fv.entries)*(8+1+8)
}

// Encode appends the big-endian wire encoding of fv to buf and returns it.
func (fv *FeatureValue) Encode(buf []byte) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(fv.entries)))
	buf = append(buf, tmp[:4]...)
	for _, e := range fv.entries {
		binary.BigEndian.PutUint64(tmp[:], e.windowStart)
		buf = append(buf, tmp[:]...)
		buf = append(buf, byte(e.value.Kind))
		switch e.value.Kind {
		case KindInt:
			binary.BigEndian.PutUint64(tmp[:], e.value.Int)
		case KindFloat:
			binary.BigEndian.PutUint64(tmp[:], math.Float64bits(e.value.Float))
		}
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// Decode reads a FeatureValue from the front of data, returning the value
// and the number of bytes consumed. Returns an InsufficientData error if
// data is too short to hold a complete, self-describing record.
func Decode(data []byte) (*FeatureValue, int, error) {
	if len(data) < 4 {
		return nil, 0, ferr.InsufficientDataErr("feature value count")
	}
	count := int(binary.BigEndian.Uint32(data[:4]))
	off := 4
	fv := New()
	fv.entries = make([]entry, 0, count)
	for i := 0; i < count; i++ {
		if off+8+1 > len(data) {
			return nil, 0, ferr.InsufficientDataErr("feature value entry header")
		}
		windowStart := binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		kind := Kind(data[off])
		off++
		if off+8 > len(data) {
			return nil, 0, ferr.InsufficientDataErr("feature value entry payload")
		}
		raw := binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		var v Value
		switch kind {
		case KindInt:
			v = IntValue(raw)
		case KindFloat:
			v = FloatValue(math.Float64frombits(raw))
		default:
			return nil, 0, ferr.New(ferr.Generic, "unknown ValueKind tag %d", kind)
		}
		fv.entries = append(fv.entries, entry{windowStart: windowStart, value: v})
	}
	return fv, off, nil
}
