package wal

import (
	"testing"

	"github.com/anselmo-ruiz/featurestore/featureval"
)

func TestBeginFeatureUpdateCommitRoundTrip(t *testing.T) {
	w, err := OpenMem()
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	defer w.Close()

	tid := w.NewTID()
	w.SendBeginLog(tid)
	redo := featureval.IntValue(1)
	w.SendFeatureUpdateLog(tid, "u1i91", 1650931200000, nil, redo)
	if err := w.CommitLog(tid); err != nil {
		t.Fatalf("CommitLog: %v", err)
	}

	var items []LogItem
	if err := ForEachRecord(w.file, func(item LogItem) error {
		items = append(items, item)
		return nil
	}); err != nil {
		t.Fatalf("ForEachRecord: %v", err)
	}

	if len(items) != 3 {
		t.Fatalf("expected 3 records (Begin, FeatureUpdate, Commit), got %d", len(items))
	}
	if items[0].Kind != KindBegin || items[1].Kind != KindFeatureUpdate || items[2].Kind != KindCommit {
		t.Fatalf("unexpected kinds: %v %v %v", items[0].Kind, items[1].Kind, items[2].Kind)
	}
	if items[1].FeatureUpdate.FeatureKey != "u1i91" {
		t.Fatalf("expected feature key round-tripped, got %q", items[1].FeatureUpdate.FeatureKey)
	}
	if items[1].FeatureUpdate.Redo.Int != 1 {
		t.Fatalf("expected redo Int(1), got %+v", items[1].FeatureUpdate.Redo)
	}
	if items[1].FeatureUpdate.Undo != nil {
		t.Fatalf("expected nil undo, got %+v", items[1].FeatureUpdate.Undo)
	}
}

func TestActionIDsAreStrictlyIncreasing(t *testing.T) {
	w, err := OpenMem()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	tid := w.NewTID()
	a1 := w.SendBeginLog(tid)
	a2 := w.SendFeatureUpdateLog(tid, "k", 0, nil, featureval.IntValue(1))
	if err := w.CommitLog(tid); err != nil {
		t.Fatal(err)
	}
	if !(a1 < a2) {
		t.Fatalf("expected strictly increasing action ids, got %d then %d", a1, a2)
	}
}

func TestPageBkStoreAndIndexStoreRoundTrip(t *testing.T) {
	w, err := OpenMem()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	tid := w.NewTID()
	w.SendBeginLog(tid)
	w.SendPageBkStoreLog(tid, 3, 42, 100, 200)
	if err := w.CommitLog(tid); err != nil {
		t.Fatal(err)
	}

	tid2 := w.NewTID()
	w.SendBeginLog(tid2)
	w.SendPageIndexStoreLog(tid2, 3)
	if err := w.CommitLog(tid2); err != nil {
		t.Fatal(err)
	}

	var kinds []Kind
	if err := ForEachRecord(w.file, func(item LogItem) error {
		kinds = append(kinds, item.Kind)
		if item.Kind == KindPageBkStore {
			if item.PageBkStore.SlotID != 3 || item.PageBkStore.PageID != 42 {
				t.Fatalf("page bk store payload mismatch: %+v", item.PageBkStore)
			}
		}
		if item.Kind == KindPageIndexStore && item.PageIndexStore.SlotID != 3 {
			t.Fatalf("page index store payload mismatch: %+v", item.PageIndexStore)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	want := []Kind{KindBegin, KindPageBkStore, KindCommit, KindBegin, KindPageIndexStore, KindCommit}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(kinds))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("record %d: expected kind %v, got %v", i, want[i], kinds[i])
		}
	}
}

func TestUncommittedRecordsRemainInRawLog(t *testing.T) {
	// ForEachRecord itself is purely mechanical (it yields every
	// well-formed record); the commit/atomicity filtering is recovery's
	// job. This test only pins that a record written but never committed
	// is still readable back mechanically, so recovery can see it and
	// choose to discard it.
	w, err := OpenMem()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	tid := w.NewTID()
	w.SendBeginLog(tid)
	w.SendFeatureUpdateLog(tid, "orphan", 0, nil, featureval.IntValue(1))
	// deliberately never commits tid

	// Give the writer goroutine a chance to drain by sending a no-op
	// transaction on a separate tid and waiting for its commit.
	tid2 := w.NewTID()
	w.SendBeginLog(tid2)
	if err := w.CommitLog(tid2); err != nil {
		t.Fatal(err)
	}

	var sawFeatureUpdate, sawCommitForTID1 bool
	if err := ForEachRecord(w.file, func(item LogItem) error {
		if item.Kind == KindFeatureUpdate {
			sawFeatureUpdate = true
		}
		if item.Kind == KindCommit && item.TID == tid {
			sawCommitForTID1 = true
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !sawFeatureUpdate {
		t.Fatal("expected the uncommitted FeatureUpdate to still be present in the raw log")
	}
	if sawCommitForTID1 {
		t.Fatal("tid was never committed, should have no Commit record")
	}
}
