// Package pipeline implements UpdatePipeline: the per-event transaction
// that turns one JSON event into page updates, WAL records, and a commit.
//
// Grounded on feature_base/src/feature/mod.rs's update entrypoint and
// feature_node/src/node.rs's dispatch into it (resolve dataset, build
// keys, lock pages, apply templates, commit) — spec.md §4.8 names the
// same seven steps.
package pipeline

import (
	"fmt"
	"sort"

	"github.com/anselmo-ruiz/featurestore/concurrency"
	"github.com/anselmo-ruiz/featurestore/dataset"
	"github.com/anselmo-ruiz/featurestore/ferr"
	"github.com/anselmo-ruiz/featurestore/hashkey"
	"github.com/anselmo-ruiz/featurestore/storage"
	"github.com/anselmo-ruiz/featurestore/wal"
)

// UpdatePipeline wires together the pieces an event update needs: the
// dataset catalog to resolve ds ids against, the store to resolve pages
// in, the lock manager pages are acquired through, and the WAL
// transactions are recorded to.
type UpdatePipeline struct {
	Catalog *dataset.Catalog
	Store   *storage.Store
	WAL     *wal.WAL
	Locks   *concurrency.Manager
}

// New builds an UpdatePipeline over an already-open catalog, store, and
// WAL, with a LockPolicyWait/DefaultLockTimeout lock manager.
func New(catalog *dataset.Catalog, store *storage.Store, w *wal.WAL) *UpdatePipeline {
	return &UpdatePipeline{Catalog: catalog, Store: store, WAL: w, Locks: concurrency.NewManager(concurrency.LockPolicyWait)}
}

// keyedFeature is one feature of the event's dataset paired with the page
// key BuildKey produced for it.
type keyedFeature struct {
	feature *dataset.Feature
	key     string
}

// resolvedPage is the (slot, page) a feature key resolves to, shared by
// every keyedFeature whose key hashes into the same page.
type resolvedPage struct {
	slot *storage.Slot
	page *storage.Page
}

// Update runs one JSON event through its dataset's features: resolve the
// dataset, open a WAL transaction, build each feature's key, lock every
// distinct page in ascending min_pk order, apply each feature's template
// under its page's lock, emit a WAL FeatureUpdate per success, and commit.
// A feature whose key can't be built or whose template fails is recorded
// in the result's per-feature failures without aborting the others.
func (p *UpdatePipeline) Update(event map[string]interface{}) (*dataset.DsUpdateResult, error) {
	dsID, err := dataset.DataSetID(event)
	if err != nil {
		return nil, err
	}
	ds, ok := p.Catalog.Get(dsID)
	if !ok {
		return nil, ferr.DataSetNotFoundErr(dsID)
	}

	result := &dataset.DsUpdateResult{DatasetID: dsID}

	tid := p.WAL.NewTID()
	p.WAL.SendBeginLog(tid)

	byKey := make(map[string]*resolvedPage)
	byMinPK := make(map[uint64]*resolvedPage)
	var ordered []keyedFeature

	for i := range ds.Features {
		f := &ds.Features[i]
		key, err := f.BuildKey(event, ds.Columns)
		if err != nil {
			result.Results = append(result.Results, dataset.FeatureUpdateResult{FeatureID: f.ID, Err: err})
			continue
		}
		if _, ok := byKey[key]; !ok {
			slot, page, err := p.Store.GetPage(hashkey.Hash(key))
			if err != nil {
				result.Results = append(result.Results, dataset.FeatureUpdateResult{FeatureID: f.ID, Key: key, Err: err})
				continue
			}
			rp, exists := byMinPK[page.MinPK]
			if !exists {
				rp = &resolvedPage{slot: slot, page: page}
				byMinPK[page.MinPK] = rp
			}
			byKey[key] = rp
		}
		ordered = append(ordered, keyedFeature{feature: f, key: key})
	}

	locked, err := p.lockAscending(byMinPK)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	defer unlockAll(p.Locks, locked)

	for _, kf := range ordered {
		rp := byKey[kf.key]
		fv := rp.page.GetOrCreateLocked(kf.key)
		record, err := kf.feature.Template.Apply(event, fv)
		if err != nil {
			result.Results = append(result.Results, dataset.FeatureUpdateResult{FeatureID: kf.feature.ID, Key: kf.key, Err: err})
			continue
		}
		actionID := p.WAL.SendFeatureUpdateLog(tid, kf.key, record.Key, record.Undo, record.Redo)
		rp.page.AfterUpdateLocked(actionID, rp.slot.EnqueueDirty)
		result.Results = append(result.Results, dataset.FeatureUpdateResult{FeatureID: kf.feature.ID, Key: kf.key, Record: record})
	}

	if err := p.WAL.CommitLog(tid); err != nil {
		return nil, fmt.Errorf("pipeline: commit tid %d: %w", tid, err)
	}
	return result, nil
}

// lockAscending locks every distinct page in byMinPK in ascending min_pk
// order (spec §5's lock order) through p.Locks, returning the locked
// pages. On error it releases every page it had already locked and
// returns nil, so the caller has nothing to release.
func (p *UpdatePipeline) lockAscending(byMinPK map[uint64]*resolvedPage) ([]*resolvedPage, error) {
	ordered := make([]*resolvedPage, 0, len(byMinPK))
	for _, rp := range byMinPK {
		ordered = append(ordered, rp)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].page.MinPK < ordered[j].page.MinPK })

	locked := make([]*resolvedPage, 0, len(ordered))
	for _, rp := range ordered {
		key := concurrency.PageKey{SlotID: rp.slot.ID, MinPK: rp.page.MinPK}
		if err := p.Locks.Acquire(key, rp.page); err != nil {
			unlockAll(p.Locks, locked)
			return nil, err
		}
		locked = append(locked, rp)
	}
	return locked, nil
}

func unlockAll(locks *concurrency.Manager, locked []*resolvedPage) {
	for i := len(locked) - 1; i >= 0; i-- {
		locks.Release(locked[i].page)
	}
}
