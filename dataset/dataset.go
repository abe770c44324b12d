// Package dataset describes the schema a store routes events against:
// column types, the features derived from a dataset's events, and the
// per-feature templates that turn an event into a page update.
//
// Grounded on feature_base/src/ds/column.rs (ColumnType, column lookups),
// feature_base/src/feature/mod.rs (Feature, the template dispatch enum),
// feature_base/src/feature/count_feature.rs (CountFeatureTemplate,
// build_key/calc_and_update) and feature_node/src/node.rs (the
// id-to-DataSet catalog a node holds in memory).
package dataset

import (
	"strconv"
	"strings"

	"github.com/anselmo-ruiz/featurestore/featureval"
	"github.com/anselmo-ruiz/featurestore/ferr"
)

// WindowUnit is the unit a CountTemplate's window_size is expressed in.
type WindowUnit byte

const (
	SECOND WindowUnit = iota
	MINUTE
	HOUR
	DAY
)

// ToMillis converts a window expressed in size units of u into milliseconds.
func (u WindowUnit) ToMillis(size uint64) uint64 {
	switch u {
	case SECOND:
		return size * 1000
	case MINUTE:
		return size * 60000
	case HOUR:
		return size * 3600000
	case DAY:
		return size * 86400000
	default:
		return size
	}
}

// Template is the per-feature behavior an event is run through: build the
// page key the feature's value lives at, then apply the event to that
// key's FeatureValue. COUNT (CountTemplate) is the template wired today;
// the interface leaves room for a SUM/float template without touching
// callers, same as FeatureTemplate's enum in the original.
type Template interface {
	// BuildKey concatenates the group-key column values (rendered per
	// their declared ColumnType) with the feature id to form the page
	// key this feature is stored under for one event.
	BuildKey(event map[string]interface{}, featureID uint64, columns map[string]ColumnType) (string, error)

	// Apply computes the update this event drives into fv (the
	// FeatureValue currently stored at the built key, or a fresh one if
	// this is the key's first write) and returns the redo/undo record to
	// persist to the WAL.
	Apply(event map[string]interface{}, fv *featureval.FeatureValue) (featureval.UpdateRecord, error)
}

// CountTemplate increments a windowed counter keyed by GroupKeys, bucketed
// by TimeKey into windows of WindowSize WindowUnits.
type CountTemplate struct {
	GroupKeys  []string
	TimeKey    string
	WindowUnit WindowUnit
	WindowSize uint64
}

// BuildKey mirrors count_feature.rs's build_key: append each group key's
// column value (type-checked against columns) in order, then the feature
// id, with no separator — the original's string_builder::Builder is a
// plain concatenation, so strings.Builder does the same here.
func (c *CountTemplate) BuildKey(event map[string]interface{}, featureID uint64, columns map[string]ColumnType) (string, error) {
	var b strings.Builder
	for _, k := range c.GroupKeys {
		columnType, ok := columns[k]
		if !ok {
			return "", ferr.ColumnNotInDataSetErr(k)
		}
		s, err := ValueToString(event, k, columnType)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	b.WriteString(strconv.FormatUint(featureID, 10))
	return b.String(), nil
}

// Apply mirrors count_feature.rs's calc_and_update: read the event's time
// column, then add 1 to the window it falls in.
func (c *CountTemplate) Apply(event map[string]interface{}, fv *featureval.FeatureValue) (featureval.UpdateRecord, error) {
	eventTime, err := ValueAsUint64(event, c.TimeKey)
	if err != nil {
		return featureval.UpdateRecord{}, err
	}
	windowMs := c.WindowUnit.ToMillis(c.WindowSize)
	return fv.AddInt(eventTime, windowMs, 1)
}

// Feature is one named metric derived from a dataset's events.
type Feature struct {
	ID       uint64
	Name     string
	Template Template
}

// BuildKey delegates to the feature's template.
func (f *Feature) BuildKey(event map[string]interface{}, columns map[string]ColumnType) (string, error) {
	return f.Template.BuildKey(event, f.ID, columns)
}

// DataSet is the schema an event stream is validated and routed against:
// its column types and the features computed from it.
type DataSet struct {
	ID       int64
	Name     string
	Columns  map[string]ColumnType
	Features []Feature
}

// Catalog is the in-memory id-to-DataSet lookup a node builds once at
// startup, grounded on feature_node/src/node.rs's
// datasets: HashMap<i64, Arc<DataSet>>.
type Catalog struct {
	byID map[int64]*DataSet
}

// NewCatalog builds a Catalog from a list of datasets.
func NewCatalog(datasets []*DataSet) *Catalog {
	c := &Catalog{byID: make(map[int64]*DataSet, len(datasets))}
	for _, ds := range datasets {
		c.byID[ds.ID] = ds
	}
	return c
}

// Get returns the dataset registered under id, if any.
func (c *Catalog) Get(id int64) (*DataSet, bool) {
	ds, ok := c.byID[id]
	return ds, ok
}

// FeatureUpdateResult is the per-feature outcome of applying one event,
// returned alongside the dataset-level result so a caller can see which
// features failed without the whole event being rejected.
type FeatureUpdateResult struct {
	FeatureID uint64
	Key       string
	Record    featureval.UpdateRecord
	Err       error
}

// DsUpdateResult is the result of running one event through every feature
// of a dataset: per-feature failures are independent, so a single event
// can partially succeed.
type DsUpdateResult struct {
	DatasetID int64
	Results   []FeatureUpdateResult
}

// Failed reports whether any feature in the result failed.
func (r *DsUpdateResult) Failed() bool {
	for _, fr := range r.Results {
		if fr.Err != nil {
			return true
		}
	}
	return false
}
