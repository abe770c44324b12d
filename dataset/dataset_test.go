package dataset

import (
	"testing"

	"github.com/anselmo-ruiz/featurestore/featureval"
)

func testDataSet() *DataSet {
	return &DataSet{
		ID:   1,
		Name: "clicks",
		Columns: map[string]ColumnType{
			"user_id": TEXT,
			"item_id": TEXT,
			"ts":      DATETIME,
		},
		Features: []Feature{
			{
				ID:   7,
				Name: "clicks_per_30d",
				Template: &CountTemplate{
					GroupKeys:  []string{"user_id", "item_id"},
					TimeKey:    "ts",
					WindowUnit: DAY,
					WindowSize: 30,
				},
			},
		},
	}
}

func TestBuildKeyConcatenatesGroupKeysAndFeatureID(t *testing.T) {
	ds := testDataSet()
	event := map[string]interface{}{
		"user_id": "u1",
		"item_id": "i9",
		"ts":      float64(1651000000000),
	}
	f := ds.Features[0]
	key, err := f.BuildKey(event, ds.Columns)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	if want := "u1i97"; key != want {
		t.Fatalf("expected key %q, got %q", want, key)
	}
}

func TestBuildKeyMissingGroupColumn(t *testing.T) {
	ds := testDataSet()
	event := map[string]interface{}{
		"user_id": "u1",
		"ts":      float64(1651000000000),
	}
	f := ds.Features[0]
	if _, err := f.BuildKey(event, ds.Columns); err == nil {
		t.Fatal("expected an error for a missing group-by column")
	}
}

func TestBuildKeyColumnNotInDataSet(t *testing.T) {
	ds := &DataSet{
		ID:      2,
		Columns: map[string]ColumnType{"user_id": TEXT},
		Features: []Feature{{
			ID: 1,
			Template: &CountTemplate{
				GroupKeys: []string{"missing_column"},
				TimeKey:   "ts",
			},
		}},
	}
	event := map[string]interface{}{"user_id": "u1"}
	if _, err := ds.Features[0].BuildKey(event, ds.Columns); err == nil {
		t.Fatal("expected ColumnNotInDataSet error")
	}
}

func TestCountTemplateApplyIncrementsWindow(t *testing.T) {
	ct := &CountTemplate{TimeKey: "ts", WindowUnit: DAY, WindowSize: 30}
	fv := featureval.New()
	event := map[string]interface{}{"ts": float64(1651000000000)}
	rec, err := ct.Apply(event, fv)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.Redo.Int != 1 {
		t.Fatalf("expected first apply to count 1, got %d", rec.Redo.Int)
	}
	rec2, err := ct.Apply(event, fv)
	if err != nil {
		t.Fatalf("Apply #2: %v", err)
	}
	if rec2.Redo.Int != 2 {
		t.Fatalf("expected second apply to count 2, got %d", rec2.Redo.Int)
	}
}

func TestCountTemplateApplyMissingTimeColumn(t *testing.T) {
	ct := &CountTemplate{TimeKey: "ts", WindowUnit: SECOND, WindowSize: 1}
	fv := featureval.New()
	if _, err := ct.Apply(map[string]interface{}{}, fv); err == nil {
		t.Fatal("expected an error for a missing time column")
	}
}

func TestWindowUnitToMillis(t *testing.T) {
	cases := []struct {
		unit WindowUnit
		size uint64
		want uint64
	}{
		{SECOND, 30, 30000},
		{MINUTE, 5, 300000},
		{HOUR, 2, 7200000},
		{DAY, 1, 86400000},
	}
	for _, c := range cases {
		if got := c.unit.ToMillis(c.size); got != c.want {
			t.Fatalf("unit=%v size=%d: expected %d, got %d", c.unit, c.size, c.want, got)
		}
	}
}

func TestCatalogGet(t *testing.T) {
	ds := testDataSet()
	cat := NewCatalog([]*DataSet{ds})
	got, ok := cat.Get(1)
	if !ok || got != ds {
		t.Fatalf("expected to find dataset 1, got %v (ok=%v)", got, ok)
	}
	if _, ok := cat.Get(999); ok {
		t.Fatal("expected lookup of unknown id to fail")
	}
}

func TestDsUpdateResultFailed(t *testing.T) {
	r := &DsUpdateResult{Results: []FeatureUpdateResult{{FeatureID: 1, Err: nil}}}
	if r.Failed() {
		t.Fatal("expected Failed()==false when no feature errored")
	}
	r.Results = append(r.Results, FeatureUpdateResult{FeatureID: 2, Err: errTest})
	if !r.Failed() {
		t.Fatal("expected Failed()==true once a feature has an error")
	}
}

func TestDataSetID(t *testing.T) {
	id, err := DataSetID(map[string]interface{}{"ds": float64(42)})
	if err != nil || id != 42 {
		t.Fatalf("expected ds=42, got %d (err=%v)", id, err)
	}
	if _, err := DataSetID(map[string]interface{}{}); err == nil {
		t.Fatal("expected an error for a missing ds field")
	}
	if _, err := DataSetID(map[string]interface{}{"ds": "not-a-number"}); err == nil {
		t.Fatal("expected an error for a non-numeric ds field")
	}
}

var errTest = &testError{}

type testError struct{}

func (e *testError) Error() string { return "test error" }
