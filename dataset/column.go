package dataset

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/anselmo-ruiz/featurestore/ferr"
)

// ColumnType is the declared type of a dataset column.
// Grounded on feature_base/src/ds/column.rs's ColumnType enum.
type ColumnType byte

const (
	TEXT ColumnType = iota
	INT
	FLOAT
	DATETIME
)

func (c ColumnType) String() string {
	switch c {
	case TEXT:
		return "TEXT"
	case INT:
		return "INT"
	case FLOAT:
		return "FLOAT"
	case DATETIME:
		return "DATETIME"
	default:
		return fmt.Sprintf("ColumnType(%d)", byte(c))
	}
}

// ValueToString renders event[column] as a string according to columnType,
// the way column.rs's get_value_to_str does for building a feature key's
// group-by portion. DATETIME is an epoch-ms integer, same as INT.
func ValueToString(event map[string]interface{}, column string, columnType ColumnType) (string, error) {
	raw, ok := event[column]
	if !ok {
		return "", ferr.ValueNotFoundErr(column)
	}
	switch columnType {
	case TEXT:
		s, ok := raw.(string)
		if !ok {
			return "", ferr.TypeMismatchErr(column)
		}
		return s, nil
	case INT, DATETIME:
		i, ok := asInt64(raw)
		if !ok {
			return "", ferr.TypeMismatchErr(column)
		}
		return strconv.FormatInt(i, 10), nil
	case FLOAT:
		f, ok := asFloat64(raw)
		if !ok {
			return "", ferr.TypeMismatchErr(column)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	default:
		return "", ferr.New(ferr.Generic, "unknown column type %v", columnType)
	}
}

// ValueAsUint64 reads event[column] as a u64 (used for the DATETIME time
// column that feeds the window calculation).
func ValueAsUint64(event map[string]interface{}, column string) (uint64, error) {
	raw, ok := event[column]
	if !ok {
		return 0, ferr.ValueNotFoundErr(column)
	}
	i, ok := asInt64(raw)
	if !ok || i < 0 {
		return 0, ferr.TypeMismatchErr(column)
	}
	return uint64(i), nil
}

// DataSetID reads event["ds"] as an int64, the dataset id every event
// carries to route it to the right DataSet (feature_node/src/node.rs's
// update entrypoint reads the same field before anything else runs).
func DataSetID(event map[string]interface{}) (int64, error) {
	raw, ok := event["ds"]
	if !ok {
		return 0, ferr.ValueNotFoundErr("ds")
	}
	id, ok := asInt64(raw)
	if !ok {
		return 0, ferr.TypeMismatchErr("ds")
	}
	return id, nil
}

// asInt64 accepts the shapes encoding/json produces for a JSON number
// (float64) as well as native Go integers, so callers built from decoded
// JSON and callers built programmatically both work.
func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func asFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
