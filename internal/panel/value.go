package panel

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the type of a cell.
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindString
)

// Value is a single panel cell: a number, a string, or missing.
type Value struct {
	kind Kind
	num  float64
	str  string
}

// Num returns a numeric cell.
func Num(f float64) Value { return Value{kind: KindNumber, num: f} }

// Str returns a string cell.
func Str(s string) Value { return Value{kind: KindString, str: s} }

// Missing returns an empty cell.
func Missing() Value { return Value{} }

// FromAny converts decoded JSON or SQL scan values into a cell.
func FromAny(x interface{}) Value {
	switch v := x.(type) {
	case nil:
		return Missing()
	case Value:
		return v
	case float64:
		return Num(v)
	case float32:
		return Num(float64(v))
	case int:
		return Num(float64(v))
	case int32:
		return Num(float64(v))
	case int64:
		return Num(float64(v))
	case uint64:
		return Num(float64(v))
	case bool:
		if v {
			return Num(1)
		}
		return Num(0)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return Num(f)
		}
		return Str(v.String())
	case string:
		return Str(v)
	case []byte:
		return Str(string(v))
	case time.Time:
		return Str(v.Format(time.RFC3339))
	default:
		return Str(fmt.Sprint(v))
	}
}

// Kind reports the cell type.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the cell is missing.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Float coerces the cell to a number. Missing, NaN and unparseable cells
// report false.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, !math.IsNaN(v.num)
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil || math.IsNaN(f) {
			return math.NaN(), false
		}
		return f, true
	default:
		return math.NaN(), false
	}
}

// FloatOrNaN is Float without the flag.
func (v Value) FloatOrNaN() float64 {
	f, _ := v.Float()
	return f
}

// String renders the cell; numbers use the shortest exact representation.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return v.str
	default:
		return ""
	}
}

// MarshalJSON encodes numbers as JSON numbers, strings as strings and
// missing or non-finite values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}
