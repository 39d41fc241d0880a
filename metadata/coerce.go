package metadata

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// timeLayouts are tried in order when a time arrives as text (cache codecs, SQLite).
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize flattens a field value into the form stored in snapshots and rows:
// pointers are dereferenced (nil => nil), signed ints become int64, unsigned
// ints uint64, floats float64. Other values pass through.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	}
	return rv.Interface()
}

// ValuesEqual compares two normalized scalars. Numbers compare by value across
// int/uint/float, times with time.Equal, byte slices by content.
func ValuesEqual(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two scalars of compatible kinds. ok is false when they cannot
// be ordered (different kinds, nil, structs).
func Compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	switch x := a.(type) {
	case int64, uint64, float64:
		fa, ok1 := toFloat(x)
		fb, ok2 := toFloat(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		// exact path keeps precision above 2^53
		if ia, ok := a.(int64); ok {
			if ib, ok := b.(int64); ok {
				return cmp3(ia < ib, ia > ib), true
			}
		}
		return cmp3(fa < fb, fa > fb), true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return cmp3(x < y, x > y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp3(!x && y, x && !y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return cmp3(x.Before(y), x.After(y)), true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Coerce converts v into a value assignable to t. It understands the shapes
// produced by database drivers and cache codecs: json.Number, float64 for
// integers, text for times, base64 text for []byte, 0/1 for bools.
func Coerce(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	if t.Kind() == reflect.Pointer {
		inner, err := Coerce(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(inner)
		return p, nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Zero(t), nil
		}
		rv = rv.Elem()
	}
	if rv.Type() == t {
		return rv, nil
	}
	v = rv.Interface()

	switch {
	case t == timeType:
		return coerceTime(v)
	case t == bytesType:
		switch x := v.(type) {
		case string:
			if b, err := base64.StdEncoding.DecodeString(x); err == nil {
				return reflect.ValueOf(b), nil
			}
			return reflect.ValueOf([]byte(x)), nil
		}
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := toInt64(v)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if out.OverflowInt(i) {
			return reflect.Value{}, fmt.Errorf("metadata: %d overflows %s", i, t)
		}
		out.SetInt(i)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := toInt64(v)
		if err != nil {
			if u, ok := v.(uint64); ok {
				out := reflect.New(t).Elem()
				out.SetUint(u)
				return out, nil
			}
			return reflect.Value{}, err
		}
		if i < 0 {
			return reflect.Value{}, fmt.Errorf("metadata: %d is negative for %s", i, t)
		}
		out := reflect.New(t).Elem()
		if out.OverflowUint(uint64(i)) {
			return reflect.Value{}, fmt.Errorf("metadata: %d overflows %s", i, t)
		}
		out.SetUint(uint64(i))
		return out, nil
	case reflect.Float32, reflect.Float64:
		f, ok := toFloat(Normalize(v))
		if !ok {
			if s, isStr := v.(string); isStr {
				var err error
				if f, err = strconv.ParseFloat(s, 64); err != nil {
					return reflect.Value{}, err
				}
			} else {
				return reflect.Value{}, fmt.Errorf("metadata: cannot convert %T to %s", v, t)
			}
		}
		out := reflect.New(t).Elem()
		out.SetFloat(f)
		return out, nil
	case reflect.Bool:
		switch x := Normalize(v).(type) {
		case bool:
			return reflect.ValueOf(x).Convert(t), nil
		case int64:
			return reflect.ValueOf(x != 0).Convert(t), nil
		case uint64:
			return reflect.ValueOf(x != 0).Convert(t), nil
		case float64:
			return reflect.ValueOf(x != 0).Convert(t), nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(b).Convert(t), nil
		}
	case reflect.String:
		switch x := v.(type) {
		case []byte:
			return reflect.ValueOf(string(x)).Convert(t), nil
		case json.Number:
			return reflect.ValueOf(x.String()).Convert(t), nil
		}
		switch x := Normalize(v).(type) {
		case int64, uint64, float64, bool:
			return reflect.ValueOf(fmt.Sprint(x)).Convert(t), nil
		}
	}

	if rv.Type().ConvertibleTo(t) {
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("metadata: cannot convert %T to %s", v, t)
}

func toInt64(v any) (int64, error) {
	switch x := Normalize(v).(type) {
	case int64:
		return x, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("metadata: %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("metadata: %v is not an integer", x)
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("metadata: cannot convert %T to integer", v)
}

func coerceTime(v any) (reflect.Value, error) {
	var s string
	switch x := v.(type) {
	case time.Time:
		return reflect.ValueOf(x), nil
	case string:
		s = x
	case []byte:
		s = string(x)
	case int64:
		return reflect.ValueOf(time.Unix(x, 0).UTC()), nil
	default:
		return reflect.Value{}, fmt.Errorf("metadata: cannot convert %T to time.Time", v)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return reflect.ValueOf(t), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("metadata: unrecognized time %q", s)
}
