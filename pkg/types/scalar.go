package types

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ScalarType is the declared type tag of a partition key or log column.
type ScalarType string

const (
	TypeInt64      ScalarType = "int64"
	TypeFloat64    ScalarType = "float64"
	TypeString     ScalarType = "str"
	TypeBool       ScalarType = "bool"
	TypeDatetimeMs ScalarType = "datetime64[ms]"
	TypeDatetimeUs ScalarType = "datetime64[us]"
)

// Timestamp layouts used when formatting datetime keys. Both are fixed
// width so lexical order of formatted values equals chronological order.
const (
	LayoutMillis = "2006-01-02T15:04:05.000"
	LayoutMicros = "2006-01-02T15:04:05.000000"
)

// parseLayouts are accepted in addition to the canonical layouts when
// parsing user supplied timestamps.
var parseLayouts = []string{
	LayoutMicros,
	LayoutMillis,
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ScalarTypes lists every supported type tag.
func ScalarTypes() []ScalarType {
	return []ScalarType{TypeInt64, TypeFloat64, TypeString, TypeBool, TypeDatetimeMs, TypeDatetimeUs}
}

// Valid reports whether t is a known type tag.
func (t ScalarType) Valid() bool {
	switch t {
	case TypeInt64, TypeFloat64, TypeString, TypeBool, TypeDatetimeMs, TypeDatetimeUs:
		return true
	}
	return false
}

// IsTime reports whether t is one of the datetime tags.
func (t ScalarType) IsTime() bool {
	return t == TypeDatetimeMs || t == TypeDatetimeUs
}

func (t ScalarType) resolution() time.Duration {
	if t == TypeDatetimeUs {
		return time.Microsecond
	}
	return time.Millisecond
}

// Cast converts v to the Go representation of t: int64, float64, string,
// bool or a UTC time.Time truncated to the tag's resolution.
func Cast(t ScalarType, v any) (any, error) {
	switch t {
	case TypeInt64:
		return castInt(v)
	case TypeFloat64:
		return castFloat(v)
	case TypeString:
		return castString(v)
	case TypeBool:
		return castBool(v)
	case TypeDatetimeMs, TypeDatetimeUs:
		ts, err := castTime(t, v)
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// Format renders v (after casting) in the canonical textual form of t.
// String values are returned verbatim; callers building paths escape them.
func Format(t ScalarType, v any) (string, error) {
	cv, err := Cast(t, v)
	if err != nil {
		return "", err
	}
	switch x := cv.(type) {
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		if t == TypeDatetimeUs {
			return x.Format(LayoutMicros), nil
		}
		return x.Format(LayoutMillis), nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedValue, cv)
}

// Parse is the inverse of Format.
func Parse(t ScalarType, s string) (any, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return Cast(t, s)
}

// Escape renders v as a single path segment. Only strings need escaping;
// every other canonical form is free of separators.
func Escape(t ScalarType, v any) (string, error) {
	s, err := Format(t, v)
	if err != nil {
		return "", err
	}
	if t == TypeString {
		return url.PathEscape(s), nil
	}
	return s, nil
}

// Unescape is the inverse of Escape.
func Unescape(t ScalarType, segment string) (any, error) {
	if t == TypeString {
		s, err := url.PathUnescape(segment)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return s, nil
	}
	return Parse(t, segment)
}

// TypeOf infers the scalar type of an already cast value.
func TypeOf(v any) (ScalarType, bool) {
	switch v.(type) {
	case int, int32, int64:
		return TypeInt64, true
	case float32, float64:
		return TypeFloat64, true
	case string:
		return TypeString, true
	case bool:
		return TypeBool, true
	case time.Time:
		return TypeDatetimeUs, true
	}
	return "", false
}

// Compare orders a and b after casting b to the type of a.
func Compare(a, b any) (int, error) {
	t, ok := TypeOf(a)
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedValue, a)
	}
	if at, ok := a.(time.Time); ok {
		bt, err := toTime(b)
		if err != nil {
			return 0, err
		}
		return at.Compare(bt), nil
	}
	ca, err := Cast(t, a)
	if err != nil {
		return 0, err
	}
	cb, err := Cast(t, b)
	if err != nil {
		return 0, err
	}
	switch x := ca.(type) {
	case int64:
		return cmpOrdered(x, cb.(int64)), nil
	case float64:
		return cmpOrdered(x, cb.(float64)), nil
	case string:
		return strings.Compare(x, cb.(string)), nil
	case bool:
		y := cb.(bool)
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		default:
			return 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedValue, a)
}

// Equal reports whether a and b are equal under Compare.
func Equal(a, b any) bool {
	c, err := Compare(a, b)
	return err == nil && c == 0
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func castInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("%w: %v is not integral", ErrInvalidValue, x)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int64", ErrInvalidValue, x)
		}
		return n, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("%w: cannot cast %T to int64", ErrUnsupportedValue, v)
}

func castFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float64", ErrInvalidValue, x)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: cannot cast %T to float64", ErrUnsupportedValue, v)
}

func castString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	case int64, int, int32, float64, bool:
		return fmt.Sprint(x), nil
	}
	return nil, fmt.Errorf("%w: cannot cast %T to str", ErrUnsupportedValue, v)
}

func castBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool", ErrInvalidValue, x)
		}
		return b, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	}
	return nil, fmt.Errorf("%w: cannot cast %T to bool", ErrUnsupportedValue, v)
}

func castTime(t ScalarType, v any) (time.Time, error) {
	if n, ok := v.(int64); ok {
		// epoch count in the tag's unit
		if t == TypeDatetimeUs {
			return time.UnixMicro(n).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	}
	if n, ok := v.(int); ok {
		return castTime(t, int64(n))
	}
	ts, err := toTime(v)
	if err != nil {
		return time.Time{}, err
	}
	return ts.Truncate(t.resolution()), nil
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range parseLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrInvalidValue, x)
	}
	return time.Time{}, fmt.Errorf("%w: cannot cast %T to a timestamp", ErrUnsupportedValue, v)
}
