package types

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Identity is the ordered tuple of identity-column values of one record.
type Identity struct {
	Values   []interface{}
	key      string
	affinity []Affinity
}

// NewIdentity builds an identity tuple and its canonical key.
func NewIdentity(values ...interface{}) Identity {
	return Identity{Values: values, key: IdentityKey(values)}
}

// NewTypedIdentity coerces each value to the affinity of its key column
// before building the tuple. Affinities beyond len(values) are ignored.
func NewTypedIdentity(affinity []Affinity, values ...interface{}) Identity {
	CoerceAll(affinity, values)
	return Identity{Values: values, key: IdentityKey(values), affinity: affinity}
}

// Affinities returns the key column affinities the tuple was coerced to, or
// nil for an untyped identity.
func (id Identity) Affinities() []Affinity { return id.affinity }

// CoerceAll coerces values in place, position by position.
func CoerceAll(affinity []Affinity, values []interface{}) {
	for i := range values {
		if i < len(affinity) {
			values[i] = affinity[i].Coerce(values[i])
		}
	}
}

// Key returns the canonical string form used for equality.
func (id Identity) Key() string {
	if id.key == "" && len(id.Values) > 0 {
		return IdentityKey(id.Values)
	}
	return id.key
}

func (id Identity) String() string {
	parts := make([]string, len(id.Values))
	for i, v := range id.Values {
		parts[i] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// IdentityKey canonicalizes a tuple so that values read back from a driver
// compare equal to the values supplied by the caller. Integers of any width,
// integral floats and JSON numbers collapse to one form; byte slices compare
// as strings and times compare in UTC.
func IdentityKey(values []interface{}) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(canonical(v))
	}
	return b.String()
}

type numberLike interface {
	String() string
	Int64() (int64, error)
	Float64() (float64, error)
}

func canonical(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "z:"
	case string:
		return "s:" + x
	case []byte:
		return "s:" + string(x)
	case bool:
		if x {
			return "n:1"
		}
		return "n:0"
	case int:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int8:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int16:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int32:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int64:
		return "n:" + strconv.FormatInt(x, 10)
	case uint:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case uint8:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case uint16:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case uint32:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case uint64:
		return "n:" + strconv.FormatUint(x, 10)
	case float32:
		return canonicalFloat(float64(x))
	case float64:
		return canonicalFloat(x)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	case numberLike:
		if n, err := x.Int64(); err == nil {
			return "n:" + strconv.FormatInt(n, 10)
		}
		if f, err := x.Float64(); err == nil {
			return canonicalFloat(f)
		}
		return "s:" + x.String()
	case fmt.Stringer:
		return "s:" + x.String()
	default:
		return "x:" + hex.EncodeToString([]byte(fmt.Sprintf("%T:%v", v, v)))
	}
}

func canonicalFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return "n:" + strconv.FormatInt(int64(f), 10)
	}
	return "f:" + strconv.FormatFloat(f, 'g', -1, 64)
}

// Affinity is the value family a key column stores, derived from its declared
// type. Identity values are coerced to it before keys are compared, so a JSON
// number sent for a TEXT key matches the string the driver reads back.
type Affinity int

const (
	AffinityNone Affinity = iota
	AffinityText
	AffinityInteger
	AffinityNumeric
	AffinityTime
)

// ColumnAffinity maps a declared column type to its affinity. Unknown types,
// BLOB and BOOLEAN columns get AffinityNone and keep values as given.
func ColumnAffinity(declared string) Affinity {
	t := strings.ToUpper(strings.TrimSpace(declared))
	switch {
	case t == "":
		return AffinityNone
	case strings.HasPrefix(t, "TIMESTAMP"), strings.HasPrefix(t, "DATETIME"), t == "DATE":
		return AffinityTime
	case strings.Contains(t, "INT") && !strings.HasPrefix(t, "INTERVAL") && !strings.HasPrefix(t, "POINT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return AffinityNumeric
	default:
		return AffinityNone
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Coerce converts v to the Go type a column of affinity a reads back as.
// Values that do not convert cleanly are returned unchanged.
func (a Affinity) Coerce(v interface{}) interface{} {
	if b, ok := v.([]byte); ok && a != AffinityNone {
		v = string(b)
	}
	switch a {
	case AffinityText:
		return coerceText(v)
	case AffinityInteger:
		return coerceInteger(v)
	case AffinityNumeric:
		return coerceNumeric(v)
	case AffinityTime:
		if s, ok := v.(string); ok {
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t
				}
			}
		}
	}
	return v
}

func coerceText(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case numberLike:
		return x.String()
	}
	return v
}

func coerceInteger(v interface{}) interface{} {
	switch x := v.(type) {
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n
		}
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
	case numberLike:
		if n, err := x.Int64(); err == nil {
			return n
		}
	}
	return v
}

func coerceNumeric(v interface{}) interface{} {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case numberLike:
		s = x.String()
	default:
		return v
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return v
}
