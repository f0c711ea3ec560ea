package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/featherbase/featherbase/internal/schema"
)

// Key layout over the ordered KV substrate. All keys are UTF-8
// strings; prefix scans append the 0xff sentinel as the exclusive
// high bound (see kv.PrefixRange).
//
//	main:    <collection>:<id>
//	indexes: idx:<collection>:<field>:<normValue>:<id>
//	indexes: uniq:<collection>:<field>:<normValue>

const numberPadWidth = 20

// RecordKey returns the primary row key for a record.
func RecordKey(collection, id string) string {
	return collection + ":" + id
}

// RecordPrefix returns the primary-key prefix for a collection.
func RecordPrefix(collection string) string {
	return collection + ":"
}

// IndexKey returns the secondary-index key for one field value.
func IndexKey(collection, field string, value any, id string) string {
	return "idx:" + collection + ":" + field + ":" + NormalizeValue(value) + ":" + id
}

// IndexPrefix returns the prefix covering every index entry for one
// field value.
func IndexPrefix(collection, field string, value any) string {
	return "idx:" + collection + ":" + field + ":" + NormalizeValue(value) + ":"
}

// UniqueKey returns the uniqueness key for one field value.
func UniqueKey(collection, field string, value any) string {
	return "uniq:" + collection + ":" + field + ":" + NormalizeValue(value)
}

// NormalizeValue encodes a field value for use inside an index key.
// Numbers are left-padded with zeros to a fixed width so that
// lexicographic range scans preserve numeric order; booleans encode
// as 0/1; strings pass through raw.
func NormalizeValue(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case bool:
		if n {
			return "1"
		}
		return "0"
	case float64:
		return padNumber(strconv.FormatFloat(n, 'f', -1, 64))
	case int:
		return padNumber(strconv.Itoa(n))
	case int64:
		return padNumber(strconv.FormatInt(n, 10))
	default:
		return fmt.Sprintf("%v", n)
	}
}

// padNumber left-pads the integer part only. Fraction digits already
// compare correctly once the integer parts are aligned, and padding
// the whole string would push "1.5" past "10".
func padNumber(s string) string {
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s, frac = s[:i], s[i:]
	}
	if len(s) < numberPadWidth {
		s = fmt.Sprintf("%0*s", numberPadWidth, s)
	}
	return s + frac
}

// normalizeForField encodes a value using the declared field type so
// a numeric filter value matches records stored as numbers.
func normalizeForField(f schema.Field, v any) string {
	if f.Type == schema.TypeNumber {
		switch s := v.(type) {
		case string:
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return NormalizeValue(n)
			}
		}
	}
	return NormalizeValue(v)
}
