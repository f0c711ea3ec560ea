// Package record defines the record data model shared by the schema
// registry, the engine, and the API layer.
package record

import (
	"crypto/rand"
	"encoding/json"
	"time"
)

// System field names present on every record.
const (
	FieldID      = "id"
	FieldCreated = "created"
	FieldUpdated = "updated"
	FieldVersion = "_version"
)

// IDLength is the length of generated record ids.
const IDLength = 15

// TimeLayout is the stored timestamp format: ISO-8601 UTC with
// millisecond resolution.
const TimeLayout = "2006-01-02T15:04:05.000Z"

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Record is a mapping from field name to value. Values follow JSON
// decoding conventions: string, float64, bool, nil.
type Record map[string]any

// NewID returns an opaque URL-safe random token of IDLength characters.
func NewID() string {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// Now formats the current UTC time in the stored layout.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}

// NextTimestamp returns a timestamp strictly greater than prev. The
// updated field must advance on every successful mutation even when
// two mutations land within the same millisecond.
func NextTimestamp(prev string) string {
	now := Now()
	if prev == "" || now > prev {
		return now
	}
	t, err := time.Parse(TimeLayout, prev)
	if err != nil {
		return now
	}
	return t.Add(time.Millisecond).Format(TimeLayout)
}

// ID returns the record id, or "" when unset.
func (r Record) ID() string {
	s, _ := r[FieldID].(string)
	return s
}

// Created returns the created timestamp, or "" when unset.
func (r Record) Created() string {
	s, _ := r[FieldCreated].(string)
	return s
}

// Updated returns the updated timestamp, or "" when unset.
func (r Record) Updated() string {
	s, _ := r[FieldUpdated].(string)
	return s
}

// Version returns the record version. Values decoded from JSON arrive
// as float64; values built in-process may be int or int64.
func (r Record) Version() int64 {
	switch v := r[FieldVersion].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a new record with patch applied over base. System
// fields in patch are ignored; the caller owns id, created, updated
// and _version.
func Merge(base Record, patch Record) Record {
	out := base.Clone()
	for k, v := range patch {
		switch k {
		case FieldID, FieldCreated, FieldUpdated, FieldVersion:
			continue
		}
		out[k] = v
	}
	return out
}

// WithoutFields returns a copy of the record with the named fields
// removed. Used to strip private fields on the way out.
func (r Record) WithoutFields(names []string) Record {
	if len(names) == 0 {
		return r.Clone()
	}
	out := r.Clone()
	for _, n := range names {
		delete(out, n)
	}
	return out
}

// Encode serializes the record as JSON for storage.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode deserializes a stored record.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}
