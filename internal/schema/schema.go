// Package schema provides per-collection field definitions and payload
// validation.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/featherbase/featherbase/internal/kv"
	"github.com/featherbase/featherbase/internal/record"
)

// Common errors
var (
	ErrSchemaNotFound        = errors.New("schema not found")
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// FieldType is the declared primitive type of a field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "boolean"
	// TypeSystem marks fields owned by the engine (id, created,
	// updated). System fields are not type-checked by Validate.
	TypeSystem FieldType = "system"
)

// Field describes one field of a collection schema.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Unique   bool      `json:"unique,omitempty"`
	Indexed  bool      `json:"indexed,omitempty"`
	Private  bool      `json:"private,omitempty"`
	Default  any       `json:"default,omitempty"`
}

// Schema is the ordered field list of a collection.
type Schema struct {
	Collection string  `json:"collection"`
	Fields     []Field `json:"fields"`
}

// ValidationError reports why a payload failed schema validation.
type ValidationError struct {
	Collection string   `json:"collection"`
	Issues     []string `json:"issues"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Collection, strings.Join(e.Issues, "; "))
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidCollectionName reports whether name is a legal collection name.
func ValidCollectionName(name string) bool {
	return collectionNameRe.MatchString(name)
}

// IsSystemCollection reports whether name addresses a system
// collection (leading underscore).
func IsSystemCollection(name string) bool {
	return strings.HasPrefix(name, "_")
}

// Auth collection names that are auto-materialized on first access.
const (
	UsersCollection      = "users"
	SuperusersCollection = "_superusers"
)

// IsAuthCollection reports whether the collection carries email and
// password auth fields.
func IsAuthCollection(name string) bool {
	return name == UsersCollection || name == SuperusersCollection
}

// systemFields are present on every schema; updated is always indexed
// so list queries ordered by recency stay on the index path.
func systemFields() []Field {
	return []Field{
		{Name: record.FieldID, Type: TypeSystem},
		{Name: record.FieldCreated, Type: TypeSystem},
		{Name: record.FieldUpdated, Type: TypeSystem, Indexed: true},
	}
}

// authSchema builds the auto-materialized schema for auth collections.
func authSchema(collection string) *Schema {
	s := &Schema{
		Collection: collection,
		Fields: append(systemFields(),
			Field{Name: "email", Type: TypeString, Required: true, Indexed: true, Unique: true},
			Field{Name: "password", Type: TypeString, Required: true, Private: true},
		),
	}
	return s
}

// Field returns the descriptor for name, if declared.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IndexedFields returns every field flagged indexed.
func (s *Schema) IndexedFields() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Indexed {
			out = append(out, f)
		}
	}
	return out
}

// UniqueFields returns every field flagged unique.
func (s *Schema) UniqueFields() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Unique {
			out = append(out, f)
		}
	}
	return out
}

// PrivateFieldNames returns the names of fields flagged private.
func (s *Schema) PrivateFieldNames() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Private {
			out = append(out, f.Name)
		}
	}
	return out
}

// ensureSystemFields fills in the three system fields when missing and
// forces updated to stay indexed.
func (s *Schema) ensureSystemFields() {
	present := make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		present[f.Name] = i
	}
	var missing []Field
	for _, sys := range systemFields() {
		if i, ok := present[sys.Name]; ok {
			s.Fields[i].Type = TypeSystem
			if sys.Name == record.FieldUpdated {
				s.Fields[i].Indexed = true
			}
			continue
		}
		missing = append(missing, sys)
	}
	if len(missing) > 0 {
		s.Fields = append(missing, s.Fields...)
	}
}

// Registry stores collection schemas in the meta keyspace and keeps a
// read-mostly in-memory copy.
type Registry struct {
	store kv.Store
	mu    sync.RWMutex
	cache map[string]*Schema
}

const metaKeyPrefix = "schema:"

// NewRegistry creates a registry and loads every persisted schema.
func NewRegistry(store kv.Store) (*Registry, error) {
	r := &Registry{store: store, cache: make(map[string]*Schema)}

	start, end := kv.PrefixRange(metaKeyPrefix)
	pairs, err := store.Range(kv.Meta, kv.RangeOptions{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	for _, p := range pairs {
		var s Schema
		if err := json.Unmarshal(p.Value, &s); err != nil {
			return nil, fmt.Errorf("failed to decode schema %s: %w", p.Key, err)
		}
		r.cache[s.Collection] = &s
	}
	return r, nil
}

// Get returns the schema for a collection, auto-materializing one on
// first access: auth collections get email/password fields, everything
// else starts permissive with just the system fields.
func (r *Registry) Get(collection string) (*Schema, error) {
	if !ValidCollectionName(collection) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCollectionName, collection)
	}

	r.mu.RLock()
	s, ok := r.cache[collection]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	if IsAuthCollection(collection) {
		s = authSchema(collection)
	} else {
		s = &Schema{Collection: collection, Fields: systemFields()}
	}
	if err := r.Put(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup returns the schema only if one is already registered.
func (r *Registry) Lookup(collection string) (*Schema, error) {
	r.mu.RLock()
	s, ok := r.cache[collection]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, collection)
	}
	return s, nil
}

// Exists reports whether a schema is registered for collection.
func (r *Registry) Exists(collection string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cache[collection]
	return ok
}

// Collections returns the names of every registered collection.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cache))
	for name := range r.cache {
		out = append(out, name)
	}
	return out
}

// Put persists a schema, filling in system fields when missing.
func (r *Registry) Put(s *Schema) error {
	if !ValidCollectionName(s.Collection) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, s.Collection)
	}
	s.ensureSystemFields()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	if err := r.store.Batch([]kv.Op{kv.Put(kv.Meta, metaKeyPrefix+s.Collection, data)}); err != nil {
		return fmt.Errorf("failed to persist schema %s: %w", s.Collection, err)
	}

	r.mu.Lock()
	r.cache[s.Collection] = s
	r.mu.Unlock()
	return nil
}

// Validate checks a record against the collection schema: required
// fields present and non-empty, scalar values matching their declared
// type. System fields are skipped. Schemas are permissive: fields not
// declared in the schema pass through untouched.
func (r *Registry) Validate(collection string, rec record.Record) error {
	s, err := r.Get(collection)
	if err != nil {
		return err
	}
	return s.Validate(rec)
}

// Validate checks a record against this schema.
func (s *Schema) Validate(rec record.Record) error {
	var issues []string

	for _, f := range s.Fields {
		if f.Type == TypeSystem {
			continue
		}
		v, present := rec[f.Name]

		if f.Required && (!present || isEmpty(v)) {
			issues = append(issues, fmt.Sprintf("field %q is required", f.Name))
			continue
		}
		if !present || v == nil {
			continue
		}

		switch f.Type {
		case TypeString:
			if _, ok := v.(string); !ok {
				issues = append(issues, fmt.Sprintf("field %q must be a string", f.Name))
			}
		case TypeNumber:
			switch v.(type) {
			case float64, int, int64:
			default:
				issues = append(issues, fmt.Sprintf("field %q must be a number", f.Name))
			}
		case TypeBool:
			if _, ok := v.(bool); !ok {
				issues = append(issues, fmt.Sprintf("field %q must be a boolean", f.Name))
			}
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Collection: s.Collection, Issues: issues}
	}
	return nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// ApplyDefaults fills declared defaults into a record for fields that
// are absent. Used on create only.
func (s *Schema) ApplyDefaults(rec record.Record) record.Record {
	out := rec.Clone()
	for _, f := range s.Fields {
		if f.Default == nil || f.Type == TypeSystem {
			continue
		}
		if _, ok := out[f.Name]; !ok {
			out[f.Name] = f.Default
		}
	}
	return out
}
