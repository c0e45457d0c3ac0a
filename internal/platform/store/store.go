// Package store defines the document persistence contract used by the
// lifecycle coordinator and ships its adapters. Records are schemaless
// field maps grouped into named collections; values are JSON-shaped
// (string, float64, bool, nil, []any, map[string]any).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when a write violates a unique index.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Op is a predicate operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpIn  Op = "in"
	OpNin Op = "nin"
	OpGte Op = "gte"
	OpLt  Op = "lt"
)

// Predicate filters records on a single top-level field. For OpIn and OpNin
// Value must be a slice.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

func Eq(field string, v any) Predicate  { return Predicate{Field: field, Op: OpEq, Value: v} }
func Ne(field string, v any) Predicate  { return Predicate{Field: field, Op: OpNe, Value: v} }
func In(field string, v any) Predicate  { return Predicate{Field: field, Op: OpIn, Value: v} }
func Nin(field string, v any) Predicate { return Predicate{Field: field, Op: OpNin, Value: v} }
func Gte(field string, v any) Predicate { return Predicate{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Predicate  { return Predicate{Field: field, Op: OpLt, Value: v} }

// Order sorts results by a top-level field.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query selects records from a collection. All predicates must hold.
// Limit <= 0 means no limit.
type Query struct {
	Where []Predicate `json:"where,omitempty"`
	Order []Order     `json:"order,omitempty"`
	Limit int         `json:"limit,omitempty"`
}

// Record is a stored document.
type Record struct {
	ID          string         `json:"id"`
	Fields      map[string]any `json:"fields"`
	Permissions []string       `json:"permissions,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store is the persistence contract. Implementations must return
// ErrNotFound and ErrDuplicate (possibly wrapped) for the corresponding
// conditions.
type Store interface {
	ListWhere(ctx context.Context, collection string, q Query) ([]Record, error)
	GetByID(ctx context.Context, collection, id string) (*Record, error)
	Create(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (*Record, error)
	Update(ctx context.Context, collection, id string, patch map[string]any) (*Record, error)
	Delete(ctx context.Context, collection, id string) error
}

// UniqueIndex declares that no two records of Collection may share the
// same values for Fields. When Where is set the index only covers records
// whose fields equal every entry of Where.
type UniqueIndex struct {
	Name       string         `json:"name"`
	Collection string         `json:"collection"`
	Fields     []string       `json:"fields"`
	Where      map[string]any `json:"where,omitempty"`
}

// Encode converts a JSON-tagged value into a field map.
func Encode(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return fields, nil
}

// Decode fills dst from the record's fields.
func Decode(rec *Record, dst any) error {
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	return nil
}

// normalize maps Go numeric types onto float64 so values compare the way
// they would after a JSON round trip.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String()
		}
		return f
	}
	return v
}

// values flattens the slice operand of OpIn/OpNin.
func values(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []int64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []int:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []float64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []bool:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	}
	return []any{v}
}

// Validate reports malformed queries before they reach a backend.
func (q Query) Validate() error {
	for _, p := range q.Where {
		if p.Field == "" {
			return fmt.Errorf("query: predicate without field")
		}
		switch p.Op {
		case OpEq, OpNe, OpIn, OpNin, OpGte, OpLt:
		default:
			return fmt.Errorf("query: unsupported operator %q on %s", p.Op, p.Field)
		}
	}
	for _, o := range q.Order {
		if o.Field == "" {
			return fmt.Errorf("query: order without field")
		}
	}
	return nil
}
