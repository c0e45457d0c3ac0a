package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
)

// Memory is an in-process Store. It enforces unique indexes the same way
// the database adapters do and deep-copies records on the way in and out.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]*Record
	indexes     map[string][]UniqueIndex
	clock       clock.Clock
}

// NewMemory returns an empty store enforcing the given indexes.
func NewMemory(clk clock.Clock, indexes ...UniqueIndex) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	m := &Memory{
		collections: make(map[string]map[string]*Record),
		indexes:     make(map[string][]UniqueIndex),
		clock:       clk,
	}
	for _, idx := range indexes {
		m.indexes[idx.Collection] = append(m.indexes[idx.Collection], idx)
	}
	return m
}

func (m *Memory) ListWhere(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []Record
	for _, rec := range m.collections[collection] {
		if matchesAll(rec.Fields, q.Where) {
			out = append(out, copyRecord(rec))
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.Order {
			c := compareValues(out[i].Fields[o.Field], out[j].Fields[o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) GetByID(ctx context.Context, collection, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	cp := copyRecord(rec)
	return &cp, nil
}

func (m *Memory) Create(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := jsonCopy(fields)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]*Record)
		m.collections[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return nil, fmt.Errorf("create %s/%s: %w", collection, id, ErrDuplicate)
	}
	if name, ok := m.violates(collection, id, clean); ok {
		return nil, fmt.Errorf("create %s/%s: index %s: %w", collection, id, name, ErrDuplicate)
	}

	now := m.clock.Now().UTC()
	rec := &Record{
		ID:          id,
		Fields:      clean,
		Permissions: append([]string(nil), permissions...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	coll[id] = rec
	cp := copyRecord(rec)
	return &cp, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, patch map[string]any) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanPatch, err := jsonCopy(patch)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	merged := make(map[string]any, len(rec.Fields)+len(cleanPatch))
	for k, v := range rec.Fields {
		merged[k] = v
	}
	for k, v := range cleanPatch {
		merged[k] = v
	}
	if name, bad := m.violates(collection, id, merged); bad {
		return nil, fmt.Errorf("update %s/%s: index %s: %w", collection, id, name, ErrDuplicate)
	}
	rec.Fields = merged
	rec.UpdatedAt = m.clock.Now().UTC()
	cp := copyRecord(rec)
	return &cp, nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection][id]; !ok {
		return fmt.Errorf("delete %s/%s: %w", collection, id, ErrNotFound)
	}
	delete(m.collections[collection], id)
	return nil
}

// violates reports the first unique index that fields would break.
// Caller holds m.mu.
func (m *Memory) violates(collection, id string, fields map[string]any) (string, bool) {
	for _, idx := range m.indexes[collection] {
		key, ok := indexKey(idx, fields)
		if !ok {
			continue
		}
		for otherID, other := range m.collections[collection] {
			if otherID == id {
				continue
			}
			if otherKey, ok := indexKey(idx, other.Fields); ok && otherKey == key {
				return idx.Name, true
			}
		}
	}
	return "", false
}

// indexKey returns the composite key of fields under idx, or false when the
// record is outside the index (partial filter unmet or a key field absent).
func indexKey(idx UniqueIndex, fields map[string]any) (string, bool) {
	for f, want := range idx.Where {
		if !equalValues(fields[f], want) {
			return "", false
		}
	}
	parts := make([]any, 0, len(idx.Fields))
	for _, f := range idx.Fields {
		v, ok := fields[f]
		if !ok || v == nil {
			return "", false
		}
		parts = append(parts, normalize(v))
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func matchesAll(fields map[string]any, preds []Predicate) bool {
	for _, p := range preds {
		if !matches(fields, p) {
			return false
		}
	}
	return true
}

func matches(fields map[string]any, p Predicate) bool {
	v, present := fields[p.Field]
	switch p.Op {
	case OpEq:
		return equalValues(v, p.Value)
	case OpNe:
		return !equalValues(v, p.Value)
	case OpIn:
		for _, c := range values(p.Value) {
			if equalValues(v, c) {
				return true
			}
		}
		return false
	case OpNin:
		for _, c := range values(p.Value) {
			if equalValues(v, c) {
				return false
			}
		}
		return true
	case OpGte:
		return present && sameKind(v, p.Value) && compareValues(v, p.Value) >= 0
	case OpLt:
		return present && sameKind(v, p.Value) && compareValues(v, p.Value) < 0
	}
	return false
}

func equalValues(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if sameKind(a, b) {
		return compareValues(a, b) == 0
	}
	return reflect.DeepEqual(a, b)
}

func sameKind(a, b any) bool {
	return kindRank(normalize(a)) == kindRank(normalize(b)) && kindRank(normalize(a)) < 4
}

// kindRank orders values of different types: null, bool, number, string,
// then anything else.
func kindRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}

func compareValues(a, b any) int {
	a, b = normalize(a), normalize(b)
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		y := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return 0
}

// jsonCopy deep-copies fields through JSON so the store never aliases
// caller memory and holds only JSON-shaped values.
func jsonCopy(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("copy fields: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy fields: %w", err)
	}
	return out, nil
}

func copyRecord(rec *Record) Record {
	fields, _ := jsonCopy(rec.Fields)
	return Record{
		ID:          rec.ID,
		Fields:      fields,
		Permissions: append([]string(nil), rec.Permissions...),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

var _ Store = (*Memory)(nil)

// stamp returns the current UTC instant of clk.
func stamp(clk clock.Clock) time.Time {
	if clk == nil {
		return time.Now().UTC()
	}
	return clk.Now().UTC()
}
