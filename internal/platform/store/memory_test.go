package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
)

var slotIndex = UniqueIndex{
	Name:       "appointments_slot",
	Collection: "appointments",
	Fields:     []string{"provider_id", "start_at"},
	Where:      map[string]any{"holds_slot": true},
}

func newTestMemory() *Memory {
	return NewMemory(clock.NewManaged(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)), slotIndex)
}

func TestMemory_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	fields := map[string]any{"provider_id": int64(7), "reason": "checkup"}
	rec, err := m.Create(ctx, "appointments", "a1", fields, []string{"user:1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID != "a1" || rec.CreatedAt.IsZero() {
		t.Fatalf("unexpected record %+v", rec)
	}

	fields["reason"] = "mutated"
	got, err := m.GetByID(ctx, "appointments", "a1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Fields["reason"] != "checkup" {
		t.Errorf("store aliased caller map: reason = %v", got.Fields["reason"])
	}
	if got.Fields["provider_id"] != float64(7) {
		t.Errorf("expected JSON-shaped number, got %T", got.Fields["provider_id"])
	}
}

func TestMemory_GetMissing(t *testing.T) {
	_, err := newTestMemory().GetByID(context.Background(), "appointments", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_DuplicateID(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	if _, err := m.Create(ctx, "c", "x", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "c", "x", nil, nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemory_PartialUniqueIndex(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	slot := map[string]any{"provider_id": 7, "start_at": "2025-03-02T10:00:00Z", "holds_slot": true}

	if _, err := m.Create(ctx, "appointments", "a1", slot, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "appointments", "a2", slot, nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for same slot, got %v", err)
	}

	// Releasing the slot frees the key.
	if _, err := m.Update(ctx, "appointments", "a1", map[string]any{"holds_slot": false}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "appointments", "a2", slot, nil); err != nil {
		t.Fatalf("expected slot to be free after release, got %v", err)
	}

	// Re-taking the slot on the released record now collides.
	if _, err := m.Update(ctx, "appointments", "a1", map[string]any{"holds_slot": true}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on update, got %v", err)
	}
	got, _ := m.GetByID(ctx, "appointments", "a1")
	if got.Fields["holds_slot"] != false {
		t.Error("failed update must leave the record unchanged")
	}
}

func TestMemory_ListWhere(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	docs := []map[string]any{
		{"provider_id": 1, "date": "2025-03-01", "status": "pending"},
		{"provider_id": 1, "date": "2025-03-02", "status": "cancelled"},
		{"provider_id": 1, "date": "2025-03-03", "status": "confirmed"},
		{"provider_id": 2, "date": "2025-03-02", "status": "pending"},
	}
	for i, d := range docs {
		if _, err := m.Create(ctx, "appointments", string(rune('a'+i)), d, nil); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"eq", Query{Where: []Predicate{Eq("provider_id", int64(1))}}, []string{"a", "b", "c"}},
		{"ne", Query{Where: []Predicate{Ne("status", "pending")}}, []string{"b", "c"}},
		{"in", Query{Where: []Predicate{In("date", []string{"2025-03-01", "2025-03-03"})}}, []string{"a", "c"}},
		{"nin", Query{Where: []Predicate{Nin("status", []string{"cancelled", "pending"})}}, []string{"c"}},
		{"range", Query{Where: []Predicate{Gte("date", "2025-03-02"), Lt("date", "2025-03-03")}}, []string{"b", "d"}},
		{"order desc", Query{Where: []Predicate{Eq("provider_id", 1)}, Order: []Order{{Field: "date", Desc: true}}}, []string{"c", "b", "a"}},
		{"limit", Query{Order: []Order{{Field: "date"}}, Limit: 1}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ListWhere(ctx, "appointments", tt.query)
			if err != nil {
				t.Fatalf("ListWhere: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("record %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMemory_ListWhere_InvalidOp(t *testing.T) {
	_, err := newTestMemory().ListWhere(context.Background(), "c", Query{Where: []Predicate{{Field: "x", Op: "like"}}})
	if err == nil {
		t.Fatal("expected error for unsupported operator")
	}
}

func TestMemory_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	if _, err := m.Create(ctx, "c", "x", map[string]any{"a": 1, "b": "keep"}, nil); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Update(ctx, "c", "x", map[string]any{"a": 2})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields["a"] != float64(2) || rec.Fields["b"] != "keep" {
		t.Errorf("unexpected merge result %v", rec.Fields)
	}

	if _, err := m.Update(ctx, "c", "missing", map[string]any{"a": 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
	if err := m.Delete(ctx, "c", "x"); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "c", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestMemory().ListWhere(ctx, "c", Query{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	type doc struct {
		ID   int64  `json:"appointment_id"`
		Name string `json:"name"`
	}
	fields, err := Encode(doc{ID: 123456789012, Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var out doc
	if err := Decode(&Record{ID: "r", Fields: fields}, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != 123456789012 || out.Name != "x" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
