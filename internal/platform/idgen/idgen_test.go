package idgen

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func sequence(ids ...uuid.UUID) func() (uuid.UUID, error) {
	i := 0
	return func() (uuid.UUID, error) {
		id := ids[i%len(ids)]
		i++
		return id, nil
	}
}

func TestFromUUID_InRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		k := FromUUID(uuid.New())
		if k < MinKey || k > MaxKey {
			t.Fatalf("key %d out of range", k)
		}
	}
}

func TestNext_SkipsTakenKeys(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	g := New(WithSource(sequence(a, b)))
	taken := FromUUID(a)

	var checks int
	key, err := g.Next(context.Background(), func(_ context.Context, k int64) (bool, error) {
		checks++
		return k == taken, nil
	})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if key != FromUUID(b) {
		t.Errorf("expected second candidate, got %d", key)
	}
	if checks != 2 {
		t.Errorf("expected 2 checks, got %d", checks)
	}
}

func TestNext_GivesUpAfterMaxAttempts(t *testing.T) {
	g := New(WithMaxAttempts(3))
	var checks int
	_, err := g.Next(context.Background(), func(context.Context, int64) (bool, error) {
		checks++
		return true, nil
	})
	if err == nil {
		t.Fatal("expected error when every key is taken")
	}
	if checks != 3 {
		t.Errorf("expected 3 attempts, got %d", checks)
	}
}

func TestNext_PropagatesLookupError(t *testing.T) {
	boom := errors.New("store unavailable")
	_, err := New().Next(context.Background(), func(context.Context, int64) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}
