// Package idgen produces numeric business keys for appointments and intake
// forms. Keys are derived from random UUIDs and checked against the store
// before use; the store's unique index remains the final authority.
package idgen

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// MinKey and MaxKey bound generated keys. MaxKey stays below 2^53 so
	// keys survive JSON number encoding unchanged.
	MinKey int64 = 1_000_000_000
	MaxKey int64 = 1<<53 - 1

	defaultMaxAttempts = 10
)

// ExistsFunc reports whether key is already taken.
type ExistsFunc func(ctx context.Context, key int64) (bool, error)

// Generator issues collision-checked keys.
type Generator struct {
	maxAttempts int
	newUUID     func() (uuid.UUID, error)
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxAttempts bounds the number of candidates tried per key.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithSource replaces the UUID source. Used in tests.
func WithSource(src func() (uuid.UUID, error)) Option {
	return func(g *Generator) {
		g.newUUID = src
	}
}

func New(opts ...Option) *Generator {
	g := &Generator{
		maxAttempts: defaultMaxAttempts,
		newUUID:     uuid.NewRandom,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a key for which exists reports false.
func (g *Generator) Next(ctx context.Context, exists ExistsFunc) (int64, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		id, err := g.newUUID()
		if err != nil {
			return 0, fmt.Errorf("generate key seed: %w", err)
		}
		key := FromUUID(id)

		if exists == nil {
			return key, nil
		}
		taken, err := exists(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("check key %d: %w", key, err)
		}
		if !taken {
			return key, nil
		}
	}
	return 0, fmt.Errorf("failed to generate unique key after %d attempts", g.maxAttempts)
}

// FromUUID maps a UUID onto [MinKey, MaxKey].
func FromUUID(id uuid.UUID) int64 {
	n := binary.BigEndian.Uint64(id[:8])
	span := uint64(MaxKey - MinKey + 1)
	return MinKey + int64(n%span)
}
