// Package records reads source records from the record store that owns
// them. The retrieval pipeline only ever needs the most recent records, so
// Source has a single method.
package records

import (
	"context"

	"github.com/taskrecall/recall/engine/domain"
)

// Source returns records most-recent-first. limit <= 0 returns all records.
type Source interface {
	Recent(ctx context.Context, limit int) ([]domain.Record, error)
}

// Static is an in-memory Source. Records are assumed to be ordered
// most-recent-first already.
type Static []domain.Record

// Recent implements Source.
func (s Static) Recent(_ context.Context, limit int) ([]domain.Record, error) {
	n := len(s)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Record, n)
	copy(out, s[:n])
	return out, nil
}
