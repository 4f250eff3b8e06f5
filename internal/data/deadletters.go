package data

import (
	"context"
	"fmt"

	"github.com/normanking/cortexmem/pkg/types"
)

// DeadLetters returns the most recent dead-lettered writes, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, operation, payload, error, attempts, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []types.DeadLetter
	for rows.Next() {
		var (
			d  types.DeadLetter
			at int64
		)
		if err := rows.Scan(&d.ID, &d.Operation, &d.Payload, &d.Error, &d.Attempts, &at); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.CreatedAt = fromNanos(at)
		out = append(out, d)
	}
	return out, rows.Err()
}
