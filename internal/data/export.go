package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/normanking/cortexmem/pkg/types"
)

// ArchivedRecord is the raw archive row of a demoted memory.
type ArchivedRecord struct {
	Tier           types.Tier
	Codec          string
	Payload        []byte
	OriginalSize   int
	CompressedSize int
	ArchivedAt     int64
}

// ExportedMemory carries a memory and its archive row between stores.
type ExportedMemory struct {
	Memory  types.Memory
	Archive *ArchivedRecord
}

// Export returns every memory with its archive record, in write order.
func (s *Store) Export(ctx context.Context) ([]ExportedMemory, error) {
	mems, err := s.Read(ctx, types.QueryFilter{})
	if err != nil {
		return nil, err
	}

	out := make([]ExportedMemory, 0, len(mems))
	for _, m := range mems {
		em := ExportedMemory{Memory: m}
		if m.Tier != types.TierActive {
			var rec ArchivedRecord
			var tier string
			err := s.reader.QueryRowContext(ctx, `
				SELECT tier, codec, payload, original_size, compressed_size, archived_at
				FROM memory_archive WHERE memory_id = ?`, m.ID).
				Scan(&tier, &rec.Codec, &rec.Payload, &rec.OriginalSize, &rec.CompressedSize, &rec.ArchivedAt)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("read archive %s: %w", m.ID, err)
			}
			if err == nil {
				rec.Tier = types.Tier(tier)
				em.Archive = &rec
			}
		}
		out = append(out, em)
	}
	return out, nil
}

// Import inserts exported memories into this store, keeping ids, timestamps
// and tiers. Memories whose id already exists are skipped. Cluster
// assignments are dropped because graph generations are per profile.
func (s *Store) Import(ctx context.Context, items []ExportedMemory) (int, error) {
	imported := 0
	err := s.queue.Submit(ctx, Op{
		Name:    "import",
		Payload: map[string]int{"count": len(items)},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			imported = 0
			for _, it := range items {
				m := it.Memory
				m.ProfileID = s.name
				m.ClusterID = ""

				var exists int
				if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE id = ?`, m.ID).Scan(&exists); err != nil {
					return fmt.Errorf("check memory: %w", err)
				}
				if exists > 0 {
					continue
				}
				if err := insertMemory(ctx, tx, &m); err != nil {
					return err
				}
				if a := it.Archive; a != nil {
					_, err := tx.ExecContext(ctx, `
						INSERT OR REPLACE INTO memory_archive
							(memory_id, tier, codec, payload, original_size, compressed_size, archived_at)
						VALUES (?, ?, ?, ?, ?, ?, ?)`,
						m.ID, string(a.Tier), a.Codec, a.Payload, a.OriginalSize, a.CompressedSize, a.ArchivedAt)
					if err != nil {
						return fmt.Errorf("import archive: %w", err)
					}
				}
				if err := bumpSource(ctx, tx, sourceOf(m.Provenance), 1, 0); err != nil {
					return err
				}
				imported++
			}
			return nil
		},
	})
	return imported, err
}
