package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/pkg/types"
)

// ArchivePolicy controls the tier pass.
type ArchivePolicy struct {
	WarmAfter         time.Duration // Age at which active memories are summarized
	ColdAfter         time.Duration // Age at which warm memories are stubbed
	SummaryChars      int           // Budget for the warm-tier summary
	ProtectImportance int           // Memories at or above this importance stay active
	BatchSize         int           // Transitions per queued transaction
}

// DefaultArchivePolicy returns the policy used when nothing is configured.
func DefaultArchivePolicy() ArchivePolicy {
	return ArchivePolicy{
		WarmAfter:         30 * 24 * time.Hour,
		ColdAfter:         90 * 24 * time.Hour,
		SummaryChars:      280,
		ProtectImportance: 9,
		BatchSize:         100,
	}
}

const codecZstd = "zstd"

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

func compress(b []byte) ([]byte, error) {
	enc, _, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	return enc.EncodeAll(b, nil), nil
}

func decompress(b []byte) ([]byte, error) {
	_, dec, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	return out, nil
}

// ArchiveTierPass demotes aged memories one tier: active to warm (summary in
// place, original compressed into memory_archive) and warm to cold (stub in
// place, full record compressed). Every transition is audited with its
// original and compressed size.
func (s *Store) ArchiveTierPass(ctx context.Context, policy ArchivePolicy) (types.ArchiveReport, error) {
	report := types.ArchiveReport{ProfileID: s.name}
	if policy.BatchSize <= 0 {
		policy.BatchSize = DefaultArchivePolicy().BatchSize
	}
	if policy.SummaryChars <= 0 {
		policy.SummaryChars = DefaultArchivePolicy().SummaryChars
	}

	now := time.Now().UTC()
	warmIDs, err := s.archiveCandidates(ctx, types.TierActive, now.Add(-policy.WarmAfter), policy.ProtectImportance)
	if err != nil {
		return report, err
	}
	coldIDs, err := s.archiveCandidates(ctx, types.TierWarm, now.Add(-policy.ColdAfter), policy.ProtectImportance)
	if err != nil {
		return report, err
	}

	for _, batch := range chunk(warmIDs, policy.BatchSize) {
		ts, err := s.demote(ctx, batch, types.TierActive, types.TierWarm, policy)
		if err != nil {
			return report, err
		}
		report.Warmed += len(ts)
		report.Transitions = append(report.Transitions, ts...)
	}
	for _, batch := range chunk(coldIDs, policy.BatchSize) {
		ts, err := s.demote(ctx, batch, types.TierWarm, types.TierCold, policy)
		if err != nil {
			return report, err
		}
		report.Cooled += len(ts)
		report.Transitions = append(report.Transitions, ts...)
	}

	for _, t := range report.Transitions {
		s.metrics.TierTransition(s.name, string(t.From), string(t.To))
	}
	if report.Count() > 0 {
		log.Info().Str("profile", s.name).Int("warmed", report.Warmed).Int("cooled", report.Cooled).Msg("archive tier pass")
	}
	return report, nil
}

func (s *Store) archiveCandidates(ctx context.Context, tier types.Tier, before time.Time, protect int) ([]string, error) {
	query := `SELECT id FROM memories WHERE tier = ? AND created_at < ?`
	args := []any{string(tier), nanos(before)}
	if protect > 0 {
		query += ` AND importance < ?`
		args = append(args, protect)
	}
	query += ` ORDER BY seq`

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// demote moves a batch from one tier to the next in a single queued write.
// Memories that changed tier since selection are skipped.
func (s *Store) demote(ctx context.Context, ids []string, from, to types.Tier, policy ArchivePolicy) ([]types.TierTransition, error) {
	var out []types.TierTransition
	err := s.queue.Submit(ctx, Op{
		Name:    "archive_" + string(to),
		Payload: ids,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			out = out[:0]
			now := time.Now().UTC()
			for _, id := range ids {
				m, err := getMemory(ctx, tx, id)
				if err != nil {
					var nf *errs.NotFoundError
					if errors.As(err, &nf) {
						continue
					}
					return err
				}
				if m.Tier != from {
					continue
				}

				var t types.TierTransition
				switch to {
				case types.TierWarm:
					t, err = warmMemory(ctx, tx, m, policy.SummaryChars, now)
				case types.TierCold:
					t, err = coolMemory(ctx, tx, m, now)
				}
				if err != nil {
					return err
				}
				if err := recordTransition(ctx, tx, t); err != nil {
					return err
				}
				out = append(out, t)
			}
			return nil
		},
	})
	return out, err
}

func warmMemory(ctx context.Context, tx *sql.Tx, m *types.Memory, budget int, now time.Time) (types.TierTransition, error) {
	payload, err := compress([]byte(m.Content))
	if err != nil {
		return types.TierTransition{}, err
	}
	if err := putArchive(ctx, tx, m.ID, types.TierWarm, payload, len(m.Content), now); err != nil {
		return types.TierTransition{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE memories SET content = ?, tier = ? WHERE id = ? AND tier = ?`,
		Summarize(m.Content, budget), string(types.TierWarm), m.ID, string(types.TierActive))
	if err != nil {
		return types.TierTransition{}, fmt.Errorf("warm memory: %w", err)
	}
	return types.TierTransition{
		MemoryID: m.ID, From: types.TierActive, To: types.TierWarm,
		OriginalSize: len(m.Content), CompressedSize: len(payload), At: now,
	}, nil
}

func coolMemory(ctx context.Context, tx *sql.Tx, m *types.Memory, now time.Time) (types.TierTransition, error) {
	original, err := archivedContent(ctx, tx, m.ID)
	if err != nil {
		return types.TierTransition{}, err
	}
	full := *m
	full.Content = original

	record, err := json.Marshal(full)
	if err != nil {
		return types.TierTransition{}, fmt.Errorf("marshal record: %w", err)
	}
	payload, err := compress(record)
	if err != nil {
		return types.TierTransition{}, err
	}
	if err := putArchive(ctx, tx, m.ID, types.TierCold, payload, len(record), now); err != nil {
		return types.TierTransition{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE memories SET content = ?, tier = ? WHERE id = ? AND tier = ?`,
		stub(m.Content), string(types.TierCold), m.ID, string(types.TierWarm))
	if err != nil {
		return types.TierTransition{}, fmt.Errorf("cool memory: %w", err)
	}
	return types.TierTransition{
		MemoryID: m.ID, From: types.TierWarm, To: types.TierCold,
		OriginalSize: len(record), CompressedSize: len(payload), At: now,
	}, nil
}

// Restore returns an archived memory to the active tier with its original
// content. Restoring an active memory is a no-op.
func (s *Store) Restore(ctx context.Context, id string) (*types.Memory, error) {
	var restored *types.Memory
	err := s.queue.Submit(ctx, Op{
		Name:    "restore",
		Payload: map[string]string{"id": id},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			m, err := getMemory(ctx, tx, id)
			if err != nil {
				return err
			}
			if m.Tier == types.TierActive {
				restored = m
				return nil
			}

			content, err := archivedContent(ctx, tx, id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE memories SET content = ?, tier = ? WHERE id = ?`,
				content, string(types.TierActive), id); err != nil {
				return fmt.Errorf("restore memory: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM memory_archive WHERE memory_id = ?`, id); err != nil {
				return fmt.Errorf("clear archive: %w", err)
			}
			t := types.TierTransition{
				MemoryID: id, From: m.Tier, To: types.TierActive,
				OriginalSize: len(content), CompressedSize: len(content), At: time.Now().UTC(),
			}
			if err := recordTransition(ctx, tx, t); err != nil {
				return err
			}
			m.Content = content
			m.Tier = types.TierActive
			restored = m
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.metrics.TierTransition(s.name, "archived", string(types.TierActive))
	return restored, nil
}

// Transitions returns the audit log for one memory, oldest first.
func (s *Store) Transitions(ctx context.Context, memoryID string) ([]types.TierTransition, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT memory_id, from_tier, to_tier, original_size, compressed_size, at
		FROM tier_transitions WHERE memory_id = ? ORDER BY id`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []types.TierTransition
	for rows.Next() {
		var (
			t        types.TierTransition
			from, to string
			at       int64
		)
		if err := rows.Scan(&t.MemoryID, &from, &to, &t.OriginalSize, &t.CompressedSize, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From, t.To, t.At = types.Tier(from), types.Tier(to), fromNanos(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

func putArchive(ctx context.Context, tx *sql.Tx, id string, tier types.Tier, payload []byte, originalSize int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_archive (memory_id, tier, codec, payload, original_size, compressed_size, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			tier = excluded.tier, codec = excluded.codec, payload = excluded.payload,
			original_size = excluded.original_size, compressed_size = excluded.compressed_size,
			archived_at = excluded.archived_at`,
		id, string(tier), codecZstd, payload, originalSize, len(payload), nanos(now))
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

// archivedContent returns the original content of an archived memory.
func archivedContent(ctx context.Context, q queryer, id string) (string, error) {
	var (
		tier    string
		payload []byte
	)
	err := q.QueryRowContext(ctx, `SELECT tier, payload FROM memory_archive WHERE memory_id = ?`, id).Scan(&tier, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.NewNotFound("archive", id)
	}
	if err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}

	raw, err := decompress(payload)
	if err != nil {
		return "", err
	}
	if types.Tier(tier) != types.TierCold {
		return string(raw), nil
	}

	var full types.Memory
	if err := json.Unmarshal(raw, &full); err != nil {
		return "", fmt.Errorf("unmarshal cold record: %w", err)
	}
	return full.Content, nil
}

func recordTransition(ctx context.Context, tx *sql.Tx, t types.TierTransition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tier_transitions (memory_id, from_tier, to_tier, original_size, compressed_size, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.MemoryID, string(t.From), string(t.To), t.OriginalSize, t.CompressedSize, nanos(t.At))
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Summarize keeps leading sentences of content within budget characters.
// A single over-long first sentence is cut at a word boundary.
func Summarize(content string, budget int) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= budget {
		return content
	}

	var b strings.Builder
	for _, sentence := range splitSentences(content) {
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(sentence)+1 > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(sentence)
	}
	if b.Len() > 0 {
		return b.String() + " …"
	}

	runes := []rune(content)
	cut := string(runes[:budget])
	if i := strings.LastIndexByte(cut, ' '); i > budget/2 {
		cut = cut[:i]
	}
	return cut + " …"
}

func splitSentences(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			next := i + 1
			if next >= len(s) || s[next] == ' ' {
				out = append(out, strings.TrimSpace(s[start:next]))
				start = next
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// stub is the placeholder content of a cold memory.
func stub(summary string) string {
	return "[archived] " + Summarize(summary, 60)
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
