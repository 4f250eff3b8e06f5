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

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/logging"
	"github.com/normanking/cortexmem/internal/metrics"
)

// applyTimeout bounds a single attempt at applying a queued write.
const applyTimeout = 30 * time.Second

// ErrQueueClosed is returned when submitting to a closed store.
var ErrQueueClosed = errors.New("write queue closed")

// Op is one mutation applied inside an immediate transaction.
type Op struct {
	// Name identifies the operation in logs, metrics and dead letters.
	Name string
	// Payload is recorded with the dead letter if the op exhausts its retries.
	Payload any
	// Apply performs the mutation. It may run more than once when a
	// transient failure rolls back an earlier attempt.
	Apply func(ctx context.Context, tx *sql.Tx) error
}

type request struct {
	ctx  context.Context
	op   Op
	done chan error
}

// WriteQueue applies mutations one at a time, in arrival order, on the
// store's single writer connection.
type WriteQueue struct {
	store   *Store
	db      *sql.DB
	policy  RetryPolicy
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	ops    chan *request
	wg     sync.WaitGroup
}

func newWriteQueue(s *Store, opts Options) *WriteQueue {
	q := &WriteQueue{
		store:   s,
		db:      s.writer,
		policy:  opts.Retry,
		metrics: opts.Metrics,
		ops:     make(chan *request, opts.QueueSize),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit enqueues op and waits for it to be applied. Once enqueued the op is
// applied even if ctx is cancelled; the caller then gets ctx.Err() but the
// outcome is still logged and dead-lettered on failure.
func (q *WriteQueue) Submit(ctx context.Context, op Op) error {
	req := &request{ctx: ctx, op: op, done: make(chan error, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	select {
	case q.ops <- req:
		q.metrics.QueueEnqueued(q.store.name)
	case <-ctx.Done():
		q.mu.RUnlock()
		return fmt.Errorf("enqueue %s: %w", op.Name, ctx.Err())
	}
	q.mu.RUnlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("await %s: %w", op.Name, ctx.Err())
	}
}

// Close stops accepting writes and waits for queued ones to finish.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ops)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *WriteQueue) run() {
	defer q.wg.Done()
	for req := range q.ops {
		q.metrics.QueueDequeued(q.store.name)
		req.done <- q.apply(req.ctx, req.op)
	}
}

// apply runs op with bounded exponential backoff on transient failures.
func (q *WriteQueue) apply(ctx context.Context, op Op) error {
	start := time.Now()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = q.policy.InitialInterval
	expo.MaxInterval = q.policy.MaxInterval
	expo.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(expo, uint64(q.policy.MaxRetries))

	attempts := 0
	var lastErr error
	err := backoff.Retry(func() error {
		attempts++
		err := q.runTx(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		q.metrics.WriteRetried(q.store.name)
		log.Debug().Err(err).Str("store", q.store.name).Str("op", op.Name).Int("attempt", attempts).Msg("transient write failure, retrying")
		return err
	}, policy)

	if err == nil {
		q.metrics.WriteApplied(q.store.name, op.Name, time.Since(start))
		return nil
	}
	if !isTransient(lastErr) {
		return err
	}

	id := q.deadLetter(op, attempts, lastErr)
	q.metrics.DeadLettered(q.store.name)
	log.Error().Err(lastErr).Str("store", q.store.name).Str("op", op.Name).Int("attempts", attempts).Str("dead_letter", id).Msg("write dead-lettered")
	return &errs.ConcurrencyTimeoutError{Operation: op.Name, Attempts: attempts, DeadLetterID: id, Cause: lastErr}
}

// runTx applies op in one transaction. The attempt keeps the submitter's
// values but not its cancellation, so a caller that gives up cannot leave a
// half-applied write.
func (q *WriteQueue) runTx(parent context.Context, op Op) error {
	ctx, cancel := logging.DetachContextWithTimeout(parent, applyTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op.Name, err)
	}
	defer tx.Rollback()

	if err := op.Apply(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op.Name, err)
	}
	return nil
}

// deadLetter records a failed op. A failure here is logged; the caller still
// receives the timeout error carrying whatever id was generated.
func (q *WriteQueue) deadLetter(op Op, attempts int, cause error) string {
	id := uuid.NewString()

	payload, err := json.Marshal(op.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(op.Payload)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, operation, payload, error, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, op.Name, string(payload), cause.Error(), attempts, time.Now().UnixNano())
	if err != nil {
		log.Error().Err(err).Str("store", q.store.name).Str("op", op.Name).Msg("failed to record dead letter")
	}
	return id
}

// isTransient reports lock contention and I/O stalls worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "disk i/o error")
}
