// Package delivery is the pending-delivery queue: background runs append
// user-facing results and the foreground drains them when it resumes.
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/vox/internal/db"
	"github.com/neboloop/vox/internal/metrics"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 20

// Entry is one queued message.
type Entry struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Queue is a bounded FIFO persisted in SQLite. Append and Drain are each one
// transaction, so a drain never observes half an append.
type Queue struct {
	store   *db.Store
	metrics *metrics.Metrics

	mu       sync.RWMutex
	capacity int
}

// NewQueue returns a queue keeping at most capacity entries (the most recent win).
func NewQueue(store *db.Store, capacity int, m *metrics.Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{store: store, capacity: capacity, metrics: m}
}

// SetCapacity changes the bound; it applies from the next append.
func (q *Queue) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q.mu.Lock()
	q.capacity = capacity
	q.mu.Unlock()
}

// Append adds an assistant-role entry and truncates the queue to the newest entries.
func (q *Queue) Append(ctx context.Context, origin, text string) (*Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("delivery: empty text")
	}
	q.mu.RLock()
	capacity := q.capacity
	q.mu.RUnlock()

	e := &Entry{
		ID:        uuid.NewString(),
		Role:      "assistant",
		Text:      text,
		Origin:    origin,
		CreatedAt: time.Now(),
	}
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO pending_deliveries (id, seq, role, text, origin, created_at)
			VALUES (?, COALESCE((SELECT MAX(seq) FROM pending_deliveries), 0) + 1, ?, ?, ?, ?)`,
			e.ID, e.Role, e.Text, e.Origin, e.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert pending: %w", err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_deliveries WHERE seq NOT IN
			(SELECT seq FROM pending_deliveries ORDER BY seq DESC LIMIT ?)`, capacity)
		if err != nil {
			return fmt.Errorf("truncate pending: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.metrics.PendingQueued()
	return e, nil
}

// Drain returns every entry in append order and clears the queue.
func (q *Queue) Drain(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = list(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_deliveries`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Peek returns the entries without clearing them.
func (q *Queue) Peek(ctx context.Context) ([]Entry, error) {
	return list(ctx, q.store.DB())
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_deliveries`).Scan(&n)
	return n, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func list(ctx context.Context, q queryer) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, role, text, origin, created_at FROM pending_deliveries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Role, &e.Text, &e.Origin, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
