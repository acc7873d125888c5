package triage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/vox/internal/db"
)

// ErrRuleNotFound is returned for unknown rule ids.
var ErrRuleNotFound = errors.New("triage: rule not found")

// Rule is a user-authored instruction for notifications from one source.
type Rule struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Label       string    `json:"label,omitempty"`
	Enabled     bool      `json:"enabled"`
	Instruction string    `json:"instruction"`
	Condition   string    `json:"condition,omitempty"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields a user must supply.
func (r *Rule) Validate() error {
	if normalizeSource(r.Source) == "" {
		return errors.New("source is required")
	}
	if strings.TrimSpace(r.Instruction) == "" {
		return errors.New("instruction is required")
	}
	return nil
}

// Store persists rules and keeps the watched-sources projection in step with them.
type Store struct {
	store *db.Store
}

// NewStore returns a rule store over store.
func NewStore(store *db.Store) *Store {
	return &Store{store: store}
}

func normalizeSource(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Create appends r at the end of the ordering. ID, Position and timestamps are assigned.
func (s *Store) Create(ctx context.Context, r Rule) (*Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	r.ID = uuid.NewString()
	r.Source = normalizeSource(r.Source)
	r.Instruction = strings.TrimSpace(r.Instruction)
	r.Condition = strings.TrimSpace(r.Condition)
	r.CreatedAt, r.UpdatedAt = now, now

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM triage_rules`).Scan(&r.Position); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO triage_rules
			(id, source, label, enabled, instruction, condition, position, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Source, r.Label, r.Enabled, r.Instruction, r.Condition, r.Position,
			now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		return refreshSources(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Update rewrites the editable fields of an existing rule. Position and CreatedAt are kept.
func (s *Store) Update(ctx context.Context, r Rule) (*Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.Source = normalizeSource(r.Source)
	r.Instruction = strings.TrimSpace(r.Instruction)
	r.Condition = strings.TrimSpace(r.Condition)
	now := time.Now()

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE triage_rules
			SET source = ?, label = ?, enabled = ?, instruction = ?, condition = ?, updated_at = ?
			WHERE id = ?`,
			r.Source, r.Label, r.Enabled, r.Instruction, r.Condition, now.UnixMilli(), r.ID)
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRuleNotFound
		}
		return refreshSources(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, r.ID)
}

// SetEnabled toggles one rule.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE triage_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
			enabled, time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("set enabled: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRuleNotFound
		}
		return refreshSources(ctx, tx)
	})
}

// Delete removes a rule.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM triage_rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRuleNotFound
		}
		return refreshSources(ctx, tx)
	})
}

// Reorder assigns positions following ids. Rules not named keep their relative
// order after the named ones.
func (s *Store) Reorder(ctx context.Context, ids []string) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		all, err := query(ctx, tx, `ORDER BY position`)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(all))
		for _, r := range all {
			known[r.ID] = true
		}
		seen := make(map[string]bool, len(ids))
		var order []string
		for _, id := range ids {
			if !known[id] {
				return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
			}
			if !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
		}
		for _, r := range all {
			if !seen[r.ID] {
				order = append(order, r.ID)
			}
		}
		for i, id := range order {
			if _, err := tx.ExecContext(ctx, `UPDATE triage_rules SET position = ? WHERE id = ?`, i+1, id); err != nil {
				return fmt.Errorf("reorder: %w", err)
			}
		}
		return nil
	})
}

// Get returns one rule.
func (s *Store) Get(ctx context.Context, id string) (*Rule, error) {
	rules, err := query(ctx, s.store.DB(), `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrRuleNotFound
	}
	return &rules[0], nil
}

// List returns every rule in order.
func (s *Store) List(ctx context.Context) ([]Rule, error) {
	return query(ctx, s.store.DB(), `ORDER BY position`)
}

// Applicable returns the enabled rules for source, in order.
func (s *Store) Applicable(ctx context.Context, source string) ([]Rule, error) {
	return query(ctx, s.store.DB(), `WHERE source = ? AND enabled = 1 ORDER BY position`, normalizeSource(source))
}

// ActiveSources returns the sources that have at least one enabled rule.
func (s *Store) ActiveSources(ctx context.Context) ([]string, error) {
	rows, err := s.store.DB().QueryContext(ctx, `SELECT source FROM triage_sources ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// IsWatched reports whether events from source can match any rule.
func (s *Store) IsWatched(ctx context.Context, source string) (bool, error) {
	var n int
	err := s.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM triage_sources WHERE source = ?`, normalizeSource(source)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is watched: %w", err)
	}
	return n > 0, nil
}

// refreshSources recomputes the projection inside the caller's transaction.
func refreshSources(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM triage_sources`); err != nil {
		return fmt.Errorf("clear sources: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO triage_sources (source)
		SELECT DISTINCT source FROM triage_rules WHERE enabled = 1`); err != nil {
		return fmt.Errorf("project sources: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func query(ctx context.Context, q queryer, where string, args ...any) ([]Rule, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, source, label, enabled, instruction, condition, position, created_at, updated_at
		FROM triage_rules `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var (
			r                Rule
			created, updated int64
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.Label, &r.Enabled, &r.Instruction, &r.Condition,
			&r.Position, &created, &updated); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created)
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}
