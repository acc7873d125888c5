package uiauto

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/db"
)

const (
	hintCacheSize = 128
	maxHintChars  = 400
)

var (
	nodeIDPattern = regexp.MustCompile(`\b[A-Z][0-9]{1,4}\b`)
	handlePattern = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b|\b[0-9]{4,}\b`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// HintStore keeps one learned free-text hint per target surface.
type HintStore struct {
	store *db.Store
	cache *lru.Cache[string, string]
}

// NewHintStore returns a hint store over store.
func NewHintStore(store *db.Store) (*HintStore, error) {
	cache, err := lru.New[string, string](hintCacheSize)
	if err != nil {
		return nil, fmt.Errorf("hint cache: %w", err)
	}
	return &HintStore{store: store, cache: cache}, nil
}

// ScrubHint removes node ids, handles, long numbers and email addresses, and
// collapses whitespace.
func ScrubHint(hint string) string {
	h := emailPattern.ReplaceAllString(hint, "")
	h = nodeIDPattern.ReplaceAllString(h, "")
	h = handlePattern.ReplaceAllString(h, "")
	h = strings.TrimSpace(spacePattern.ReplaceAllString(h, " "))
	return tools.Truncate(h, maxHintChars)
}

// Get returns the hint for surface, or "" when none is stored.
func (h *HintStore) Get(ctx context.Context, surface string) (string, error) {
	if surface == "" {
		return "", nil
	}
	if v, ok := h.cache.Get(surface); ok {
		return v, nil
	}
	var hint string
	err := h.store.DB().QueryRowContext(ctx, `SELECT hint FROM ui_hints WHERE surface = ?`, surface).Scan(&hint)
	if errors.Is(err, sql.ErrNoRows) {
		h.cache.Add(surface, "")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get hint: %w", err)
	}
	h.cache.Add(surface, hint)
	return hint, nil
}

// Record merges a scrubbed hint into the one stored for surface. Hints accumulate
// across runs, oldest text dropped first. Hints that scrub to nothing are ignored.
func (h *HintStore) Record(ctx context.Context, surface, hint string) error {
	hint = ScrubHint(hint)
	if surface == "" || hint == "" {
		return nil
	}
	var merged string
	err := h.store.WithTx(ctx, func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx, `SELECT hint FROM ui_hints WHERE surface = ?`, surface).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		merged = mergeHints(prev, hint)
		_, err = tx.ExecContext(ctx, `INSERT INTO ui_hints (surface, hint, uses, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(surface) DO UPDATE SET hint = excluded.hint, uses = ui_hints.uses + 1, updated_at = excluded.updated_at`,
			surface, merged, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("record hint: %w", err)
	}
	h.cache.Add(surface, merged)
	return nil
}

func mergeHints(prev, hint string) string {
	switch {
	case prev == "":
		return hint
	case strings.Contains(prev, hint):
		return prev
	}
	merged := prev + " " + hint
	for len(merged) > maxHintChars {
		_, rest, ok := strings.Cut(merged, " ")
		if !ok {
			cut := len(merged) - maxHintChars
			for cut < len(merged) && !utf8.RuneStart(merged[cut]) {
				cut++
			}
			return merged[cut:]
		}
		merged = rest
	}
	return merged
}

// Prune deletes hints not updated within maxAge and returns how many were removed.
func (h *HintStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := h.store.DB().ExecContext(ctx, `DELETE FROM ui_hints WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune hints: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		h.cache.Purge()
	}
	return int(n), nil
}
