package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/vox/internal/db/migrations"
)

func openTestDB(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", FileName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestDB(t)

	v, err := migrations.Version(s.DB())
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	for _, table := range []string{"pending_deliveries", "triage_rules", "triage_sources", "session_messages", "ui_hints"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO triage_sources(source) VALUES ('mail')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM triage_sources`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO triage_sources(source) VALUES ('mail')`)
		return err
	}))
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM triage_sources`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
