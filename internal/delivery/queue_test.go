package delivery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/vox/internal/db"
)

func openTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), db.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewQueue(store, capacity, nil)
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestAppendKeepsMostRecent(t *testing.T) {
	q := openTestQueue(t, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := q.Append(ctx, "triage", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4", "m5"}, texts(got))
	assert.Equal(t, "assistant", got[0].Role)
	assert.Equal(t, "triage", got[0].Origin)

	again, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPeekDoesNotClear(t *testing.T) {
	q := openTestQueue(t, 0)
	ctx := context.Background()
	_, err := q.Append(ctx, "ui_automation", "Wifi is on.")
	require.NoError(t, err)

	got, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestEmptyTextRejected(t *testing.T) {
	q := openTestQueue(t, 0)
	_, err := q.Append(context.Background(), "x", "   ")
	assert.Error(t, err)
}

func TestConcurrentAppendAndDrainLoseNothing(t *testing.T) {
	q := openTestQueue(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := q.Append(ctx, "bg", fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, err)
			}
		}(w)
	}

	var (
		mu      sync.Mutex
		drained []Entry
	)
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for i := 0; i < 20; i++ {
			got, err := q.Drain(ctx)
			assert.NoError(t, err)
			mu.Lock()
			drained = append(drained, got...)
			mu.Unlock()
		}
	}()
	wg.Wait()
	<-drainDone

	rest, err := q.Drain(ctx)
	require.NoError(t, err)
	drained = append(drained, rest...)

	seen := make(map[string]bool)
	for _, e := range drained {
		assert.False(t, seen[e.Text], "duplicate %s", e.Text)
		seen[e.Text] = true
	}
	assert.Len(t, seen, 100)
}

func TestSetCapacity(t *testing.T) {
	q := openTestQueue(t, 10)
	ctx := context.Background()
	q.SetCapacity(1)
	_, _ = q.Append(ctx, "a", "one")
	_, _ = q.Append(ctx, "a", "two")
	got, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, texts(got))
}
