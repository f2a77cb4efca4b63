package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "state", "deployments.json"))
	s.now = func() time.Time { return time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC) }
	return s
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	owners, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestLoadCorruptFileFailsOpen(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	owners, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotNil(t, owners)
	assert.Empty(t, owners)

	// The next mutation replaces the corrupt document.
	require.NoError(t, s.Append(context.Background(), "111@x", "BOT_AAAAAA"))
	owners, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"111@x": {"BOT_AAAAAA"}}, owners)
}

func TestMutationKeepsFileOnReadFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "111@x", "BOT_AAAAAA"))
	require.NoError(t, s.Append(ctx, "222@x", "BOT_BBBBBB"))

	s.readFile = func(string) ([]byte, error) { return nil, errors.New("input/output error") }
	err := s.Append(ctx, "333@x", "BOT_CCCCCC")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, errCorruptDocument)
	assert.ErrorIs(t, s.Remove(ctx, "111@x", "BOT_AAAAAA"), ErrStoreUnavailable)

	s.readFile = os.ReadFile
	owners, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"111@x": {"BOT_AAAAAA"}, "222@x": {"BOT_BBBBBB"}}, owners)
}

func TestAppendRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Append(ctx, "111@x", "BOT_AAAAAA"))
	require.NoError(t, s.Append(ctx, "111@x", "BOT_BBBBBB"))
	require.NoError(t, s.Append(ctx, "111@x", "BOT_AAAAAA"))
	require.NoError(t, s.Append(ctx, "222@x", "BOT_CCCCCC"))

	owners, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BOT_AAAAAA", "BOT_BBBBBB"}, owners["111@x"])
	assert.Equal(t, []string{"BOT_CCCCCC"}, owners["222@x"])

	require.NoError(t, s.Remove(ctx, "222@x", "BOT_CCCCCC"))
	require.NoError(t, s.Remove(ctx, "111@x", "BOT_AAAAAA"))
	require.NoError(t, s.Remove(ctx, "333@x", "BOT_ZZZZZZ"))

	owners, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"111@x": {"BOT_BBBBBB"}}, owners)
}

func TestAppendMovesIDBetweenOwners(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Append(ctx, "111@x", "BOT_AAAAAA"))
	require.NoError(t, s.Append(ctx, "222@x", "BOT_AAAAAA"))

	owners, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"222@x": {"BOT_AAAAAA"}}, owners)
}

func TestFileLayout(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Append(ctx, "111@x", "BOT_AAAAAA"))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, `{"111@x":["BOT_AAAAAA"]}`, string(doc["owners"]))
	assert.JSONEq(t, `"2026-10-15T08:00:00Z"`, string(doc["last_updated"]))

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestConcurrentAppendsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const writers = 24
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("%d@x", i%3)
			assert.NoError(t, s.Append(ctx, owner, fmt.Sprintf("BOT_%06d", i)))
		}(i)
	}
	wg.Wait()

	owners, err := s.Load(ctx)
	require.NoError(t, err)
	total := 0
	for _, ids := range owners {
		total += len(ids)
	}
	assert.Equal(t, writers, total)
	assert.Len(t, owners["0@x"], writers/3)
}

func TestSaveHonoursCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Save(ctx, map[string][]string{"111@x": {"BOT_AAAAAA"}})
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(statErr))
}
