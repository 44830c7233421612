package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "error", Format: "text"})
}

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStore tests recording and listing work item runs
func TestStore(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	store.Record(ctx, Run{
		RunID:    NewRunID(),
		Key:      "pr:test/repo/1",
		Kind:     "pr",
		Outcome:  "success",
		Duration: 12,
	})
	time.Sleep(5 * time.Millisecond)
	store.Record(ctx, Run{
		RunID:    NewRunID(),
		Key:      "commit:test/repo/abc",
		Kind:     "commit",
		Outcome:  "failed",
		Error:    "user error",
		Duration: 7,
	})

	runs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "commit:test/repo/abc", runs[0].Key)
	assert.Equal(t, "failed", runs[0].Outcome)
	assert.Equal(t, "pr:test/repo/1", runs[1].Key)

	runs, err = store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// TestStore_Cleanup tests the retention window
func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	store.Record(ctx, Run{RunID: NewRunID(), Key: "pr:test/repo/1", Kind: "pr", Outcome: "success"})

	// everything is newer than a day; nothing to delete
	deleted, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	// a zero retention deletes all past records
	time.Sleep(5 * time.Millisecond)
	deleted, err = store.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	runs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// TestNewRunID tests run id uniqueness
func TestNewRunID(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
