package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(key, tag string, ran *[]string) *WorkItem {
	return &WorkItem{
		Key:  key,
		Kind: "pr",
		Run: func(ctx context.Context) error {
			*ran = append(*ran, tag)
			return nil
		},
	}
}

// TestQueue_Order tests FIFO delivery across distinct keys
func TestQueue_Order(t *testing.T) {
	var ran []string
	q := NewQueue()
	q.Add(item("pr:test/repo/1", "a", &ran))
	q.Add(item("pr:test/repo/2", "b", &ran))

	ctx := context.Background()
	first := q.Next(ctx)
	require.NotNil(t, first)
	assert.Equal(t, "pr:test/repo/1", first.Key)
	second := q.Next(ctx)
	require.NotNil(t, second)
	assert.Equal(t, "pr:test/repo/2", second.Key)
}

// TestQueue_CoalesceQueued tests that a later arrival replaces a queued item
func TestQueue_CoalesceQueued(t *testing.T) {
	var ran []string
	q := NewQueue()
	q.Add(item("pr:test/repo/1", "old", &ran))
	q.Add(item("pr:test/repo/1", "new", &ran))

	got := q.Next(context.Background())
	require.NotNil(t, got)
	require.NoError(t, got.Run(context.Background()))
	assert.Equal(t, []string{"new"}, ran)

	stats := q.Stats()
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 1, stats.Running)
}

// TestQueue_RerunWhileRunning tests that an arrival during execution is
// delivered again after the running item completes
func TestQueue_RerunWhileRunning(t *testing.T) {
	var ran []string
	q := NewQueue()
	q.Add(item("pr:test/repo/1", "first", &ran))

	running := q.Next(context.Background())
	require.NotNil(t, running)

	// same key while running: held back, not queued
	q.Add(item("pr:test/repo/1", "second", &ran))
	assert.Equal(t, 0, q.Stats().Queued)

	q.Done(running.Key)
	got := q.Next(context.Background())
	require.NotNil(t, got)
	require.NoError(t, got.Run(context.Background()))
	assert.Equal(t, []string{"second"}, ran)
}

// TestQueue_NextBlocks tests that Next honors context cancellation
func TestQueue_NextBlocks(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Nil(t, q.Next(ctx))
}

// TestQueue_Close tests that a closed queue rejects items and wakes waiters
func TestQueue_Close(t *testing.T) {
	var ran []string
	q := NewQueue()

	done := make(chan *WorkItem, 1)
	go func() { done <- q.Next(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case got := <-done:
		assert.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}

	q.Add(item("pr:test/repo/1", "late", &ran))
	assert.Equal(t, 0, q.Stats().Queued)
}

// TestQueue_DoneAfterClose tests that a worker finishing during shutdown
// releases its key cleanly even with a rerun pending
func TestQueue_DoneAfterClose(t *testing.T) {
	var ran []string
	q := NewQueue()
	q.Add(item("pr:test/repo/1", "first", &ran))

	running := q.Next(context.Background())
	require.NotNil(t, running)
	q.Add(item("pr:test/repo/1", "second", &ran))

	q.Close()
	require.NotPanics(t, func() { q.Done(running.Key) })
	assert.Nil(t, q.Next(context.Background()))
}
