// Package storetest holds the behavior every store.Store must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/interleave/pkg/store"
	"github.com/amirkhaki/interleave/pkg/trace"
)

// NewArtifact returns a complete artifact with a fresh id.
func NewArtifact(verdict string) *store.Artifact {
	return &store.Artifact{
		ID:        store.NewID(),
		RunID:     store.NewID(),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Scenario:  "racy-write",
		Strategy:  "random",
		Seed:      42,
		Iteration: 7,
		Verdict:   verdict,
		Message:   "x = 3",
		Trace: trace.FromDecisions(
			trace.Scheduling(0), trace.Scheduling(2), trace.Boolean(true),
			trace.Integer(3), trace.Scheduling(1),
		),
	}
}

// RunContract verifies that s adheres to the store.Store contract. s must
// be empty.
func RunContract(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("Save and Load", func(t *testing.T) {
		a := NewArtifact("assertion-failure")
		require.NoError(t, s.Save(ctx, a))

		loaded, err := s.Load(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ID, loaded.ID)
		assert.Equal(t, a.RunID, loaded.RunID)
		assert.Equal(t, a.Verdict, loaded.Verdict)
		assert.Equal(t, a.Seed, loaded.Seed)
		assert.Equal(t, a.Iteration, loaded.Iteration)
		assert.True(t, a.CreatedAt.Equal(loaded.CreatedAt))
		assert.True(t, a.Trace.Equal(loaded.Trace), "trace changed: %s", loaded.Trace)
	})

	t.Run("Save overwrites", func(t *testing.T) {
		a := NewArtifact("deadlock")
		require.NoError(t, s.Save(ctx, a))
		a.Message = "updated"
		require.NoError(t, s.Save(ctx, a))

		loaded, err := s.Load(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "updated", loaded.Message)

		ids, err := s.List(ctx)
		require.NoError(t, err)
		count := 0
		for _, id := range ids {
			if id == a.ID {
				count++
			}
		}
		assert.Equal(t, 1, count, "listed twice")
	})

	t.Run("Save rejects incomplete artifacts", func(t *testing.T) {
		a := NewArtifact("deadlock")
		a.Trace = nil
		assert.Error(t, s.Save(ctx, a))
		assert.Error(t, s.Save(ctx, &store.Artifact{Trace: trace.New()}))
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := s.Load(ctx, store.NewID())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		a := NewArtifact("liveness-violation")
		require.NoError(t, s.Save(ctx, a))
		require.NoError(t, s.Delete(ctx, a.ID))

		_, err := s.Load(ctx, a.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.NotContains(t, ids, a.ID)

		assert.NoError(t, s.Delete(ctx, a.ID), "deleting twice")
	})

	t.Run("List", func(t *testing.T) {
		first := NewArtifact("deadlock")
		second := NewArtifact("deadlock")
		second.CreatedAt = first.CreatedAt.Add(time.Second)
		require.NoError(t, s.Save(ctx, first))
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, s.Save(ctx, second))
		defer func() {
			_ = s.Delete(ctx, first.ID)
			_ = s.Delete(ctx, second.ID)
		}()

		ids, err := s.List(ctx)
		require.NoError(t, err)
		i, j := indexOf(ids, first.ID), indexOf(ids, second.ID)
		require.GreaterOrEqual(t, i, 0)
		require.GreaterOrEqual(t, j, 0)
		assert.Less(t, i, j, "oldest first")
	})
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
