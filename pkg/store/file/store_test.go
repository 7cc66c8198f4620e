package file_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/interleave/pkg/store/file"
	"github.com/amirkhaki/interleave/pkg/store/storetest"
	"github.com/amirkhaki/interleave/pkg/trace"
)

func TestFileStore_Contract(t *testing.T) {
	s, err := file.New(t.TempDir())
	require.NoError(t, err)
	storetest.RunContract(t, s)
}

func TestFileStore_WritesReplayableTrace(t *testing.T) {
	s, err := file.New(t.TempDir())
	require.NoError(t, err)

	a := storetest.NewArtifact("deadlock")
	require.NoError(t, s.Save(context.Background(), a))

	loaded, err := trace.Load(s.TracePath(a.ID))
	require.NoError(t, err)
	assert.True(t, a.Trace.Equal(loaded))

	require.NoError(t, s.Delete(context.Background(), a.ID))
	_, err = os.Stat(s.TracePath(a.ID))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileStore_RequiresDirectory(t *testing.T) {
	_, err := file.New("")
	assert.Error(t, err)
}
