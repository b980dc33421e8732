package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock(t *testing.T) {
	unitFile := filepath.Join(t.TempDir(), "converge.yaml")
	ctx := context.Background()

	l := NewFileLock(unitFile)
	assert.Equal(t, filepath.Join(filepath.Dir(unitFile), ".converge", "converge.yaml.lock"), l.Path())

	require.NoError(t, l.Lock(ctx))
	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "pid=")

	err = NewFileLock(unitFile).Lock(ctx)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), l.Path())

	require.NoError(t, l.Unlock(ctx))
	require.NoError(t, l.Unlock(ctx))
	require.NoError(t, NewFileLock(unitFile).Lock(ctx))
}

func TestFileLockStale(t *testing.T) {
	unitFile := filepath.Join(t.TempDir(), "main.pkl")
	ctx := context.Background()

	l := NewFileLock(unitFile)
	require.NoError(t, l.Lock(ctx))

	old := time.Now().Add(-2 * DefaultStaleAfter)
	require.NoError(t, os.Chtimes(l.Path(), old, old))

	require.NoError(t, NewFileLock(unitFile).Lock(ctx))
}
