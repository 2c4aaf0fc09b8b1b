package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestLocalSaveWritesSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := fixedClock{now: time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)}
	a, err := NewLocal(dir, clock)
	require.NoError(t, err)

	uri, err := a.Save(context.Background(), "t1", []byte("<html>jobs</html>"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"+dir+"/t1/20260314T150926-"))
	require.True(t, strings.HasSuffix(uri, ".html"))

	body, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
	require.NoError(t, err)
	require.Equal(t, "<html>jobs</html>", string(body))
}

func TestLocalSaveDistinctNamesSameSecond(t *testing.T) {
	t.Parallel()

	a, err := NewLocal(t.TempDir(), fixedClock{now: time.Unix(1000, 0)})
	require.NoError(t, err)

	first, err := a.Save(context.Background(), "t1", []byte("a"))
	require.NoError(t, err)
	second, err := a.Save(context.Background(), "t1", []byte("b"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestLocalSaveRejectsEscapingTargetID(t *testing.T) {
	t.Parallel()

	a, err := NewLocal(t.TempDir(), fixedClock{now: time.Unix(1000, 0)})
	require.NoError(t, err)

	_, err = a.Save(context.Background(), "../../etc", []byte("x"))
	require.ErrorContains(t, err, "escapes archive dir")
}

func TestNewLocalCreatesMissingDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "snapshots")
	_, err := NewLocal(dir, fixedClock{now: time.Unix(1000, 0)})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewLocalRejectsBlankAndFilePaths(t *testing.T) {
	t.Parallel()

	_, err := NewLocal("  ", fixedClock{})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = NewLocal(file, fixedClock{})
	require.ErrorContains(t, err, "not a directory")
}

func TestMemoryArchiverCopiesBody(t *testing.T) {
	t.Parallel()

	m := NewMemory(fixedClock{now: time.Unix(1000, 0)})
	body := []byte("original")
	uri, err := m.Save(context.Background(), "t1", body)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "mem://t1/"))

	body[0] = 'X'
	require.Equal(t, 1, m.Len())
}
