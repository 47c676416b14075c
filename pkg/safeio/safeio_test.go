package safeio

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() *FS {
	return New(Budgets{})
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAtomicWrite_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	err := testFS().AtomicWrite(context.Background(), path, []byte("hi"))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got)

	// No temp files may remain after a committed write.
	assert.Equal(t, []string{"a.txt"}, listNames(t, dir))
}

func TestAtomicWrite_ReplacesExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	err := testFS().AtomicWrite(context.Background(), path, []byte("new content"))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("new content"), got)
}

// A failure at any point before the rename must leave the original file
// unchanged and no temp file behind. The fill callback simulates a crash
// mid-write by failing after a partial write.
func TestAtomicWriteFunc_FailedFillLeavesOriginalUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0644))

	boom := errors.New("disk on fire")
	err := testFS().AtomicWriteFunc(context.Background(), path, func(tmp *os.File) error {
		_, _ = tmp.Write([]byte("par"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
	assert.Equal(t, []string{"a.txt"}, listNames(t, dir))
}

func TestAtomicWriteFunc_FailedFillOnNewPathLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never.txt")

	err := testFS().AtomicWriteFunc(context.Background(), path, func(tmp *os.File) error {
		return errors.New("nope")
	})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, fs.ErrNotExist))
	assert.Empty(t, listNames(t, dir))
}

func TestAtomicWriteFrom_StreamsContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streamed.bin")
	payload := bytes.Repeat([]byte("nimbus"), 10_000)

	err := testFS().AtomicWriteFrom(context.Background(), path, bytes.NewReader(payload), make([]byte, 4096))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCreateDirWithSync_CreatesAncestors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c")

	require.NoError(t, testFS().CreateDirWithSync(context.Background(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent on an existing path.
	require.NoError(t, testFS().CreateDirWithSync(context.Background(), path))
}

func TestCreateDirWithSync_ExistingFileRefused(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "occupied")
	require.NoError(t, os.WriteFile(path, []byte("not a dir"), 0644))

	// A regular file in the way must surface as an error, not silent
	// success: callers treat nil as "the directory is there".
	err := testFS().CreateDirWithSync(context.Background(), path)
	require.Error(t, err)

	// Same when the file sits mid-path.
	err = testFS().CreateDirWithSync(context.Background(), filepath.Join(path, "child"))
	require.Error(t, err)
}

func TestRenameWithSync_MovesAcrossDirectories(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "src", "f.txt")
	to := filepath.Join(dir, "dst", "g.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(from), 0755))
	require.NoError(t, os.MkdirAll(filepath.Dir(to), 0755))
	require.NoError(t, os.WriteFile(from, []byte("payload"), 0644))

	require.NoError(t, testFS().RenameWithSync(context.Background(), from, to))

	got, err := os.ReadFile(to)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, err = os.Stat(from)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestRemoveFileWithSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.NoError(t, testFS().RemoveFileWithSync(context.Background(), path))

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	// NotFound is reported, not retried or swallowed.
	err = testFS().RemoveFileWithSync(context.Background(), path)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestRemoveAllWithSync_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "sub", "f"), []byte("x"), 0644))

	require.NoError(t, testFS().RemoveAllWithSync(context.Background(), path))
	require.NoError(t, testFS().RemoveAllWithSync(context.Background(), path))
}

func TestWithBudget_TimeoutSurfacesErrTimeout(t *testing.T) {
	err := withBudget(context.Background(), 10*time.Millisecond, "slow op", func() error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, strings.Contains(err.Error(), "slow op"))
}

func TestWithBudget_ZeroBudgetDisablesLimit(t *testing.T) {
	err := withBudget(context.Background(), 0, "op", func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	assert.NoError(t, err)
}

func TestWithBudget_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withBudget(ctx, time.Second, "op", func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
