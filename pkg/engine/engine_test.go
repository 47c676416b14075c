package engine

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cloud/nimbusfs/pkg/config"
	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
	"github.com/nimbus-cloud/nimbusfs/pkg/paths"
	"github.com/nimbus-cloud/nimbusfs/pkg/repo"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.Root = filepath.Join(t.TempDir(), "storage")
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestOpenCreateReadClose(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	eng, err := Open(ctx, cfg)
	require.NoError(t, err)

	folderID, err := eng.Folders.Create(ctx, idmap.RootID, "docs")
	require.NoError(t, err)
	fileID, err := eng.Files.Create(ctx, folderID, "hello.txt", []byte("hello"))
	require.NoError(t, err)

	rc, err := eng.Files.Read(ctx, fileID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, []byte("hello"), data)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Close(closeCtx))

	// Reopen: identity survives the restart through the mapping table.
	eng2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer eng2.Close(ctx)

	rec, err := eng2.Files.Stat(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Size)
}

func TestSweepNowPurgesExpired(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Trash.RetentionDays = 1

	eng, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer eng.Close(ctx)

	fileID, err := eng.Files.Create(ctx, idmap.RootID, "old.txt", []byte("x"))
	require.NoError(t, err)
	_, err = eng.Files.SoftDelete(ctx, fileID)
	require.NoError(t, err)

	// Not expired yet: the sweep finds nothing.
	stats, err := eng.SweepNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ExpiredCount)

	items, err := eng.Trash.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// EmptyTrash does not wait for expiry.
	require.NoError(t, eng.Trash.EmptyTrash(ctx))
	items, err = eng.Trash.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEngineStateDirShieldedFromUsers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	eng, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer eng.Close(ctx)

	fileID, err := eng.Files.Create(ctx, idmap.RootID, "keep.txt", []byte("k"))
	require.NoError(t, err)

	// The mapping table lives under the engine-state directory inside the
	// root. A user entry with that name could be trashed and purged, taking
	// the table with it, so the name is refused outright.
	_, err = eng.Folders.Create(ctx, idmap.RootID, paths.InternalDirName)
	assert.True(t, repo.IsInvalidPath(err), "folder %q: %v", paths.InternalDirName, err)
	_, err = eng.Files.Create(ctx, idmap.RootID, paths.InternalDirName, []byte("x"))
	assert.True(t, repo.IsInvalidPath(err), "file %q: %v", paths.InternalDirName, err)

	// Root listings keep it invisible too.
	seq, err := eng.Folders.ListChildren(ctx, idmap.RootID)
	require.NoError(t, err)
	for id, seqErr := range seq {
		require.NoError(t, seqErr)
		assert.Equal(t, fileID, id)
	}
}

func TestOpenWithBadgerMapping(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Mapping.Type = "badger"
	cfg.Mapping.Badger = map[string]any{"in_memory": true}

	eng, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer eng.Close(ctx)

	fileID, err := eng.Files.Create(ctx, idmap.RootID, "b.txt", []byte("badger"))
	require.NoError(t, err)
	rec, err := eng.Files.Stat(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Size)
}
