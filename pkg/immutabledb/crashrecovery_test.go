package immutabledb

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/demoformat"
)

// syncDir fsyncs a directory handle so its current entries become durable
// under fs.Crash's model (directory-entry durability is tracked separately
// from file-content durability, see fs.Crash's own tests).
func syncDir(t *testing.T, fsys fs.FS, path string) {
	t.Helper()
	d, err := fsys.Open(path)
	require.NoError(t, err)
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())
}

// openCrashDB opens a store rooted at "store" on crash, syncing both the
// store directory and crash's own root so the store's directory structure
// (as opposed to file content, which writeEntry syncs itself) is durable.
func openCrashDB(t *testing.T, crash *fs.Crash, epochSize uint64) *DB {
	t.Helper()
	db, err := Open(Config{
		FS:        crash,
		Root:      "store",
		EpochInfo: fixedEpochInfo{size: epochSize},
		Parser:    demoformat.Parser{},
		Policy:    ValidateAllEpochs,
	})
	require.NoError(t, err)
	syncDir(t, crash, "store")
	syncDir(t, crash, ".")
	return db
}

func Test_Open_Recovers_Durable_Blocks_After_Simulated_Crash(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	db := openCrashDB(t, crash, 4)

	hash, info := makeBinary(chain.Block(1), []byte("durable across crash"))
	require.NoError(t, db.AppendBlock(1, 1, hash, info))

	// The store directory's entries (the three epoch files, created fresh
	// by this first append) were not durable before this append; sync
	// them the same way a real caller has to fsync a parent directory
	// after creating a file in it.
	syncDir(t, crash, "store")

	require.NoError(t, crash.SimulateCrash())

	db2, err := Open(Config{
		FS:        crash,
		Root:      "store",
		EpochInfo: fixedEpochInfo{size: 4},
		Parser:    demoformat.Parser{},
		Policy:    ValidateAllEpochs,
	})
	require.NoError(t, err)
	defer db2.Close()

	tip, err := db2.GetTip()
	require.NoError(t, err)
	tipInfo, ok := tip.Info()
	require.True(t, ok)
	require.Equal(t, hash, tipInfo.Hash)

	got, found, err := db2.GetBlockComponent(1, Hash())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, hash, got)
}

func Test_Open_Discards_Unsynced_Epoch_Write_After_Simulated_Crash(t *testing.T) {
	t.Parallel()

	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	db := openCrashDB(t, crash, 4)

	hash1, info1 := makeBinary(chain.Block(1), []byte("surviving block"))
	require.NoError(t, db.AppendBlock(1, 1, hash1, info1))
	syncDir(t, crash, "store")

	// Append raw bytes to the epoch file behind the DB's back and never
	// Sync the handle: this models an in-flight write that the page cache
	// had not yet flushed when the crash happened. writeEntry itself
	// always syncs before a committed AppendBlock/AppendEBB returns, so
	// this is the only way to produce genuinely unsynced epoch-file bytes.
	path := epochPath("store", 0, extEpoch)
	f, err := crash.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("unsynced garbage frame"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, crash.SimulateCrash())

	db2, err := Open(Config{
		FS:        crash,
		Root:      "store",
		EpochInfo: fixedEpochInfo{size: 4},
		Parser:    demoformat.Parser{},
		Policy:    ValidateAllEpochs,
	})
	require.NoError(t, err)
	defer db2.Close()

	tip, err := db2.GetTip()
	require.NoError(t, err)
	tipInfo, ok := tip.Info()
	require.True(t, ok)
	require.Equal(t, hash1, tipInfo.Hash)

	got, found, err := db2.GetBlockComponent(1, Hash())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, hash1, got)

	hash2, info2 := makeBinary(chain.Block(2), []byte("next block after crash"))
	require.NoError(t, db2.AppendBlock(2, 2, hash2, info2))
}

func Test_GetBlockComponent_Returns_FileSystemError_When_Chaos_Fails_Read(t *testing.T) {
	t.Parallel()

	chaos := fs.NewChaos(fs.NewReal(), 1, fs.ChaosConfig{ReadFailRate: 1})
	chaos.SetMode(fs.ChaosModeNoOp)

	db, err := Open(Config{
		FS:        chaos,
		Root:      t.TempDir(),
		EpochInfo: fixedEpochInfo{size: 4},
		Parser:    demoformat.Parser{},
		Policy:    ValidateAllEpochs,
	})
	require.NoError(t, err)
	defer db.Close()

	hash, info := makeBinary(chain.Block(1), []byte("flaky read target"))
	require.NoError(t, db.AppendBlock(1, 1, hash, info))

	chaos.SetMode(fs.ChaosModeActive)
	defer chaos.SetMode(fs.ChaosModeNoOp)

	_, _, err = db.GetBlockComponent(1, Hash())
	require.Error(t, err)

	var fsErr *FileSystemError
	require.ErrorAs(t, err, &fsErr)
	require.True(t, fs.IsChaosErr(err))
}
