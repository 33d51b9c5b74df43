package immutabledb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/demoformat"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/hashcodec"
)

// fixedEpochInfo is a constant-size EpochInfo stand-in for tests that don't
// exercise hard-fork era transitions.
type fixedEpochInfo struct {
	size uint64
}

func (f fixedEpochInfo) EpochSize(chain.EpochNo) (uint64, error) { return f.size, nil }

func (f fixedEpochInfo) FirstSlotOf(epoch chain.EpochNo) (chain.SlotNo, error) {
	return chain.SlotNo(uint64(epoch) * f.size), nil
}

func (f fixedEpochInfo) BlockRelative(slot chain.SlotNo) (chain.EpochSlot, error) {
	return chain.EpochSlot{
		Epoch: chain.EpochNo(uint64(slot) / f.size),
		Rel:   chain.RelativeSlot(uint64(slot) % f.size),
	}, nil
}

// openTestDB opens a fresh store in a t.TempDir() with a fixed epoch size.
func openTestDB(t *testing.T, epochSize uint64) *DB {
	t.Helper()
	db, err := Open(Config{
		FS:        fs.NewReal(),
		Root:      t.TempDir(),
		EpochInfo: fixedEpochInfo{size: epochSize},
		Parser:    demoformat.Parser{},
		Policy:    ValidateAllEpochs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// makeBinary builds a demoformat frame and its hash for payload, tagged tag.
func makeBinary(tag chain.BlockOrEBB, payload []byte) (hash []byte, info BinaryInfo) {
	codec := hashcodec.Blake2b256{}
	hash = codec.Sum(payload)
	info = demoformat.Encode(tag, 0, uint16(len(payload)), hash, payload)
	return hash, info
}
