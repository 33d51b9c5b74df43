package immutabledb

import (
	"fmt"
	"sync"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
)

// resolvedEntry is one secondary-index entry located within its epoch,
// together with the byte range its raw block bytes occupy in that epoch's
// epoch file.
type resolvedEntry struct {
	epoch      chain.EpochNo
	entry      SecondaryEntry
	blockStart uint64
	blockEnd   uint64
}

// GetBlockComponent evaluates comp against the block at slot (§4.3).
func (db *DB) GetBlockComponent(slot chain.SlotNo, comp *BlockComponent) (any, bool, error) {
	s, err := db.snapshot()
	if err != nil {
		return nil, false, err
	}
	info, ok := s.tip.Info()
	if !ok || slot > tipSlot(info) {
		return nil, false, db.traceUserError(&ReadFutureSlotError{Slot: slot, Tip: s.tip})
	}

	es, err := db.epochInfo.BlockRelative(slot)
	if err != nil {
		return nil, false, err
	}

	resolved, found, err := db.resolve(s, es.Epoch, es.Rel)
	if err != nil || !found {
		return nil, found, err
	}
	v, err := db.eval(resolved, comp)
	return v, true, err
}

// GetEBBComponent evaluates comp against the EBB of epoch (§4.3).
func (db *DB) GetEBBComponent(epoch chain.EpochNo, comp *BlockComponent) (any, bool, error) {
	s, err := db.snapshot()
	if err != nil {
		return nil, false, err
	}
	info, ok := s.tip.Info()
	if !ok || epoch > info.EpochSlot.Epoch {
		return nil, false, db.traceUserError(&ReadFutureEBBError{Epoch: epoch, CurrentEpoch: currentEpochOfTip(s.tip)})
	}

	resolved, found, err := db.resolve(s, epoch, 0)
	if err != nil || !found || !resolved.entry.Tag.IsEBB() {
		return nil, false, err
	}
	v, err := db.eval(resolved, comp)
	return v, true, err
}

// GetBlockOrEBBComponent evaluates comp against the entry at slot iff its
// recorded hash matches hash; a mismatch returns (nil, false, nil) rather
// than an error (§4.3 "Lookup by slot + hash").
func (db *DB) GetBlockOrEBBComponent(slot chain.SlotNo, hash []byte, comp *BlockComponent) (any, bool, error) {
	if loc, ok := db.hashCache.get(slot, hash); ok {
		s, err := db.snapshot()
		if err != nil {
			return nil, false, err
		}
		resolved, found, err := db.resolve(s, loc.Epoch, loc.Rel)
		if err != nil || !found {
			return nil, false, err
		}
		v, err := db.eval(resolved, comp)
		return v, true, err
	}

	v, found, err := db.GetBlockComponent(slot, comp)
	if err != nil || !found {
		return nil, false, err
	}

	es, err := db.epochInfo.BlockRelative(slot)
	if err != nil {
		return nil, false, err
	}
	s, err := db.snapshot()
	if err != nil {
		return nil, false, err
	}
	resolved, found, err := db.resolve(s, es.Epoch, es.Rel)
	if err != nil || !found {
		return nil, false, err
	}
	if !hashesEqual(resolved.entry.Hash, hash) {
		return nil, false, nil
	}
	db.hashCache.put(slot, hash, es)
	return v, true, nil
}

func hashesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tipSlot(info chain.TipInfo) chain.SlotNo {
	if info.Tag.IsEBB() {
		return 0
	}
	return info.Tag.Slot
}

func currentEpochOfTip(tip chain.Tip) chain.EpochNo {
	info, ok := tip.Info()
	if !ok {
		return 0
	}
	return info.EpochSlot.Epoch
}

// resolve implements §4.3 steps 2-5: find the entry at (epoch, relSlot), or
// report it as empty (not found, no error) if the bracket is degenerate.
func (db *DB) resolve(s openState, epoch chain.EpochNo, relSlot chain.RelativeSlot) (resolvedEntry, bool, error) {
	epochSize, err := db.epochInfo.EpochSize(epoch)
	if err != nil {
		return resolvedEntry{}, false, err
	}

	primary, secondary, live, err := db.loadIndices(s, epoch)
	if err != nil {
		return resolvedEntry{}, false, err
	}

	offsets, err := decodePrimaryIndex(primary, epochSize)
	if err != nil {
		return resolvedEntry{}, false, &InvalidPrimaryIndex{Epoch: epoch, Reason: err.Error()}
	}
	if int(relSlot)+1 >= len(offsets) {
		return resolvedEntry{}, false, fmt.Errorf("immutabledb: relative slot %d out of range for epoch %d", relSlot, epoch)
	}

	lo, hi := offsets[relSlot], offsets[relSlot+1]
	if lo == hi {
		return resolvedEntry{}, false, nil
	}

	sz := uint32(entrySize(db.hashCodec))
	if hi-lo != sz || int(hi) > len(secondary) {
		return resolvedEntry{}, false, &InvalidPrimaryIndex{Epoch: epoch, Reason: "secondary bracket does not match entry size"}
	}
	entry, err := decodeSecondaryEntry(secondary[lo:hi], db.hashCodec)
	if err != nil {
		return resolvedEntry{}, false, err
	}

	var totalSecondary uint64
	if live {
		totalSecondary = s.secondaryOffset
	} else {
		totalSecondary = uint64(len(secondary))
	}

	var blockEnd uint64
	if uint64(hi) < totalSecondary {
		next, err := decodeSecondaryEntry(secondary[hi:uint64(hi)+uint64(sz)], db.hashCodec)
		if err != nil {
			return resolvedEntry{}, false, err
		}
		blockEnd = next.BlockOffset
	} else if live {
		blockEnd = s.epochOffset
	} else {
		stat, err := db.fsys.Stat(epochPath(db.root, epoch, extEpoch))
		if err != nil {
			return resolvedEntry{}, false, &FileSystemError{Op: "stat", Path: epochPath(db.root, epoch, extEpoch), Err: err}
		}
		blockEnd = uint64(stat.Size())
	}

	return resolvedEntry{epoch: epoch, entry: entry, blockStart: entry.BlockOffset, blockEnd: blockEnd}, true, nil
}

// loadIndices returns epoch's primary and secondary index bytes. The
// currently open epoch is always read live (from disk, which is kept
// byte-consistent by every writeEntry); sealed epochs go through the index
// cache (§4.5).
func (db *DB) loadIndices(s openState, epoch chain.EpochNo) (primary, secondary []byte, live bool, err error) {
	if epoch == s.epoch {
		primary, err = db.fsys.ReadFile(epochPath(db.root, epoch, extPrimary))
		if err != nil {
			return nil, nil, false, &FileSystemError{Op: "readfile", Path: epochPath(db.root, epoch, extPrimary), Err: err}
		}
		secondary, err = db.fsys.ReadFile(epochPath(db.root, epoch, extSecondary))
		if err != nil {
			return nil, nil, false, &FileSystemError{Op: "readfile", Path: epochPath(db.root, epoch, extSecondary), Err: err}
		}
		return primary, secondary, true, nil
	}

	if p, sec, ok := db.cache.get(epoch); ok {
		return p, sec, false, nil
	}

	primary, err = db.fsys.ReadFile(epochPath(db.root, epoch, extPrimary))
	if err != nil {
		return nil, nil, false, &FileSystemError{Op: "readfile", Path: epochPath(db.root, epoch, extPrimary), Err: err}
	}
	secondary, err = db.fsys.ReadFile(epochPath(db.root, epoch, extSecondary))
	if err != nil {
		return nil, nil, false, &FileSystemError{Op: "readfile", Path: epochPath(db.root, epoch, extSecondary), Err: err}
	}
	db.cache.put(epoch, primary, secondary)
	return primary, secondary, false, nil
}

// eval evaluates comp against a resolved entry, reading raw block bytes
// (with CRC verification for RawBlock) at most once.
func (db *DB) eval(r resolvedEntry, comp *BlockComponent) (any, error) {
	var raw []byte
	if comp.needsRawBytes() {
		b, err := db.readRange(r.epoch, r.blockStart, r.blockEnd)
		if err != nil {
			return nil, err
		}
		if got := checksum(b); got != r.entry.Checksum {
			return nil, &ChecksumMismatch{Epoch: r.epoch, Slot: r.entry.Tag, Expected: r.entry.Checksum, Got: got}
		}
		raw = b
	}
	return evalTree(r, raw, comp), nil
}

func evalTree(r resolvedEntry, raw []byte, comp *BlockComponent) any {
	switch comp.kind {
	case CompHash:
		return r.entry.Hash
	case CompSlot:
		return r.entry.Tag
	case CompIsEBB:
		return r.entry.Tag.IsEBB()
	case CompBlockSize:
		return r.blockEnd - r.blockStart
	case CompHeaderSize:
		return r.entry.HeaderSize
	case CompRawBlock:
		return raw
	case CompRawHeader:
		return raw[r.entry.HeaderOffset : r.entry.HeaderOffset+r.entry.HeaderSize]
	case CompPure:
		return comp.value
	case CompApply:
		return comp.fn(evalTree(r, raw, comp.inner))
	default:
		panic("immutabledb: unknown BlockComponent kind")
	}
}

// readRange reads [start, end) of epoch's epoch file, using the live open
// handle if epoch is currently open, or a fresh read-only handle otherwise.
func (db *DB) readRange(epoch chain.EpochNo, start, end uint64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("immutabledb: invalid block range [%d, %d)", start, end)
	}
	buf := make([]byte, end-start)
	if len(buf) == 0 {
		return buf, nil
	}

	db.mu.RLock()
	live := db.state.epoch == epoch && !db.closed
	var liveFile fs.File
	if live {
		liveFile = db.state.epochFile
	}
	db.mu.RUnlock()

	if live {
		if _, err := liveFile.ReadAt(buf, int64(start)); err != nil {
			return nil, &FileSystemError{Op: "readat", Path: epochPath(db.root, epoch, extEpoch), Err: err}
		}
		return buf, nil
	}

	f, err := db.fsys.Open(epochPath(db.root, epoch, extEpoch))
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: epochPath(db.root, epoch, extEpoch), Err: err}
	}
	defer f.Close()
	if _, err := f.ReadAt(buf, int64(start)); err != nil {
		return nil, &FileSystemError{Op: "readat", Path: epochPath(db.root, epoch, extEpoch), Err: err}
	}
	return buf, nil
}

// hashLookupCache maps (slot, hash) to the resolved EpochSlot, per §4.3's
// "Lookup by slot + hash" fast path.
type hashLookupCache struct {
	mu      sync.Mutex
	entries map[chain.SlotNo]hashCacheEntry
}

type hashCacheEntry struct {
	hash []byte
	loc  chain.EpochSlot
}

func newHashLookupCache() *hashLookupCache {
	return &hashLookupCache{entries: make(map[chain.SlotNo]hashCacheEntry)}
}

func (c *hashLookupCache) get(slot chain.SlotNo, hash []byte) (chain.EpochSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[slot]
	if !ok || !hashesEqual(e.hash, hash) {
		return chain.EpochSlot{}, false
	}
	return e.loc, true
}

func (c *hashLookupCache) put(slot chain.SlotNo, hash []byte, loc chain.EpochSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[slot] = hashCacheEntry{hash: hash, loc: loc}
}
