package immutabledb

import (
	"bytes"

	natomic "github.com/natefinch/atomic"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
)

// AppendBlock appends an ordinary block at slot (§4.2).
func (db *DB) AppendBlock(slot chain.SlotNo, blockNo uint64, hash []byte, info BinaryInfo) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosedDB
	}

	if info, ok := db.state.tip.Info(); ok {
		violatesPast := false
		if info.Tag.IsEBB() {
			targetSlotEpoch, err := db.epochInfo.BlockRelative(slot)
			if err != nil {
				return db.traceUserError(err)
			}
			if targetSlotEpoch.Epoch < info.EpochSlot.Epoch {
				violatesPast = true
			}
		} else if slot <= info.Tag.Slot {
			violatesPast = true
		}
		if violatesPast {
			return db.traceUserError(&AppendToSlotInThePastError{Slot: slot, Tip: db.state.tip})
		}
	}

	target, err := db.epochInfo.BlockRelative(slot)
	if err != nil {
		return err
	}

	if err := db.advanceToEpoch(target.Epoch); err != nil {
		return err
	}

	return db.writeEntry(chain.Block(slot), hash, info, target.Rel, blockNo)
}

// AppendEBB appends an epoch boundary block at relative slot 0 of epoch
// (§4.2).
func (db *DB) AppendEBB(epoch chain.EpochNo, blockNo uint64, hash []byte, info BinaryInfo) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosedDB
	}

	if epoch < db.state.epoch || (epoch == db.state.epoch && db.state.blockWrittenInEpoch) {
		return db.traceUserError(&AppendToEBBInThePastError{Epoch: epoch, CurrentEpoch: db.state.epoch})
	}

	if err := db.advanceToEpoch(epoch); err != nil {
		return err
	}

	return db.writeEntry(chain.EBB(epoch), hash, info, 0, blockNo)
}

// advanceToEpoch starts new epoch(s) if target exceeds the currently open
// epoch, backfilling each skipped epoch's primary index to fully-empty and
// opening fresh files for the next epoch (§4.2 step 2).
func (db *DB) advanceToEpoch(target chain.EpochNo) error {
	for db.state.epoch < target {
		if err := db.closeCurrentEpochPadded(); err != nil {
			return err
		}

		next := db.state.epoch + 1
		epochSize, err := db.epochInfo.EpochSize(next)
		if err != nil {
			return err
		}
		epochFile, primaryFile, secondaryFile, err := openEpochHandles(db.fsys, db.root, next, fs.MustBeNew)
		if err != nil {
			return err
		}

		// Seed the skeleton offset table so raw reads of not-yet-written
		// relative slots see equal (empty) brackets instead of a zero byte
		// where the version marker belongs.
		skeleton := encodePrimaryIndex(make([]uint32, epochSize+2))
		if _, err := primaryFile.Write(skeleton); err != nil {
			epochFile.Close()
			primaryFile.Close()
			secondaryFile.Close()
			return &FileSystemError{Op: "write", Path: epochPath(db.root, next, extPrimary), Err: err}
		}
		if _, err := primaryFile.Seek(0, 0); err != nil {
			epochFile.Close()
			primaryFile.Close()
			secondaryFile.Close()
			return &FileSystemError{Op: "seek", Path: epochPath(db.root, next, extPrimary), Err: err}
		}

		db.state = openState{
			epoch:               next,
			epochFile:           epochFile,
			primaryFile:         primaryFile,
			secondaryFile:       secondaryFile,
			epochOffset:         0,
			secondaryOffset:     0,
			blockWrittenInEpoch: false,
			tip:                 db.state.tip,
		}
		db.cache.setCurrent(next)
	}
	return nil
}

// closeCurrentEpochPadded backfills the remainder of the current epoch's
// primary index with empty-slot entries pointing at the current secondary
// offset, then closes its handles.
func (db *DB) closeCurrentEpochPadded() error {
	epochSize, err := db.epochInfo.EpochSize(db.state.epoch)
	if err != nil {
		return err
	}

	nextFree, err := db.nextFreeRelSlot()
	if err != nil {
		return err
	}

	offsets := make([]uint32, epochSize+2)
	cur := uint32(db.state.secondaryOffset)
	for r := uint64(0); r <= epochSize; r++ {
		if r < uint64(nextFree) {
			// Already covered by the live primary file on disk; we only
			// need to pad from nextFree onward. patchPrimaryTail leaves
			// these offsets untouched on disk, so the values set below
			// for them are never written.
		}
		offsets[r+1] = cur
	}
	if err := patchPrimaryTail(db.fsys, epochPath(db.root, db.state.epoch, extPrimary), nextFree, offsets); err != nil {
		return err
	}

	if err := db.state.epochFile.Close(); err != nil {
		return &FileSystemError{Op: "close", Path: epochPath(db.root, db.state.epoch, extEpoch), Err: err}
	}
	if err := db.state.primaryFile.Close(); err != nil {
		return &FileSystemError{Op: "close", Path: epochPath(db.root, db.state.epoch, extPrimary), Err: err}
	}
	if err := db.state.secondaryFile.Close(); err != nil {
		return &FileSystemError{Op: "close", Path: epochPath(db.root, db.state.epoch, extSecondary), Err: err}
	}
	return nil
}

// patchPrimaryTail overwrites the primary index's offsets from relative
// slot nextFree onward with the backfill run computed in full, leaving
// offsets before nextFree untouched on disk.
func patchPrimaryTail(fsys fs.FS, path string, nextFree chain.RelativeSlot, fullOffsets []uint32) error {
	existing, err := fsys.ReadFile(path)
	if err != nil {
		return &FileSystemError{Op: "readfile", Path: path, Err: err}
	}

	out := make([]byte, len(existing))
	copy(out, existing)

	for i := int(nextFree) + 1; i < len(fullOffsets); i++ {
		pos := primaryVersionSize + i*primaryOffsetWidth
		if pos+primaryOffsetWidth > len(out) {
			break
		}
		putUint32LE(out[pos:], fullOffsets[i])
	}

	if err := natomic.WriteFile(path, bytes.NewReader(out)); err != nil {
		return &FileSystemError{Op: "atomic-write", Path: path, Err: err}
	}
	return nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// nextFreeRelSlot returns the relative slot one past the current tip's
// position in the currently open epoch (0 if the epoch has no entries
// yet).
func (db *DB) nextFreeRelSlot() (chain.RelativeSlot, error) {
	info, ok := db.state.tip.Info()
	if !ok || info.EpochSlot.Epoch != db.state.epoch {
		return 0, nil
	}
	return info.EpochSlot.Rel + 1, nil
}

// writeEntry performs append steps 4-7: write block bytes, append a
// secondary entry, emit the backfill run into the primary index, and
// commit the new tip.
func (db *DB) writeEntry(tag chain.BlockOrEBB, hash []byte, info BinaryInfo, relSlot chain.RelativeSlot, blockNo uint64) error {
	nextFree, err := db.nextFreeRelSlot()
	if err != nil {
		return err
	}
	epochSize, err := db.epochInfo.EpochSize(db.state.epoch)
	if err != nil {
		return err
	}

	blockOffset := db.state.epochOffset
	n, err := db.state.epochFile.Write(info.Bytes)
	if err != nil {
		return db.closeOnUnexpected(&FileSystemError{Op: "write", Path: "epoch", Err: err})
	}
	if n != len(info.Bytes) {
		return db.closeOnUnexpected(&FileSystemError{Op: "write", Path: "epoch", Err: errShortWrite})
	}

	entry := SecondaryEntry{
		BlockOffset:  blockOffset,
		HeaderOffset: info.HeaderOffset,
		HeaderSize:   info.HeaderSize,
		Checksum:     checksum(info.Bytes),
		Tag:          tag,
		Hash:         hash,
	}
	buf, err := encodeSecondaryEntry(entry, db.hashCodec)
	if err != nil {
		return err
	}
	secOffset := db.state.secondaryOffset
	if _, err := db.state.secondaryFile.Write(buf); err != nil {
		return db.closeOnUnexpected(&FileSystemError{Op: "write", Path: "secondary", Err: err})
	}

	size := uint32(len(buf))
	backfillCount := int(relSlot) - int(nextFree)
	tailCount := int(epochSize) + 1 - int(relSlot)
	primaryEntries := make([]byte, (backfillCount+tailCount)*primaryOffsetWidth)
	for i := 0; i < backfillCount; i++ {
		putUint32LE(primaryEntries[i*primaryOffsetWidth:], uint32(secOffset))
	}
	for i := backfillCount; i < backfillCount+tailCount; i++ {
		putUint32LE(primaryEntries[i*primaryOffsetWidth:], uint32(secOffset)+size)
	}

	pos := primaryVersionSize + (int(nextFree)+1)*primaryOffsetWidth
	if _, err := db.state.primaryFile.Seek(int64(pos), 0); err != nil {
		return db.closeOnUnexpected(&FileSystemError{Op: "seek", Path: "primary", Err: err})
	}
	if _, err := db.state.primaryFile.Write(primaryEntries); err != nil {
		return db.closeOnUnexpected(&FileSystemError{Op: "write", Path: "primary", Err: err})
	}

	if err := db.state.epochFile.Sync(); err != nil {
		return db.closeOnUnexpected(&FileSystemError{Op: "sync", Path: "epoch", Err: err})
	}
	if err := db.state.secondaryFile.Sync(); err != nil {
		return db.closeOnUnexpected(&FileSystemError{Op: "sync", Path: "secondary", Err: err})
	}
	if err := db.state.primaryFile.Sync(); err != nil {
		return db.closeOnUnexpected(&FileSystemError{Op: "sync", Path: "primary", Err: err})
	}

	epoch := db.state.epoch
	es, err := db.epochInfo.BlockRelative(tagToSlotForTip(db.epochInfo, epoch, tag))
	if err != nil {
		return err
	}

	db.state.epochOffset = blockOffset + uint64(len(info.Bytes))
	db.state.secondaryOffset = secOffset + uint64(size)
	if !tag.IsEBB() {
		db.state.blockWrittenInEpoch = true
	}
	db.state.tip = chain.NewTip(chain.TipInfo{
		Hash:      hash,
		Tag:       tag,
		BlockNo:   blockNo,
		EpochSlot: es,
	})

	db.tracer.Trace(db.session, Append{Tip: db.state.tip})
	return nil
}
