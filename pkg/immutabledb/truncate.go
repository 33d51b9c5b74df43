package immutabledb

import (
	"bytes"

	natomic "github.com/natefinch/atomic"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
)

// DeleteAfter discards every entry strictly after newTip and reopens the
// store positioned at newTip (§4.4). It is privileged recovery: callers
// must ensure no iterators are outstanding, since this invalidates file
// offsets an Iterator may be mid-read on.
func (db *DB) DeleteAfter(newTip chain.Tip) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosedDB
	}
	if db.openIterators > 0 {
		return ErrIteratorsOpen
	}

	curEs, curIsBlock := chain.EpochSlotOfTip(db.state.tip)
	newEs, newIsBlock := chain.EpochSlotOfTip(newTip)

	if curIsBlock && newIsBlock {
		if newEs.Epoch > curEs.Epoch || (newEs.Epoch == curEs.Epoch && newEs.Rel >= curEs.Rel) {
			return nil
		}
	} else if !curIsBlock {
		return nil // already at origin
	}

	if err := db.closeHandlesLocked(); err != nil {
		return err
	}

	if !newIsBlock {
		if err := db.truncateToOrigin(); err != nil {
			return err
		}
	} else {
		if err := db.truncateToEpochSlot(newEs); err != nil {
			return err
		}
	}

	db.cache.restart()
	db.hashCache = newHashLookupCache()

	state, err := db.validateAndOpen()
	if err != nil {
		return err
	}
	db.state = state
	db.cache.setCurrent(state.epoch)
	db.tracer.Trace(db.session, DeletingAfter{NewTip: newTip})
	return nil
}

func (db *DB) closeHandlesLocked() error {
	epoch := db.state.epoch
	handles := []struct {
		f    fs.File
		path string
	}{
		{db.state.epochFile, epochPath(db.root, epoch, extEpoch)},
		{db.state.primaryFile, epochPath(db.root, epoch, extPrimary)},
		{db.state.secondaryFile, epochPath(db.root, epoch, extSecondary)},
	}
	for _, h := range handles {
		if h.f == nil {
			continue
		}
		if err := h.f.Close(); err != nil {
			return &FileSystemError{Op: "close", Path: h.path, Err: err}
		}
	}
	db.state = openState{}
	return nil
}

// truncateToOrigin removes every epoch file, from the highest present
// downward (§4.4 step 3).
func (db *DB) truncateToOrigin() error {
	epochs, err := discoverEpochs(db.fsys, db.root)
	if err != nil {
		return err
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		if err := removeEpochFiles(db.fsys, db.root, epochs[i]); err != nil {
			return err
		}
	}
	return nil
}

// truncateToEpochSlot removes every epoch above newEs.Epoch, then truncates
// newEs.Epoch's primary, secondary, and epoch files to the boundary of the
// surviving entry at newEs.Rel (§4.4 step 4).
func (db *DB) truncateToEpochSlot(newEs chain.EpochSlot) error {
	epochs, err := discoverEpochs(db.fsys, db.root)
	if err != nil {
		return err
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		if epochs[i] > newEs.Epoch {
			if err := removeEpochFiles(db.fsys, db.root, epochs[i]); err != nil {
				return err
			}
		}
	}

	epochSize, err := db.epochInfo.EpochSize(newEs.Epoch)
	if err != nil {
		return err
	}

	primaryPath := epochPath(db.root, newEs.Epoch, extPrimary)
	primaryBytes, err := db.fsys.ReadFile(primaryPath)
	if err != nil {
		return &FileSystemError{Op: "readfile", Path: primaryPath, Err: err}
	}
	offsets, err := decodePrimaryIndex(primaryBytes, epochSize)
	if err != nil {
		return &InvalidPrimaryIndex{Epoch: newEs.Epoch, Reason: err.Error()}
	}
	if int(newEs.Rel)+1 >= len(offsets) {
		return &InvalidPrimaryIndex{Epoch: newEs.Epoch, Reason: "truncation target relative slot out of range"}
	}
	lastSecondaryOffset := offsets[newEs.Rel+1]

	secondaryPath := epochPath(db.root, newEs.Epoch, extSecondary)
	secondaryBytes, err := db.fsys.ReadFile(secondaryPath)
	if err != nil {
		return &FileSystemError{Op: "readfile", Path: secondaryPath, Err: err}
	}
	// The entry's end boundary is the next entry's (pre-truncation)
	// blockOffset, if one was ever written; otherwise the surviving entry
	// was already last and the epoch file needs no truncation.
	sz := uint64(entrySize(db.hashCodec))
	var blockEnd uint64
	epochFilePath := epochPath(db.root, newEs.Epoch, extEpoch)
	if uint64(lastSecondaryOffset)+sz <= uint64(len(secondaryBytes)) {
		next, err := decodeSecondaryEntry(secondaryBytes[lastSecondaryOffset:uint64(lastSecondaryOffset)+sz], db.hashCodec)
		if err != nil {
			return err
		}
		blockEnd = next.BlockOffset
	} else {
		stat, err := db.fsys.Stat(epochFilePath)
		if err != nil {
			return &FileSystemError{Op: "stat", Path: epochFilePath, Err: err}
		}
		blockEnd = uint64(stat.Size())
	}

	// Truncated primary: brackets up to and including newEs.Rel+1 are kept
	// as-is; every later relative slot collapses to lastSecondaryOffset,
	// matching the live-epoch empty-tail convention used by append.go.
	truncated := make([]uint32, len(offsets))
	for i := range truncated {
		if uint64(i) <= uint64(newEs.Rel)+1 {
			truncated[i] = offsets[i]
		} else {
			truncated[i] = lastSecondaryOffset
		}
	}
	if err := natomic.WriteFile(primaryPath, bytes.NewReader(encodePrimaryIndex(truncated))); err != nil {
		return &FileSystemError{Op: "atomic-write", Path: primaryPath, Err: err}
	}

	if err := natomic.WriteFile(secondaryPath, bytes.NewReader(secondaryBytes[:lastSecondaryOffset])); err != nil {
		return &FileSystemError{Op: "atomic-write", Path: secondaryPath, Err: err}
	}

	stat, err := db.fsys.Stat(epochFilePath)
	if err != nil {
		return &FileSystemError{Op: "stat", Path: epochFilePath, Err: err}
	}
	if uint64(stat.Size()) != blockEnd {
		if err := db.fsys.Truncate(epochFilePath, int64(blockEnd)); err != nil {
			return &FileSystemError{Op: "truncate", Path: epochFilePath, Err: err}
		}
	}
	return nil
}
