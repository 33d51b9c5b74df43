package immutabledb

import (
	"bytes"

	natomic "github.com/natefinch/atomic"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/hashcodec"
)

// validateAndOpen implements §4.1: walk epochs newest-first, truncating
// trailing corruption until a consistent prefix remains, then open the
// current epoch's handles and return the resulting state.
func (db *DB) validateAndOpen() (openState, error) {
	epochs, err := discoverEpochs(db.fsys, db.root)
	if err != nil {
		return openState{}, err
	}

	// Clean up any epoch whose three files are inconsistently present,
	// from the highest epoch number seen downward (§4.1 step 1).
	highest := chain.EpochNo(0)
	if len(epochs) > 0 {
		highest = epochs[len(epochs)-1]
	}

	var newestContent *chain.EpochNo
	var newestEntries []SecondaryEntry
	var newestOffset uint64
	var totalBlocks uint64
	trustedRest := db.policy == ValidateMostRecentEpoch

	for e := highest; ; {
		presence, err := probeEpoch(db.fsys, db.root, e)
		if err != nil {
			return openState{}, err
		}

		switch {
		case presence.none():
			// Nothing here; keep walking down.

		case !presence.all():
			if err := removeEpochFiles(db.fsys, db.root, e); err != nil {
				return openState{}, err
			}

		default:
			db.tracer.Trace(db.session, ValidatingEpoch{Epoch: e})

			trustOnly := trustedRest && newestContent != nil
			entries, epochOffset, empty, err := db.validateOneEpoch(e, trustOnly)
			if err != nil {
				return openState{}, err
			}
			if empty {
				// Epoch files exist but hold nothing after truncation;
				// treat as absent and keep walking down.
				if err := removeEpochFiles(db.fsys, db.root, e); err != nil {
					return openState{}, err
				}
				break
			}
			for _, ent := range entries {
				if !ent.Tag.IsEBB() {
					totalBlocks++
				}
			}
			if newestContent == nil {
				ec := e
				newestContent = &ec
				newestEntries = entries
				newestOffset = epochOffset
			}
		}

		if e == 0 {
			break
		}
		e--
	}

	if newestContent == nil {
		return db.bootstrapEpochZero()
	}

	epoch := *newestContent
	epochFile, primaryFile, secondaryFile, err := openEpochHandles(db.fsys, db.root, epoch, fs.AllowExisting)
	if err != nil {
		return openState{}, err
	}

	last := newestEntries[len(newestEntries)-1]
	blockWritten := false
	for _, e := range newestEntries {
		if !e.Tag.IsEBB() {
			blockWritten = true
		}
	}

	es, err := db.epochInfo.BlockRelative(tagToSlotForTip(db.epochInfo, epoch, last.Tag))
	if err != nil {
		epochFile.Close()
		primaryFile.Close()
		secondaryFile.Close()
		return openState{}, err
	}

	state := openState{
		epoch:               epoch,
		epochFile:           epochFile,
		primaryFile:         primaryFile,
		secondaryFile:       secondaryFile,
		epochOffset:         newestOffset,
		secondaryOffset:     uint64(len(newestEntries)) * uint64(entrySize(db.hashCodec)),
		blockWrittenInEpoch: blockWritten,
		tip: chain.NewTip(chain.TipInfo{
			Hash:      last.Hash,
			Tag:       last.Tag,
			BlockNo:   totalBlocks,
			EpochSlot: es,
		}),
	}
	return state, nil
}

// tagToSlotForTip returns the absolute slot a tag refers to, for computing
// the tip's EpochSlot. EBBs live at relative slot 0 of their epoch.
func tagToSlotForTip(epochInfo EpochInfo, epoch chain.EpochNo, tag chain.BlockOrEBB) chain.SlotNo {
	if tag.IsEBB() {
		first, err := epochInfo.FirstSlotOf(epoch)
		if err != nil {
			return 0
		}
		return first
	}
	return tag.Slot
}

// validateOneEpoch validates (or trusts) epoch e, returning its surviving
// entries and the epoch file's live byte length. empty is true if nothing
// survives.
func (db *DB) validateOneEpoch(e chain.EpochNo, trustOnly bool) (entries []SecondaryEntry, epochLen uint64, empty bool, err error) {
	epochSize, err := db.epochInfo.EpochSize(e)
	if err != nil {
		return nil, 0, false, err
	}

	if trustOnly {
		entries, epochLen, coherent, terr := db.tryTrustEpoch(e, epochSize)
		if terr != nil {
			return nil, 0, false, terr
		}
		if coherent {
			return entries, epochLen, len(entries) == 0, nil
		}
		// Fall through to a full re-parse; the trust check demoted this
		// epoch (§9 "ValidateMostRecentEpoch trust boundary").
	}

	return db.revalidateEpoch(e, epochSize)
}

// tryTrustEpoch performs the lightweight coherence check for an earlier
// epoch under ValidateMostRecentEpoch: primary version byte and file size
// must match, per §9's supplemented trust boundary.
func (db *DB) tryTrustEpoch(e chain.EpochNo, epochSize uint64) (entries []SecondaryEntry, epochLen uint64, coherent bool, err error) {
	primaryPath := epochPath(db.root, e, extPrimary)
	primaryBytes, err := db.fsys.ReadFile(primaryPath)
	if err != nil {
		return nil, 0, false, &FileSystemError{Op: "readfile", Path: primaryPath, Err: err}
	}
	if int64(len(primaryBytes)) != primarySize(epochSize) || len(primaryBytes) == 0 || primaryBytes[0] != primaryVersion {
		return nil, 0, false, nil
	}

	offsets, perr := decodePrimaryIndex(primaryBytes, epochSize)
	if perr != nil {
		return nil, 0, false, nil
	}

	secondaryPath := epochPath(db.root, e, extSecondary)
	secondaryBytes, err := db.fsys.ReadFile(secondaryPath)
	if err != nil {
		return nil, 0, false, &FileSystemError{Op: "readfile", Path: secondaryPath, Err: err}
	}
	total := offsets[len(offsets)-1]
	if uint64(len(secondaryBytes)) != uint64(total) {
		return nil, 0, false, nil
	}

	entries, err = decodeAllSecondaryEntries(secondaryBytes, db.hashCodec)
	if err != nil {
		return nil, 0, false, nil
	}

	stat, err := db.fsys.Stat(epochPath(db.root, e, extEpoch))
	if err != nil {
		return nil, 0, false, &FileSystemError{Op: "stat", Path: epochPath(db.root, e, extEpoch), Err: err}
	}

	return entries, uint64(stat.Size()), true, nil
}

func decodeAllSecondaryEntries(buf []byte, codec hashcodec.Codec) ([]SecondaryEntry, error) {
	sz := entrySize(codec)
	if len(buf)%sz != 0 {
		return nil, &InvalidPrimaryIndex{Reason: "secondary file length not a multiple of entry size"}
	}
	n := len(buf) / sz
	out := make([]SecondaryEntry, n)
	for i := 0; i < n; i++ {
		e, err := decodeSecondaryEntry(buf[i*sz:(i+1)*sz], codec)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// revalidateEpoch fully re-parses epoch e's raw epoch file, truncating at
// the first CRC mismatch or malformed block, and rebuilds its primary and
// secondary indices to match (§4.1 steps 2-3).
func (db *DB) revalidateEpoch(e chain.EpochNo, epochSize uint64) (entries []SecondaryEntry, epochLen uint64, empty bool, err error) {
	epochBytes, err := db.fsys.ReadFile(epochPath(db.root, e, extEpoch))
	if err != nil {
		return nil, 0, false, &FileSystemError{Op: "readfile", Path: epochPath(db.root, e, extEpoch), Err: err}
	}

	parsed, err := db.parser.Parse(epochBytes)
	if err != nil {
		return nil, 0, false, &InvalidBinary{Epoch: e, Reason: err.Error()}
	}

	// Parse already stops at the first malformed or truncated block; this
	// bounds check guards against a parser that overruns the buffer it was
	// given.
	valid := make([]ParsedBlock, 0, len(parsed))
	var offset uint64
	for _, b := range parsed {
		if offset+uint64(len(b.BinaryInfo.Bytes)) > uint64(len(epochBytes)) {
			break
		}
		valid = append(valid, b)
		offset += uint64(len(b.BinaryInfo.Bytes))
	}

	if len(valid) == 0 {
		return nil, 0, true, nil
	}

	secondary, entries, err := buildSecondary(valid, db.hashCodec)
	if err != nil {
		return nil, 0, false, err
	}
	relSlots, err := relativeSlotsOf(db.epochInfo, e, entries)
	if err != nil {
		return nil, 0, false, err
	}
	primary := encodePrimaryIndex(buildPrimary(epochSize, entries, relSlots, db.hashCodec))

	if err := natomic.WriteFile(epochPath(db.root, e, extPrimary), bytes.NewReader(primary)); err != nil {
		return nil, 0, false, &FileSystemError{Op: "atomic-write", Path: epochPath(db.root, e, extPrimary), Err: err}
	}
	if err := natomic.WriteFile(epochPath(db.root, e, extSecondary), bytes.NewReader(secondary)); err != nil {
		return nil, 0, false, &FileSystemError{Op: "atomic-write", Path: epochPath(db.root, e, extSecondary), Err: err}
	}
	if uint64(len(epochBytes)) != offset {
		if err := db.fsys.Truncate(epochPath(db.root, e, extEpoch), int64(offset)); err != nil {
			return nil, 0, false, &FileSystemError{Op: "truncate", Path: epochPath(db.root, e, extEpoch), Err: err}
		}
	}

	return entries, offset, false, nil
}

// bootstrapEpochZero creates an empty epoch-0 triple for a brand-new store.
func (db *DB) bootstrapEpochZero() (openState, error) {
	epochSize, err := db.epochInfo.EpochSize(0)
	if err != nil {
		return openState{}, err
	}

	primary := encodePrimaryIndex(make([]uint32, epochSize+2))
	if err := natomic.WriteFile(epochPath(db.root, 0, extPrimary), bytes.NewReader(primary)); err != nil {
		return openState{}, &FileSystemError{Op: "atomic-write", Path: epochPath(db.root, 0, extPrimary), Err: err}
	}
	if err := db.fsys.WriteFile(epochPath(db.root, 0, extSecondary), nil, 0o644); err != nil {
		return openState{}, &FileSystemError{Op: "writefile", Path: epochPath(db.root, 0, extSecondary), Err: err}
	}
	if err := db.fsys.WriteFile(epochPath(db.root, 0, extEpoch), nil, 0o644); err != nil {
		return openState{}, &FileSystemError{Op: "writefile", Path: epochPath(db.root, 0, extEpoch), Err: err}
	}

	epochFile, primaryFile, secondaryFile, err := openEpochHandles(db.fsys, db.root, 0, fs.AllowExisting)
	if err != nil {
		return openState{}, err
	}

	return openState{
		epoch:         0,
		epochFile:     epochFile,
		primaryFile:   primaryFile,
		secondaryFile: secondaryFile,
		tip:           chain.Origin,
	}, nil
}
