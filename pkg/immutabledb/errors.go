package immutabledb

import (
	"fmt"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
)

// User errors (§7): contract violations the caller can recover from by
// changing what it asks for. Every user error emits a trace event before
// surfacing (see db.go).

// AppendToSlotInThePastError is returned by AppendBlock when slot does not
// strictly exceed the current tip.
type AppendToSlotInThePastError struct {
	Slot chain.SlotNo
	Tip  chain.Tip
}

func (e *AppendToSlotInThePastError) Error() string {
	return fmt.Sprintf("immutabledb: append to slot %d in the past of tip %s", e.Slot, e.Tip)
}

// AppendToEBBInThePastError is returned by AppendEBB when epoch does not
// satisfy epoch > currentEpoch, or epoch == currentEpoch with a block
// already written in it.
type AppendToEBBInThePastError struct {
	Epoch        chain.EpochNo
	CurrentEpoch chain.EpochNo
}

func (e *AppendToEBBInThePastError) Error() string {
	return fmt.Sprintf("immutabledb: append EBB to epoch %d in the past of current epoch %d", e.Epoch, e.CurrentEpoch)
}

// ReadFutureSlotError is returned by a slot-keyed read when slot exceeds the
// current tip's slot.
type ReadFutureSlotError struct {
	Slot chain.SlotNo
	Tip  chain.Tip
}

func (e *ReadFutureSlotError) Error() string {
	return fmt.Sprintf("immutabledb: read future slot %d, tip is %s", e.Slot, e.Tip)
}

// ReadFutureEBBError is returned by an EBB-keyed read when epoch exceeds the
// current epoch.
type ReadFutureEBBError struct {
	Epoch        chain.EpochNo
	CurrentEpoch chain.EpochNo
}

func (e *ReadFutureEBBError) Error() string {
	return fmt.Sprintf("immutabledb: read future EBB epoch %d, current epoch is %d", e.Epoch, e.CurrentEpoch)
}

// InvalidIteratorRangeError is returned by Stream when from or to does not
// name an existing entry.
type InvalidIteratorRangeError struct {
	From, To chain.SlotNo
	Missing  string // "from" or "to"
}

func (e *InvalidIteratorRangeError) Error() string {
	return fmt.Sprintf("immutabledb: invalid iterator range [%d, %d]: %s does not exist", e.From, e.To, e.Missing)
}

// ErrOpenDB is returned by Open when the database at the given root is
// already open, that is, when its LOCK file is already held by an open
// handle in this or another process.
var ErrOpenDB = fmt.Errorf("immutabledb: database already open")

// ErrClosedDB is returned by any operation attempted on a closed database.
var ErrClosedDB = fmt.Errorf("immutabledb: operation on closed database")

// errShortWrite is returned internally when a write to an epoch file
// persists fewer bytes than requested without an accompanying error.
var errShortWrite = fmt.Errorf("immutabledb: short write")

// Unexpected errors (§7): on-disk corruption or I/O failure. Any unexpected
// error raised during a write automatically closes the database; the
// caller must Reopen with a validation policy to continue.

// FileSystemError wraps an I/O failure from the underlying [pkg/fs.FS].
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("immutabledb: filesystem error during %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }

// ChecksumMismatch reports that a block's computed CRC32 did not match its
// secondary-index entry.
type ChecksumMismatch struct {
	Epoch    chain.EpochNo
	Slot     chain.BlockOrEBB
	Expected uint32
	Got      uint32
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("immutabledb: checksum mismatch epoch=%d %s: expected %08x, got %08x", e.Epoch, e.Slot, e.Expected, e.Got)
}

// InvalidPrimaryIndex reports that a primary index file failed structural
// validation (bad version byte, wrong size, non-monotonic offsets).
type InvalidPrimaryIndex struct {
	Epoch  chain.EpochNo
	Reason string
}

func (e *InvalidPrimaryIndex) Error() string {
	return fmt.Sprintf("immutabledb: invalid primary index for epoch %d: %s", e.Epoch, e.Reason)
}

// MissingEpochFile reports that one of an epoch's three files was absent
// while the others were present.
type MissingEpochFile struct {
	Epoch chain.EpochNo
	Which string // "epoch", "primary", or "secondary"
}

func (e *MissingEpochFile) Error() string {
	return fmt.Sprintf("immutabledb: missing %s file for epoch %d", e.Which, e.Epoch)
}

// InvalidBinary reports that block or header bytes could not be read back
// in the shape their secondary entry describes.
type InvalidBinary struct {
	Epoch  chain.EpochNo
	Reason string
}

func (e *InvalidBinary) Error() string {
	return fmt.Sprintf("immutabledb: invalid binary data in epoch %d: %s", e.Epoch, e.Reason)
}
