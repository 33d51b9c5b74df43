package immutabledb

import (
	"github.com/eyeinsky/ouroboros-network/pkg/chain"
)

// BinaryInfo describes the bytes of one stored block and where its header
// sits within them. The store treats the block itself as an opaque byte
// string (§1 "Out of scope").
type BinaryInfo struct {
	Bytes        []byte
	HeaderOffset uint16
	HeaderSize   uint16
}

// SecondaryEntry is one record of an epoch's secondary index (§3, §6).
type SecondaryEntry struct {
	BlockOffset  uint64
	HeaderOffset uint16
	HeaderSize   uint16
	Checksum     uint32
	Tag          chain.BlockOrEBB
	Hash         []byte
}

// ValidationPolicy selects how thoroughly Open re-validates on-disk epochs.
type ValidationPolicy int

const (
	// ValidateAllEpochs re-parses every epoch file and compares the
	// recomputed index against what is on disk.
	ValidateAllEpochs ValidationPolicy = iota

	// ValidateMostRecentEpoch parses only the newest epoch with content;
	// earlier epochs are trusted if structurally coherent (§4.1 step 2).
	ValidateMostRecentEpoch
)

// EpochInfo is the narrow collaborator the store needs from the hard-fork
// history engine: deterministic, memoised epoch geometry. §6.
type EpochInfo interface {
	// EpochSize returns the number of slots per epoch in epoch.
	EpochSize(epoch chain.EpochNo) (uint64, error)

	// FirstSlotOf returns the first absolute slot of epoch.
	FirstSlotOf(epoch chain.EpochNo) (chain.SlotNo, error)

	// BlockRelative resolves slot to its (epoch, relative-slot) position.
	BlockRelative(slot chain.SlotNo) (chain.EpochSlot, error)
}

// EpochFileParser reconstructs secondary-index entries and per-block sizes
// from a raw epoch file, used by validation to rebuild an index from
// scratch (§4.1 step 2).
type EpochFileParser interface {
	// Parse walks epoch file bytes and returns one entry per block found,
	// plus each block's byte length, in on-disk order. It stops at the
	// first malformed or truncated block rather than erroring, since
	// trailing corruption is expected and handled by validation.
	Parse(epochBytes []byte) ([]ParsedBlock, error)
}

// ParsedBlock is one block as reconstructed by an EpochFileParser.
type ParsedBlock struct {
	BinaryInfo BinaryInfo
	Tag        chain.BlockOrEBB
	Hash       []byte
}

// BlockComponentKind discriminates a [BlockComponent] node.
type BlockComponentKind int

const (
	CompHash BlockComponentKind = iota
	CompSlot
	CompIsEBB
	CompBlockSize
	CompHeaderSize
	CompRawBlock
	CompRawHeader
	CompPure
	CompApply
)

// BlockComponent is the applicative projection language over a resolved
// entry (§4.3, §9). Build one with the package-level constructors (Hash,
// Slot, RawBlock, ...) and combine with Apply; evaluation reads at most one
// epoch-file range, only if RawBlock or RawHeader appears in the tree.
type BlockComponent struct {
	kind  BlockComponentKind
	value any            // for Pure
	fn    func(any) any  // for Apply
	inner *BlockComponent // for Apply
}

func Hash() *BlockComponent       { return &BlockComponent{kind: CompHash} }
func Slot() *BlockComponent       { return &BlockComponent{kind: CompSlot} }
func IsEBB() *BlockComponent      { return &BlockComponent{kind: CompIsEBB} }
func BlockSize() *BlockComponent  { return &BlockComponent{kind: CompBlockSize} }
func HeaderSize() *BlockComponent { return &BlockComponent{kind: CompHeaderSize} }
func RawBlock() *BlockComponent   { return &BlockComponent{kind: CompRawBlock} }
func RawHeader() *BlockComponent  { return &BlockComponent{kind: CompRawHeader} }

// Pure lifts a constant value into the projection language, ignoring the
// resolved entry entirely.
func Pure(v any) *BlockComponent {
	return &BlockComponent{kind: CompPure, value: v}
}

// Apply maps fn over the result of inner once it is evaluated.
func Apply(fn func(any) any, inner *BlockComponent) *BlockComponent {
	return &BlockComponent{kind: CompApply, fn: fn, inner: inner}
}

// needsRawBytes reports whether evaluating c requires reading the block's
// bytes from the epoch file.
func (c *BlockComponent) needsRawBytes() bool {
	switch c.kind {
	case CompRawBlock, CompRawHeader:
		return true
	case CompApply:
		return c.inner.needsRawBytes()
	default:
		return false
	}
}
