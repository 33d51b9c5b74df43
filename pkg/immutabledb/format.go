package immutabledb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/hashcodec"
)

// Secondary entry layout (§6). The spec allows little-endian if fixed and
// documented; this module uses little-endian throughout, matching the
// primary index's explicit little-endian offsets.
//
//	blockOffset   8 bytes  u64
//	headerOffset  2 bytes  u16
//	headerSize    2 bytes  u16
//	checksum      4 bytes  u32 (CRC32 of the full block bytes)
//	tag           1 byte   0 = Block, 1 = EBB
//	slotOrEpoch   8 bytes  u64
//	hash          hashSize bytes
const (
	secOffBlockOffset  = 0
	secOffHeaderOffset = 8
	secOffHeaderSize   = 10
	secOffChecksum     = 12
	secOffTag          = 16
	secOffSlotOrEpoch  = 17
	secOffHash         = 25

	secFixedSize = 25 // everything before the hash
)

const (
	tagBlock byte = 0
	tagEBB   byte = 1
)

// entrySize returns the on-disk size of one secondary entry for a codec
// producing hashSize-byte hashes.
func entrySize(codec hashcodec.Codec) int {
	return secFixedSize + codec.Size()
}

// encodeSecondaryEntry serializes e into a freshly allocated buffer.
func encodeSecondaryEntry(e SecondaryEntry, codec hashcodec.Codec) ([]byte, error) {
	buf := make([]byte, entrySize(codec))

	binary.LittleEndian.PutUint64(buf[secOffBlockOffset:], e.BlockOffset)
	binary.LittleEndian.PutUint16(buf[secOffHeaderOffset:], e.HeaderOffset)
	binary.LittleEndian.PutUint16(buf[secOffHeaderSize:], e.HeaderSize)
	binary.LittleEndian.PutUint32(buf[secOffChecksum:], e.Checksum)

	if e.Tag.IsEBB() {
		buf[secOffTag] = tagEBB
		binary.LittleEndian.PutUint64(buf[secOffSlotOrEpoch:], uint64(e.Tag.Epoch))
	} else {
		buf[secOffTag] = tagBlock
		binary.LittleEndian.PutUint64(buf[secOffSlotOrEpoch:], uint64(e.Tag.Slot))
	}

	if err := codec.Encode(buf[secOffHash:], e.Hash); err != nil {
		return nil, fmt.Errorf("immutabledb: encode secondary entry: %w", err)
	}

	return buf, nil
}

// decodeSecondaryEntry parses one entry from buf, which must be exactly
// entrySize(codec) bytes.
func decodeSecondaryEntry(buf []byte, codec hashcodec.Codec) (SecondaryEntry, error) {
	if len(buf) != entrySize(codec) {
		return SecondaryEntry{}, fmt.Errorf("immutabledb: secondary entry has %d bytes, want %d", len(buf), entrySize(codec))
	}

	var e SecondaryEntry
	e.BlockOffset = binary.LittleEndian.Uint64(buf[secOffBlockOffset:])
	e.HeaderOffset = binary.LittleEndian.Uint16(buf[secOffHeaderOffset:])
	e.HeaderSize = binary.LittleEndian.Uint16(buf[secOffHeaderSize:])
	e.Checksum = binary.LittleEndian.Uint32(buf[secOffChecksum:])

	slotOrEpoch := binary.LittleEndian.Uint64(buf[secOffSlotOrEpoch:])
	switch buf[secOffTag] {
	case tagBlock:
		e.Tag = chain.Block(chain.SlotNo(slotOrEpoch))
	case tagEBB:
		e.Tag = chain.EBB(chain.EpochNo(slotOrEpoch))
	default:
		return SecondaryEntry{}, fmt.Errorf("immutabledb: secondary entry has invalid tag byte %d", buf[secOffTag])
	}

	hash, err := codec.Decode(buf[secOffHash:])
	if err != nil {
		return SecondaryEntry{}, fmt.Errorf("immutabledb: decode secondary entry hash: %w", err)
	}
	e.Hash = hash

	return e, nil
}

// checksum computes the CRC32 of block, the secondary entry's Checksum
// field.
func checksum(block []byte) uint32 {
	return crc32.ChecksumIEEE(block)
}

// Primary index layout (§3, §6): one leading version byte, then
// (epochSize+2) little-endian u32 offsets into the secondary index.
const (
	primaryVersion        byte = 1
	primaryVersionSize         = 1
	primaryOffsetWidth         = 4
)

// primarySize returns the on-disk size of a primary index file for an era
// with the given epoch size.
func primarySize(epochSize uint64) int64 {
	return int64(primaryVersionSize) + int64(epochSize+2)*primaryOffsetWidth
}

// encodePrimaryIndex serializes offsets (length epochSize+2) into a primary
// index file buffer.
func encodePrimaryIndex(offsets []uint32) []byte {
	buf := make([]byte, primaryVersionSize+len(offsets)*primaryOffsetWidth)
	buf[0] = primaryVersion
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(buf[primaryVersionSize+i*primaryOffsetWidth:], off)
	}
	return buf
}

// decodePrimaryIndex parses a primary index file's raw bytes into its
// offset table, validating the version byte and file size against
// epochSize.
func decodePrimaryIndex(buf []byte, epochSize uint64) ([]uint32, error) {
	wantLen := int(primarySize(epochSize))
	if len(buf) != wantLen {
		return nil, &InvalidPrimaryIndex{Reason: fmt.Sprintf("file has %d bytes, want %d", len(buf), wantLen)}
	}
	if buf[0] != primaryVersion {
		return nil, &InvalidPrimaryIndex{Reason: fmt.Sprintf("version byte is %d, want %d", buf[0], primaryVersion)}
	}

	n := int(epochSize) + 2
	offsets := make([]uint32, n)
	for i := 0; i < n; i++ {
		offsets[i] = binary.LittleEndian.Uint32(buf[primaryVersionSize+i*primaryOffsetWidth:])
	}

	for i := 0; i+1 < n; i++ {
		if offsets[i] > offsets[i+1] {
			return nil, &InvalidPrimaryIndex{Reason: fmt.Sprintf("offsets not monotonic at index %d: %d > %d", i, offsets[i], offsets[i+1])}
		}
	}

	return offsets, nil
}

// epochFileName renders epoch as the 8-digit zero-padded basename shared by
// all three of its files (§6).
func epochFileName(epoch chain.EpochNo) string {
	return fmt.Sprintf("%08d", epoch)
}
