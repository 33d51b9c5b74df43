package immutabledb

import (
	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/hashcodec"
)

// buildSecondary serializes blocks (in on-disk order) into one secondary
// index buffer, computing each entry's checksum from its bytes.
func buildSecondary(blocks []ParsedBlock, codec hashcodec.Codec) ([]byte, []SecondaryEntry, error) {
	entries := make([]SecondaryEntry, 0, len(blocks))
	var secondary []byte
	var blockOffset uint64

	for _, b := range blocks {
		e := SecondaryEntry{
			BlockOffset:  blockOffset,
			HeaderOffset: b.BinaryInfo.HeaderOffset,
			HeaderSize:   b.BinaryInfo.HeaderSize,
			Checksum:     checksum(b.BinaryInfo.Bytes),
			Tag:          b.Tag,
			Hash:         b.Hash,
		}
		buf, err := encodeSecondaryEntry(e, codec)
		if err != nil {
			return nil, nil, err
		}
		secondary = append(secondary, buf...)
		entries = append(entries, e)
		blockOffset += uint64(len(b.BinaryInfo.Bytes))
	}

	return secondary, entries, nil
}

// buildPrimary computes the backfilled primary-index offset table for an
// epoch of size epochSize, given entries already resolved to relative
// slots (relSlots[i] is the relative slot entries[i] occupies).
func buildPrimary(epochSize uint64, entries []SecondaryEntry, relSlots []chain.RelativeSlot, codec hashcodec.Codec) []uint32 {
	size := uint32(entrySize(codec))

	fillAmount := make([]uint32, epochSize)
	for i := range entries {
		fillAmount[relSlots[i]] = size
	}

	cur := uint32(0)
	offsets := make([]uint32, epochSize+2)
	for r := uint64(0); r < epochSize; r++ {
		cur += fillAmount[r]
		offsets[r+1] = cur
	}
	offsets[epochSize+1] = offsets[epochSize]

	return offsets
}

// relativeSlotsOf resolves each entry's tag to its relative slot within
// epoch, via epochInfo for ordinary blocks (EBBs are always relative slot
// 0).
func relativeSlotsOf(epochInfo EpochInfo, epoch chain.EpochNo, entries []SecondaryEntry) ([]chain.RelativeSlot, error) {
	out := make([]chain.RelativeSlot, len(entries))
	for i, e := range entries {
		if e.Tag.IsEBB() {
			out[i] = 0
			continue
		}
		es, err := epochInfo.BlockRelative(e.Tag.Slot)
		if err != nil {
			return nil, err
		}
		out[i] = es.Rel
	}
	return out, nil
}
