// Package demoformat is a stand-in block codec for pkg/immutabledb.
//
// The store itself treats blocks as opaque byte strings; reconstructing a
// secondary index from a raw epoch file during validation requires some
// self-describing framing, and a real node plugs in whatever its consensus
// layer already uses for that (a length-prefixed CBOR block, for instance).
// This package is that plug for cmd/immutabledb and the test suite: each
// frame embeds just enough of its own secondary-index fields (tag,
// slot/epoch, header bounds, hash) to be recovered without any index at
// all, the same way slotcache records self-describe their key and CRC.
package demoformat

import (
	"encoding/binary"
	"fmt"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb"
)

// Frame layout, little-endian throughout:
//
//	frameLen      4 bytes  u32 (bytes following this field)
//	tag           1 byte   0 = Block, 1 = EBB
//	slotOrEpoch   8 bytes  u64
//	headerOffset  2 bytes  u16 (into payload)
//	headerSize    2 bytes  u16
//	hashLen       2 bytes  u16
//	hash          hashLen bytes
//	payload       remainder
const (
	offFrameLen     = 0
	offTag          = 4
	offSlotOrEpoch  = 5
	offHeaderOffset = 13
	offHeaderSize   = 15
	offHashLen      = 17
	offHash         = 19

	headerFixedSize = 19 // frameLen .. hashLen inclusive
)

// Encode builds a self-describing frame and the immutabledb.BinaryInfo
// describing it: the whole frame (not just payload) is what gets
// checksummed and stored, with payloadHeaderOffset/payloadHeaderSize
// identifying the header within payload.
func Encode(tag chain.BlockOrEBB, payloadHeaderOffset, payloadHeaderSize uint16, hash, payload []byte) immutabledb.BinaryInfo {
	bodyLen := headerFixedSize - 4 + len(hash) + len(payload)
	buf := make([]byte, 4+bodyLen)

	binary.LittleEndian.PutUint32(buf[offFrameLen:], uint32(bodyLen))
	if tag.IsEBB() {
		buf[offTag] = 1
		binary.LittleEndian.PutUint64(buf[offSlotOrEpoch:], uint64(tag.Epoch))
	} else {
		buf[offTag] = 0
		binary.LittleEndian.PutUint64(buf[offSlotOrEpoch:], uint64(tag.Slot))
	}
	binary.LittleEndian.PutUint16(buf[offHeaderOffset:], payloadHeaderOffset)
	binary.LittleEndian.PutUint16(buf[offHeaderSize:], payloadHeaderSize)
	binary.LittleEndian.PutUint16(buf[offHashLen:], uint16(len(hash)))
	copy(buf[offHash:], hash)
	copy(buf[offHash+len(hash):], payload)

	return immutabledb.BinaryInfo{
		Bytes:        buf,
		HeaderOffset: headerFixedSize + uint16(len(hash)) + payloadHeaderOffset,
		HeaderSize:   payloadHeaderSize,
	}
}

// Parser implements immutabledb.EpochFileParser over the frame layout
// above, stopping at the first truncated or malformed frame.
type Parser struct{}

func (Parser) Parse(epochBytes []byte) ([]immutabledb.ParsedBlock, error) {
	var out []immutabledb.ParsedBlock
	var offset int

	for offset < len(epochBytes) {
		if offset+4 > len(epochBytes) {
			break
		}
		bodyLen := binary.LittleEndian.Uint32(epochBytes[offset+offFrameLen:])
		frameLen := 4 + int(bodyLen)
		if frameLen < headerFixedSize || offset+frameLen > len(epochBytes) {
			break
		}
		frame := epochBytes[offset : offset+frameLen]

		hashLen := int(binary.LittleEndian.Uint16(frame[offHashLen:]))
		if offHash+hashLen > len(frame) {
			break
		}

		var tag chain.BlockOrEBB
		slotOrEpoch := binary.LittleEndian.Uint64(frame[offSlotOrEpoch:])
		switch frame[offTag] {
		case 0:
			tag = chain.Block(chain.SlotNo(slotOrEpoch))
		case 1:
			tag = chain.EBB(chain.EpochNo(slotOrEpoch))
		default:
			return out, fmt.Errorf("demoformat: invalid tag byte %d at offset %d", frame[offTag], offset)
		}

		hash := make([]byte, hashLen)
		copy(hash, frame[offHash:offHash+hashLen])

		payloadHeaderOffset := binary.LittleEndian.Uint16(frame[offHeaderOffset:])
		payloadHeaderSize := binary.LittleEndian.Uint16(frame[offHeaderSize:])

		out = append(out, immutabledb.ParsedBlock{
			BinaryInfo: immutabledb.BinaryInfo{
				Bytes:        frame,
				HeaderOffset: headerFixedSize + uint16(hashLen) + payloadHeaderOffset,
				HeaderSize:   payloadHeaderSize,
			},
			Tag:  tag,
			Hash: hash,
		})
		offset += frameLen
	}

	return out, nil
}
