package record

import (
	"encoding/binary"
	"hash/crc32"
)

// On-disk record framing, little-endian:
//
//	[u32 len][u8 type][u64 seq][payload][u32 crc32(payload)]
//
// len counts everything after itself (type + seq + payload + crc).
const (
	lenSize    = 4
	typeSize   = 1
	seqSize    = 8
	crcSize    = 4
	headerSize = lenSize + typeSize + seqSize

	// minBodyLen is the smallest valid value of the len field.
	minBodyLen = typeSize + seqSize + crcSize

	// MaxPayloadSize bounds a single record; larger lengths are treated
	// as tail corruption on read.
	MaxPayloadSize = 256 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one decoded entry of a record file.
type Record struct {
	Type byte
	Seq  uint64
	Data []byte

	// Pos is the file offset of the record's length prefix.
	Pos int64
	// Size is the full on-disk footprint including the length prefix.
	Size uint32
}

// Checksum computes the payload CRC used by the framing.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Encode serializes one record into a fresh buffer.
func Encode(typ byte, seq uint64, payload []byte) []byte {
	bodyLen := minBodyLen + len(payload)
	buf := make([]byte, lenSize+bodyLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	buf[4] = typ
	binary.LittleEndian.PutUint64(buf[5:13], seq)
	copy(buf[headerSize:], payload)
	binary.LittleEndian.PutUint32(buf[headerSize+len(payload):], Checksum(payload))
	return buf
}
