package protocol

import "encoding/binary"

// FSStatSize is the wire size of an FSStat record.
const FSStatSize = 25 * 4

// Constants reported for every replaced file.
const (
	StatPermission uint32 = 0x400
	StatGroup      uint32 = 0x101E
)

// FSStatFlag describes which optional FSStat fields are present.
type FSStatFlag uint32

const (
	StatFlagNone         FSStatFlag = 0
	StatFlagUnk14Present FSStatFlag = 0x01000000
	StatFlagMTimePresent FSStatFlag = 0x04000000
	StatFlagCTimePresent FSStatFlag = 0x08000000
	StatFlagEntIDPresent FSStatFlag = 0x10000000
	StatFlagDirectory    FSStatFlag = 0x80000000
)

// FSStat is the file status record returned for StatFile.
type FSStat struct {
	Flags      FSStatFlag
	Permission uint32
	Owner      uint32
	Group      uint32
	FileSize   uint32
	Unk14      uint32
	Unk18      uint32
	Unk1C      uint32
	EntID      uint32
	CTimeU     uint32
	CTimeL     uint32
	MTimeU     uint32
	MTimeL     uint32
	Reserved   [12]uint32
}

// MarshalBinary encodes s as FSStatSize big-endian bytes.
func (s FSStat) MarshalBinary() ([]byte, error) {
	words := []uint32{
		uint32(s.Flags), s.Permission, s.Owner, s.Group, s.FileSize,
		s.Unk14, s.Unk18, s.Unk1C, s.EntID,
		s.CTimeU, s.CTimeL, s.MTimeU, s.MTimeL,
	}
	words = append(words, s.Reserved[:]...)
	buf := make([]byte, 0, FSStatSize)
	for _, w := range words {
		buf = binary.BigEndian.AppendUint32(buf, w)
	}
	return buf, nil
}
