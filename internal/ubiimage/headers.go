// Package ubiimage provides read-only access to the physical layout of a UBI
// (Unsorted Block Image) container: erase-count headers, volume-id headers,
// the volume table, and the logical-to-physical erase-block mapping that
// lets higher layers address a volume by (volume id, logical erase block).
package ubiimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// VtblVolID is the reserved volume id under which the volume table itself
// is stored.
const VtblVolID = 0x7fffefff

// ecHeader is the 64-byte erase-count header found at offset 0 of every
// physical erase block.
type ecHeader struct {
	Magic      [4]byte
	Version    uint8
	_          [3]byte
	EraseCount uint64
	VidHdrOfs  uint32
	DataOfs    uint32
	ImageSeq   uint32
	_          [32]byte
	HdrCRC     uint32
}

func parseECHeader(data []byte) (ecHeader, error) {
	var ec ecHeader
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &ec); err != nil {
		return ec, fmt.Errorf("reading EC header: %v", err)
	}
	if got, want := ec.Magic, [4]byte{'U', 'B', 'I', '#'}; got != want {
		return ec, fmt.Errorf("EC header: magic mismatch: got %q, want %q", got, want)
	}
	if got, want := jamcrc(data[:len(data)-4]), ec.HdrCRC; got != want {
		return ec, fmt.Errorf("EC header: crc mismatch: got %08x, want %08x", got, want)
	}
	return ec, nil
}

// vidHeader is the 64-byte volume-id header found at ecHeader.VidHdrOfs.
type vidHeader struct {
	Magic     [4]byte
	Version   uint8
	VolType   uint8
	CopyFlag  uint8
	Compat    uint8
	VolID     uint32
	Lnum      uint32
	_         [4]byte
	DataSize  uint32
	UsedEbs   uint32
	DataPad   uint32
	DataCRC   uint32
	_         [4]byte
	Sqnum     uint64
	_         [12]byte
	HdrCRC    uint32
}

func parseVIDHeader(data []byte) (vidHeader, error) {
	var vid vidHeader
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &vid); err != nil {
		return vid, fmt.Errorf("reading VID header: %v", err)
	}
	if got, want := vid.Magic, [4]byte{'U', 'B', 'I', '!'}; got != want {
		return vid, fmt.Errorf("VID header: magic mismatch: got %q, want %q", got, want)
	}
	if got, want := jamcrc(data[:len(data)-4]), vid.HdrCRC; got != want {
		return vid, fmt.Errorf("VID header: crc mismatch: got %08x, want %08x", got, want)
	}
	return vid, nil
}

// vtblRecordSize is the fixed, on-disk size of a single volume-table record.
// 128 of these sit back to back in the volume-table logical erase block.
const vtblRecordSize = 172

// VtblRecord describes one entry of the 128-entry volume table.
type VtblRecord struct {
	ReservedPebs uint32
	Alignment    uint32
	DataPad      uint32
	VolType      uint8
	UpdMarker    uint8
	NameLen      uint16
	RawName      [128]byte
	Flags        uint8
	_            [23]byte
	CRC          uint32
}

// Name returns the volume name, trimmed to its declared length.
func (r VtblRecord) Name() string {
	return string(r.RawName[:r.NameLen])
}

// Empty reports whether this volume-table slot is unused.
func (r VtblRecord) Empty() bool {
	return r.ReservedPebs == 0 && r.Alignment == 0 && r.DataPad == 0 &&
		r.VolType == 0 && r.UpdMarker == 0 && r.Flags == 0 && r.NameLen == 0
}

func parseVtblRecord(data []byte) (VtblRecord, error) {
	var rec VtblRecord
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &rec); err != nil {
		return rec, fmt.Errorf("reading volume table record: %v", err)
	}
	if got, want := jamcrc(data[:len(data)-4]), rec.CRC; got != want {
		return rec, fmt.Errorf("volume table record: crc mismatch: got %08x, want %08x", got, want)
	}
	return rec, nil
}
