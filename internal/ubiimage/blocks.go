package ubiimage

import (
	"fmt"
	"io"
)

// Blocks provides block-level access to a UBI image: the logical-to-physical
// erase-block mapping for every volume and, if present, the volume table.
type Blocks struct {
	r       io.ReaderAt
	lebSize int64
	maxLebs int64

	// vmap[volID][lnum] = physical erase block index.
	vmap map[uint32]map[uint32]int64

	ec  ecHeader
	vid vidHeader

	vtbl   []VtblRecord
	byName map[string]int
}

// Open scans the UBI image readable through r (with total size filesize)
// and returns a Blocks handle positioned over its logical-erase-block
// mapping and volume table.
func Open(r io.ReaderAt, filesize int64) (*Blocks, error) {
	lebSize, err := findLebSize(r)
	if err != nil {
		return nil, err
	}
	b := &Blocks{
		r:       r,
		lebSize: lebSize,
		maxLebs: filesize / lebSize,
	}
	b.scan()

	lmap, ok := b.vmap[VtblVolID]
	if !ok || len(lmap) == 0 {
		return b, nil // no volume directory: physical map only
	}
	peb, err := b.bestVtblPeb(lmap)
	if err != nil {
		return nil, fmt.Errorf("selecting volume table copy: %v", err)
	}
	if err := b.loadVolumeTable(peb); err != nil {
		return nil, fmt.Errorf("loading volume table: %v", err)
	}
	return b, nil
}

// bestVtblPeb picks the physical erase block most likely to hold the
// up-to-date volume table, among every logical-lnum copy mapped under
// VtblVolID (a UBI image typically carries two redundant copies, at lnum 0
// and lnum 1). The upstream tool this was ported from hardcodes lnum 0; on a
// worn image that can select a stale copy if lnum 1 was the one most
// recently rewritten. We instead read each candidate's VID header and keep
// the one with the highest sequence number, which is the correctness fix
// the source's own comments call for.
func (b *Blocks) bestVtblPeb(lmap map[uint32]int64) (int64, error) {
	var (
		best    int64 = -1
		bestSeq uint64
	)
	for _, peb := range lmap {
		hdr, err := b.readBlock(peb, 0, 64)
		if err != nil {
			continue
		}
		ec, err := parseECHeader(hdr)
		if err != nil {
			continue
		}
		viddata, err := b.readBlock(peb, int64(ec.VidHdrOfs), 64)
		if err != nil {
			continue
		}
		vid, err := parseVIDHeader(viddata)
		if err != nil {
			continue
		}
		if best == -1 || vid.Sqnum > bestSeq {
			best = peb
			bestSeq = vid.Sqnum
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("no readable volume table copy")
	}
	return best, nil
}

func (b *Blocks) readBlock(lnum int64, offs int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := b.r.ReadAt(buf, lnum*b.lebSize+offs)
	if err != nil && !(err == io.EOF && n == size) {
		return nil, err
	}
	return buf, nil
}

func findLebSize(r io.ReaderAt) (int64, error) {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, 0); err != nil {
		return 0, fmt.Errorf("reading magic: %v", err)
	}
	if string(magic) != "UBI#" {
		return 0, fmt.Errorf("not a UBI image: bad magic %q", magic)
	}
	for log := uint(10); log <= 19; log++ {
		size := int64(1) << log
		if _, err := r.ReadAt(magic, size); err != nil {
			continue
		}
		if string(magic) == "UBI#" {
			return size, nil
		}
	}
	return 0, fmt.Errorf("could not determine UBI image LEB size")
}

// scan walks every physical erase block, recovering the volID/lnum -> PEB
// mapping. Erase blocks whose EC or VID header fails to parse or verify are
// silently skipped: on a real, worn image, some physical blocks legitimately
// carry only an EC header (erased, unused blocks).
func (b *Blocks) scan() {
	b.vmap = make(map[uint32]map[uint32]int64)
	seq := make(map[uint32]map[uint32]uint64) // volID -> lnum -> best sqnum seen

	for peb := int64(0); peb < b.maxLebs; peb++ {
		hdr, err := b.readBlock(peb, 0, 64)
		if err != nil {
			continue
		}
		ec, err := parseECHeader(hdr)
		if err != nil {
			continue
		}
		viddata, err := b.readBlock(peb, int64(ec.VidHdrOfs), 64)
		if err != nil {
			continue
		}
		vid, err := parseVIDHeader(viddata)
		if err != nil {
			continue
		}

		if b.vmap[vid.VolID] == nil {
			b.vmap[vid.VolID] = make(map[uint32]int64)
			seq[vid.VolID] = make(map[uint32]uint64)
		}
		if prev, ok := seq[vid.VolID][vid.Lnum]; !ok || vid.Sqnum >= prev {
			b.vmap[vid.VolID][vid.Lnum] = peb
			seq[vid.VolID][vid.Lnum] = vid.Sqnum
		}
	}
}

// loadVolumeTable reads the 128 volume-table records from the physical LEB
// peb, which must be the (or a) volume-table LEB.
func (b *Blocks) loadVolumeTable(peb int64) error {
	hdr, err := b.readBlock(peb, 0, 64)
	if err != nil {
		return err
	}
	ec, err := parseECHeader(hdr)
	if err != nil {
		return err
	}
	b.ec = ec

	viddata, err := b.readBlock(peb, int64(ec.VidHdrOfs), 64)
	if err != nil {
		return err
	}
	vid, err := parseVIDHeader(viddata)
	if err != nil {
		return err
	}
	b.vid = vid

	b.vtbl = make([]VtblRecord, 0, 128)
	b.byName = make(map[string]int)
	for i := 0; i < 128; i++ {
		data, err := b.readBlock(peb, int64(ec.DataOfs)+int64(i)*vtblRecordSize, vtblRecordSize)
		if err != nil {
			return fmt.Errorf("reading volume table record %d: %v", i, err)
		}
		rec, err := parseVtblRecord(data)
		if err != nil {
			return fmt.Errorf("parsing volume table record %d: %v", i, err)
		}
		b.vtbl = append(b.vtbl, rec)
		if !rec.Empty() {
			b.byName[rec.Name()] = i
		}
	}
	return nil
}

// NumVolumes returns the number of named (non-empty) volume-table entries.
func (b *Blocks) NumVolumes() int { return len(b.byName) }

// NamedVolume pairs a volume-table record with the volume id (its position
// in the volume table) Volume/ReadVolume expect.
type NamedVolume struct {
	ID     int
	Record VtblRecord
}

// Volumes returns every non-empty volume-table entry, in ascending id
// order.
func (b *Blocks) Volumes() []NamedVolume {
	out := make([]NamedVolume, 0, len(b.vtbl))
	for i, rec := range b.vtbl {
		if rec.Empty() {
			continue
		}
		out = append(out, NamedVolume{ID: i, Record: rec})
	}
	return out
}

// VtblRecordAt returns the volume-table record for volume id volID.
func (b *Blocks) VtblRecordAt(volID int) VtblRecord {
	return b.vtbl[volID]
}

// NumPhysicalVolumes returns the number of distinct volume ids observed
// during the scan, including the reserved volume-table volume if present.
func (b *Blocks) NumPhysicalVolumes() int { return len(b.vmap) }

// LebSize returns the logical erase block size discovered for this image.
func (b *Blocks) LebSize() int64 { return b.lebSize }

// Volume returns a handle bound to volID, ready for volume-relative reads.
func (b *Blocks) Volume(volID uint32) *Volume {
	dataOfs := int64(0)
	if len(b.vtbl) > 0 {
		dataOfs = int64(b.ec.DataOfs)
	}
	return &Volume{blocks: b, volID: volID, dataOfs: dataOfs}
}

// ReadVolume reads size bytes at volume-relative logical-erase-block lnum,
// offset offs, for the volume identified by volID.
func (b *Blocks) ReadVolume(volID uint32, lnum uint32, offs int64, size int) ([]byte, error) {
	lmap, ok := b.vmap[volID]
	if !ok {
		return nil, fmt.Errorf("volume %#x not present in image", volID)
	}
	peb, ok := lmap[lnum]
	if !ok {
		return nil, fmt.Errorf("volume %#x: logical erase block %d has no physical backing", volID, lnum)
	}
	return b.readBlock(peb, offs, size)
}

// Volume is a cheap handle bound to one volume; it is the only I/O surface
// the UBIFS layer above uses.
type Volume struct {
	blocks  *Blocks
	volID   uint32
	dataOfs int64
}

// Read reads size bytes from logical erase block lnum at volume-relative
// offset offs.
func (v *Volume) Read(lnum uint32, offs int64, size int) ([]byte, error) {
	return v.blocks.ReadVolume(v.volID, lnum, v.dataOfs+offs, size)
}
