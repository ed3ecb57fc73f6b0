// Package eltorito parses the El Torito boot catalog: validation
// entry, default entry, and section header/entry chains, plus
// boot-info-table and GRUB2-patch detection (spec §4.7). Grounded on
// rstms-iso-kit's pkg/eltorito/eltorito.go (UnmarshalBinary record
// loop, checksum-sums-to-zero validation, 0x55/0xAA key byte check).
package eltorito

import (
	"encoding/binary"

	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/isoerr"
)

type Platform byte

const (
	PlatformBIOS Platform = 0x00
	PlatformEFI  Platform = 0xEF
)

const (
	recordValidation    = 0x01
	sectionHeaderMore    = 0x90
	sectionHeaderFinal   = 0x91
	recordLen            = 32
)

// BootImage is one decoded catalog entry, spec §3 "ElTorito catalog".
type BootImage struct {
	Index         int
	Platform      Platform
	Bootable      bool
	MediaType     byte
	LoadSegment   uint16
	SystemType    byte
	SectorCount   uint16
	BootLBA       uint32
	SelCriterion  []byte // 20 bytes: criteria type byte plus 19 vendor-specific bytes; empty for the default entry

	SeemsBootInfoTable bool
	SeemsGRUB2BootInfo bool
}

// Catalog is the fully parsed boot catalog.
type Catalog struct {
	IDString string
	Images   []BootImage
}

// Parse reads the catalog starting at catalogLBA, per spec §4.7.
func Parse(bs blocksource.BlockSource, catalogLBA uint32) (*Catalog, error) {
	buf := make([]byte, blocksource.SectorSize)
	if err := bs.ReadBlock(catalogLBA, buf); err != nil {
		return nil, isoerr.Wrap(isoerr.ReadError, err, "reading boot catalog block %d", catalogLBA)
	}

	cat := &Catalog{}
	pos := 0

	idString, err := parseValidationEntry(buf[pos : pos+recordLen])
	if err != nil {
		return nil, err
	}
	cat.IDString = idString
	pos += recordLen

	def, err := parseImageEntry(buf[pos:pos+recordLen], 0, nil)
	if err != nil {
		return nil, err
	}
	cat.Images = append(cat.Images, def)
	pos += recordLen

	idx := 1
	for pos+recordLen <= len(buf) {
		marker := buf[pos]
		if marker != sectionHeaderMore && marker != sectionHeaderFinal {
			break
		}
		numEntries := int(binary.LittleEndian.Uint16(buf[pos+2 : pos+4]))
		last := marker == sectionHeaderFinal
		pos += recordLen
		for i := 0; i < numEntries && pos+recordLen <= len(buf); i++ {
			crit := append([]byte(nil), buf[pos+12:pos+32]...)
			entry, err := parseImageEntry(buf[pos:pos+recordLen], idx, crit)
			if err != nil {
				return nil, isoerr.Wrap(isoerr.ElToritoWarn, err, "section entry %d", idx)
			}
			cat.Images = append(cat.Images, entry)
			pos += recordLen
			idx++
		}
		if last {
			break
		}
	}
	return cat, nil
}

func parseValidationEntry(b []byte) (string, error) {
	if len(b) < recordLen {
		return "", isoerr.New(isoerr.WrongElTorito, "validation entry truncated")
	}
	if b[0] != recordValidation {
		return "", isoerr.New(isoerr.WrongElTorito, "bad validation entry header_id %d", b[0])
	}
	plat := Platform(b[1])
	if plat != PlatformBIOS && plat != PlatformEFI {
		// An unrecognized platform id is accepted without any warning
		// being raised; the catalog is still parsed.
	}
	if b[30] != 0x55 || b[31] != 0xAA {
		return "", isoerr.New(isoerr.WrongElTorito, "bad validation entry key bytes")
	}
	var sum uint16
	for i := 0; i < recordLen; i += 2 {
		sum += binary.LittleEndian.Uint16(b[i : i+2])
	}
	if sum != 0 {
		return "", isoerr.New(isoerr.WrongElTorito, "validation entry checksum does not sum to zero")
	}
	idString := trimNul(b[4:28])
	return idString, nil
}

func parseImageEntry(b []byte, idx int, crit []byte) (BootImage, error) {
	if len(b) < recordLen {
		return BootImage{}, isoerr.New(isoerr.WrongElTorito, "boot entry truncated")
	}
	return BootImage{
		Index:        idx,
		Bootable:     b[0] == 0x88,
		MediaType:    b[1] & 0x0F,
		LoadSegment:  binary.LittleEndian.Uint16(b[2:4]),
		SystemType:   b[4],
		SectorCount:  binary.LittleEndian.Uint16(b[6:8]),
		BootLBA:      binary.LittleEndian.Uint32(b[8:12]),
		SelCriterion: crit,
	}, nil
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

const bootInfoTableOffset = 8

// DetectBootInfoTable reads a boot image's first block and checks for
// the boot-info-table signature per spec §4.7: bytes 8..24 are
// substituted with (pvdLBA, bootLBA, sizeBytes, checksum) and compared
// to the observed bytes.
func DetectBootInfoTable(bs blocksource.BlockSource, img *BootImage, pvdLBA uint32, sizeBytes uint32) error {
	if img.SectorCount == 0 {
		return nil
	}
	total := uint32(img.SectorCount) * 512
	if total < 64 || total >= 4*1024*1024 {
		return nil
	}
	buf := make([]byte, blocksource.SectorSize)
	if err := bs.ReadBlock(img.BootLBA, buf); err != nil {
		return isoerr.Wrap(isoerr.ReadError, err, "reading boot image block %d", img.BootLBA)
	}
	if len(buf) < 64 {
		return nil
	}
	observed := append([]byte(nil), buf[bootInfoTableOffset:bootInfoTableOffset+16]...)

	want := make([]byte, 16)
	binary.LittleEndian.PutUint32(want[0:4], pvdLBA)
	binary.LittleEndian.PutUint32(want[4:8], img.BootLBA)
	binary.LittleEndian.PutUint32(want[8:12], sizeBytes)
	var checksum uint32
	for i := 64; i+4 <= len(buf); i += 4 {
		checksum += binary.LittleEndian.Uint32(buf[i : i+4])
	}
	binary.LittleEndian.PutUint32(want[12:16], checksum)

	img.SeemsBootInfoTable = bytesEqual(observed, want)
	return nil
}

// grub2PatchOffset is the fixed byte offset xorriso inspects for the
// GRUB2 El Torito patch, per spec §4.7.
const grub2PatchOffset = 0x1B4

// DetectGRUB2BootInfo checks the fixed-offset GRUB2 patch pattern
// against boot_lba*4 + patch_offset, per spec §4.7.
func DetectGRUB2BootInfo(bs blocksource.BlockSource, img *BootImage) error {
	buf := make([]byte, blocksource.SectorSize)
	if err := bs.ReadBlock(img.BootLBA, buf); err != nil {
		return isoerr.Wrap(isoerr.ReadError, err, "reading boot image block %d", img.BootLBA)
	}
	if grub2PatchOffset+8 > len(buf) {
		return nil
	}
	val := binary.LittleEndian.Uint64(buf[grub2PatchOffset : grub2PatchOffset+8])
	want := uint64(img.BootLBA)*4 + grub2PatchOffset
	img.SeemsGRUB2BootInfo = val == want
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
