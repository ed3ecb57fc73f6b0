// Package volume implements spec §4.2: sequential parsing of the
// Volume Descriptor Set (PVD, Boot Record, SVD/Joliet, Enhanced VD,
// Terminator) and the active-tree selection policy. Byte layout is
// taken verbatim from spec §6.1 (ECMA-119 offsets). Grounded on the
// teacher's internal/squashfs.Reader.NewReader superblock parse (a
// fixed binary.Read over a single struct at a known offset) and on
// rstms-iso-kit's descriptor/supplementary.go for the both-endian
// field conventions and Joliet escape-sequence detection.
package volume

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/isoerr"
)

const (
	vdTypeBootRecord  = 0
	vdTypePrimary     = 1
	vdTypeSupplement  = 2
	vdTypePartition   = 3
	vdTypeTerminator  = 255
	stdIdentifier     = "CD001"
	elToritoSystemID  = "EL TORITO SPECIFICATION"
	jolietEscapeLvl1  = "%/@"
	jolietEscapeLvl2  = "%/C"
	jolietEscapeLvl3  = "%/E"
	defaultStartSkew  = 16 // blocks before the first volume descriptor
)

// ActiveTree selects which of the available hierarchies the importer
// should walk, per spec §3 / §4.2.
type ActiveTree int

const (
	PlainIso ActiveTree = iota
	Joliet
	Iso1999
	RockRidge
)

func (t ActiveTree) String() string {
	switch t {
	case PlainIso:
		return "PlainIso"
	case Joliet:
		return "Joliet"
	case Iso1999:
		return "Iso1999"
	case RockRidge:
		return "RockRidge"
	}
	return "Unknown"
}

// DirRef is a directory's location as recorded in a volume descriptor:
// enough to start a traversal (spec §4.3 "Given a directory's starting
// LBA and size").
type DirRef struct {
	LBA  uint32
	Size uint32
}

// VolumeSet carries the textual/timestamp metadata from spec §3.
type VolumeSet struct {
	VolumeID             string
	VolSetID             string
	PublisherID          string
	DataPreparerID       string
	SystemID             string
	ApplicationID        string
	CopyrightFileID      string
	AbstractFileID       string
	BibliographicFileID  string
	Created              time.Time
	Modified             time.Time
	Expires              time.Time
	Effective             time.Time
	NBlocks              uint32
}

// Descriptors is the result of scanning the Volume Descriptor Set.
type Descriptors struct {
	PVD           *VolumeSet
	PVDRoot       DirRef
	PVDLBA        uint32
	HasBootRecord bool
	BootCatalogLBA uint32
	HasJoliet     bool
	JolietRoot    DirRef
	HasIso1999    bool
	Iso1999Root   DirRef
}

// both32 reads a both-endian 8-byte field (LE then BE), per spec §6.1.
func both32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[0:4])
}

func trimDChars(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// Scan reads volume descriptors sequentially starting at startLBA+16
// until the Set Terminator, per spec §4.2.
func Scan(bs blocksource.BlockSource, startLBA uint32) (*Descriptors, error) {
	d := &Descriptors{}
	buf := make([]byte, blocksource.SectorSize)
	lba := startLBA + defaultStartSkew
	sawPVD := false

	for {
		if err := bs.ReadBlock(lba, buf); err != nil {
			return nil, isoerr.Wrap(isoerr.WrongPvd, err, "reading volume descriptor at block %d", lba)
		}
		if string(buf[1:6]) != stdIdentifier {
			if sawPVD {
				// Tolerate a missing Terminator once a PVD has been
				// found, so truncated synthetic test images still import.
				break
			}
			return nil, isoerr.New(isoerr.WrongPvd, "bad standard identifier at block %d", lba)
		}

		vdType := buf[0]
		switch vdType {
		case vdTypeTerminator:
			if !sawPVD {
				return nil, isoerr.New(isoerr.WrongPvd, "terminator before any PVD")
			}
			return d, nil

		case vdTypePrimary:
			pvd, root, err := parsePrimary(buf)
			if err != nil {
				return nil, err
			}
			d.PVD = pvd
			d.PVDRoot = root
			d.PVDLBA = lba
			sawPVD = true

		case vdTypeBootRecord:
			if string(buf[7:39]) == padTo(elToritoSystemID, 32) {
				d.HasBootRecord = true
				d.BootCatalogLBA = binary.LittleEndian.Uint32(buf[71:75])
			}
			// else: UnsupportedVd, non-fatal, caller may continue.

		case vdTypeSupplement:
			ver := buf[6]
			escSeq := buf[88:120]
			if isJolietEscape(escSeq) {
				root := dirRefFromRecord(buf[156:190])
				d.HasJoliet = true
				d.JolietRoot = root
			} else if ver == 2 {
				root := dirRefFromRecord(buf[156:190])
				d.HasIso1999 = true
				d.Iso1999Root = root
			}
			// else: unrecognized SVD kind, UnsupportedVd, non-fatal.

		default:
			// UnsupportedVd: warning, continue scanning.
		}
		lba++
	}
	return d, nil
}

func isJolietEscape(esc []byte) bool {
	if len(esc) < 3 {
		return false
	}
	s := string(esc[:3])
	return s == jolietEscapeLvl1 || s == jolietEscapeLvl2 || s == jolietEscapeLvl3
}

func padTo(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func dirRefFromRecord(rec []byte) DirRef {
	// Directory Record layout, spec §6.1: block_both[2..9] size_both[10..17].
	return DirRef{
		LBA:  both32(rec[2:10]),
		Size: both32(rec[10:18]),
	}
}

func parsePrimary(buf []byte) (*VolumeSet, DirRef, error) {
	if buf[6] != 1 {
		return nil, DirRef{}, isoerr.New(isoerr.WrongPvd, "unsupported PVD version %d", buf[6])
	}
	if buf[881] != 1 {
		return nil, DirRef{}, isoerr.New(isoerr.WrongPvd, "unsupported file structure version %d", buf[881])
	}
	vs := &VolumeSet{
		SystemID:            trimDChars(buf[8:40]),
		VolumeID:             trimDChars(buf[40:72]),
		NBlocks:              both32(buf[80:88]),
		VolSetID:             trimDChars(buf[190:318]),
		PublisherID:          trimDChars(buf[318:446]),
		DataPreparerID:       trimDChars(buf[446:574]),
		ApplicationID:        trimDChars(buf[574:702]),
		CopyrightFileID:      trimDChars(buf[702:739]),
		AbstractFileID:       trimDChars(buf[739:776]),
		BibliographicFileID:  trimDChars(buf[776:813]),
		Created:              parseVolumeTimestamp(buf[813:830]),
		Modified:             parseVolumeTimestamp(buf[830:847]),
		Expires:              parseVolumeTimestamp(buf[847:864]),
		Effective:            parseVolumeTimestamp(buf[864:881]),
	}
	root := dirRefFromRecord(buf[156:190])
	return vs, root, nil
}

// parseVolumeTimestamp decodes the 17-byte decimal-digit volume
// timestamp format (spec §3 "four timestamps"): 16 ASCII digits plus a
// GMT offset byte. An all-zero field (or all-'0' digits with a zero
// offset) means "not specified" and yields the zero time.Time.
func parseVolumeTimestamp(b []byte) time.Time {
	if len(b) < 17 {
		return time.Time{}
	}
	digits := string(b[0:16])
	allZero := true
	for _, c := range digits {
		if c != '0' {
			allZero = false
			break
		}
	}
	if allZero {
		return time.Time{}
	}
	atoi := func(s string) int {
		n := 0
		for _, c := range s {
			if c < '0' || c > '9' {
				return 0
			}
			n = n*10 + int(c-'0')
		}
		return n
	}
	year := atoi(digits[0:4])
	month := atoi(digits[4:6])
	day := atoi(digits[6:8])
	hour := atoi(digits[8:10])
	min := atoi(digits[10:12])
	sec := atoi(digits[12:14])
	hundredths := atoi(digits[14:16])
	offsetQuarterHours := int8(b[16])
	loc := time.FixedZone("", int(offsetQuarterHours)*15*60)
	if year == 0 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, hundredths*10*1000*1000, loc)
}

// SelectActiveTree applies the policy from spec §4.2: prefer Rock
// Ridge (detected separately by the caller after scanning the PVD
// root's `.` record), else Joliet, else ISO 9660:1999, else plain
// PVD, honoring the caller's disable/prefer flags.
type SelectOptions struct {
	HasRockRidge   bool
	NoRockRidge    bool
	NoJoliet       bool
	NoIso1999      bool
	PreferJoliet   bool
}

func SelectActiveTree(d *Descriptors, opt SelectOptions) (ActiveTree, DirRef, error) {
	if opt.HasRockRidge && !opt.NoRockRidge {
		if opt.PreferJoliet && d.HasJoliet && !opt.NoJoliet {
			return Joliet, d.JolietRoot, nil
		}
		return RockRidge, d.PVDRoot, nil
	}
	if d.HasJoliet && !opt.NoJoliet {
		return Joliet, d.JolietRoot, nil
	}
	if d.HasIso1999 && !opt.NoIso1999 {
		return Iso1999, d.Iso1999Root, nil
	}
	if d.PVD == nil {
		return PlainIso, DirRef{}, isoerr.New(isoerr.WrongPvd, "no usable volume descriptor found")
	}
	return PlainIso, d.PVDRoot, nil
}
