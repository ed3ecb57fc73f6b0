package directory

import (
	"testing"

	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/volume"
)

// buildRecord constructs the raw bytes of one Directory Record, spec
// §6.1 layout, for an identifier that is either a single dot-byte
// (".","..") or a plain ASCII name.
func buildRecord(lba, size uint32, flags byte, ident string) []byte {
	lenFI := len(ident)
	length := 33 + lenFI
	if lenFI%2 == 0 {
		length++ // padding byte
	}
	b := make([]byte, length)
	b[0] = byte(length)
	putBoth32(b[2:10], lba)
	putBoth32(b[10:18], size)
	b[25] = flags
	b[26] = 0 // file unit size
	b[32] = byte(lenFI)
	copy(b[33:33+lenFI], ident)
	return b
}

func putBoth32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = b[3]
	b[5] = b[2]
	b[6] = b[1]
	b[7] = b[0]
}

// buildDirBlock packs records into a single SectorSize-padded block.
func buildDirBlock(records ...[]byte) []byte {
	buf := make([]byte, blocksource.SectorSize)
	pos := 0
	for _, r := range records {
		copy(buf[pos:], r)
		pos += len(r)
	}
	return buf
}

func TestWalkChildrenSelf(t *testing.T) {
	dot := buildRecord(20, 2048, flagDirectory, "\x00")
	dotdot := buildRecord(30, 2048, flagDirectory, "\x01")
	file := buildRecord(40, 100, 0, "FOO.TXT;1")
	sub := buildRecord(50, 2048, flagDirectory|flagExistence, "BAR")

	block := buildDirBlock(dot, dotdot, file, sub)
	bs := blocksource.NewMemoryBlockSource(append(make([]byte, 20*blocksource.SectorSize), block...))
	if err := bs.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bs.Close()

	ref := volume.DirRef{LBA: 20, Size: 2048}

	self, err := Self(bs, ref)
	if err != nil {
		t.Fatalf("Self: %v", err)
	}
	if self.LBA != 20 {
		t.Fatalf("Self().LBA = %d, want 20", self.LBA)
	}

	children, err := Children(bs, ref)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2 (dot/dotdot excluded)", len(children))
	}
	if children[0].Identifier != "FOO.TXT;1" || !children[0].Exists {
		t.Fatalf("children[0] = %+v, want FOO.TXT;1 existing", children[0])
	}
	if children[1].Identifier != "BAR" || !children[1].IsDir {
		t.Fatalf("children[1] = %+v, want BAR directory", children[1])
	}
}

func TestParseRecordTooShort(t *testing.T) {
	buf := make([]byte, 10)
	buf[0] = 10
	if _, _, err := parseRecord(buf); err == nil {
		t.Fatalf("expected error for undersized record")
	}
}

func TestParseRecordPadding(t *testing.T) {
	buf := make([]byte, 4)
	rec, n, err := parseRecord(buf)
	if err != nil || n != 0 || rec.Identifier != "" || rec.SUA != nil {
		t.Fatalf("parseRecord(zero-length) = %+v, %d, %v; want zero value, 0, nil", rec, n, err)
	}
}

func TestIsDotIsParentDot(t *testing.T) {
	if !IsDot("\x00") || !IsDot("\x01") {
		t.Fatalf("IsDot should accept both dot placeholders")
	}
	if IsDot("A") {
		t.Fatalf("IsDot(\"A\") = true, want false")
	}
	if IsParentDot("\x00") || !IsParentDot("\x01") {
		t.Fatalf("IsParentDot classification wrong")
	}
}

func TestWalkZeroLengthDirectory(t *testing.T) {
	bs := blocksource.NewMemoryBlockSource(make([]byte, blocksource.SectorSize))
	bs.Open()
	defer bs.Close()
	err := Walk(bs, volume.DirRef{LBA: 0, Size: 0}, func(Record) error { return nil })
	if err == nil {
		t.Fatalf("expected error for zero-length directory")
	}
}
