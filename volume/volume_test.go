package volume

import (
	"testing"

	"github.com/isofsimport/isofsimport/blocksource"
)

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

func dChars(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

func buildPVD(volumeID string, root DirRef) []byte {
	buf := make([]byte, blocksource.SectorSize)
	buf[0] = vdTypePrimary
	copy(buf[1:6], stdIdentifier)
	buf[6] = 1 // version
	copy(buf[8:40], dChars("", 32))
	copy(buf[40:72], dChars(volumeID, 32))
	putBoth32(buf[80:88], 100) // NBlocks
	putBoth32(buf[156+2:156+10], root.LBA)
	putBoth32(buf[156+10:156+18], root.Size)
	buf[881] = 1 // file structure version
	copy(buf[190:318], dChars("", 128))
	copy(buf[318:446], dChars("", 128))
	copy(buf[446:574], dChars("", 128))
	copy(buf[574:702], dChars("", 128))
	copy(buf[702:739], dChars("", 37))
	copy(buf[739:776], dChars("", 37))
	copy(buf[776:813], dChars("", 37))
	// Timestamps all-zero -> zero time.Time, acceptable for this test.
	return buf
}

func buildTerminator() []byte {
	buf := make([]byte, blocksource.SectorSize)
	buf[0] = vdTypeTerminator
	copy(buf[1:6], stdIdentifier)
	buf[6] = 1
	return buf
}

func buildSVDJoliet(root DirRef) []byte {
	buf := make([]byte, blocksource.SectorSize)
	buf[0] = vdTypeSupplement
	copy(buf[1:6], stdIdentifier)
	buf[6] = 1
	copy(buf[88:91], jolietEscapeLvl3)
	putBoth32(buf[156+2:156+10], root.LBA)
	putBoth32(buf[156+10:156+18], root.Size)
	return buf
}

func TestScanPlainPVD(t *testing.T) {
	root := DirRef{LBA: 20, Size: 2048}
	data := make([]byte, 16*blocksource.SectorSize)
	data = append(data, buildPVD("MYVOLUME", root)...)
	data = append(data, buildTerminator()...)

	bs := blocksource.NewMemoryBlockSource(data)
	if err := bs.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bs.Close()

	d, err := Scan(bs, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if d.PVD == nil {
		t.Fatalf("PVD not populated")
	}
	if d.PVD.VolumeID != "MYVOLUME" {
		t.Fatalf("VolumeID = %q, want MYVOLUME", d.PVD.VolumeID)
	}
	if d.PVDRoot != root {
		t.Fatalf("PVDRoot = %+v, want %+v", d.PVDRoot, root)
	}
	if d.HasJoliet {
		t.Fatalf("HasJoliet = true, want false")
	}
}

func TestScanWithJoliet(t *testing.T) {
	pvdRoot := DirRef{LBA: 20, Size: 2048}
	jolietRoot := DirRef{LBA: 25, Size: 2048}
	data := make([]byte, 16*blocksource.SectorSize)
	data = append(data, buildPVD("VOL", pvdRoot)...)
	data = append(data, buildSVDJoliet(jolietRoot)...)
	data = append(data, buildTerminator()...)

	bs := blocksource.NewMemoryBlockSource(data)
	if err := bs.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bs.Close()

	d, err := Scan(bs, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !d.HasJoliet {
		t.Fatalf("HasJoliet = false, want true")
	}
	if d.JolietRoot != jolietRoot {
		t.Fatalf("JolietRoot = %+v, want %+v", d.JolietRoot, jolietRoot)
	}
}

func TestScanReadFailureNotTolerated(t *testing.T) {
	root := DirRef{LBA: 20, Size: 2048}
	data := make([]byte, 16*blocksource.SectorSize)
	data = append(data, buildPVD("VOL", root)...)
	// No further blocks at all: the next ReadBlock fails outright
	// (beyond the image), which is a genuine read error and must
	// propagate rather than be silently tolerated.

	bs := blocksource.NewMemoryBlockSource(data)
	if err := bs.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bs.Close()

	if _, err := Scan(bs, 0); err == nil {
		t.Fatalf("expected an error for a genuine read failure past the image")
	}
}

func TestScanMissingTerminatorTolerated(t *testing.T) {
	root := DirRef{LBA: 20, Size: 2048}
	data := make([]byte, 16*blocksource.SectorSize)
	data = append(data, buildPVD("VOL", root)...)
	data = append(data, make([]byte, blocksource.SectorSize)...) // zeroed, readable, not a valid VD

	bs := blocksource.NewMemoryBlockSource(data)
	if err := bs.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer bs.Close()

	d, err := Scan(bs, 0)
	if err != nil {
		t.Fatalf("Scan: %v, want tolerated missing terminator", err)
	}
	if d.PVD == nil {
		t.Fatalf("PVD not populated")
	}
}

func TestSelectActiveTreePolicy(t *testing.T) {
	d := &Descriptors{
		PVD:        &VolumeSet{},
		PVDRoot:    DirRef{LBA: 1},
		HasJoliet:  true,
		JolietRoot: DirRef{LBA: 2},
	}

	tree, ref, err := SelectActiveTree(d, SelectOptions{HasRockRidge: true})
	if err != nil || tree != RockRidge || ref != d.PVDRoot {
		t.Fatalf("RockRidge-present case: tree=%v ref=%+v err=%v", tree, ref, err)
	}

	tree, ref, err = SelectActiveTree(d, SelectOptions{HasRockRidge: true, PreferJoliet: true})
	if err != nil || tree != Joliet || ref != d.JolietRoot {
		t.Fatalf("PreferJoliet case: tree=%v ref=%+v err=%v", tree, ref, err)
	}

	tree, ref, err = SelectActiveTree(d, SelectOptions{})
	if err != nil || tree != Joliet || ref != d.JolietRoot {
		t.Fatalf("no-RockRidge case: tree=%v ref=%+v err=%v", tree, ref, err)
	}

	tree, ref, err = SelectActiveTree(d, SelectOptions{NoJoliet: true})
	if err != nil || tree != PlainIso || ref != d.PVDRoot {
		t.Fatalf("NoJoliet case: tree=%v ref=%+v err=%v", tree, ref, err)
	}
}

func TestSelectActiveTreeNoUsableDescriptor(t *testing.T) {
	if _, _, err := SelectActiveTree(&Descriptors{}, SelectOptions{}); err == nil {
		t.Fatalf("expected error when no PVD and no alternate tree is present")
	}
}
