package filesource

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/isotree"
	"github.com/isofsimport/isofsimport/stream"
	"github.com/isofsimport/isofsimport/zisofs"
)

func fillBlock(data []byte, lba int, b byte) {
	off := lba * blocksource.SectorSize
	for i := 0; i < blocksource.SectorSize; i++ {
		data[off+i] = b
	}
}

func TestIsoFileSourceReadSingleSectionAcrossBlocks(t *testing.T) {
	data := make([]byte, 8*blocksource.SectorSize)
	fillBlock(data, 5, 'A')
	fillBlock(data, 6, 'B')
	bs := blocksource.NewMemoryBlockSource(data)
	bs.Open()
	defer bs.Close()

	node := &isotree.Node{Kind: isotree.KindFile, Name: "f"}
	sections := []Section{{Block: 5, Size: 3000}}
	f := NewIsoFileSource(bs, node, "/f", sections)

	if err := f.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(readerFunc(f.Read))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 3000 {
		t.Fatalf("len(got) = %d, want 3000", len(got))
	}
	want := append(bytes.Repeat([]byte{'A'}, blocksource.SectorSize), bytes.Repeat([]byte{'B'}, 3000-blocksource.SectorSize)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("content mismatch across block boundary")
	}
}

func TestIsoFileSourceReadMultiSection(t *testing.T) {
	data := make([]byte, 8*blocksource.SectorSize)
	fillBlock(data, 1, 'X')
	fillBlock(data, 3, 'Y')
	bs := blocksource.NewMemoryBlockSource(data)
	bs.Open()
	defer bs.Close()

	node := &isotree.Node{Kind: isotree.KindFile, Name: "f"}
	sections := []Section{{Block: 1, Size: 10}, {Block: 3, Size: 10}}
	f := NewIsoFileSource(bs, node, "/f", sections)

	if err := f.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(readerFunc(f.Read))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := append(bytes.Repeat([]byte{'X'}, 10), bytes.Repeat([]byte{'Y'}, 10)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestIsoFileSourceLseek(t *testing.T) {
	data := make([]byte, 4*blocksource.SectorSize)
	fillBlock(data, 0, 'Z')
	bs := blocksource.NewMemoryBlockSource(data)
	bs.Open()
	defer bs.Close()

	node := &isotree.Node{Kind: isotree.KindFile, Name: "f"}
	f := NewIsoFileSource(bs, node, "/f", []Section{{Block: 0, Size: 100}})
	if err := f.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.Lseek(50, SeekSet); err != nil {
		t.Fatalf("Lseek: %v", err)
	}
	buf := make([]byte, 10)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 10 {
		t.Fatalf("n = %d, want 10", n)
	}

	if _, err := f.Lseek(0, SeekEnd); err != nil {
		t.Fatalf("Lseek SeekEnd: %v", err)
	}
	if n, err := f.Read(buf); n != 0 || err != io.EOF {
		t.Fatalf("Read at EOF = %d, %v, want 0, EOF", n, err)
	}

	if _, err := f.Lseek(-1000, SeekSet); err == nil {
		t.Fatalf("expected negative seek to fail")
	}
}

func TestIsoFileSourceOpenDirectoryFails(t *testing.T) {
	node := &isotree.Node{Kind: isotree.KindDir, Name: "d"}
	f := NewIsoFileSource(nil, node, "/d", nil)
	if err := f.Open(); err == nil {
		t.Fatalf("expected opening a directory as a file to fail")
	}
}

func TestIsoFileSourceStatForbidsSymlink(t *testing.T) {
	node := &isotree.Node{Kind: isotree.KindSymlink, Name: "l", Target: "/x"}
	f := NewIsoFileSource(nil, node, "/l", nil)
	if _, err := f.Stat(); err == nil {
		t.Fatalf("expected Stat on a symlink to fail")
	}
	if _, err := f.Lstat(); err != nil {
		t.Fatalf("Lstat: %v", err)
	}
}

func TestIsoFileSourceReaddir(t *testing.T) {
	root := isotree.NewDir("")
	a := &isotree.Node{Kind: isotree.KindFile, Name: "a"}
	b := &isotree.Node{Kind: isotree.KindFile, Name: "b"}
	root.Insert(a, isotree.ReplaceNever)
	root.Insert(b, isotree.ReplaceNever)

	f := NewIsoFileSource(nil, root, "/", nil)
	var names []string
	for {
		child, err := f.Readdir()
		if err != nil {
			t.Fatalf("Readdir: %v", err)
		}
		if child == nil {
			break
		}
		names = append(names, child.GetName())
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("names = %v, want [a b]", names)
	}
}

func TestIsoFileSourceGetAAString(t *testing.T) {
	node := &isotree.Node{Kind: isotree.KindFile, Name: "f"}
	node.SetXinfo(isotree.XinfoAAIP, []byte("acl-bytes"))
	f := NewIsoFileSource(nil, node, "/f", nil)

	got, err := f.GetAAString(false)
	if err != nil {
		t.Fatalf("GetAAString: %v", err)
	}
	if string(got) != "acl-bytes" {
		t.Fatalf("got %q", got)
	}
	if _, ok := node.GetXinfo(isotree.XinfoAAIP); !ok {
		t.Fatalf("xinfo removed despite takeOwnership=false")
	}

	got2, err := f.GetAAString(true)
	if err != nil || string(got2) != "acl-bytes" {
		t.Fatalf("GetAAString(true) = %q, %v", got2, err)
	}
	if _, ok := node.GetXinfo(isotree.XinfoAAIP); ok {
		t.Fatalf("xinfo not removed despite takeOwnership=true")
	}
}

func TestIsoFileSourceCloneSrc(t *testing.T) {
	node := &isotree.Node{Kind: isotree.KindFile, Name: "f"}
	f := NewIsoFileSource(nil, node, "/f", nil)
	clone, err := f.CloneSrc()
	if err != nil {
		t.Fatalf("CloneSrc: %v", err)
	}
	if clone.GetName() != "f" {
		t.Fatalf("clone name = %q, want f", clone.GetName())
	}
}

func TestNewContentStreamReadsSections(t *testing.T) {
	data := make([]byte, 4*blocksource.SectorSize)
	fillBlock(data, 2, 'Q')
	bs := blocksource.NewMemoryBlockSource(data)
	bs.Open()
	defer bs.Close()

	s := NewContentStream(bs, []Section{{Block: 2, Size: 20}}, stream.ID{InoID: 1})
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	got, err := io.ReadAll(readerFunc(s.Read))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{'Q'}, 20)) {
		t.Fatalf("got %v", got)
	}
	if s.GetSize() != 20 {
		t.Fatalf("GetSize() = %d, want 20", s.GetSize())
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestLocalFileSourceFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := NewLocalFileSource(path)
	if err := l.Access(); err != nil {
		t.Fatalf("Access: %v", err)
	}
	fi, err := l.Lstat()
	if err != nil || fi.Size() != 5 {
		t.Fatalf("Lstat: %v, size=%v", err, fi)
	}
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	got := make([]byte, 5)
	n, err := l.Read(got)
	if err != nil || n != 5 || string(got) != "hello" {
		t.Fatalf("Read = %d, %v, %q", n, err, got)
	}
	if _, err := l.Lseek(0, SeekSet); err != nil {
		t.Fatalf("Lseek: %v", err)
	}
}

func TestLocalFileSourceDirReaddir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	l := NewLocalFileSource(dir)
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	var got []string
	for {
		child, err := l.Readdir()
		if err != nil {
			t.Fatalf("Readdir: %v", err)
		}
		if child == nil {
			break
		}
		got = append(got, child.GetName())
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 entries", got)
	}
}

func TestLocalFileSourceMissingPath(t *testing.T) {
	l := NewLocalFileSource(filepath.Join(t.TempDir(), "missing"))
	if _, err := l.Lstat(); err == nil {
		t.Fatalf("expected Lstat on a missing path to fail")
	}
	if err := l.Open(); err == nil {
		t.Fatalf("expected Open on a missing path to fail")
	}
}

func TestLocalFileSourceGetAAStringUnsupported(t *testing.T) {
	l := NewLocalFileSource(t.TempDir())
	if _, err := l.GetAAString(false); err == nil {
		t.Fatalf("expected GetAAString to be unsupported on the local filesystem")
	}
}

func TestNewZisofsContentStreamDecompresses(t *testing.T) {
	content := bytes.Repeat([]byte("zisofs-payload-data-"), 4) // 80 bytes
	const blockSizeLog2 = byte(5)                              // 32 bytes per block
	const blockSize = int64(1) << blockSizeLog2
	numBlocks := (int64(len(content)) + blockSize - 1) / blockSize

	const headerSizeDiv4 = byte(4)
	const headerSize = int64(headerSizeDiv4) * 4
	buf := make([]byte, headerSize+4*(numBlocks+1))

	var compressed [][]byte
	for i := int64(0); i < numBlocks; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		var cb bytes.Buffer
		w := zlib.NewWriter(&cb)
		if _, err := w.Write(content[start:end]); err != nil {
			t.Fatalf("zlib write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("zlib close: %v", err)
		}
		compressed = append(compressed, cb.Bytes())
	}

	pointers := make([]uint32, numBlocks+1)
	pointers[0] = uint32(len(buf))
	for i, cb := range compressed {
		buf = append(buf, cb...)
		pointers[i+1] = uint32(len(buf))
	}
	for i, p := range pointers {
		binary.LittleEndian.PutUint32(buf[headerSize+int64(i)*4:], p)
	}
	if len(buf) > blocksource.SectorSize {
		t.Fatalf("test fixture grew past one sector: %d bytes", len(buf))
	}

	data := make([]byte, 4*blocksource.SectorSize)
	copy(data[2*blocksource.SectorSize:], buf)
	bs := blocksource.NewMemoryBlockSource(data)
	bs.Open()
	defer bs.Close()

	sections := []Section{{Block: 2, Size: uint32(len(buf))}}
	hdr := zisofs.Header{
		HeaderSizeDiv4:   headerSizeDiv4,
		BlockSizeLog2:    blockSizeLog2,
		UncompressedSize: uint32(len(content)),
	}

	s, err := NewZisofsContentStream(bs, sections, stream.ID{InoID: 1}, hdr)
	if err != nil {
		t.Fatalf("NewZisofsContentStream: %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := io.ReadAll(readerFunc(s.Read))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("decompressed = %q, want %q", got, content)
	}
	if s.GetSize() != int64(len(content)) {
		t.Fatalf("GetSize() = %d, want %d", s.GetSize(), len(content))
	}
}

var _ fs.FileInfo = nodeFileInfo{}
