// Package filesource implements spec §4.9: the uniform polymorphic
// FileSourceIface, an ISO-backed implementation reading through a
// shared blocksource.BlockSource, and a local-filesystem
// implementation used for comparison and tests. Grounded on the
// teacher's internal/squashfs.Reader.FileReader (io.SectionReader over
// an inode's block list) and Readdir (materializes a full listing once
// per directory handle), and internal/fuse's mapping of FUSE ops onto
// os.* calls for the local-filesystem side.
package filesource

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/isoerr"
	"github.com/isofsimport/isofsimport/isotree"
	"github.com/isofsimport/isofsimport/stream"
	"github.com/isofsimport/isofsimport/zisofs"
)

// Whence values for Lseek, spec §4.9 "supports Set/Cur/End".
const (
	SeekSet = io.SeekStart
	SeekCur = io.SeekCurrent
	SeekEnd = io.SeekEnd
)

// FileSource is the uniform interface every importer-facing file
// handle implements.
type FileSource interface {
	GetPath() string
	GetName() string
	Lstat() (fs.FileInfo, error)
	Stat() (fs.FileInfo, error)
	Access() error
	Open() error
	Close() error
	Read(buf []byte) (int, error)
	Lseek(offset int64, whence int) (int64, error)
	// Readdir yields exactly one child per call until exhausted,
	// skipping "." and "..", per spec §4.9.
	Readdir() (FileSource, error)
	GetAAString(takeOwnership bool) ([]byte, error)
	CloneSrc() (FileSource, error)
}

// Section is a (block, size) extent of a multi-extent ISO file, spec §3.
type Section struct {
	Block uint32
	Size  uint32
}

// nodeFileInfo adapts an isotree.Node to fs.FileInfo for Lstat/Stat.
type nodeFileInfo struct {
	n    *isotree.Node
	size int64
}

func (fi nodeFileInfo) Name() string      { return fi.n.Name }
func (fi nodeFileInfo) Size() int64       { return fi.size }
func (fi nodeFileInfo) Mode() fs.FileMode { return fi.n.Mode }
func (fi nodeFileInfo) ModTime() time.Time { return fi.n.Mtime }
func (fi nodeFileInfo) IsDir() bool       { return fi.n.Kind == isotree.KindDir }
func (fi nodeFileInfo) Sys() interface{}  { return fi.n }

// IsoFileSource is the ISO-backed FileSourceIface implementation.
type IsoFileSource struct {
	bs       blocksource.BlockSource
	node     *isotree.Node
	path     string
	sections []Section

	opened   bool
	offset   int64
	readBuf  [blocksource.SectorSize]byte
	readLBA  int64 // -1 when readBuf is stale

	childIdx int
	children []*isotree.Node
}

// NewIsoFileSource builds a handle over node, backed by bs, with path
// as its full tree path and sections describing its on-disc extents
// (empty for directories/symlinks/specials).
func NewIsoFileSource(bs blocksource.BlockSource, node *isotree.Node, path string, sections []Section) *IsoFileSource {
	return &IsoFileSource{bs: bs, node: node, path: path, sections: sections, readLBA: -1}
}

func (f *IsoFileSource) GetPath() string { return f.path }
func (f *IsoFileSource) GetName() string { return f.node.Name }

func (f *IsoFileSource) totalSize() int64 {
	var total int64
	for _, s := range f.sections {
		total += int64(s.Size)
	}
	return total
}

func (f *IsoFileSource) Lstat() (fs.FileInfo, error) {
	return nodeFileInfo{n: f.node, size: f.totalSize()}, nil
}

// Stat forbids following symlinks on ISO-imported nodes, spec §4.9
// "stat (the latter forbidden on ISO-imported symlinks — a known
// limitation reported as BadPath)".
func (f *IsoFileSource) Stat() (fs.FileInfo, error) {
	if f.node.Kind == isotree.KindSymlink {
		return nil, isoerr.New(isoerr.FileBadPath, "stat of ISO-imported symlink %q not supported", f.path)
	}
	return f.Lstat()
}

func (f *IsoFileSource) Access() error {
	return nil // permission enforcement is a local-filesystem-only concern
}

func (f *IsoFileSource) Open() error {
	if f.node.Kind == isotree.KindDir {
		return isoerr.New(isoerr.FileIsDir, "cannot open directory %q as a file", f.path)
	}
	if f.opened {
		return isoerr.New(isoerr.FileAlreadyOpened, "%q already open", f.path)
	}
	f.opened = true
	f.offset = 0
	f.readLBA = -1
	return nil
}

func (f *IsoFileSource) Close() error {
	if !f.opened {
		return isoerr.New(isoerr.FileNotOpened, "%q not open", f.path)
	}
	f.opened = false
	return nil
}

// Read pulls blocks on demand, doing the per-section block math
// described in spec §4.9: "finding the current block from (offset,
// sections[]) and the readable extent to the end of the current
// section or block, whichever is smaller".
func (f *IsoFileSource) Read(buf []byte) (int, error) {
	if f.node.Kind == isotree.KindDir {
		return 0, isoerr.New(isoerr.FileIsDir, "cannot read directory %q", f.path)
	}
	if !f.opened {
		return 0, isoerr.New(isoerr.FileNotOpened, "%q not open", f.path)
	}
	total := f.totalSize()
	if f.offset >= total {
		return 0, io.EOF
	}
	sec, secOff, ok := f.locate(f.offset)
	if !ok {
		return 0, io.EOF
	}
	blockIdx := secOff / blocksource.SectorSize
	inBlock := secOff % blocksource.SectorSize
	lba := int64(sec.Block) + blockIdx
	if f.readLBA != lba {
		if err := f.bs.ReadBlock(uint32(lba), f.readBuf[:]); err != nil {
			return 0, isoerr.Wrap(isoerr.FileReadError, err, "reading block %d of %q", lba, f.path)
		}
		f.readLBA = lba
	}
	avail := int64(blocksource.SectorSize) - inBlock
	secRemain := int64(sec.Size) - secOff
	n := avail
	if secRemain < n {
		n = secRemain
	}
	fileRemain := total - f.offset
	if fileRemain < n {
		n = fileRemain
	}
	if int64(len(buf)) < n {
		n = int64(len(buf))
	}
	copy(buf[:n], f.readBuf[inBlock:inBlock+n])
	f.offset += n
	return int(n), nil
}

// locate finds which section an absolute file offset falls in,
// returning the section and the offset within it.
func (f *IsoFileSource) locate(offset int64) (Section, int64, bool) {
	remaining := offset
	for _, s := range f.sections {
		if remaining < int64(s.Size) {
			return s, remaining, true
		}
		remaining -= int64(s.Size)
	}
	return Section{}, 0, false
}

func (f *IsoFileSource) Lseek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.offset
	case SeekEnd:
		base = f.totalSize()
	default:
		return 0, isoerr.New(isoerr.FileOffsetTooBig, "bad whence %d", whence)
	}
	newOff := base + offset
	if newOff < 0 {
		return 0, isoerr.New(isoerr.FileOffsetTooBig, "negative seek result")
	}
	f.offset = newOff
	f.readLBA = -1
	return newOff, nil
}

// Readdir materializes the full child list once, on first call, then
// hands entries out one at a time, per spec §4.9 "A directory open
// materializes the full child list once into a list attached to the
// handle (this trades memory for sequential disc access)".
func (f *IsoFileSource) Readdir() (FileSource, error) {
	if f.node.Kind != isotree.KindDir {
		return nil, isoerr.New(isoerr.FileIsNotDir, "readdir on non-directory %q", f.path)
	}
	if f.children == nil && f.childIdx == 0 {
		f.children = f.node.Children()
	}
	if f.childIdx >= len(f.children) {
		return nil, nil // exhausted
	}
	child := f.children[f.childIdx]
	f.childIdx++
	childPath := filepath.Join(f.path, child.Name)
	return childFileSource(f.bs, child, childPath), nil
}

// childFileSource builds the right handle kind for child, reusing the
// sections attached to it under SectionsXinfoID when present.
func childFileSource(bs blocksource.BlockSource, child *isotree.Node, path string) FileSource {
	var sections []Section
	if sec, ok := child.GetXinfo(SectionsXinfoID); ok {
		sections, _ = sec.([]Section)
	}
	return NewIsoFileSource(bs, child, path, sections)
}

// SectionsXinfoID stores a node's on-disc extent list as an xinfo
// value so Readdir can hand children their sections without threading
// extra state through isotree.Node itself.
const SectionsXinfoID isotree.XinfoID = "filesource-sections"

// AttachSections records the on-disc extents for an ISO-backed node,
// to be picked up by later Readdir calls.
func AttachSections(n *isotree.Node, sections []Section) {
	n.SetXinfo(SectionsXinfoID, sections)
}

// GetAAString returns the raw AAIP bytes attached to node's xinfo, if
// any, spec §4.9 "returns the AAIP bytes associated with this node".
func (f *IsoFileSource) GetAAString(takeOwnership bool) ([]byte, error) {
	v, ok := f.node.GetXinfo(isotree.XinfoAAIP)
	if !ok {
		return nil, nil
	}
	raw, _ := v.([]byte)
	if takeOwnership {
		f.node.RemoveXinfo(isotree.XinfoAAIP)
	}
	return raw, nil
}

// CloneSrc deep-clones the backing node and returns a fresh handle
// over the clone, spec §4.9 "clone_src — deep-clone the source".
func (f *IsoFileSource) CloneSrc() (FileSource, error) {
	clone, err := isotree.Clone(f.node, isotree.CloneOptions{})
	if err != nil {
		return nil, err
	}
	return NewIsoFileSource(f.bs, clone, f.path, f.sections), nil
}

// contentSource adapts an ISO extent list to the narrow `source`
// surface stream.FileSourceStream needs, independent of the richer
// FileSource handle semantics above (their Stat signatures differ, so
// one type cannot satisfy both).
type contentSource struct {
	bs       blocksource.BlockSource
	sections []Section
	id       stream.ID

	offset  int64
	readLBA int64
	readBuf [blocksource.SectorSize]byte
}

// NewContentStream builds a stream.Stream reading node's on-disc
// sections, suitable for attaching as a File node's Content.
func NewContentStream(bs blocksource.BlockSource, sections []Section, id stream.ID) stream.Stream {
	return stream.NewFileSourceStream(&contentSource{bs: bs, sections: sections, id: id, readLBA: -1})
}

func (c *contentSource) Open() error  { c.offset = 0; c.readLBA = -1; return nil }
func (c *contentSource) Close() error { return nil }

func (c *contentSource) totalSize() int64 {
	var total int64
	for _, s := range c.sections {
		total += int64(s.Size)
	}
	return total
}

func (c *contentSource) Stat() (int64, error) { return c.totalSize(), nil }
func (c *contentSource) ID() stream.ID        { return c.id }

func (c *contentSource) Read(buf []byte) (int, error) {
	total := c.totalSize()
	if c.offset >= total {
		return 0, io.EOF
	}
	remaining := c.offset
	var sec Section
	found := false
	for _, s := range c.sections {
		if remaining < int64(s.Size) {
			sec, found = s, true
			break
		}
		remaining -= int64(s.Size)
	}
	if !found {
		return 0, io.EOF
	}
	blockIdx := remaining / blocksource.SectorSize
	inBlock := remaining % blocksource.SectorSize
	lba := int64(sec.Block) + blockIdx
	if c.readLBA != lba {
		if err := c.bs.ReadBlock(uint32(lba), c.readBuf[:]); err != nil {
			return 0, isoerr.Wrap(isoerr.FileReadError, err, "reading block %d", lba)
		}
		c.readLBA = lba
	}
	avail := int64(blocksource.SectorSize) - inBlock
	secRemain := int64(sec.Size) - remaining
	n := avail
	if secRemain < n {
		n = secRemain
	}
	if int64(len(buf)) < n {
		n = int64(len(buf))
	}
	copy(buf[:n], c.readBuf[inBlock:inBlock+n])
	c.offset += n
	return int(n), nil
}

// locateSection finds which section an absolute offset into a
// concatenated extent list falls in, returning the section and the
// offset within it.
func locateSection(sections []Section, offset int64) (Section, int64, bool) {
	remaining := offset
	for _, s := range sections {
		if remaining < int64(s.Size) {
			return s, remaining, true
		}
		remaining -= int64(s.Size)
	}
	return Section{}, 0, false
}

// sectionReaderAt exposes a node's raw on-disc sections as an
// io.ReaderAt, independent of any sequential-offset state, so they can
// be handed to zisofs.NewReader.
type sectionReaderAt struct {
	bs       blocksource.BlockSource
	sections []Section
}

func (s *sectionReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		sec, secOff, ok := locateSection(s.sections, off+int64(n))
		if !ok {
			break
		}
		blockIdx := secOff / blocksource.SectorSize
		inBlock := secOff % blocksource.SectorSize
		lba := int64(sec.Block) + blockIdx
		var buf [blocksource.SectorSize]byte
		if err := s.bs.ReadBlock(uint32(lba), buf[:]); err != nil {
			return n, isoerr.Wrap(isoerr.FileReadError, err, "reading block %d", lba)
		}
		avail := int64(blocksource.SectorSize) - inBlock
		secRemain := int64(sec.Size) - secOff
		take := avail
		if secRemain < take {
			take = secRemain
		}
		if int64(len(p)-n) < take {
			take = int64(len(p) - n)
		}
		copy(p[n:int64(n)+take], buf[inBlock:inBlock+take])
		n += int(take)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// zisofsContentSource adapts a decompressing zisofs.Reader to the
// narrow `source` surface stream.FileSourceStream needs.
type zisofsContentSource struct {
	reader *zisofs.Reader
	id     stream.ID
	offset int64
}

func (z *zisofsContentSource) Open() error  { z.offset = 0; return nil }
func (z *zisofsContentSource) Close() error { return nil }
func (z *zisofsContentSource) Stat() (int64, error) { return z.reader.Size(), nil }
func (z *zisofsContentSource) ID() stream.ID        { return z.id }

func (z *zisofsContentSource) Read(buf []byte) (int, error) {
	n, err := z.reader.ReadAt(buf, z.offset)
	z.offset += int64(n)
	return n, err
}

// NewZisofsContentStream wraps node's on-disc sections in a
// decompressing stream.Stream, per spec §4.13: a zisofs-compressed
// file's content stream transparently inflates the stored blocks
// instead of returning them raw.
func NewZisofsContentStream(bs blocksource.BlockSource, sections []Section, id stream.ID, hdr zisofs.Header) (stream.Stream, error) {
	raw := &sectionReaderAt{bs: bs, sections: sections}
	r, err := zisofs.NewReader(raw, hdr)
	if err != nil {
		return nil, err
	}
	return stream.NewFileSourceStream(&zisofsContentSource{reader: r, id: id}), nil
}

// LocalFileSource maps FileSourceIface operations onto the host OS,
// spec §4.9 "A local-filesystem implementation is also required (used
// for comparison and tests)".
type LocalFileSource struct {
	path string
	f    *os.File
	dir  *os.File
}

func NewLocalFileSource(path string) *LocalFileSource {
	return &LocalFileSource{path: path}
}

func (l *LocalFileSource) GetPath() string { return l.path }
func (l *LocalFileSource) GetName() string { return filepath.Base(l.path) }

func (l *LocalFileSource) Lstat() (fs.FileInfo, error) {
	fi, err := os.Lstat(l.path)
	if err != nil {
		return nil, isoerr.Wrap(isoerr.FileDoesntExist, err, "lstat %q", l.path)
	}
	return fi, nil
}

func (l *LocalFileSource) Stat() (fs.FileInfo, error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		return nil, isoerr.Wrap(isoerr.FileDoesntExist, err, "stat %q", l.path)
	}
	return fi, nil
}

func (l *LocalFileSource) Access() error {
	_, err := os.Stat(l.path)
	if err != nil {
		return isoerr.Wrap(isoerr.FileAccessDenied, err, "access %q", l.path)
	}
	return nil
}

func (l *LocalFileSource) Open() error {
	fi, err := os.Stat(l.path)
	if err != nil {
		return isoerr.Wrap(isoerr.FileDoesntExist, err, "open %q", l.path)
	}
	if fi.IsDir() {
		d, err := os.Open(l.path)
		if err != nil {
			return isoerr.Wrap(isoerr.FileAccessDenied, err, "opendir %q", l.path)
		}
		l.dir = d
		return nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		return isoerr.Wrap(isoerr.FileAccessDenied, err, "open %q", l.path)
	}
	l.f = f
	return nil
}

func (l *LocalFileSource) Close() error {
	if l.dir != nil {
		err := l.dir.Close()
		l.dir = nil
		return err
	}
	if l.f != nil {
		err := l.f.Close()
		l.f = nil
		return err
	}
	return isoerr.New(isoerr.FileNotOpened, "%q not open", l.path)
}

func (l *LocalFileSource) Read(buf []byte) (int, error) {
	if l.dir != nil {
		return 0, isoerr.New(isoerr.FileIsDir, "cannot read directory %q", l.path)
	}
	if l.f == nil {
		return 0, isoerr.New(isoerr.FileNotOpened, "%q not open", l.path)
	}
	return l.f.Read(buf)
}

func (l *LocalFileSource) Lseek(offset int64, whence int) (int64, error) {
	if l.f == nil {
		return 0, isoerr.New(isoerr.FileNotOpened, "%q not open", l.path)
	}
	return l.f.Seek(offset, whence)
}

func (l *LocalFileSource) Readdir() (FileSource, error) {
	if l.dir == nil {
		return nil, isoerr.New(isoerr.FileIsNotDir, "readdir on non-directory %q", l.path)
	}
	names, err := l.dir.Readdirnames(1)
	if err == io.EOF || len(names) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, isoerr.Wrap(isoerr.FileReadError, err, "readdir %q", l.path)
	}
	return NewLocalFileSource(filepath.Join(l.path, names[0])), nil
}

func (l *LocalFileSource) GetAAString(takeOwnership bool) ([]byte, error) {
	return nil, isoerr.New(isoerr.AaipNotEnabled, "local filesystem AAIP not supported")
}

func (l *LocalFileSource) CloneSrc() (FileSource, error) {
	return NewLocalFileSource(l.path), nil
}
