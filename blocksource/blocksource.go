// Package blocksource implements spec §4.1: a reference-counted,
// random-access reader of 2048-byte logical blocks. Grounded on the
// teacher's internal/squashfs.Reader, which wraps an io.ReaderAt the
// same way (superblock + inode table reads via io.NewSectionReader),
// generalized here with explicit open/close reference counting (spec
// §5 "Shared resources": "callers must pair their opens and closes").
package blocksource

import (
	"io"
	"os"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/isofsimport/isofsimport/isoerr"
)

// SectorSize is the fixed ISO 9660 logical block size (spec §6.1).
const SectorSize = 2048

// BlockSource is a random-access reader of fixed-size logical blocks.
// It does not cache; a single ReadBlock call may be coalesced
// internally by the implementation but the interface guarantees
// random access semantics.
type BlockSource interface {
	// ReadBlock reads exactly SectorSize bytes at the given LBA into
	// buf. buf must have length >= SectorSize.
	ReadBlock(lba uint32, buf []byte) error

	// NumBlocks returns the total size of the underlying medium in
	// blocks, or -1 if unknown.
	NumBlocks() int64

	// Open increments the reference count, opening the underlying
	// device on first use. Idempotent w.r.t. the device: concurrent
	// opens only open the device once (spec §5).
	Open() error

	// Close decrements the reference count, closing the underlying
	// device once the count reaches zero.
	Close() error
}

// refCounted implements the open/close depth counter shared by every
// BlockSource implementation below.
type refCounted struct {
	mu       sync.Mutex
	depth    int
	openFn   func() error
	closeFn  func() error
	isOpened bool
}

func (r *refCounted) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth++
	if r.depth == 1 && r.openFn != nil {
		if err := r.openFn(); err != nil {
			r.depth--
			return err
		}
		r.isOpened = true
	}
	return nil
}

func (r *refCounted) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.depth == 0 {
		return isoerr.New(isoerr.AssertFailure, "Close called more often than Open")
	}
	r.depth--
	if r.depth == 0 && r.isOpened && r.closeFn != nil {
		err := r.closeFn()
		r.isOpened = false
		return err
	}
	return nil
}

// FileBlockSource reads blocks from an *os.File (a regular ISO image
// file or a raw optical device node such as /dev/sr0).
type FileBlockSource struct {
	refCounted
	path      string
	startSkew uint32 // additional LBA offset, e.g. for embedded/combined images
	f         *os.File
	size      int64
}

// NewFileBlockSource constructs a BlockSource backed by the file at
// path. The file is not opened until Open is called.
func NewFileBlockSource(path string) *FileBlockSource {
	bs := &FileBlockSource{path: path, size: -1}
	bs.openFn = bs.doOpen
	bs.closeFn = bs.doClose
	return bs
}

func (bs *FileBlockSource) doOpen() error {
	f, err := os.Open(bs.path)
	if err != nil {
		return isoerr.Wrap(isoerr.ReadError, err, "opening block source %q", bs.path)
	}
	bs.f = f
	if fi, err := f.Stat(); err == nil {
		bs.size = fi.Size() / SectorSize
	}
	return nil
}

func (bs *FileBlockSource) doClose() error {
	if bs.f == nil {
		return nil
	}
	err := bs.f.Close()
	bs.f = nil
	return err
}

func (bs *FileBlockSource) NumBlocks() int64 { return bs.size }

func (bs *FileBlockSource) ReadBlock(lba uint32, buf []byte) error {
	if len(buf) < SectorSize {
		return isoerr.New(isoerr.NullPointer, "buffer shorter than sector size")
	}
	if bs.f == nil {
		return isoerr.New(isoerr.FileNotOpened, "block source %q not open", bs.path)
	}
	if bs.size >= 0 && int64(lba) >= bs.size {
		return isoerr.New(isoerr.RangeError, "lba %d beyond image of %d blocks", lba, bs.size)
	}
	off := int64(lba+bs.startSkew) * SectorSize
	n, err := bs.f.ReadAt(buf[:SectorSize], off)
	if err != nil && err != io.EOF {
		return isoerr.Wrap(isoerr.ReadError, err, "reading block %d", lba)
	}
	if n < SectorSize {
		return isoerr.New(isoerr.RangeError, "short read at block %d: got %d bytes", lba, n)
	}
	return nil
}

// MemoryBlockSource reads blocks out of an in-memory byte slice. Used
// by tests to build synthetic ISO images without touching a real
// file, the same technique the teacher uses to build tiny SquashFS
// images in internal/squashfs/writer_test.go.
type MemoryBlockSource struct {
	refCounted
	data []byte
}

func NewMemoryBlockSource(data []byte) *MemoryBlockSource {
	return &MemoryBlockSource{data: data}
}

func (bs *MemoryBlockSource) NumBlocks() int64 { return int64(len(bs.data)) / SectorSize }

func (bs *MemoryBlockSource) ReadBlock(lba uint32, buf []byte) error {
	if len(buf) < SectorSize {
		return isoerr.New(isoerr.NullPointer, "buffer shorter than sector size")
	}
	off := int64(lba) * SectorSize
	if off+SectorSize > int64(len(bs.data)) {
		return isoerr.New(isoerr.RangeError, "lba %d beyond image of %d blocks", lba, bs.NumBlocks())
	}
	copy(buf[:SectorSize], bs.data[off:off+SectorSize])
	return nil
}

// MmapBlockSource reads blocks from a memory-mapped file, avoiding a
// syscall per ReadBlock for the common case of repeatedly scanning a
// local image (directory traversal re-reads the same directory extent
// many times). Grounded on the teacher's internal/install.go, which
// opens installed package squashfs images via mmap.Open and reads the
// superblock/inode table directly off the returned io.ReaderAt.
type MmapBlockSource struct {
	refCounted
	path string
	r    *mmap.ReaderAt
	size int64
}

// NewMmapBlockSource constructs a BlockSource backed by a memory
// mapping of the file at path. The mapping is established on Open.
func NewMmapBlockSource(path string) *MmapBlockSource {
	bs := &MmapBlockSource{path: path, size: -1}
	bs.openFn = bs.doOpen
	bs.closeFn = bs.doClose
	return bs
}

func (bs *MmapBlockSource) doOpen() error {
	r, err := mmap.Open(bs.path)
	if err != nil {
		return isoerr.Wrap(isoerr.ReadError, err, "mmapping block source %q", bs.path)
	}
	bs.r = r
	bs.size = int64(r.Len()) / SectorSize
	return nil
}

func (bs *MmapBlockSource) doClose() error {
	if bs.r == nil {
		return nil
	}
	err := bs.r.Close()
	bs.r = nil
	return err
}

func (bs *MmapBlockSource) NumBlocks() int64 { return bs.size }

func (bs *MmapBlockSource) ReadBlock(lba uint32, buf []byte) error {
	if len(buf) < SectorSize {
		return isoerr.New(isoerr.NullPointer, "buffer shorter than sector size")
	}
	if bs.r == nil {
		return isoerr.New(isoerr.FileNotOpened, "block source %q not open", bs.path)
	}
	if bs.size >= 0 && int64(lba) >= bs.size {
		return isoerr.New(isoerr.RangeError, "lba %d beyond image of %d blocks", lba, bs.size)
	}
	off := int64(lba) * SectorSize
	n, err := bs.r.ReadAt(buf[:SectorSize], off)
	if err != nil && err != io.EOF {
		return isoerr.Wrap(isoerr.ReadError, err, "reading block %d", lba)
	}
	if n < SectorSize {
		return isoerr.New(isoerr.RangeError, "short read at block %d: got %d bytes", lba, n)
	}
	return nil
}

// Shared wraps a BlockSource with reference counting so that the
// importer and every FileSource created from it can share one
// physical handle, closed only when the last reference drops (spec
// §3 "Lifecycle and ownership").
type Shared struct {
	BlockSource
}

func NewShared(bs BlockSource) *Shared { return &Shared{BlockSource: bs} }
