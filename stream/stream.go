// Package stream implements spec §4.12: the three content-stream
// kinds (FileSourceStream, CutOutStream, MemoryStream) sharing one
// open/read/close/id interface, plus the clone propagation rule.
// Grounded on the teacher's internal/squashfs.Reader.FileReader, which
// returns an io.SectionReader over a file's extents — CutOutStream
// here is the same "window over a larger random-access source" idea
// made an explicit, cloneable type.
package stream

import (
	"io"

	"github.com/isofsimport/isofsimport/isoerr"
)

// ID is the stable identity used to coalesce identical content across
// hard-linked files (spec §4.12 "a stable identity (fs_id, dev_id,
// ino_id)").
type ID struct {
	FsID  uint64
	DevID uint64
	InoID uint64
}

// Stream is the shared interface of every content stream kind.
type Stream interface {
	Open() error
	Close() error
	Read(buf []byte) (int, error)
	GetSize() int64
	IsRepeatable() bool
	GetID() ID
	// Clone returns a new, independent Stream over the same logical
	// content, or StreamNoClone if this stream (or one of its
	// upstream links) does not support cloning.
	Clone() (Stream, error)
}

// source is the narrow surface CutOutStream/FileSourceStream need
// from whatever file-like thing they wrap; filesource.FileSource
// satisfies it structurally without stream importing that package.
type source interface {
	Open() error
	Close() error
	Read(buf []byte) (int, error)
	Stat() (size int64, err error)
	ID() ID
}

// FileSourceStream wraps a file-like source, owning one open
// reference to it (spec §4.12 "owns one reference to it").
type FileSourceStream struct {
	src    source
	opened bool
}

func NewFileSourceStream(src source) *FileSourceStream {
	return &FileSourceStream{src: src}
}

func (s *FileSourceStream) Open() error {
	if s.opened {
		return isoerr.New(isoerr.FileAlreadyOpened, "stream already open")
	}
	if err := s.src.Open(); err != nil {
		return err
	}
	s.opened = true
	return nil
}

func (s *FileSourceStream) Close() error {
	if !s.opened {
		return isoerr.New(isoerr.FileNotOpened, "stream not open")
	}
	s.opened = false
	return s.src.Close()
}

func (s *FileSourceStream) Read(buf []byte) (int, error) {
	if !s.opened {
		return 0, isoerr.New(isoerr.FileNotOpened, "stream not open")
	}
	return s.src.Read(buf)
}

func (s *FileSourceStream) GetSize() int64 {
	size, err := s.src.Stat()
	if err != nil {
		return 0
	}
	return size
}

func (s *FileSourceStream) IsRepeatable() bool { return true }

func (s *FileSourceStream) GetID() ID { return s.src.ID() }

func (s *FileSourceStream) Clone() (Stream, error) {
	return nil, isoerr.New(isoerr.StreamNoClone, "FileSourceStream cloning requires clone_src support")
}

// CutOutStream is a window (offset, size) over an upstream Stream,
// used when materializing embedded data such as boot images (spec
// §4.12 "used by the writer side but also by the importer when
// materializing embedded data").
type CutOutStream struct {
	upstream Stream
	offset   int64
	size     int64
	pos      int64
	opened   bool
}

func NewCutOutStream(upstream Stream, offset, size int64) *CutOutStream {
	return &CutOutStream{upstream: upstream, offset: offset, size: size}
}

func (s *CutOutStream) Open() error {
	if s.opened {
		return isoerr.New(isoerr.FileAlreadyOpened, "stream already open")
	}
	if err := s.upstream.Open(); err != nil {
		return err
	}
	s.opened = true
	s.pos = 0
	return s.seekUpstream()
}

func (s *CutOutStream) seekUpstream() error {
	discard := make([]byte, 4096)
	remaining := s.offset
	for remaining > 0 {
		n := int64(len(discard))
		if n > remaining {
			n = remaining
		}
		got, err := s.upstream.Read(discard[:n])
		if err != nil && got == 0 {
			return isoerr.Wrap(isoerr.FileReadError, err, "seeking cut-out stream offset")
		}
		remaining -= int64(got)
	}
	return nil
}

func (s *CutOutStream) Close() error {
	if !s.opened {
		return isoerr.New(isoerr.FileNotOpened, "stream not open")
	}
	s.opened = false
	return s.upstream.Close()
}

func (s *CutOutStream) Read(buf []byte) (int, error) {
	if !s.opened {
		return 0, isoerr.New(isoerr.FileNotOpened, "stream not open")
	}
	remaining := s.size - s.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	n, err := s.upstream.Read(buf)
	s.pos += int64(n)
	return n, err
}

func (s *CutOutStream) GetSize() int64 { return s.size }

func (s *CutOutStream) IsRepeatable() bool { return s.upstream.IsRepeatable() }

func (s *CutOutStream) GetID() ID { return s.upstream.GetID() }

func (s *CutOutStream) Clone() (Stream, error) {
	up, err := s.upstream.Clone()
	if err != nil {
		return nil, err
	}
	return NewCutOutStream(up, s.offset, s.size), nil
}

// MemoryStream owns an in-memory buffer; used for the boot catalog
// content (spec §4.12 "used for the boot catalog content").
type MemoryStream struct {
	data   []byte
	pos    int
	opened bool
	id     ID
}

func NewMemoryStream(data []byte, id ID) *MemoryStream {
	return &MemoryStream{data: data, id: id}
}

func (s *MemoryStream) Open() error {
	if s.opened {
		return isoerr.New(isoerr.FileAlreadyOpened, "stream already open")
	}
	s.opened = true
	s.pos = 0
	return nil
}

func (s *MemoryStream) Close() error {
	if !s.opened {
		return isoerr.New(isoerr.FileNotOpened, "stream not open")
	}
	s.opened = false
	return nil
}

func (s *MemoryStream) Read(buf []byte) (int, error) {
	if !s.opened {
		return 0, isoerr.New(isoerr.FileNotOpened, "stream not open")
	}
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(buf, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *MemoryStream) GetSize() int64 { return int64(len(s.data)) }

func (s *MemoryStream) IsRepeatable() bool { return true }

func (s *MemoryStream) GetID() ID { return s.id }

func (s *MemoryStream) Clone() (Stream, error) {
	cp := make([]byte, len(s.data))
	copy(cp, s.data)
	return NewMemoryStream(cp, s.id), nil
}
