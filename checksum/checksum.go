// Package checksum implements spec §4.11 ChecksumVerifier: MD5 tag
// validation over the superblock/tree area before tree import, using
// isofs.ca/isofs.cx-referenced per-file tags loaded afterward for
// later content verification. Grounded on the teacher's squashfs
// reader not having an analogous feature; the "walk several
// independent fixed-size ranges and cross-check a fingerprint"
// pattern instead follows the teacher's use of
// golang.org/x/sync/errgroup in internal/fuse.Mount to run concurrent,
// independently-failing operations and join their errors.
package checksum

import (
	"context"
	"crypto/md5"
	"encoding/binary"

	"golang.org/x/sync/errgroup"

	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/isoerr"
)

// TagType identifies which of the fixed tag slots a Tag occupies,
// spec §4.11 "superblock tag at index 2, tree tag at index 3, optional
// relocated-superblock tag at index 4".
type TagType int

const (
	TagSuperblock TagType = iota
	TagTree
	TagRelocatedSuperblock
)

var tagMagic = [5]byte{'M', 'D', '5', '_', '2'}

// Tag is one embedded MD5 checksum tag block.
type Tag struct {
	Type      TagType
	Pos       uint32 // block this tag itself occupies
	StartLBA  uint32 // first block of the range this tag covers
	NextTag   uint32 // block of the next tag (0 if none)
	Sum       [16]byte
}

// tagBlockOffset is the fixed offset within a 2048-byte tag block
// where the tag fields begin, matching libisofs's convention of
// storing the tag at the start of an otherwise padding block.
const tagBlockOffset = 0

func parseTag(buf []byte) (Tag, bool) {
	if len(buf) < tagBlockOffset+5+1+4+4+4+16 {
		return Tag{}, false
	}
	b := buf[tagBlockOffset:]
	if string(b[0:5]) != string(tagMagic[:]) {
		return Tag{}, false
	}
	t := Tag{
		Type:     TagType(b[5]),
		Pos:      binary.LittleEndian.Uint32(b[6:10]),
		StartLBA: binary.LittleEndian.Uint32(b[10:14]),
		NextTag:  binary.LittleEndian.Uint32(b[14:18]),
	}
	copy(t.Sum[:], b[18:34])
	return t, true
}

// ReadTag reads and parses the tag block at lba.
func ReadTag(bs blocksource.BlockSource, lba uint32) (Tag, error) {
	buf := make([]byte, blocksource.SectorSize)
	if err := bs.ReadBlock(lba, buf); err != nil {
		return Tag{}, isoerr.Wrap(isoerr.ReadError, err, "reading checksum tag at block %d", lba)
	}
	tag, ok := parseTag(buf)
	if !ok {
		return Tag{}, isoerr.New(isoerr.Md5AreaCorrupted, "no valid MD5 tag at block %d", lba)
	}
	return tag, nil
}

// computeRange recomputes the MD5 of blocks [start, end).
func computeRange(bs blocksource.BlockSource, start, end uint32) ([16]byte, error) {
	h := md5.New()
	buf := make([]byte, blocksource.SectorSize)
	for lba := start; lba < end; lba++ {
		if err := bs.ReadBlock(lba, buf); err != nil {
			return [16]byte{}, isoerr.Wrap(isoerr.ReadError, err, "reading block %d for checksum", lba)
		}
		h.Write(buf)
	}
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Verify walks the superblock and tree tags starting at startLBA,
// recomputing and comparing each against its embedded sum; a
// relocated-superblock tag redirects the check to the real session
// start (spec §4.11 "A RelocatedSuperblock tag redirects the check to
// the real session start"). Tag ranges are verified concurrently via
// an errgroup since they are independent once located.
func Verify(bs blocksource.BlockSource, startLBA uint32) error {
	sbTag, err := ReadTag(bs, startLBA+2)
	if err != nil {
		return err
	}
	if sbTag.Type == TagRelocatedSuperblock {
		return Verify(bs, sbTag.StartLBA)
	}
	treeTag, err := ReadTag(bs, startLBA+3)
	if err != nil {
		return err
	}

	tags := []Tag{sbTag, treeTag}
	if relocTag, err := ReadTag(bs, startLBA+4); err == nil && relocTag.Type == TagRelocatedSuperblock {
		tags = append(tags, relocTag)
	}

	g, _ := errgroup.WithContext(context.Background())
	for _, t := range tags {
		t := t
		g.Go(func() error {
			sum, err := computeRange(bs, t.StartLBA, t.NextTag)
			if err != nil {
				return err
			}
			if sum != t.Sum {
				return isoerr.New(isoerr.SbTreeCorrupted, "MD5 mismatch for tag type %d covering blocks [%d,%d)", t.Type, t.StartLBA, t.NextTag)
			}
			return nil
		})
	}
	return g.Wait()
}

// FileTag is one per-file MD5 entry from the isofs.cx-referenced
// array, loaded after import for later content verification (spec
// §4.11 "not used during tree building").
type FileTag struct {
	Index int
	Sum   [16]byte
}

// LoadFileTags parses the isofs.ca xattr payload: a flat array of
// 16-byte MD5 sums, one per file, indexed by the isofs.cx xattr value
// each file carries.
func LoadFileTags(caPayload []byte) ([]FileTag, error) {
	if len(caPayload)%16 != 0 {
		return nil, isoerr.New(isoerr.Md5AreaCorrupted, "isofs.ca payload not a multiple of 16 bytes")
	}
	n := len(caPayload) / 16
	out := make([]FileTag, n)
	for i := 0; i < n; i++ {
		out[i].Index = i
		copy(out[i].Sum[:], caPayload[i*16:i*16+16])
	}
	return out, nil
}

// VerifyFile recomputes a file's MD5 from its content stream and
// compares it to the tag at cxIndex.
func VerifyFile(tags []FileTag, cxIndex int, content []byte) error {
	if cxIndex < 0 || cxIndex >= len(tags) {
		return isoerr.New(isoerr.Md5AreaCorrupted, "isofs.cx index %d out of range", cxIndex)
	}
	sum := md5.Sum(content)
	if sum != tags[cxIndex].Sum {
		return isoerr.New(isoerr.Md5TagMismatch, "content MD5 mismatch for file index %d", cxIndex)
	}
	return nil
}
