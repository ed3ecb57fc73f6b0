// Package directory implements spec §4.3: walking a directory's
// extent(s) to yield each Directory Record, reassembling multi-extent
// records, and skipping the synthetic "." and ".." records except at
// the root. Byte layout from spec §6.1. Grounded on the teacher's
// internal/squashfs.Reader.readdir (two-pass header+entries walk over
// raw metadata bytes) and rstms-iso-kit's directory record parsing
// conventions.
package directory

import (
	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/isoerr"
	"github.com/isofsimport/isofsimport/volume"
)

const (
	flagExistence   = 0x01
	flagDirectory   = 0x02
	flagAssociated  = 0x04
	flagRecordFmt   = 0x08
	flagPermissions = 0x10
	flagMultiExtent = 0x80
)

// Record is one decoded Directory Record, spec §6.1.
type Record struct {
	LBA          uint32
	DataLength   uint32
	Flags        byte
	FileUnitSize byte
	Identifier   string // raw d-characters/d1-characters, not yet charset-converted
	SUA          []byte // System Use Area: everything after the (padded) identifier

	IsDir        bool
	IsAssociated bool
	MultiExtent  bool
	Exists       bool
}

func both32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// parseRecord decodes one Directory Record from buf[0:buf[0]]. It
// returns the number of bytes consumed (the record length, or 0 at
// end-of-block padding).
func parseRecord(buf []byte) (Record, int, error) {
	if len(buf) == 0 {
		return Record{}, 0, nil
	}
	length := int(buf[0])
	if length == 0 {
		return Record{}, 0, nil // padding to block boundary
	}
	if length < 34 || length > len(buf) {
		return Record{}, 0, isoerr.New(isoerr.WrongEcma119, "directory record length %d out of range", length)
	}
	flags := buf[25]
	lenFI := int(buf[32])
	idStart := 33
	idEnd := idStart + lenFI
	if idEnd > length {
		return Record{}, 0, isoerr.New(isoerr.WrongEcma119, "directory record file identifier overruns record")
	}
	ident := string(buf[idStart:idEnd])
	suaStart := idEnd
	if lenFI%2 == 0 {
		suaStart++ // padding byte
	}
	var sua []byte
	if suaStart < length {
		sua = buf[suaStart:length]
	}
	rec := Record{
		LBA:          both32(buf[2:10]),
		DataLength:   both32(buf[10:18]),
		Flags:        flags,
		FileUnitSize: buf[26],
		Identifier:   ident,
		SUA:          sua,
		IsDir:        flags&flagDirectory != 0,
		IsAssociated: flags&flagAssociated != 0,
		MultiExtent:  flags&flagMultiExtent != 0,
		Exists:       flags&flagExistence == 0,
	}
	return rec, length, nil
}

// IsDot reports whether ident is the self ("\x00") or parent ("\x01")
// placeholder identifier used for "." and "..".
func IsDot(ident string) bool {
	return len(ident) == 1 && (ident[0] == 0x00 || ident[0] == 0x01)
}

// IsParentDot reports whether ident is specifically the ".." placeholder.
func IsParentDot(ident string) bool {
	return len(ident) == 1 && ident[0] == 0x01
}

// Walk reads every record in the directory described by ref, calling
// visit once per logical entry (after multi-extent reassembly of
// directories spanning more than one extent is NOT performed here,
// since ISO 9660 directories are not themselves multi-extent in
// practice; multi-extent reassembly applies to file data and is done
// by the node/stream layer using the MultiExtent flag on successive
// siblings). Visiting stops early if visit returns a non-nil error.
func Walk(bs blocksource.BlockSource, ref volume.DirRef, visit func(Record) error) error {
	if ref.Size == 0 {
		return isoerr.New(isoerr.WrongEcma119, "zero-length directory")
	}
	nblocks := (ref.Size + blocksource.SectorSize - 1) / blocksource.SectorSize
	buf := make([]byte, blocksource.SectorSize)
	for i := uint32(0); i < nblocks; i++ {
		if err := bs.ReadBlock(ref.LBA+i, buf); err != nil {
			return isoerr.Wrap(isoerr.ReadError, err, "reading directory block %d", ref.LBA+i)
		}
		pos := 0
		for pos < len(buf) {
			rec, n, err := parseRecord(buf[pos:])
			if err != nil {
				return err
			}
			if n == 0 {
				break // rest of block is padding
			}
			if err := visit(rec); err != nil {
				return err
			}
			pos += n
		}
	}
	return nil
}

// Children walks ref and returns every entry except the "." and ".."
// placeholders, in on-disc order. Both are skipped in every directory,
// the root included; the root's own "." record is read with Self.
func Children(bs blocksource.BlockSource, ref volume.DirRef) ([]Record, error) {
	var out []Record
	err := Walk(bs, ref, func(r Record) error {
		if IsDot(r.Identifier) {
			return nil
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Self reads the "." record of the directory at ref, which (under
// Rock Ridge) carries the root or directory's own PX/TF/SUA data.
func Self(bs blocksource.BlockSource, ref volume.DirRef) (Record, error) {
	var self Record
	found := false
	err := Walk(bs, ref, func(r Record) error {
		if !found && len(r.Identifier) == 1 && r.Identifier[0] == 0x00 {
			self = r
			found = true
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, isoerr.New(isoerr.WrongEcma119, "directory missing '.' record")
	}
	return self, nil
}
