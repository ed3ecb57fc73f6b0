// Package susp streams System Use Sharing Protocol entries out of a
// directory record's System Use Area, transparently following CE
// continuation-area pointers (spec §4.4). Grounded on the teacher's
// internal/squashfs.blockReader, which also implements an "on demand,
// read ahead as needed" streaming reader over a fixed-format byte
// stream (SquashFS's metadata blocks); the continuation-following
// logic here is the SUSP analog of that block-by-block resumption.
package susp

import (
	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/isoerr"
)

// Entry is one SUSP System Use Entry: {signature[2], length, version,
// payload}, per spec §6.1.
type Entry struct {
	Signature [2]byte
	Version   byte
	Payload   []byte // excludes the 4-byte sig/len/version header
}

func (e Entry) Sig() string { return string(e.Signature[:]) }

// CE describes a continuation area pointer: (block, offset, length)
// of a byte window to continue reading SUSP entries from.
type CE struct {
	Block  uint32
	Offset uint32
	Length uint32
}

// ParseCE decodes a CE entry's payload (spec §6.1: block_both[4..11]
// offset_both[12..19] length_both[20..27], counted from the start of
// the CE entry itself, i.e. payload[0:8], payload[8:16] and
// payload[16:24] once the 4-byte SUSP header is stripped).
func ParseCE(payload []byte) (CE, error) {
	if len(payload) < 24 {
		return CE{}, isoerr.New(isoerr.UnsupportedSusp, "CE entry too short")
	}
	return CE{
		Block:  both32(payload[0:8]),
		Offset: both32(payload[8:16]),
		Length: both32(payload[16:24]),
	}, nil
}

func both32(b []byte) uint32 {
	// little-endian half is authoritative; big-endian half is
	// redundant validation data per ECMA-119 "both byte orders".
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Iterator streams entries from an initial SUA, resuming into CE
// continuation areas read from bs on demand (spec §4.4).
type Iterator struct {
	bs      blocksource.BlockSource
	cur     []byte // remaining bytes of the current window
	skipLen int    // LEN_SKP from the root SP entry, applied once
	skipped bool
	err     error
	warn    func(isoerr.Kind, string, ...interface{})
}

// NewIterator constructs an iterator over the initial SUA bytes. skipLen
// is the LEN_SKP published by the root's SP entry (0 if not yet
// known); it is skipped once, at the start of the very first window,
// per spec §4.4 "Skips LEN_SKP bytes at the start of each SUA" — in
// practice only the directory record's own SUA is affected since
// continuation areas are raw System Use Entry streams without a
// leading SP.
func NewIterator(bs blocksource.BlockSource, sua []byte, skipLen int, warn func(isoerr.Kind, string, ...interface{})) *Iterator {
	if warn == nil {
		warn = func(isoerr.Kind, string, ...interface{}) {}
	}
	return &Iterator{bs: bs, cur: sua, skipLen: skipLen, warn: warn}
}

// Err returns the first error encountered, if iteration stopped early
// due to malformed data (spec §4.4 "Tolerates and recovers from
// malformed entries by stopping the current iteration").
func (it *Iterator) Err() error { return it.err }

// Next returns the next SUSP entry, or ok=false when the stream is
// exhausted (cleanly, or after a recoverable malformed-entry stop).
func (it *Iterator) Next() (Entry, bool) {
	if !it.skipped {
		it.skipped = true
		if it.skipLen > 0 && it.skipLen <= len(it.cur) {
			it.cur = it.cur[it.skipLen:]
		}
	}
	for {
		if len(it.cur) == 0 {
			return Entry{}, false
		}
		// A run of zero bytes pads to the end of a window; nothing
		// more to read from it.
		if it.cur[0] == 0 {
			return Entry{}, false
		}
		if len(it.cur) < 4 {
			it.warn(isoerr.UnsupportedSusp, "truncated SUSP entry header")
			it.err = isoerr.New(isoerr.UnsupportedSusp, "truncated SUSP entry header")
			return Entry{}, false
		}
		length := int(it.cur[2])
		version := it.cur[3]
		if length < 4 || length > len(it.cur) {
			it.warn(isoerr.UnsupportedSusp, "SUSP entry length %d out of range", length)
			it.err = isoerr.New(isoerr.UnsupportedSusp, "SUSP entry length %d out of range", length)
			return Entry{}, false
		}
		entry := Entry{
			Version: version,
			Payload: it.cur[4:length],
		}
		copy(entry.Signature[:], it.cur[0:2])
		it.cur = it.cur[length:]

		if entry.Sig() == "CE" {
			ce, err := ParseCE(entry.Payload)
			if err != nil {
				it.warn(isoerr.UnsupportedSusp, "malformed CE entry: %v", err)
				it.err = err
				return Entry{}, false
			}
			if err := it.followCE(ce); err != nil {
				it.warn(isoerr.UnsupportedSusp, "following CE: %v", err)
				it.err = err
				return Entry{}, false
			}
			continue
		}

		if version != 1 {
			// spec §4.4 "Ignores entries whose version != 1".
			continue
		}
		return entry, true
	}
}

func (it *Iterator) followCE(ce CE) error {
	blockBuf := make([]byte, 0, ce.Length+blocksource.SectorSize)
	remaining := int64(ce.Length)
	lba := ce.Block
	offset := int64(ce.Offset)
	buf := make([]byte, blocksource.SectorSize)
	for remaining > 0 {
		if err := it.bs.ReadBlock(lba, buf); err != nil {
			return isoerr.Wrap(isoerr.ReadError, err, "reading CE continuation block %d", lba)
		}
		start := offset
		if start > blocksource.SectorSize {
			start = blocksource.SectorSize
		}
		avail := int64(blocksource.SectorSize) - start
		take := avail
		if take > remaining {
			take = remaining
		}
		if take > 0 {
			blockBuf = append(blockBuf, buf[start:start+take]...)
		}
		remaining -= take
		offset = 0
		lba++
	}
	it.cur = blockBuf
	return nil
}
