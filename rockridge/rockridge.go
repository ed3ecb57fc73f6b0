// Package rockridge decodes RRIP System Use Entries (PX, TF, NM, SL,
// CL, PL, RE, PN, ZF, SP, ER) streamed from a susp.Iterator into a
// single Info per Directory Record, per spec §4.5. Grounded on
// rstms-iso-kit's pkg/rockridge/rockridge.go (PX both-endian fields,
// POSIX mode bit conversion) and pkg/eltorito/eltorito.go's streaming
// decode style; continuation handling (NM/SL "continue" bit) follows
// the teacher's internal/squashfs.Reader.readdir accumulation pattern
// of building up a logical entity from repeated raw reads.
package rockridge

import (
	"io/fs"
	"strings"
	"time"

	"github.com/isofsimport/isofsimport/isoerr"
	"github.com/isofsimport/isofsimport/susp"
)

// SLComponent flag bits, spec §6.2 "SL" / §4.5.
const (
	slContinue   = 0x01
	slCurrent    = 0x02
	slParent     = 0x04
	slRoot       = 0x08
	slVolRoot    = 0x10
	slHostname   = 0x20
)

// nmContinue etc. mirror the same bit layout for NM (bit 0 only used).
const nmContinue = 0x01

// Info accumulates every Rock Ridge fact gathered for one file or
// directory entry.
type Info struct {
	HasPX      bool
	Mode       fs.FileMode
	Nlink      uint32
	UID        uint32
	GID        uint32
	Serial     uint32

	HasTF      bool
	Access     time.Time
	Modify     time.Time
	Change     time.Time
	Birth      time.Time
	BackupTime time.Time
	Expiration time.Time

	Name string // reassembled from NM, empty if absent

	HasSL      bool
	SymlinkTo  string // reassembled target path

	HasCL      bool
	ChildLBA   uint32 // real directory location for a relocated-dir placeholder

	HasPL      bool
	ParentLBA  uint32 // real parent location, recorded in the relocated dir's "."

	Relocated  bool // RE present: this record is a placeholder

	HasPN      bool
	DevHigh    uint32
	DevLow     uint32

	HasZF      bool
	ZFAlgo     [2]byte
	ZFHeaderSz byte
	ZFLog2Blk  byte
	ZFUncompSz uint32

	HasSP    bool
	SkipLen  int // LEN_SKP published by the root's SP entry

	ExtensionIDs []string // ER identifiers recognized along the way
}

func both32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// parsePosixMode converts a raw POSIX st_mode value (as stored in PX)
// into fs.FileMode, translating the S_IFMT type bits and permission
// bits, matching the conversion rstms-iso-kit applies in its PX decoder.
func parsePosixMode(raw uint32) fs.FileMode {
	var mode fs.FileMode
	switch raw & 0170000 {
	case 0040000:
		mode |= fs.ModeDir
	case 0120000:
		mode |= fs.ModeSymlink
	case 0020000:
		mode |= fs.ModeCharDevice | fs.ModeDevice
	case 0060000:
		mode |= fs.ModeDevice
	case 0010000:
		mode |= fs.ModeNamedPipe
	case 0140000:
		mode |= fs.ModeSocket
	}
	mode |= fs.FileMode(raw & 0777)
	if raw&0004000 != 0 {
		mode |= fs.ModeSetuid
	}
	if raw&0002000 != 0 {
		mode |= fs.ModeSetgid
	}
	if raw&0001000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// Decode drains it, folding every recognized entry into an Info. It
// stops (but does not error) at iterator exhaustion; a malformed
// individual entry is reported via warn and skipped, per spec §4.5
// "each ... failure class is reported ... and decoding of that
// specific field is abandoned, not the whole record".
func Decode(it *susp.Iterator, warn func(isoerr.Kind, string, ...interface{})) (*Info, error) {
	if warn == nil {
		warn = func(isoerr.Kind, string, ...interface{}) {}
	}
	info := &Info{}
	var nameBuf, slBuf strings.Builder
	haveName, haveSL := false, false

	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		switch e.Sig() {
		case "PX":
			if len(e.Payload) < 32 {
				warn(isoerr.WrongRrWarn, "PX entry too short")
				continue
			}
			info.HasPX = true
			info.Mode = parsePosixMode(both32(e.Payload[0:8]))
			info.Nlink = both32(e.Payload[8:16])
			info.UID = both32(e.Payload[16:24])
			info.GID = both32(e.Payload[24:32])
			if len(e.Payload) >= 40 {
				info.Serial = both32(e.Payload[32:40])
			}

		case "TF":
			decodeTF(info, e.Payload, warn)

		case "NM":
			if len(e.Payload) < 1 {
				warn(isoerr.WrongRrWarn, "NM entry too short")
				continue
			}
			flags := e.Payload[0]
			nameBuf.WriteString(string(e.Payload[1:]))
			haveName = true
			if flags&nmContinue == 0 {
				info.Name = nameBuf.String()
			}

		case "SL":
			if len(e.Payload) < 1 {
				warn(isoerr.WrongRrWarn, "SL entry too short")
				continue
			}
			decodeSLComponents(&slBuf, e.Payload[1:], warn)
			haveSL = true
			if e.Payload[0]&slContinue == 0 {
				info.HasSL = true
				info.SymlinkTo = slBuf.String()
			}

		case "CL":
			if len(e.Payload) < 8 {
				warn(isoerr.WrongRrWarn, "CL entry too short")
				continue
			}
			info.HasCL = true
			info.ChildLBA = both32(e.Payload[0:8])

		case "PL":
			if len(e.Payload) < 8 {
				warn(isoerr.WrongRrWarn, "PL entry too short")
				continue
			}
			info.HasPL = true
			info.ParentLBA = both32(e.Payload[0:8])

		case "RE":
			info.Relocated = true

		case "PN":
			if len(e.Payload) < 16 {
				warn(isoerr.WrongRrWarn, "PN entry too short")
				continue
			}
			info.HasPN = true
			info.DevHigh = both32(e.Payload[0:8])
			info.DevLow = both32(e.Payload[8:16])

		case "ZF":
			if len(e.Payload) < 8 {
				warn(isoerr.WrongRrWarn, "ZF entry too short")
				continue
			}
			info.HasZF = true
			info.ZFAlgo = [2]byte{e.Payload[0], e.Payload[1]}
			info.ZFHeaderSz = e.Payload[2]
			info.ZFLog2Blk = e.Payload[3]
			info.ZFUncompSz = both32(e.Payload[4:8])

		case "ER":
			id := extractERIdentifier(e.Payload)
			if id != "" {
				info.ExtensionIDs = append(info.ExtensionIDs, id)
			}

		case "SP":
			// Root-only LEN_SKP announcement, spec §4.4: BE_EF check
			// bytes followed by the skip length.
			if len(e.Payload) >= 3 && e.Payload[0] == 0xBE && e.Payload[1] == 0xEF {
				info.HasSP = true
				info.SkipLen = int(e.Payload[2])
			}

		default:
			// RR, ES and unrecognized signatures: spec §4.5 ignores
			// entries it doesn't recognize rather than treating them
			// as errors.
		}
	}
	if haveName && info.Name == "" {
		// continuation never terminated; best effort, use what we have.
		info.Name = nameBuf.String()
	}
	if haveSL && !info.HasSL {
		info.HasSL = true
		info.SymlinkTo = slBuf.String()
	}
	return info, it.Err()
}

func decodeTF(info *Info, payload []byte, warn func(isoerr.Kind, string, ...interface{})) {
	if len(payload) < 1 {
		warn(isoerr.WrongRrWarn, "TF entry too short")
		return
	}
	flags := payload[0]
	longForm := flags&0x80 != 0
	stampLen := 7
	if longForm {
		stampLen = 17
	}
	pos := 1
	readStamp := func() (time.Time, bool) {
		if pos+stampLen > len(payload) {
			return time.Time{}, false
		}
		b := payload[pos : pos+stampLen]
		pos += stampLen
		if longForm {
			return parseLongTimestamp(b), true
		}
		return parseShortTimestamp(b), true
	}
	info.HasTF = true
	// bit order per spec §6.2: CREATION(0x01) MODIFY(0x02) ACCESS(0x04)
	// ATTRIBUTES(0x08) BACKUP(0x10) EXPIRATION(0x20) EFFECTIVE(0x40).
	if flags&0x01 != 0 {
		if t, ok := readStamp(); ok {
			info.Birth = t
		}
	}
	if flags&0x02 != 0 {
		if t, ok := readStamp(); ok {
			info.Modify = t
		}
	}
	if flags&0x04 != 0 {
		if t, ok := readStamp(); ok {
			info.Access = t
		}
	}
	if flags&0x08 != 0 {
		if t, ok := readStamp(); ok {
			info.Change = t
		}
	}
	if flags&0x10 != 0 {
		if t, ok := readStamp(); ok {
			info.BackupTime = t
		}
	}
	if flags&0x20 != 0 {
		if t, ok := readStamp(); ok {
			info.Expiration = t
		}
	}
}

// parseShortTimestamp decodes the 7-byte ECMA-119 recording timestamp
// form shared with Directory Records (spec §6.1).
func parseShortTimestamp(b []byte) time.Time {
	year := 1900 + int(b[0])
	offsetQuarterHours := int8(b[6])
	loc := time.FixedZone("", int(offsetQuarterHours)*15*60)
	return time.Date(year, time.Month(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, loc)
}

// parseLongTimestamp decodes the 17-byte decimal-digit volume
// timestamp form, same layout as volume.parseVolumeTimestamp.
func parseLongTimestamp(b []byte) time.Time {
	if len(b) < 17 {
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
	digits := string(b[0:16])
	year := atoi(digits[0:4])
	if year == 0 {
		return time.Time{}
	}
	month := atoi(digits[4:6])
	day := atoi(digits[6:8])
	hour := atoi(digits[8:10])
	min := atoi(digits[10:12])
	sec := atoi(digits[12:14])
	hundredths := atoi(digits[14:16])
	offsetQuarterHours := int8(b[16])
	loc := time.FixedZone("", int(offsetQuarterHours)*15*60)
	return time.Date(year, time.Month(month), day, hour, min, sec, hundredths*10*1000*1000, loc)
}

func decodeSLComponents(buf *strings.Builder, payload []byte, warn func(isoerr.Kind, string, ...interface{})) {
	pos := 0
	for pos < len(payload) {
		if pos+2 > len(payload) {
			warn(isoerr.WrongRrWarn, "truncated SL component")
			return
		}
		flags := payload[pos]
		clen := int(payload[pos+1])
		pos += 2
		switch {
		case flags&slCurrent != 0:
			buf.WriteString(".")
		case flags&slParent != 0:
			buf.WriteString("..")
		case flags&slRoot != 0:
			buf.WriteString("/")
		case flags&slVolRoot != 0:
			buf.WriteString("/") // another volume's root: best effort, same tree
		case flags&slHostname != 0:
			buf.WriteString("") // networked host component: name carries the host
		default:
			if pos+clen > len(payload) {
				warn(isoerr.WrongRrWarn, "SL component overruns entry")
				return
			}
			buf.Write(payload[pos : pos+clen])
			pos += clen
		}
		if flags&slContinue == 0 && pos < len(payload) {
			buf.WriteString("/")
		}
	}
}

// extractERIdentifier reads the EXT_ID field out of an ER entry's
// payload (spec §6.2 "ER": len_id, len_des, len_src, ext_ver, then
// id/des/src strings back to back).
func extractERIdentifier(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	lenID := int(payload[0])
	if 4+lenID > len(payload) {
		return ""
	}
	return string(payload[4 : 4+lenID])
}
