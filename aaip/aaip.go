// Package aaip implements the Arbitrary Attribute Interchange Protocol
// codec (spec §4.6): decoding/encoding of extended attribute lists and
// POSIX ACLs (access + default) carried in chained AA/AL SUSP fields.
// Grounded on the teacher's squashfs xattr ID table walk
// (internal/squashfs.Reader.ReadXattrs, a chained on-disk attribute
// storage reader) for the "walk a chain of bounded records into a
// flat list" shape, and on rstms-iso-kit's component-level SUSP entry
// decoding style for the streaming layer.
package aaip

import (
	"sort"
	"strconv"
	"strings"

	"github.com/isofsimport/isofsimport/isoerr"
	"github.com/isofsimport/isofsimport/susp"
)

// Attr is one decoded (name, value) pair. An Attr with an empty Name
// carries the binary-encoded ACL instead of a regular xattr, per spec
// §4.6 "ACLs as a pair with empty name".
type Attr struct {
	Name  string
	Value []byte
}

const maxComponentPayload = 250

// DecodeList drains every AA/AL entry produced by it into a flat list
// of attribute pairs, applying caller-given bounds (spec §4.6 "List
// level ... accumulates a full list under caller-given memory and
// count limits"). Oversized pairs are skipped and counted in skipped.
func DecodeList(it *susp.Iterator, maxCount, maxBytes int, warn func(isoerr.Kind, string, ...interface{})) (attrs []Attr, skipped int, err error) {
	if warn == nil {
		warn = func(isoerr.Kind, string, ...interface{}) {}
	}
	raw, err := collectComponents(it, warn)
	if err != nil {
		return nil, 0, err
	}
	pos := 0
	total := 0
	for pos < len(raw) {
		name, n, ok := readComponent(raw[pos:])
		if !ok {
			break
		}
		pos += n
		value, n, ok := readComponent(raw[pos:])
		if !ok {
			warn(isoerr.AaipBadAAString, "attribute %q missing value component", name)
			break
		}
		pos += n

		if maxCount > 0 && len(attrs) >= maxCount {
			skipped++
			continue
		}
		if maxBytes > 0 && total+len(name)+len(value) > maxBytes {
			skipped++
			continue
		}
		total += len(name) + len(value)
		attrs = append(attrs, Attr{Name: string(name), Value: value})
	}
	return attrs, skipped, nil
}

// collectComponents concatenates every AA/AL field's payload (after
// its continuation-flag byte) into one logical byte stream, per spec
// §4.6 "chained AA/AL fields, each up to 250 payload bytes with a
// CONTINUE bit".
func collectComponents(it *susp.Iterator, warn func(isoerr.Kind, string, ...interface{})) ([]byte, error) {
	var buf []byte
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if e.Sig() != "AA" && e.Sig() != "AL" {
			continue
		}
		if len(e.Payload) < 1 {
			warn(isoerr.AaipBadAAString, "empty AAIP field")
			continue
		}
		flags := e.Payload[0]
		payload := e.Payload[1:]
		if len(payload) > maxComponentPayload {
			warn(isoerr.AaipBadAAString, "AAIP field payload exceeds 250 bytes")
			payload = payload[:maxComponentPayload]
		}
		buf = append(buf, payload...)
		if flags&0x01 == 0 {
			break // no CONTINUE bit: this was the last field
		}
	}
	return buf, it.Err()
}

// readComponent reads one length-prefixed component: a single byte
// giving the component's length (0..255), followed by that many
// bytes. This is the "component level" primitive of spec §4.6.
func readComponent(b []byte) (value []byte, consumed int, ok bool) {
	if len(b) < 1 {
		return nil, 0, false
	}
	n := int(b[0])
	if 1+n > len(b) {
		return nil, 0, false
	}
	return b[1 : 1+n], 1 + n, true
}

// EncodeList produces the length-prefixed name/value component stream
// for attrs. It writes no AA field headers or CONTINUE flags: the
// returned payload bytes are split into ≤250-byte SUSP entries by the
// caller's SUA writer. sizeOnly, if true, skips building the byte
// slice and only the returned length is meaningful.
func EncodeList(attrs []Attr, sizeOnly bool) (encoded []byte, size int) {
	for _, a := range attrs {
		size += 1 + len(a.Name) + 1 + len(a.Value)
	}
	if sizeOnly {
		return nil, size
	}
	encoded = make([]byte, 0, size)
	for _, a := range attrs {
		encoded = append(encoded, byte(len(a.Name)))
		encoded = append(encoded, a.Name...)
		encoded = append(encoded, byte(len(a.Value)))
		encoded = append(encoded, a.Value...)
	}
	return encoded, size
}

// AclEntry is one parsed POSIX ACL text entry, e.g. "user:1000:rwx".
type AclEntry struct {
	Tag      string // "user", "group", "mask", "other", "user_obj", "group_obj"
	Qualifier string // uid/gid as decimal text, empty for unqualified entries
	Perm     uint8  // rwx bits, 0x4/0x2/0x1
}

// ParseAclText parses the colon-separated long-text ACL form (spec
// §4.6), one entry per line or comma-separated, into a sorted slice
// grounded on the canonical POSIX.1e short form.
func ParseAclText(text string) ([]AclEntry, error) {
	var out []AclEntry
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		parts := strings.Split(f, ":")
		if len(parts) < 2 {
			return nil, isoerr.New(isoerr.AaipBadAclText, "malformed ACL entry %q", f)
		}
		tag := parts[0]
		var qualifier, permStr string
		if len(parts) == 3 {
			qualifier, permStr = parts[1], parts[2]
		} else {
			permStr = parts[1]
		}
		perm, err := parsePerm(permStr)
		if err != nil {
			return nil, isoerr.Wrap(isoerr.AaipBadAclText, err, "entry %q", f)
		}
		switch tag {
		case "user":
			if qualifier == "" {
				tag = "user_obj"
			}
		case "group":
			if qualifier == "" {
				tag = "group_obj"
			}
		}
		out = append(out, AclEntry{Tag: tag, Qualifier: qualifier, Perm: perm})
	}
	sortAclEntries(out)
	return out, nil
}

func parsePerm(s string) (uint8, error) {
	if len(s) != 3 {
		return 0, isoerr.New(isoerr.AaipBadAclText, "bad permission field %q", s)
	}
	var p uint8
	if s[0] == 'r' {
		p |= 0x4
	} else if s[0] != '-' {
		return 0, isoerr.New(isoerr.AaipBadAclText, "bad read bit in %q", s)
	}
	if s[1] == 'w' {
		p |= 0x2
	} else if s[1] != '-' {
		return 0, isoerr.New(isoerr.AaipBadAclText, "bad write bit in %q", s)
	}
	if s[2] == 'x' {
		p |= 0x1
	} else if s[2] != '-' {
		return 0, isoerr.New(isoerr.AaipBadAclText, "bad execute bit in %q", s)
	}
	return p, nil
}

func permText(p uint8) string {
	r, w, x := byte('-'), byte('-'), byte('-')
	if p&0x4 != 0 {
		r = 'r'
	}
	if p&0x2 != 0 {
		w = 'w'
	}
	if p&0x1 != 0 {
		x = 'x'
	}
	return string([]byte{r, w, x})
}

var tagOrder = map[string]int{"user_obj": 0, "user": 1, "group_obj": 2, "group": 3, "mask": 4, "other": 5}

func sortAclEntries(entries []AclEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		oi, oj := tagOrder[entries[i].Tag], tagOrder[entries[j].Tag]
		if oi != oj {
			return oi < oj
		}
		return entries[i].Qualifier < entries[j].Qualifier
	})
}

// FormatAclText renders entries back to long-text form.
func FormatAclText(entries []AclEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		tag := e.Tag
		if tag == "user_obj" {
			tag = "user"
		}
		if tag == "group_obj" {
			tag = "group"
		}
		b.WriteString(tag)
		b.WriteByte(':')
		b.WriteString(e.Qualifier)
		b.WriteByte(':')
		b.WriteString(permText(e.Perm))
	}
	return b.String()
}

// CleanoutAclText removes user_obj/group_obj/other entries that
// merely replicate the S_IRWXU/S_IRWXG/S_IRWXO bits of mode, per spec
// §4.6 "(a) cleanout".
func CleanoutAclText(entries []AclEntry, mode uint32) []AclEntry {
	u := uint8((mode >> 6) & 0x7)
	g := uint8((mode >> 3) & 0x7)
	o := uint8(mode & 0x7)
	var out []AclEntry
	for _, e := range entries {
		switch e.Tag {
		case "user_obj":
			if e.Perm == u {
				continue
			}
		case "group_obj":
			if e.Perm == g {
				continue
			}
		case "other":
			if e.Perm == o {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// FillAclText appends the minimal entries required to make entries a
// complete ACL given mode, per spec §4.6 "(b) fill".
func FillAclText(entries []AclEntry, mode uint32) []AclEntry {
	has := func(tag string) bool {
		for _, e := range entries {
			if e.Tag == tag {
				return true
			}
		}
		return false
	}
	out := append([]AclEntry(nil), entries...)
	if !has("user_obj") {
		out = append(out, AclEntry{Tag: "user_obj", Perm: uint8((mode >> 6) & 0x7)})
	}
	if !has("group_obj") {
		out = append(out, AclEntry{Tag: "group_obj", Perm: uint8((mode >> 3) & 0x7)})
	}
	if !has("other") {
		out = append(out, AclEntry{Tag: "other", Perm: uint8(mode & 0x7)})
	}
	sortAclEntries(out)
	return out
}

// ModeFromAcl derives permission bits from entries, preferring the
// mask:: entry over group:: when both are present, per spec §4.6
// "(c) ... preferring the mask:: entry over group:: when both are
// present".
func ModeFromAcl(entries []AclEntry, mode uint32) uint32 {
	var u, g, o uint8
	var haveMask bool
	var mask uint8
	for _, e := range entries {
		switch e.Tag {
		case "user_obj":
			u = e.Perm
		case "group_obj":
			g = e.Perm
		case "other":
			o = e.Perm
		case "mask":
			mask = e.Perm
			haveMask = true
		}
	}
	if haveMask {
		g = mask
	}
	m := mode &^ 0777
	m |= uint32(u) << 6
	m |= uint32(g) << 3
	m |= uint32(o)
	return m
}

// RestoreGroupBitsFromAcl recovers S_IRWXG from the former group::
// entry when an ACL is dropped, per spec §4.6 "the node's S_IRWXG
// bits are restored from the former group:: entry (not the mask::)".
func RestoreGroupBitsFromAcl(entries []AclEntry, mode uint32) uint32 {
	for _, e := range entries {
		if e.Tag == "group_obj" {
			return (mode &^ 0070) | (uint32(e.Perm) << 3)
		}
	}
	return mode
}

// aclSwitchMarkDefault must not collide with any value in tagOrder
// (0..5), since decodeAclEntries tells a tag byte and the switch mark
// apart only by value.
const aclSwitchMarkDefault = 0xFF

// EncodeAcl converts access and (optional) default ACL text into
// AAIP's binary ACL attribute value, prepending a SWITCH_MARK byte
// ahead of the default ACL's entries when present (spec §4.6 "ACL
// encoding ... prepended by a SWITCH_MARK byte").
func EncodeAcl(accessText, defaultText string) ([]byte, error) {
	access, err := ParseAclText(accessText)
	if err != nil {
		return nil, err
	}
	var out []byte
	out = append(out, encodeAclEntries(access)...)
	if defaultText != "" {
		def, err := ParseAclText(defaultText)
		if err != nil {
			return nil, err
		}
		out = append(out, aclSwitchMarkDefault)
		out = append(out, encodeAclEntries(def)...)
	}
	return out, nil
}

func encodeAclEntries(entries []AclEntry) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, byte(tagOrder[e.Tag]), e.Perm)
		out = append(out, byte(len(e.Qualifier)))
		out = append(out, e.Qualifier...)
	}
	return out
}

// DecodeAcl is the inverse of EncodeAcl, splitting access and default
// entries on the SWITCH_MARK byte.
func DecodeAcl(raw []byte) (accessText, defaultText string, err error) {
	access, rest, err := decodeAclEntries(raw, true)
	if err != nil {
		return "", "", err
	}
	accessText = FormatAclText(access)
	if len(rest) == 0 {
		return accessText, "", nil
	}
	if rest[0] != aclSwitchMarkDefault {
		return "", "", isoerr.New(isoerr.AaipBadAcl, "expected SWITCH_MARK, got 0x%02x", rest[0])
	}
	def, _, err := decodeAclEntries(rest[1:], false)
	if err != nil {
		return "", "", err
	}
	return accessText, FormatAclText(def), nil
}

var reverseTagOrder = map[int]string{0: "user_obj", 1: "user", 2: "group_obj", 3: "group", 4: "mask", 5: "other"}

func decodeAclEntries(raw []byte, stopAtSwitch bool) ([]AclEntry, []byte, error) {
	var out []AclEntry
	pos := 0
	for pos < len(raw) {
		if stopAtSwitch && raw[pos] == aclSwitchMarkDefault {
			break
		}
		if pos+3 > len(raw) {
			return nil, nil, isoerr.New(isoerr.AaipBadAcl, "truncated ACL entry")
		}
		tagID := int(raw[pos])
		perm := raw[pos+1]
		qlen := int(raw[pos+2])
		pos += 3
		if pos+qlen > len(raw) {
			return nil, nil, isoerr.New(isoerr.AaipBadAcl, "ACL qualifier overruns buffer")
		}
		tag, ok := reverseTagOrder[tagID]
		if !ok {
			return nil, nil, isoerr.New(isoerr.AaipBadAcl, "unknown ACL tag id %d", tagID)
		}
		out = append(out, AclEntry{Tag: tag, Qualifier: string(raw[pos : pos+qlen]), Perm: perm})
		pos += qlen
	}
	return out, raw[pos:], nil
}

// UidToQualifier renders a uid/gid as the decimal-text qualifier used
// by ParseAclText/FormatAclText.
func UidToQualifier(id uint32) string { return strconv.FormatUint(uint64(id), 10) }
