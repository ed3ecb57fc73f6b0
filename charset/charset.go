// Package charset wraps the external charset-conversion collaborator
// spec §1 carves out of the core's scope ("Character-set conversion
// ... external utilities with narrow contracts"): decoding Joliet's
// UCS-2BE names and Rock Ridge's locale-dependent NM bytes into UTF-8.
// Grounded on the pack's use of golang.org/x/text/encoding for exactly
// this purpose (rstms-iso-kit's Joliet UCS-2BE helpers reimplemented
// here on top of the standard encoding.Decoder contract instead of
// hand-rolled UTF-16 math).
package charset

import (
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/isofsimport/isofsimport/isoerr"
)

// DecodeJoliet converts a Joliet UCS-2BE name into UTF-8.
func DecodeJoliet(b []byte) (string, error) {
	dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(b)
	if err != nil {
		return "", isoerr.Wrap(isoerr.FilenameWrongCharset, err, "decoding Joliet name")
	}
	return string(out), nil
}

// EncodeJoliet converts a UTF-8 name into Joliet UCS-2BE, for
// round-trip tests comparing against on-disc bytes.
func EncodeJoliet(s string) ([]byte, error) {
	enc := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.Bytes([]byte(s))
	if err != nil {
		return nil, isoerr.Wrap(isoerr.FilenameWrongCharset, err, "encoding Joliet name")
	}
	return out, nil
}

// DecodeRockRidge converts a Rock Ridge NM field using the given
// locale charset (spec §4.5 "charset error" is one of the warning
// classes); ISO-8859-1 is assumed when the image does not otherwise
// announce a charset, since that is libisofs's own historical default.
func DecodeRockRidge(b []byte, cs string) (string, error) {
	var enc = charmap.ISO8859_1
	switch cs {
	case "", "ISO-8859-1", "iso8859-1":
		enc = charmap.ISO8859_1
	case "ISO-8859-15", "iso8859-15":
		enc = charmap.ISO8859_15
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", isoerr.Wrap(isoerr.FilenameWrongCharset, err, "decoding Rock Ridge name")
	}
	return string(out), nil
}
