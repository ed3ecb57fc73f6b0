package aaip

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/isofsimport/isofsimport/susp"
)

func entry(sig string, version byte, payload []byte) []byte {
	b := make([]byte, 4+len(payload))
	copy(b[0:2], sig)
	b[2] = byte(4 + len(payload))
	b[3] = version
	copy(b[4:], payload)
	return b
}

func buildAAField(continues bool, payload []byte) []byte {
	flags := byte(0)
	if continues {
		flags = 0x01
	}
	return entry("AA", 1, append([]byte{flags}, payload...))
}

func encodeComponent(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func TestDecodeListSingleField(t *testing.T) {
	comp := append(encodeComponent("user.test"), encodeComponent("hello")...)
	sua := buildAAField(false, comp)

	it := susp.NewIterator(nil, sua, 0, nil)
	attrs, skipped, err := DecodeList(it, 0, 0, nil)
	if err != nil {
		t.Fatalf("DecodeList: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}
	want := []Attr{{Name: "user.test", Value: []byte("hello")}}
	if diff := cmp.Diff(want, attrs); diff != "" {
		t.Fatalf("attrs mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeListChainedFields(t *testing.T) {
	full := append(encodeComponent("user.test"), encodeComponent("helloworld")...)
	sua := append(buildAAField(true, full[:6]), buildAAField(false, full[6:])...)

	it := susp.NewIterator(nil, sua, 0, nil)
	attrs, _, err := DecodeList(it, 0, 0, nil)
	if err != nil {
		t.Fatalf("DecodeList: %v", err)
	}
	want := []Attr{{Name: "user.test", Value: []byte("helloworld")}}
	if diff := cmp.Diff(want, attrs); diff != "" {
		t.Fatalf("attrs mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeListMaxCount(t *testing.T) {
	comp := append(encodeComponent("a"), encodeComponent("1")...)
	comp = append(comp, encodeComponent("b")...)
	comp = append(comp, encodeComponent("2")...)
	sua := buildAAField(false, comp)

	it := susp.NewIterator(nil, sua, 0, nil)
	attrs, skipped, err := DecodeList(it, 1, 0, nil)
	if err != nil {
		t.Fatalf("DecodeList: %v", err)
	}
	if len(attrs) != 1 || skipped != 1 {
		t.Fatalf("len(attrs)=%d skipped=%d, want 1/1", len(attrs), skipped)
	}
}

func TestEncodeListRoundTrip(t *testing.T) {
	attrs := []Attr{{Name: "user.a", Value: []byte("x")}, {Name: "user.bb", Value: []byte("yz")}}
	_, sizeOnly := EncodeList(attrs, true)
	encoded, size := EncodeList(attrs, false)
	if sizeOnly != size {
		t.Fatalf("sizeOnly=%d != size=%d", sizeOnly, size)
	}

	sua := buildAAField(false, encoded)
	it := susp.NewIterator(nil, sua, 0, nil)
	got, _, err := DecodeList(it, 0, 0, nil)
	if err != nil {
		t.Fatalf("DecodeList: %v", err)
	}
	if diff := cmp.Diff(attrs, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAclTextAndFormat(t *testing.T) {
	text := "user::rwx,user:1000:r--,group::r-x,mask::rwx,other::---"
	entries, err := ParseAclText(text)
	if err != nil {
		t.Fatalf("ParseAclText: %v", err)
	}
	// sorted: user_obj, user, group_obj, mask, other
	if len(entries) != 5 {
		t.Fatalf("len(entries) = %d, want 5", len(entries))
	}
	if entries[0].Tag != "user_obj" || entries[0].Perm != 0x7 {
		t.Fatalf("entries[0] = %+v, want user_obj rwx", entries[0])
	}
	if entries[1].Tag != "user" || entries[1].Qualifier != "1000" || entries[1].Perm != 0x4 {
		t.Fatalf("entries[1] = %+v, want user:1000:r--", entries[1])
	}

	out := FormatAclText(entries)
	reparsed, err := ParseAclText(out)
	if err != nil {
		t.Fatalf("re-parse formatted ACL: %v", err)
	}
	if diff := cmp.Diff(entries, reparsed); diff != "" {
		t.Fatalf("format/reparse mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAclTextMalformed(t *testing.T) {
	if _, err := ParseAclText("justonefield"); err == nil {
		t.Fatalf("expected error for malformed ACL entry")
	}
	if _, err := ParseAclText("user::rwz"); err == nil {
		t.Fatalf("expected error for invalid permission letters")
	}
}

func TestCleanoutAndFillAcl(t *testing.T) {
	mode := uint32(0644)
	entries := []AclEntry{
		{Tag: "user_obj", Perm: 0x6},
		{Tag: "group_obj", Perm: 0x4},
		{Tag: "other", Perm: 0x4},
	}
	cleaned := CleanoutAclText(entries, mode)
	if len(cleaned) != 0 {
		t.Fatalf("CleanoutAclText = %+v, want empty (all entries match mode bits)", cleaned)
	}

	filled := FillAclText(nil, mode)
	if len(filled) != 3 {
		t.Fatalf("FillAclText(nil) = %+v, want 3 synthesized entries", filled)
	}
}

func TestModeFromAclPrefersMask(t *testing.T) {
	entries := []AclEntry{
		{Tag: "user_obj", Perm: 0x7},
		{Tag: "group_obj", Perm: 0x7},
		{Tag: "mask", Perm: 0x5},
		{Tag: "other", Perm: 0x0},
	}
	mode := ModeFromAcl(entries, 0100000)
	if mode&0777 != 0750 {
		t.Fatalf("mode&0777 = %o, want 0750 (mask overrides group)", mode&0777)
	}
}

func TestRestoreGroupBitsFromAcl(t *testing.T) {
	entries := []AclEntry{{Tag: "group_obj", Perm: 0x5}}
	mode := RestoreGroupBitsFromAcl(entries, 0100644)
	if mode&0070 != 0050 {
		t.Fatalf("mode&0070 = %o, want 0050", mode&0070)
	}
}

func TestEncodeDecodeAclAccessOnly(t *testing.T) {
	access := "user_obj::rwx,group_obj::r-x,other::r--"
	raw, err := EncodeAcl(access, "")
	if err != nil {
		t.Fatalf("EncodeAcl: %v", err)
	}
	gotAccess, gotDefault, err := DecodeAcl(raw)
	if err != nil {
		t.Fatalf("DecodeAcl: %v", err)
	}
	if gotDefault != "" {
		t.Fatalf("gotDefault = %q, want empty", gotDefault)
	}
	wantEntries, _ := ParseAclText(access)
	gotEntries, _ := ParseAclText(gotAccess)
	if diff := cmp.Diff(wantEntries, gotEntries); diff != "" {
		t.Fatalf("access ACL round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeAclWithUserEntryAndDefault(t *testing.T) {
	// Exercises the named user:<id>: tag (tag id 1) alongside a default ACL, the
	// exact case that would collide with a byte-valued SWITCH_MARK.
	access := "user_obj::rwx,user:1000:rw-,group_obj::r-x,other::r--"
	def := "user_obj::rwx,group_obj::r-x,other::---"
	raw, err := EncodeAcl(access, def)
	if err != nil {
		t.Fatalf("EncodeAcl: %v", err)
	}
	gotAccess, gotDefault, err := DecodeAcl(raw)
	if err != nil {
		t.Fatalf("DecodeAcl: %v", err)
	}

	wantAccess, _ := ParseAclText(access)
	gotAccessEntries, _ := ParseAclText(gotAccess)
	if diff := cmp.Diff(wantAccess, gotAccessEntries); diff != "" {
		t.Fatalf("access mismatch (-want +got):\n%s", diff)
	}

	wantDefault, _ := ParseAclText(def)
	gotDefaultEntries, _ := ParseAclText(gotDefault)
	if diff := cmp.Diff(wantDefault, gotDefaultEntries); diff != "" {
		t.Fatalf("default mismatch (-want +got):\n%s", diff)
	}
}

func TestUidToQualifier(t *testing.T) {
	if got := UidToQualifier(1000); got != "1000" {
		t.Fatalf("UidToQualifier(1000) = %q, want \"1000\"", got)
	}
}
