package isotree

import "testing"

func TestSetGetRemoveXinfo(t *testing.T) {
	n := &Node{Kind: KindFile, Name: "f"}
	const id XinfoID = "test-setget"

	if _, ok := n.GetXinfo(id); ok {
		t.Fatalf("GetXinfo on empty node returned ok=true")
	}

	n.SetXinfo(id, "value1")
	got, ok := n.GetXinfo(id)
	if !ok || got != "value1" {
		t.Fatalf("GetXinfo = %v, %v, want value1, true", got, ok)
	}

	n.SetXinfo(id, "value2")
	got, ok = n.GetXinfo(id)
	if !ok || got != "value2" {
		t.Fatalf("SetXinfo did not replace existing value: got %v", got)
	}
	if len(n.xinfo) != 1 {
		t.Fatalf("len(xinfo) = %d, want 1 (replace, not append)", len(n.xinfo))
	}

	disposed := false
	RegisterDisposer(id, func(v interface{}) { disposed = true })
	n.RemoveXinfo(id)
	if !disposed {
		t.Fatalf("RemoveXinfo did not invoke the registered disposer")
	}
	if _, ok := n.GetXinfo(id); ok {
		t.Fatalf("xinfo still present after RemoveXinfo")
	}
}

func TestCloneXinfoRequiresRegisteredCloner(t *testing.T) {
	const id XinfoID = "test-noclone"
	src := &Node{Kind: KindFile, Name: "f"}
	src.SetXinfo(id, 42)
	dst := &Node{Kind: KindFile, Name: "f"}

	if err := cloneXinfo(src, dst); err == nil {
		t.Fatalf("expected XinfoNoClone when no cloner is registered for %q", id)
	}
}

func TestCloneXinfoUsesRegisteredCloner(t *testing.T) {
	const id XinfoID = "test-clone-ok"
	RegisterCloner(id, func(v interface{}) (interface{}, error) {
		return v.(int) + 1, nil
	})
	src := &Node{Kind: KindFile, Name: "f"}
	src.SetXinfo(id, 41)
	dst := &Node{Kind: KindFile, Name: "f"}

	if err := cloneXinfo(src, dst); err != nil {
		t.Fatalf("cloneXinfo: %v", err)
	}
	got, ok := dst.GetXinfo(id)
	if !ok || got != 42 {
		t.Fatalf("dst xinfo = %v, %v, want 42, true", got, ok)
	}
}
