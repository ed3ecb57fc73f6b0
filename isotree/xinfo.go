// xinfo.go implements spec §4.8's extensible per-node xinfo list: an
// ordered list of opaque values keyed by a stable handler id, with an
// optional registered cloner and dispose callback. Grounded on the
// teacher's dirent/fuseFS inode bookkeeping pattern of attaching
// side-tables keyed by a stable id rather than growing the core struct.
package isotree

import (
	"sync"

	"github.com/isofsimport/isofsimport/isoerr"
)

// XinfoID is the stable identifier of an xinfo value's type.
type XinfoID string

// Well-known xinfo ids used by the core, spec §3 "xinfo handlers used
// by the core".
const (
	XinfoAAIP          XinfoID = "aaip-acl-xattr"
	XinfoInodeOverride XinfoID = "inode-override"
	XinfoZisofs        XinfoID = "zisofs-descriptor"
)

// Cloner deep-clones a value previously attached under some XinfoID.
type Cloner func(v interface{}) (interface{}, error)

// Disposer runs when a node carrying a value is destroyed.
type Disposer func(v interface{})

var (
	registryMu sync.Mutex
	cloners    = map[XinfoID]Cloner{}
	disposers  = map[XinfoID]Disposer{}
)

// RegisterCloner associates a Cloner with id, globally, once per
// process (spec §4.8 "Cloning an xinfo requires a registered cloner").
func RegisterCloner(id XinfoID, c Cloner) {
	registryMu.Lock()
	defer registryMu.Unlock()
	cloners[id] = c
}

// RegisterDisposer associates a Disposer with id.
func RegisterDisposer(id XinfoID, d Disposer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	disposers[id] = d
}

type xinfoEntry struct {
	id    XinfoID
	value interface{}
}

// SetXinfo attaches or replaces the value stored under id.
func (n *Node) SetXinfo(id XinfoID, value interface{}) {
	for i := range n.xinfo {
		if n.xinfo[i].id == id {
			n.xinfo[i].value = value
			return
		}
	}
	n.xinfo = append(n.xinfo, xinfoEntry{id: id, value: value})
}

// GetXinfo retrieves the value stored under id, if any.
func (n *Node) GetXinfo(id XinfoID) (interface{}, bool) {
	for _, e := range n.xinfo {
		if e.id == id {
			return e.value, true
		}
	}
	return nil, false
}

// RemoveXinfo drops the value stored under id, disposing it first if a
// disposer is registered.
func (n *Node) RemoveXinfo(id XinfoID) {
	for i := range n.xinfo {
		if n.xinfo[i].id == id {
			disposeOne(n.xinfo[i])
			n.xinfo = append(n.xinfo[:i], n.xinfo[i+1:]...)
			return
		}
	}
}

func disposeXinfo(n *Node) {
	for _, e := range n.xinfo {
		disposeOne(e)
	}
	n.xinfo = nil
}

func disposeOne(e xinfoEntry) {
	registryMu.Lock()
	d := disposers[e.id]
	registryMu.Unlock()
	if d != nil {
		d(e.value)
	}
}

// cloneXinfo deep-clones every xinfo entry of src into dst, failing
// with XinfoNoClone if any entry's id has no registered cloner (spec
// §4.8 "unknown xinfo cannot be cloned (returns NoClone)").
func cloneXinfo(src, dst *Node) error {
	for _, e := range src.xinfo {
		registryMu.Lock()
		c := cloners[e.id]
		registryMu.Unlock()
		if c == nil {
			return isoerr.New(isoerr.XinfoNoClone, "no cloner registered for xinfo %q", e.id)
		}
		v, err := c(e.value)
		if err != nil {
			return isoerr.Wrap(isoerr.XinfoNoClone, err, "cloning xinfo %q", e.id)
		}
		dst.xinfo = append(dst.xinfo, xinfoEntry{id: e.id, value: v})
	}
	return nil
}
