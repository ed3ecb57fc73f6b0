// Package isotree implements spec §4.8: the mutable, polymorphic
// in-memory node tree (Dir, File, Symlink, Special, BootPlaceholder),
// insertion with a replace policy, subtree clone semantics, and the
// extensible xinfo list. Grounded on the teacher's internal/fuse.dir /
// dirent types (a directory holding a byName map plus an ordered
// traversal), generalized to a sorted-by-name slice to match spec
// §4.8's "children sorted by name" requirement, and on
// internal/squashfs's inode-kind dispatch (readInode switching on a
// type tag) for the Node variant discriminator.
package isotree

import (
	"io/fs"
	"sort"
	"time"

	"github.com/isofsimport/isofsimport/isoerr"
	"github.com/isofsimport/isofsimport/stream"
)

// Kind discriminates the Node variants of spec §3.
type Kind int

const (
	KindDir Kind = iota
	KindFile
	KindSymlink
	KindSpecial
	KindBootPlaceholder
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "Dir"
	case KindFile:
		return "File"
	case KindSymlink:
		return "Symlink"
	case KindSpecial:
		return "Special"
	case KindBootPlaceholder:
		return "BootPlaceholder"
	}
	return "Unknown"
}

// NODE_NAME_MAX bounds a leaf name's length, spec §4.8.
const NodeNameMax = 255

// InodeID is the (fs_id, dev_id, ino_id) identity triple of spec §3.
type InodeID struct {
	FsID  uint64
	DevID uint64
	InoID uint64
}

// IsoImageFsID is the fixed fs_id used for every node imported from an
// ISO image, per spec §3 "fs_id = ISO_IMAGE_FS_ID".
const IsoImageFsID = 1

// Node is the single polymorphic node type; fields not meaningful for
// a given Kind are left zero.
type Node struct {
	Kind Kind
	Name string
	Mode fs.FileMode
	UID  uint32
	GID  uint32

	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	Hidden bool // LOCAL + ANY hide flags, collapsed to a single bit for now

	Parent *Node
	Inode  InodeID

	xinfo []xinfoEntry

	// Dir
	children []*Node

	// File
	Content stream.Stream

	// Symlink
	Target string

	// Special
	Rdev uint64

	// BootPlaceholder
	BootImageIndex int
}

// ValidName reports whether name is a legal leaf name, spec §4.8
// "Name validity: non-empty, ≤ NODE_NAME_MAX, not '.'/'..', no '/'".
func ValidName(name string) bool {
	if name == "" || len(name) > NodeNameMax {
		return false
	}
	if name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return false
		}
	}
	return true
}

// ReplacePolicy controls Insert's behavior on a name collision, spec §4.8.
type ReplacePolicy int

const (
	ReplaceNever ReplacePolicy = iota
	ReplaceAlways
	ReplaceIfNewer
	ReplaceIfSameType
	ReplaceIfSameTypeAndNewer
)

// NewDir constructs an empty directory node.
func NewDir(name string) *Node {
	return &Node{Kind: KindDir, Name: name, Mode: fs.ModeDir | 0755}
}

// Find looks up a direct child by name.
func (n *Node) Find(name string) (*Node, bool) {
	i, ok := n.search(name)
	if !ok {
		return nil, false
	}
	return n.children[i], true
}

// Children returns the directory's children in name-sorted order. The
// returned slice must not be mutated by the caller.
func (n *Node) Children() []*Node { return n.children }

func (n *Node) search(name string) (int, bool) {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].Name >= name })
	if i < len(n.children) && n.children[i].Name == name {
		return i, true
	}
	return i, false
}

// Insert adds child to directory n, honoring policy on a name
// collision (spec §4.8 "Insertion honors a replace policy enum").
func (n *Node) Insert(child *Node, policy ReplacePolicy) error {
	if n.Kind != KindDir {
		return isoerr.New(isoerr.FileIsNotDir, "insert into non-directory node %q", n.Name)
	}
	if !ValidName(child.Name) {
		return isoerr.New(isoerr.FileBadPath, "invalid node name %q", child.Name)
	}
	i, exists := n.search(child.Name)
	if !exists {
		child.Parent = n
		n.children = append(n.children, nil)
		copy(n.children[i+1:], n.children[i:])
		n.children[i] = child
		return nil
	}

	existing := n.children[i]
	replace := false
	switch policy {
	case ReplaceNever:
		return isoerr.New(isoerr.NodeNameNotUnique, "name %q already exists", child.Name)
	case ReplaceAlways:
		replace = true
	case ReplaceIfNewer:
		replace = child.Mtime.After(existing.Mtime)
	case ReplaceIfSameType:
		replace = child.Kind == existing.Kind
	case ReplaceIfSameTypeAndNewer:
		replace = child.Kind == existing.Kind && child.Mtime.After(existing.Mtime)
	}
	if !replace {
		return isoerr.New(isoerr.NodeNameNotUnique, "name %q already exists", child.Name)
	}
	child.Parent = n
	n.children[i] = child
	return nil
}

// Take detaches and returns the named child, transferring ownership to
// the caller (spec §4.8 "'take' detaches a node (returning ownership)").
func (n *Node) Take(name string) (*Node, error) {
	i, ok := n.search(name)
	if !ok {
		return nil, isoerr.New(isoerr.FileDoesntExist, "no child named %q", name)
	}
	child := n.children[i]
	n.children = append(n.children[:i], n.children[i+1:]...)
	child.Parent = nil
	notifyTaken(child)
	return child, nil
}

// Remove detaches and discards the named child.
func (n *Node) Remove(name string) error {
	_, err := n.Take(name)
	return err
}

// RemoveTree detaches and discards the named child and, if it is a
// directory, every descendant.
func (n *Node) RemoveTree(name string) error {
	child, err := n.Take(name)
	if err != nil {
		return err
	}
	removeSubtree(child)
	return nil
}

func removeSubtree(n *Node) {
	for _, c := range n.children {
		removeSubtree(c)
	}
	disposeXinfo(n)
}
