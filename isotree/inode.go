// inode.go implements spec §4.10 InodeAllocator: a monotonically
// increasing counter seeded from the maximum PX inode number observed
// during import, with a look-ahead bitmap fallback once the counter
// wraps 32 bits. Grounded on the teacher's
// internal/fuse.fuseFS.allocateInodeLocked (a mutex-guarded counter
// handing out the next fuseops.InodeID), extended with the bitmap
// scan spec §4.10 requires for wraparound.
package isotree

import "sync"

// UsedInodeRange is the default look-ahead bitmap size in bits, spec
// §4.10 "ISO_USED_INODE_RANGE (default 2^18)".
const UsedInodeRange = 1 << 18

// InodeAllocator hands out unique 32-bit inode numbers, reusing
// numbers freed by a bitmap scan once the plain counter wraps.
type InodeAllocator struct {
	mu      sync.Mutex
	next    uint64
	bitmap  []byte // one bit per candidate inode in [windowBase, windowBase+UsedInodeRange)
	useMap  bool
	windowBase uint64
	windowPos  int
}

// NewInodeAllocator seeds the counter from the highest PX inode
// number observed so far (0 if none).
func NewInodeAllocator(seed uint64) *InodeAllocator {
	return &InodeAllocator{next: seed + 1}
}

// Observe records a PX-supplied inode number so the allocator never
// hands out a number already in use.
func (a *InodeAllocator) Observe(ino uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ino >= a.next {
		a.next = ino + 1
	}
}

// Allocate returns the next free inode number.
func (a *InodeAllocator) Allocate() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.useMap {
		if a.next > 0xFFFFFFFF {
			a.useMap = true
			a.bitmap = make([]byte, UsedInodeRange/8)
			a.windowBase = 1
			a.windowPos = 0
			return a.scanBitmapLocked()
		}
		n := a.next
		a.next++
		return n
	}
	return a.scanBitmapLocked()
}

// scanBitmapLocked advances through the current look-ahead window,
// sliding to a new window of UsedInodeRange bits once exhausted. The
// caller (via PopulateWindow) is expected to have marked already-used
// bits before scanning begins for a window.
func (a *InodeAllocator) scanBitmapLocked() uint64 {
	for {
		for a.windowPos < len(a.bitmap)*8 {
			byteIdx := a.windowPos / 8
			bitIdx := uint(a.windowPos % 8)
			if a.bitmap[byteIdx]&(1<<bitIdx) == 0 {
				a.bitmap[byteIdx] |= 1 << bitIdx
				ino := a.windowBase + uint64(a.windowPos)
				a.windowPos++
				return ino
			}
			a.windowPos++
		}
		a.windowBase += UsedInodeRange
		a.windowPos = 0
		for i := range a.bitmap {
			a.bitmap[i] = 0
		}
	}
}

// PopulateWindow marks ino as used in the current look-ahead window,
// if it falls within it. Call this from a full tree traversal before
// relying on Allocate once useMap has engaged (spec §4.10 "a
// look-ahead bitmap ... is populated by a full tree traversal").
func (a *InodeAllocator) PopulateWindow(ino uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.useMap || ino < a.windowBase {
		return
	}
	offset := ino - a.windowBase
	if offset >= UsedInodeRange {
		return
	}
	byteIdx := offset / 8
	bitIdx := uint(offset % 8)
	a.bitmap[byteIdx] |= 1 << bitIdx
}

// AssignNew traverses root, assigning a fresh inode to every node
// whose current inode is 0, optionally restricted by a type predicate
// (spec §4.10 "assign_new_inos(root, flag)").
func (a *InodeAllocator) AssignNew(root *Node, typeFilter func(Kind) bool, force bool) {
	var walk func(n *Node)
	walk = func(n *Node) {
		if typeFilter == nil || typeFilter(n.Kind) {
			if force || n.Inode.InoID == 0 {
				n.Inode.InoID = a.Allocate()
				n.Inode.FsID = IsoImageFsID
			}
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)
}
