// iter.go implements DirIter (spec §4.8 "DirIter exposes
// next/has_next/take/remove. Iterators are registered globally and
// notified when any of their current nodes is taken so they can
// advance their cursor safely"). Grounded on the teacher's
// internal/fuse dirent traversal, generalized with an explicit
// notification registry since that code iterates a live map directly
// rather than supporting concurrent mutation-safe cursors.
package isotree

import "sync"

var (
	liveItersMu sync.Mutex
	liveIters   = map[*DirIter]struct{}{}
)

// DirIter walks a directory's children, remaining safe to use even if
// the current node is concurrently taken out from under it.
type DirIter struct {
	dir     *Node
	pos     int
	current *Node
}

// NewDirIter registers and returns an iterator over dir's children.
func NewDirIter(dir *Node) *DirIter {
	it := &DirIter{dir: dir}
	liveItersMu.Lock()
	liveIters[it] = struct{}{}
	liveItersMu.Unlock()
	return it
}

// Close unregisters the iterator. Safe to call more than once.
func (it *DirIter) Close() {
	liveItersMu.Lock()
	delete(liveIters, it)
	liveItersMu.Unlock()
}

// HasNext reports whether Next would return another node.
func (it *DirIter) HasNext() bool {
	return it.pos < len(it.dir.children)
}

// Next advances the cursor and returns the node now positioned on.
func (it *DirIter) Next() (*Node, bool) {
	if !it.HasNext() {
		return nil, false
	}
	it.current = it.dir.children[it.pos]
	it.pos++
	return it.current, true
}

// Take detaches the node the iterator is currently positioned on.
func (it *DirIter) Take() (*Node, error) {
	if it.current == nil {
		return nil, nil
	}
	name := it.current.Name
	n, err := it.dir.Take(name)
	if err != nil {
		return nil, err
	}
	it.current = nil
	return n, nil
}

// Remove detaches and discards the node the iterator is positioned on.
func (it *DirIter) Remove() error {
	_, err := it.Take()
	return err
}

// notifyTaken is called whenever any node is detached from its
// parent, so every live iterator whose cursor currently points at it
// can step back to keep its position valid (spec §4.8 "notified when
// any of their current nodes is taken").
func notifyTaken(n *Node) {
	liveItersMu.Lock()
	defer liveItersMu.Unlock()
	for it := range liveIters {
		if it.current == n {
			it.current = nil
			it.pos--
			if it.pos < 0 {
				it.pos = 0
			}
		}
	}
}
