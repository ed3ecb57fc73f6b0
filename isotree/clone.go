// clone.go implements spec §4.8's subtree clone semantics: directory
// clones descend children into a newly built directory (never into an
// existing destination), file clones delegate to the stream's Clone,
// and attribute copy is unconditional while xinfo requires a
// registered cloner per entry.
package isotree

import "github.com/isofsimport/isofsimport/isoerr"

// CloneOptions controls Clone's directory-merge behavior.
// MergeIntoExisting only selects the replace policy (ReplaceIfSameType
// instead of ReplaceNever) used when inserting cloned children into the
// new directory; Clone has no way to target an existing destination.
type CloneOptions struct {
	MergeIntoExisting bool
}

// Clone deep-copies n (and, for a Dir, its full subtree) into a new,
// parentless Node.
func Clone(n *Node, opt CloneOptions) (*Node, error) {
	switch n.Kind {
	case KindDir:
		return cloneDir(n, opt)
	case KindFile:
		return cloneFile(n)
	default:
		return cloneLeaf(n)
	}
}

func copyAttrs(dst, src *Node) {
	dst.Mode = src.Mode
	dst.UID = src.UID
	dst.GID = src.GID
	dst.Atime = src.Atime
	dst.Mtime = src.Mtime
	dst.Ctime = src.Ctime
	dst.Hidden = src.Hidden
}

func cloneDir(n *Node, opt CloneOptions) (*Node, error) {
	dst := NewDir(n.Name)
	copyAttrs(dst, n)
	if err := cloneXinfo(n, dst); err != nil {
		return nil, err
	}
	for _, child := range n.children {
		cc, err := Clone(child, opt)
		if err != nil {
			return nil, err
		}
		policy := ReplaceNever
		if opt.MergeIntoExisting {
			policy = ReplaceIfSameType
		}
		if err := dst.Insert(cc, policy); err != nil {
			return nil, isoerr.Wrap(isoerr.NodeNameNotUnique, err, "cloning child %q", child.Name)
		}
	}
	return dst, nil
}

func cloneFile(n *Node) (*Node, error) {
	dst := &Node{Kind: KindFile, Name: n.Name}
	copyAttrs(dst, n)
	if err := cloneXinfo(n, dst); err != nil {
		return nil, err
	}
	if n.Content != nil {
		cs, err := n.Content.Clone()
		if err != nil {
			return nil, isoerr.Wrap(isoerr.StreamNoClone, err, "cloning content stream of %q", n.Name)
		}
		dst.Content = cs
	}
	return dst, nil
}

func cloneLeaf(n *Node) (*Node, error) {
	dst := &Node{
		Kind:           n.Kind,
		Name:           n.Name,
		Target:         n.Target,
		Rdev:           n.Rdev,
		BootImageIndex: n.BootImageIndex,
	}
	copyAttrs(dst, n)
	if err := cloneXinfo(n, dst); err != nil {
		return nil, err
	}
	return dst, nil
}
