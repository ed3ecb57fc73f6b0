// Package isofuse exposes an imported image as a read-only FUSE
// filesystem (spec §6's external interfaces: the importer's tree is
// meant to be consumable "as if it were a local filesystem"). Grounded
// directly on the teacher's internal/fuse/fuse.go: the same
// jacobsa/fuse fuseops/fuseutil dispatch style, an
// allocateInodeLocked-style counter guarded by a mutex, and a
// byName-indexed directory structure mirroring dirent/dir.
package isofuse

import (
	"context"
	"io"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/isofsimport/isofsimport/image"
	"github.com/isofsimport/isofsimport/isotree"
)

// FS implements fuseutil.FileSystem as a read-only view of an
// image.Image, following the teacher's fuseFS struct shape.
type FS struct {
	fuseutil.NotImplementedFileSystem

	img *image.Image

	mu        sync.Mutex
	nextInode fuseops.InodeID
	byInode   map[fuseops.InodeID]*isotree.Node
	inodeOf   map[*isotree.Node]fuseops.InodeID
	handles   map[fuseops.HandleID]*handle
	nextHandle fuseops.HandleID
}

type handle struct {
	node *isotree.Node
	kids []*isotree.Node // snapshot for OpenDir
}

// New builds an FS rooted at img.Root, per the teacher's Mount()
// constructing a fuseFS before calling fuse.Mount.
func New(img *image.Image) *FS {
	fs := &FS{
		img:     img,
		byInode: map[fuseops.InodeID]*isotree.Node{},
		inodeOf: map[*isotree.Node]fuseops.InodeID{},
		handles: map[fuseops.HandleID]*handle{},
	}
	fs.nextInode = fuseops.RootInodeID
	fs.byInode[fuseops.RootInodeID] = img.Root
	fs.inodeOf[img.Root] = fuseops.RootInodeID
	fs.nextInode++
	return fs
}

// Mount starts serving dir as a FUSE mountpoint backed by img,
// blocking until the filesystem is unmounted, mirroring the teacher's
// Mount() signature and fuse.Mount/MountedFileSystem.Join call.
func Mount(ctx context.Context, img *image.Image, dir string) error {
	fsys := New(img)
	mfs, err := fuse.Mount(dir, fuseutil.NewFileSystemServer(fsys), &fuse.MountConfig{ReadOnly: true})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		fuse.Unmount(dir)
	}()
	return mfs.Join(ctx)
}

func (fs *FS) allocateInodeLocked(n *isotree.Node) fuseops.InodeID {
	if id, ok := fs.inodeOf[n]; ok {
		return id
	}
	id := fs.nextInode
	fs.nextInode++
	fs.byInode[id] = n
	fs.inodeOf[n] = id
	return id
}

func attrOf(n *isotree.Node) fuseops.InodeAttributes {
	a := fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  n.Mode,
		Uid:   n.UID,
		Gid:   n.GID,
		Mtime: n.Mtime,
		Atime: n.Atime,
		Ctime: n.Ctime,
	}
	if n.Kind == isotree.KindFile && n.Content != nil {
		a.Size = uint64(n.Content.GetSize())
	}
	return a
}

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.byInode[op.Parent]
	if !ok || parent.Kind != isotree.KindDir {
		return syscall.ENOENT
	}
	child, ok := parent.Find(op.Name)
	if !ok {
		return syscall.ENOENT
	}
	op.Entry.Child = fs.allocateInodeLocked(child)
	op.Entry.Attributes = attrOf(child)
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.byInode[op.Inode]
	if !ok {
		return syscall.ENOENT
	}
	op.Attributes = attrOf(n)
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.byInode[op.Inode]
	if !ok || n.Kind != isotree.KindDir {
		return syscall.ENOTDIR
	}
	id := fs.nextHandle
	fs.nextHandle++
	fs.handles[id] = &handle{node: n, kids: n.Children()}
	op.Handle = id
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	var n int
	offset := int(op.Offset)
	for i := offset; i < len(h.kids); i++ {
		child := h.kids[i]
		fs.mu.Lock()
		inode := fs.allocateInodeLocked(child)
		fs.mu.Unlock()
		dirent := fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  inode,
			Name:   child.Name,
			Type:   direntType(child),
		}
		written := fuseutil.WriteDirent(op.Dst[n:], dirent)
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func direntType(n *isotree.Node) fuseutil.DirentType {
	switch n.Kind {
	case isotree.KindDir:
		return fuseutil.DT_Directory
	case isotree.KindSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.handles, op.Handle)
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	n, ok := fs.byInode[op.Inode]
	fs.mu.Unlock()
	if !ok || n.Kind != isotree.KindFile {
		return syscall.EISDIR
	}
	if err := n.Content.Open(); err != nil {
		return syscall.EIO
	}
	fs.mu.Lock()
	id := fs.nextHandle
	fs.nextHandle++
	fs.handles[id] = &handle{node: n}
	fs.mu.Unlock()
	op.Handle = id
	op.KeepPageCache = true
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	buf := make([]byte, op.Offset+int64(len(op.Dst)))
	total := 0
	for {
		n, err := h.node.Content.Read(buf[total:])
		total += n
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return syscall.EIO
		}
		if int64(total) >= op.Offset+int64(len(op.Dst)) {
			break
		}
	}
	if int64(total) <= op.Offset {
		op.BytesRead = 0
		return nil
	}
	op.BytesRead = copy(op.Dst, buf[op.Offset:total])
	return nil
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()
	if ok && h.node.Content != nil {
		h.node.Content.Close()
	}
	return nil
}

func (fs *FS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	n, ok := fs.byInode[op.Inode]
	fs.mu.Unlock()
	if !ok || n.Kind != isotree.KindSymlink {
		return syscall.EINVAL
	}
	op.Target = n.Target
	return nil
}
