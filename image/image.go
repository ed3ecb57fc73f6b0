// Package image is the top-level entry point (spec §2 "Data flow"):
// wires BlockSource, VolumeDescriptorParser, SuspIterator,
// RockRidgeDecoder, AaipCodec, DirectoryTraverser, NodeTree,
// InodeAllocator and ChecksumVerifier together into a single Import
// call producing a populated tree. Grounded on the teacher's
// distri.Repo / cmd-level wiring style: a small context struct created
// once, passed down, with options resolved up front rather than
// threaded as separate parameters everywhere.
package image

import (
	"path"
	"sort"

	"github.com/isofsimport/isofsimport/aaip"
	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/checksum"
	"github.com/isofsimport/isofsimport/directory"
	"github.com/isofsimport/isofsimport/eltorito"
	"github.com/isofsimport/isofsimport/filesource"
	"github.com/isofsimport/isofsimport/isoerr"
	"github.com/isofsimport/isofsimport/isotree"
	"github.com/isofsimport/isofsimport/report"
	"github.com/isofsimport/isofsimport/rockridge"
	"github.com/isofsimport/isofsimport/stream"
	"github.com/isofsimport/isofsimport/susp"
	"github.com/isofsimport/isofsimport/volume"
	"github.com/isofsimport/isofsimport/zisofs"
)

// Options configures Import, spec §4.2's selection policy plus the
// optional integrity/inode-policy switches mentioned across §4.10-4.11.
type Options struct {
	NoRockRidge     bool
	NoJoliet        bool
	NoIso1999       bool
	PreferJoliet    bool
	VerifyChecksums bool
	ForceNewInodes  bool
	Sink            report.Sink
}

// Image is the imported result: the active tree plus the collaborators
// that produced it, kept around for later lookups (boot catalog,
// reporter history, inode allocator for incremental rebuilds).
type Image struct {
	BS          blocksource.BlockSource
	Descriptors *volume.Descriptors
	ActiveTree  volume.ActiveTree
	Root        *isotree.Node
	Catalog     *eltorito.Catalog
	Reporter    *report.Reporter
	Inodes      *isotree.InodeAllocator
}

// Import reconstructs the full node tree from bs, per spec §2's data
// flow: BlockSource → VolumeDescriptorParser → (SuspIterator →
// RockRidgeDecoder/AaipCodec) driven by DirectoryTraverser → NodeTree.
// ChecksumVerifier (when enabled) runs before any tree is built, and
// InodeAllocator finalizes the tree after traversal.
func Import(bs blocksource.BlockSource, opt Options) (*Image, error) {
	if err := bs.Open(); err != nil {
		return nil, err
	}
	reporter := report.New(opt.Sink)

	descs, err := volume.Scan(bs, 0)
	if err != nil {
		bs.Close()
		return nil, err
	}

	if opt.VerifyChecksums {
		if err := checksum.Verify(bs, 0); err != nil {
			bs.Close()
			return nil, err
		}
	}

	hasRR, skipLen, err := detectRockRidge(bs, descs.PVDRoot, reporter)
	if err != nil {
		bs.Close()
		return nil, err
	}

	tree, rootRef, err := volume.SelectActiveTree(descs, volume.SelectOptions{
		HasRockRidge: hasRR,
		NoRockRidge:  opt.NoRockRidge,
		NoJoliet:     opt.NoJoliet,
		NoIso1999:    opt.NoIso1999,
		PreferJoliet: opt.PreferJoliet,
	})
	if err != nil {
		bs.Close()
		return nil, err
	}

	b := &builder{bs: bs, reporter: reporter, useRockRidge: tree == volume.RockRidge, skipLen: skipLen, inodes: isotree.NewInodeAllocator(0)}
	root, err := b.buildDir(rootRef, "/", "")
	if err != nil {
		bs.Close()
		return nil, err
	}
	root.Name = "/"

	if opt.ForceNewInodes {
		b.inodes.AssignNew(root, nil, true)
	} else {
		b.inodes.AssignNew(root, nil, false)
	}

	img := &Image{
		BS:          bs,
		Descriptors: descs,
		ActiveTree:  tree,
		Root:        root,
		Reporter:    reporter,
		Inodes:      b.inodes,
	}

	if descs.HasBootRecord {
		cat, err := eltorito.Parse(bs, descs.BootCatalogLBA)
		if err != nil {
			reporter.Warn(isoerr.ElToritoWarn, "parsing boot catalog: %v", err)
		} else {
			for i := range cat.Images {
				bi := &cat.Images[i]
				sizeBytes := uint32(bi.SectorCount) * 512
				if err := eltorito.DetectBootInfoTable(bs, bi, descs.PVDLBA, sizeBytes); err != nil {
					reporter.Warn(isoerr.ElToritoWarn, "detecting boot info table for image %d: %v", bi.Index, err)
				}
				if err := eltorito.DetectGRUB2BootInfo(bs, bi); err != nil {
					reporter.Warn(isoerr.ElToritoWarn, "detecting GRUB2 boot info for image %d: %v", bi.Index, err)
				}
			}
			img.Catalog = cat
			linkBootImages(root, cat, reporter)
		}
	}

	return img, nil
}

// Close releases the image's reference on its shared block source.
func (img *Image) Close() error {
	return img.BS.Close()
}

// detectRockRidge inspects the root's '.' record SUA for an ER entry
// naming a recognized Rock Ridge extension, spec §4.5 "Identification:
// at the root's '.' record a sequence of ER entries identifies the
// active extensions", and returns the LEN_SKP published by the root's
// SP entry, spec §4.4.
func detectRockRidge(bs blocksource.BlockSource, root volume.DirRef, reporter *report.Reporter) (bool, int, error) {
	self, err := directory.Self(bs, root)
	if err != nil {
		return false, 0, err
	}
	it := susp.NewIterator(bs, self.SUA, 0, reporter.Warn)
	info, err := rockridge.Decode(it, reporter.Warn)
	if err != nil {
		return false, 0, err
	}
	for _, id := range info.ExtensionIDs {
		switch id {
		case "RRIP_1991A", "IEEE_P1282", "IEEE_1282":
			return true, info.SkipLen, nil
		}
	}
	return false, info.SkipLen, nil
}

type builder struct {
	bs           blocksource.BlockSource
	reporter     *report.Reporter
	useRockRidge bool
	skipLen      int
	inodes       *isotree.InodeAllocator
}

// buildDir walks ref's children and recursively materializes the
// subtree, per spec §4.3 "depth-first and eager: each directory's
// children are fully materialized before the traversal descends".
func (b *builder) buildDir(ref volume.DirRef, treePath, dirName string) (*isotree.Node, error) {
	if b.reporter.Canceled() {
		return nil, isoerr.New(isoerr.Canceled, "import canceled")
	}
	dir := isotree.NewDir(dirName)

	records, err := directory.Children(b.bs, ref)
	if err != nil {
		return nil, err
	}

	groups := groupMultiExtent(records)
	for _, g := range groups {
		child, err := b.buildEntry(g)
		if err != nil {
			b.reporter.Warn(isoerr.FileCantAdd, "building entry %q: %v", g[0].Identifier, err)
			continue
		}
		if child == nil {
			continue
		}
		if err := dir.Insert(child, isotree.ReplaceNever); err != nil {
			b.reporter.Warn(isoerr.NodeNameNotUnique, "%v", err)
			continue
		}
	}
	return dir, nil
}

// groupMultiExtent accumulates consecutive records sharing an
// identifier and the multi-extent flag into one logical entry, per
// spec §4.3 "Multi-extent files are ... accumulated into a single
// node whose sections vector records each (block, size)".
func groupMultiExtent(records []directory.Record) [][]directory.Record {
	var groups [][]directory.Record
	i := 0
	for i < len(records) {
		r := records[i]
		group := []directory.Record{r}
		for r.MultiExtent && i+1 < len(records) && records[i+1].Identifier == r.Identifier {
			i++
			r = records[i]
			group = append(group, r)
		}
		groups = append(groups, group)
		i++
	}
	return groups
}

func (b *builder) buildEntry(group []directory.Record) (*isotree.Node, error) {
	first := group[0]
	name := decodeName(first.Identifier)

	it := susp.NewIterator(b.bs, first.SUA, b.skipLen, b.reporter.Warn)
	var rr *rockridge.Info
	if b.useRockRidge {
		var err error
		rr, err = rockridge.Decode(it, b.reporter.Warn)
		if err != nil {
			b.reporter.Warn(isoerr.WrongRrWarn, "decoding Rock Ridge on %q: %v", name, err)
		}
	}

	if rr != nil && rr.Name != "" {
		name = rr.Name
	}

	switch {
	case rr != nil && rr.Relocated:
		// RE marks this record as relocated: the real entry lives at
		// the CL target read elsewhere via buildRelocatedPlaceholder,
		// spec §4.3/§4.5. Skip it here so it isn't duplicated.
		return nil, nil
	case rr != nil && rr.HasCL:
		return b.buildRelocatedPlaceholder(first, rr, name)
	case rr != nil && rr.HasSL:
		return b.buildSymlink(first, rr, name)
	case first.IsDir:
		child, err := b.buildDir(volume.DirRef{LBA: first.LBA, Size: first.DataLength}, path.Join("/", name), name)
		if err != nil {
			return nil, err
		}
		b.applyRockRidgeAttrs(child, rr)
		b.attachAAIP(child, first)
		return child, nil
	case rr != nil && rr.HasPN:
		return b.buildSpecial(first, rr, name)
	default:
		return b.buildFile(group, rr, name)
	}
}

func decodeName(ident string) string {
	if directory.IsDot(ident) {
		return ident
	}
	// Strip the ";1" version suffix and trailing dot ECMA-119 level-1
	// plain-ISO names carry; Rock Ridge/Joliet names override this
	// with their own decoded form when present.
	if i := indexByte(ident, ';'); i >= 0 {
		ident = ident[:i]
	}
	if len(ident) > 1 && ident[len(ident)-1] == '.' {
		ident = ident[:len(ident)-1]
	}
	return ident
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// applyRockRidgeAttrs copies PX/TF attributes onto n and observes any
// PX-supplied inode number so the allocator never reuses it for a
// freshly assigned node, spec §4.10 "seeded by the maximum PX inode
// number observed during import".
func (b *builder) applyRockRidgeAttrs(n *isotree.Node, rr *rockridge.Info) {
	if rr == nil || !rr.HasPX {
		return
	}
	n.Mode = rr.Mode
	n.UID = rr.UID
	n.GID = rr.GID
	n.Inode.InoID = uint64(rr.Serial)
	if rr.HasTF {
		n.Atime, n.Mtime, n.Ctime = rr.Access, rr.Modify, rr.Change
	}
	if rr.Serial != 0 {
		b.inodes.Observe(uint64(rr.Serial))
	}
}

func (b *builder) attachAAIP(n *isotree.Node, rec directory.Record) {
	it2 := susp.NewIterator(b.bs, rec.SUA, b.skipLen, b.reporter.Warn)
	attrs, _, err := aaip.DecodeList(it2, 0, 0, b.reporter.Warn)
	if err != nil || len(attrs) == 0 {
		return
	}
	encoded, _ := aaip.EncodeList(attrs, false)
	n.SetXinfo(isotree.XinfoAAIP, encoded)
}

func (b *builder) buildSymlink(rec directory.Record, rr *rockridge.Info, name string) (*isotree.Node, error) {
	n := &isotree.Node{Kind: isotree.KindSymlink, Name: name, Target: rr.SymlinkTo, Mode: rr.Mode}
	b.applyRockRidgeAttrs(n, rr)
	b.attachAAIP(n, rec)
	return n, nil
}

func (b *builder) buildSpecial(rec directory.Record, rr *rockridge.Info, name string) (*isotree.Node, error) {
	n := &isotree.Node{Kind: isotree.KindSpecial, Name: name, Mode: rr.Mode, Rdev: uint64(rr.DevHigh)<<32 | uint64(rr.DevLow)}
	b.applyRockRidgeAttrs(n, rr)
	b.attachAAIP(n, rec)
	return n, nil
}

// buildRelocatedPlaceholder resolves a CL entry by reading the real
// directory's '.' record and adopting its attributes while keeping the
// placeholder's name, per spec §4.3 "A relocated-directory placeholder
// is resolved by reading the real directory's '.' entry at the CL
// target LBA and adopting its attributes".
func (b *builder) buildRelocatedPlaceholder(rec directory.Record, rr *rockridge.Info, name string) (*isotree.Node, error) {
	self, err := directory.Self(b.bs, volume.DirRef{LBA: rr.ChildLBA, Size: blocksourceSectorSize})
	if err != nil {
		return nil, err
	}
	realSize := self.DataLength
	if realSize == 0 {
		realSize = blocksourceSectorSize
	}
	child, err := b.buildDir(volume.DirRef{LBA: rr.ChildLBA, Size: realSize}, path.Join("/", name), name)
	if err != nil {
		return nil, err
	}
	it := susp.NewIterator(b.bs, self.SUA, b.skipLen, b.reporter.Warn)
	realRR, err := rockridge.Decode(it, b.reporter.Warn)
	if err == nil {
		b.applyRockRidgeAttrs(child, realRR)
	}
	return child, nil
}

const blocksourceSectorSize = 2048

func (b *builder) buildFile(group []directory.Record, rr *rockridge.Info, name string) (*isotree.Node, error) {
	n := &isotree.Node{Kind: isotree.KindFile, Name: name, Mode: 0644}
	var sections []filesource.Section
	for _, r := range group {
		sections = append(sections, filesource.Section{Block: r.LBA, Size: r.DataLength})
	}
	filesource.AttachSections(n, sections)
	b.applyRockRidgeAttrs(n, rr)
	b.attachAAIP(n, group[0])

	id := stream.ID{FsID: isotree.IsoImageFsID, InoID: n.Inode.InoID}
	if rr != nil && rr.HasZF {
		hdr := zisofs.Header{HeaderSizeDiv4: rr.ZFHeaderSz, BlockSizeLog2: rr.ZFLog2Blk, UncompressedSize: rr.ZFUncompSz}
		zstream, err := filesource.NewZisofsContentStream(b.bs, sections, id, hdr)
		if err != nil {
			b.reporter.Warn(isoerr.WrongRrWarn, "opening zisofs stream for %q: %v", name, err)
			n.Content = filesource.NewContentStream(b.bs, sections, id)
		} else {
			n.Content = zstream
			n.SetXinfo(isotree.XinfoZisofs, rr)
		}
	} else {
		n.Content = filesource.NewContentStream(b.bs, sections, id)
	}
	return n, nil
}

// linkBootImages looks up each BootImage's LBA among the first sections
// of the tree's file nodes. A boot image with a matching file node is
// left as it is: no link between the BootImage and that node is
// recorded on either side. A BootPlaceholder node (size 1 block),
// carrying the image's index in BootImageIndex, is synthesized under
// ".catalog" for any boot image no directory entry points at, per spec §4.7
// "unreachable boot images ... get a synthesized node with size = 1
// block (and a warning about hidden boot images)".
func linkBootImages(root *isotree.Node, cat *eltorito.Catalog, reporter *report.Reporter) {
	byLBA := map[uint32]*isotree.Node{}
	var walk func(n *isotree.Node)
	walk = func(n *isotree.Node) {
		if n.Kind == isotree.KindFile {
			if sec, ok := n.GetXinfo(filesource.SectionsXinfoID); ok {
				if secs, ok := sec.([]filesource.Section); ok && len(secs) > 0 {
					byLBA[secs[0].Block] = n
				}
			}
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(root)

	bootDir := isotree.NewDir(".catalog")
	hiddenAny := false
	for i := range cat.Images {
		img := &cat.Images[i]
		if _, ok := byLBA[img.BootLBA]; ok {
			continue
		}
		reporter.Warn(isoerr.ElToritoHidden, "boot image %d at block %d has no directory entry", img.Index, img.BootLBA)
		placeholder := &isotree.Node{
			Kind:           isotree.KindBootPlaceholder,
			Name:           syntheticBootName(img.Index),
			Mode:           0444,
			BootImageIndex: img.Index,
		}
		filesource.AttachSections(placeholder, []filesource.Section{{Block: img.BootLBA, Size: blocksourceSectorSize}})
		if err := bootDir.Insert(placeholder, isotree.ReplaceNever); err == nil {
			hiddenAny = true
		}
	}
	if hiddenAny {
		root.Insert(bootDir, isotree.ReplaceNever)
	}
	sort.Slice(cat.Images, func(i, j int) bool { return cat.Images[i].Index < cat.Images[j].Index })
}

func syntheticBootName(idx int) string {
	digits := []byte{}
	if idx == 0 {
		digits = []byte{'0'}
	}
	for n := idx; n > 0; n /= 10 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
	}
	return "boot_image_" + string(digits)
}
