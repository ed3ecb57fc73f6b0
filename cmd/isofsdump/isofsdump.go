// Command isofsdump imports an ISO 9660 image and prints its tree, or
// checks its tree-area MD5 tags, per spec §6.6. Grounded on the
// teacher's cmd/distri/distri.go: stdlib flag, a verb-to-func map, and
// an InterruptibleContext wrapping the chosen verb's execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"

	isofsimport "github.com/isofsimport/isofsimport"
	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/image"
	"github.com/isofsimport/isofsimport/isotree"
	"github.com/isofsimport/isofsimport/report"
)

var (
	noRockRidge = flag.Bool("no_rockridge", false, "disable Rock Ridge even if detected")
	noJoliet    = flag.Bool("no_joliet", false, "disable Joliet even if present")
	preferJolie = flag.Bool("prefer_joliet", false, "prefer Joliet over Rock Ridge when both are present")
	verify      = flag.Bool("verify_checksums", false, "verify tree-area MD5 tags before importing")
	useMmap     = flag.Bool("mmap", false, "memory-map the image instead of reading it via os.File")
)

func funcmain() error {
	flag.Parse()
	args := flag.Args()
	verb := "ls"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}
	if len(args) < 1 && verb != "help" {
		return fmt.Errorf("usage: isofsdump [-flags] %s <image-path>", verb)
	}

	ctx, canc := isofsimport.InterruptibleContext()
	defer canc()

	switch verb {
	case "ls":
		return cmdLs(ctx, args[0])
	case "verify":
		return cmdVerify(ctx, args[0])
	case "help":
		fmt.Fprintln(os.Stderr, "isofsdump [-flags] ls|verify <image-path>")
		return nil
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

func openImage(ctx context.Context, path string) (*image.Image, error) {
	var bs blocksource.BlockSource
	if *useMmap {
		bs = blocksource.NewMmapBlockSource(path)
	} else {
		bs = blocksource.NewFileBlockSource(path)
	}
	img, err := image.Import(bs, image.Options{
		NoRockRidge:     *noRockRidge,
		NoJoliet:        *noJoliet,
		PreferJoliet:    *preferJolie,
		VerifyChecksums: *verify,
		Sink:            report.DefaultSink(),
	})
	if err != nil {
		return nil, err
	}
	isofsimport.RegisterAtExit(img.Close)
	return img, nil
}

func cmdLs(ctx context.Context, path string) error {
	img, err := openImage(ctx, path)
	if err != nil {
		return err
	}
	fmt.Printf("active tree: %s\n", img.ActiveTree)
	printTree(img.Root, "")
	return nil
}

func printTree(n *isotree.Node, prefix string) {
	for _, c := range n.Children() {
		kind := "f"
		if c.Kind == isotree.KindDir {
			kind = "d"
		}
		fmt.Printf("%s%s %s %s\n", prefix, kind, modeString(c.Mode), c.Name)
		if c.Kind == isotree.KindDir {
			printTree(c, prefix+"  ")
		}
	}
}

func modeString(m fs.FileMode) string { return m.String() }

func cmdVerify(ctx context.Context, path string) error {
	*verify = true
	img, err := openImage(ctx, path)
	if err != nil {
		return err
	}
	fmt.Printf("checksum verification passed for %q\n", path)
	_ = img
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if err := isofsimport.RunAtExit(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	if err := isofsimport.RunAtExit(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
