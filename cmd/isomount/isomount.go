// Command isomount imports an ISO 9660 image and exposes it as a
// read-only FUSE filesystem (spec §6's "consumable as a local
// filesystem" interface), mirroring the teacher's single-purpose
// cmd/distri-installer style: flag vars, a funcmain()/main() split,
// InterruptibleContext driving the blocking call.
package main

import (
	"flag"
	"fmt"
	"os"

	isofsimport "github.com/isofsimport/isofsimport"
	"github.com/isofsimport/isofsimport/blocksource"
	"github.com/isofsimport/isofsimport/image"
	"github.com/isofsimport/isofsimport/isofuse"
	"github.com/isofsimport/isofsimport/report"
)

var (
	noRockRidge = flag.Bool("no_rockridge", false, "disable Rock Ridge even if detected")
	noJoliet    = flag.Bool("no_joliet", false, "disable Joliet even if present")
	preferJolie = flag.Bool("prefer_joliet", false, "prefer Joliet over Rock Ridge when both are present")
	verify      = flag.Bool("verify_checksums", false, "verify tree-area MD5 tags before mounting")
)

func funcmain() error {
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		return fmt.Errorf("usage: isomount [-flags] <image-path> <mountpoint>")
	}
	imagePath, mountpoint := args[0], args[1]

	ctx, canc := isofsimport.InterruptibleContext()
	defer canc()

	bs := blocksource.NewFileBlockSource(imagePath)
	img, err := image.Import(bs, image.Options{
		NoRockRidge:     *noRockRidge,
		NoJoliet:        *noJoliet,
		PreferJoliet:    *preferJolie,
		VerifyChecksums: *verify,
		Sink:            report.DefaultSink(),
	})
	if err != nil {
		return fmt.Errorf("importing %q: %w", imagePath, err)
	}
	isofsimport.RegisterAtExit(img.Close)

	return isofuse.Mount(ctx, img, mountpoint)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		isofsimport.RunAtExit()
		os.Exit(1)
	}
	if err := isofsimport.RunAtExit(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
