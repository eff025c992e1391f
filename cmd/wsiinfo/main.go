// Command-line tool that prints the metadata of whole-slide images.

package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/wsitile/container"
	"github.com/janelia-flyem/wsitile/slide"
	"github.com/janelia-flyem/wsitile/wsi"
)

var (
	showHelp   = flag.Bool("help", false, "")
	runVerbose = flag.Bool("verbose", false, "")

	// Write the label image to this PNG file.
	labelFile = flag.String("label", "", "")

	// Write the macro image to this PNG file.
	macroFile = flag.String("macro", "", "")
)

const helpMessage = `
wsiinfo prints the barcode, offsets, tile size, and pyramid levels of whole-slide images

Usage: wsiinfo [options] <slide path> ...

      -label      =string   Write the label image of the first slide as PNG.
      -macro      =string   Write the macro image of the first slide as PNG.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Printf(helpMessage) }
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	if *runVerbose {
		wsi.SetLogMode(wsi.DebugMode)
	} else {
		wsi.SetLogMode(wsi.WarningMode)
	}

	failed := false
	for i, path := range flag.Args() {
		s, err := slide.Open(path, slide.Options{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			failed = true
			continue
		}
		err = describe(os.Stdout, s)
		if err == nil && i == 0 {
			err = writeAuxiliary(s)
		}
		s.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// describe prints the slide metadata.  A missing barcode is not an error.
func describe(w io.Writer, s *slide.Slide) error {
	fmt.Fprintf(w, "%s\n", s.Path())
	if info, err := os.Stat(s.Path()); err == nil {
		fmt.Fprintf(w, "  size:    %s\n", humanize.Bytes(uint64(info.Size())))
	}
	version, err := s.FormatVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  format:  %s\n", version)
	fmt.Fprintf(w, "  engine:  %s\n", container.GetEngine())
	barcode, err := s.Barcode()
	switch {
	case err == nil:
		fmt.Fprintf(w, "  barcode: %q\n", barcode)
	case errors.Is(err, slide.NullPointer):
		fmt.Fprintf(w, "  barcode: none\n")
	default:
		return err
	}
	fmt.Fprintf(w, "  offset:  (%d,%d)\n", s.OffsetX(), s.OffsetY())
	fmt.Fprintf(w, "  tiles:   %d x %d\n", s.TileWidth(), s.TileHeight())
	for _, l := range s.Levels() {
		decoded := uint64(l.WidthInTiles()*l.HeightInTiles()) * uint64(s.TileWidth()*s.TileHeight()*wsi.BytesPerPixel)
		fmt.Fprintf(w, "  %s (%s decoded)\n", l, humanize.Bytes(decoded))
	}
	return nil
}

func writeAuxiliary(s *slide.Slide) error {
	if *labelFile != "" {
		img, err := s.ReadLabelImage()
		if err != nil {
			return err
		}
		if err := writePNG(*labelFile, img); err != nil {
			return err
		}
	}
	if *macroFile != "" {
		img, err := s.ReadMacroImage()
		if err != nil {
			return err
		}
		if err := writePNG(*macroFile, img); err != nil {
			return err
		}
	}
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
