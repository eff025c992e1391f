// Command-line tool that exports every tile of one slide level as PNG files.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/janelia-flyem/wsitile/config"
	"github.com/janelia-flyem/wsitile/export"
	"github.com/janelia-flyem/wsitile/slide"
	"github.com/janelia-flyem/wsitile/wsi"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// TOML configuration file.
	configFile = flag.String("config", "", "")

	// Level to export.  Negative uses the configured level.
	exportLevel = flag.Int("level", -1, "")

	// Output directory or bucket URL.  Empty uses the configured output.
	outputRef = flag.String("out", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")
)

const helpMessage = `
wsiexport writes every tile of one level of a whole-slide image as a PNG file

Usage: wsiexport [options] <slide path>

      -config     =string   TOML configuration file.
      -level      =number   Pyramid level to export (default 0, highest resolution).
      -out        =string   Output directory or bucket URL (default "output_tiles").
      -cpuprofile =string   Write CPU profile to this file.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Tiles are named {x}_{y}.png after their column and row in the level's tile grid.
`

var usage = func() {
	fmt.Printf(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "wsiexport expects exactly one slide path, got %d arguments\n", flag.NArg())
		flag.Usage()
		os.Exit(1)
	}
	if *runVerbose {
		wsi.SetLogMode(wsi.DebugMode)
	}

	c := config.Default()
	if *configFile != "" {
		var err error
		if c, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	c.Logging.SetLogger()
	if *exportLevel >= 0 {
		c.Export.Level = *exportLevel
	}
	if *outputRef != "" {
		c.Export.Output = *outputRef
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Capture ctrl+c and other interrupts to stop the export.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, flag.Arg(0), c)
	if err != nil {
		wsi.Errorf("Export of %s failed: %v\n", flag.Arg(0), err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		pprof.StopCPUProfile()
		wsi.Shutdown()
		os.Exit(1)
	}
	fmt.Printf("Exported %s from level %d of %s to %s\n", summary, c.Export.Level, flag.Arg(0), c.Export.Output)
	wsi.Shutdown()
}

// run exports the configured level of the slide at path.
func run(ctx context.Context, path string, c *config.Config) (export.Summary, error) {
	s, err := slide.Open(path, c.SlideOptions())
	if err != nil {
		return export.Summary{}, err
	}
	defer s.Close()

	level, err := s.Level(c.Export.Level)
	if err != nil {
		return export.Summary{}, err
	}
	wsi.Infof("Exporting %s\n", level)

	var sink *export.BucketSink
	if c.Export.IsURL() {
		sink, err = export.OpenURLSink(ctx, c.Export.Output)
	} else {
		sink, err = export.OpenDirSink(c.Export.Output)
	}
	if err != nil {
		return export.Summary{}, err
	}
	p, err := export.New(level, sink, c.ExportOptions())
	if err != nil {
		sink.Close()
		return export.Summary{}, err
	}
	summary, err := p.Run(ctx)
	if cerr := sink.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing %s: %v", c.Export.Output, cerr)
	}
	return summary, err
}
