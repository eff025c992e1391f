/*
Package export writes every tile of a slide level as a PNG file.

A producer goroutine reads tiles row by row and hands them to a consumer goroutine
through a bounded queue, so decoding and encoding overlap while memory stays bounded
by the queue depth.
*/
package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/wsitile/wsi"
)

// DefaultQueueDepth is the number of decoded tiles that may wait for encoding.
const DefaultQueueDepth = 16

// TileReader is the part of a slide level the pipeline needs.
type TileReader interface {
	WidthInTiles() int64
	HeightInTiles() int64
	ReadTile(tx, ty int64) (*image.RGBA, error)
}

type Options struct {
	QueueDepth int    // zero means DefaultQueueDepth
	Prefix     string // prepended to every tile name
}

// Summary describes a finished export.
type Summary struct {
	Tiles   int
	Bytes   int64
	Elapsed time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("%d tiles, %s in %s", s.Tiles, humanize.Bytes(uint64(s.Bytes)), s.Elapsed)
}

// Pipeline exports the tiles of one level.
type Pipeline struct {
	level TileReader
	sink  Sink
	opts  Options
}

type decodedTile struct {
	x, y int64
	img  *image.RGBA
}

func New(level TileReader, sink Sink, opts Options) (*Pipeline, error) {
	if level == nil || sink == nil {
		return nil, fmt.Errorf("export pipeline needs a level and a sink")
	}
	if opts.QueueDepth < 0 {
		return nil, fmt.Errorf("bad export queue depth %d", opts.QueueDepth)
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	return &Pipeline{level: level, sink: sink, opts: opts}, nil
}

// TileName returns the name of tile (x, y): "{prefix}{x}_{y}.png".
func (p *Pipeline) TileName(x, y int64) string {
	return fmt.Sprintf("%s%d_%d.png", p.opts.Prefix, x, y)
}

// Run reads every tile of the level and writes it to the sink.  The first error of
// either stage cancels the other and is returned.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	timedLog := wsi.NewTimeLog()
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan decodedTile, p.opts.QueueDepth)

	g.Go(func() error {
		defer close(queue)
		for y := int64(0); y < p.level.HeightInTiles(); y++ {
			for x := int64(0); x < p.level.WidthInTiles(); x++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				img, err := p.level.ReadTile(x, y)
				if err != nil {
					return fmt.Errorf("reading tile (%d,%d): %w", x, y, err)
				}
				select {
				case queue <- decodedTile{x, y, img}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	})

	var summary Summary
	g.Go(func() error {
		var buf bytes.Buffer
		for t := range queue {
			buf.Reset()
			if err := png.Encode(&buf, t.img); err != nil {
				return fmt.Errorf("encoding tile (%d,%d): %v", t.x, t.y, err)
			}
			if err := p.sink.WriteTile(ctx, p.TileName(t.x, t.y), buf.Bytes()); err != nil {
				return err
			}
			summary.Tiles++
			summary.Bytes += int64(buf.Len())
			wsi.Debugf("Exported tile (%d,%d): %s\n", t.x, t.y, humanize.Bytes(uint64(buf.Len())))
		}
		return nil
	})

	err := g.Wait()
	summary.Elapsed = timedLog.Elapsed()
	if err != nil {
		return summary, err
	}
	timedLog.Infof("Exported %d x %d tiles (%s)", p.level.WidthInTiles(), p.level.HeightInTiles(),
		humanize.Bytes(uint64(summary.Bytes)))
	return summary, nil
}
