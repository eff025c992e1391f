package slide

import (
	"fmt"
	"image"
	"math"

	"github.com/janelia-flyem/wsitile/cache"
	"github.com/janelia-flyem/wsitile/container"
	"github.com/janelia-flyem/wsitile/wsi"
)

// Level is one resolution of a slide's pyramid.  Its geometry is fixed at open and
// its reads fail once the owning Slide is closed.
type Level struct {
	slide *Slide

	index         int
	scale         int
	widthInTiles  int64
	heightInTiles int64
	width         int64
	height        int64
	mppX          float32
	mppY          float32
}

func (l *Level) String() string {
	return fmt.Sprintf("level %d: %d x %d pixels, %d x %d tiles, scale %d, %.4f x %.4f um/pixel",
		l.index, l.width, l.height, l.widthInTiles, l.heightInTiles, l.scale, l.mppX, l.mppY)
}

func (l *Level) Index() int { return l.index }

// Scale is the power of two downsample relative to level 0.
func (l *Level) Scale() int { return l.scale }

func (l *Level) WidthInTiles() int64  { return l.widthInTiles }
func (l *Level) HeightInTiles() int64 { return l.heightInTiles }
func (l *Level) Width() int64         { return l.width }
func (l *Level) Height() int64        { return l.height }

// MPPX is the physical pixel width in micrometers.
func (l *Level) MPPX() float32 { return l.mppX }

// MPPY is the physical pixel height in micrometers.
func (l *Level) MPPY() float32 { return l.mppY }

func (l *Level) tileSize() wsi.Point2d {
	return wsi.Point2d{int64(l.slide.tileWidth), int64(l.slide.tileHeight)}
}

func (l *Level) tileBytes() int {
	return l.slide.tileWidth * l.slide.tileHeight * wsi.BytesPerPixel
}

// TileBounds returns the pixel rectangle of tile (tx, ty) in level coordinates.
func (l *Level) TileBounds(tx, ty int64) image.Rectangle {
	size := l.tileSize()
	return wsi.NewRect(wsi.Point2d{tx, ty}.MinPoint(size), size[0], size[1]).Image()
}

// tile returns the shared decoded buffer of a tile.  The slide read lock must be held.
func (l *Level) tile(op string, tx, ty int64) ([]byte, error) {
	s := l.slide
	key := cache.Key{File: s.id, Level: l.index, X: tx, Y: ty}
	data, err := s.cache.GetOrDecode(key, func() ([]byte, error) {
		dst := make([]byte, l.tileBytes())
		if err := s.file.ReadTile(l.index, tx, ty, dst, container.PixelFormatRGBA); err != nil {
			return nil, fromStatus(op, err)
		}
		return dst, nil
	})
	if err != nil {
		return nil, fromCache(op, err)
	}
	return data, nil
}

// ReadTile returns the decoded tile (tx, ty), TileWidth x TileHeight pixels.
func (l *Level) ReadTile(tx, ty int64) (*image.RGBA, error) {
	tw, th := l.slide.tileWidth, l.slide.tileHeight
	buf := make([]byte, l.tileBytes())
	if err := l.ReadTileInto(tx, ty, buf); err != nil {
		return nil, err
	}
	return shape("tile read", buf, tw, th)
}

// ReadTileInto decodes tile (tx, ty) into buf, which must be exactly
// TileWidth * TileHeight * 4 bytes.
func (l *Level) ReadTileInto(tx, ty int64, buf []byte) error {
	const op = "tile read"
	s := l.slide
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return errorf(NullPointer, op, "%s is closed", s.path)
	}
	if len(buf) != l.tileBytes() {
		return errorf(InvalidArgument, op, "buffer of %d bytes for %d x %d tile",
			len(buf), s.tileWidth, s.tileHeight)
	}
	data, err := l.tile(op, tx, ty)
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// ReadRegion returns width x height pixels whose origin is the first pixel of tile
// (tx, ty).  Pixels outside the level's tile grid are zero.
func (l *Level) ReadRegion(tx, ty, width, height int64) (*image.RGBA, error) {
	const op = "region read"
	if err := l.checkRegion(op, tx, ty, width, height); err != nil {
		return nil, err
	}
	buf := make([]byte, width*height*wsi.BytesPerPixel)
	if err := l.ReadRegionInto(tx, ty, width, height, buf); err != nil {
		return nil, err
	}
	return shape(op, buf, int(width), int(height))
}

// maxRegionPixels bounds region reads so their buffer size fits an int.
const maxRegionPixels = 1 << 32

// checkRegion rejects empty regions, negative origins, and regions whose pixel
// extent cannot be represented.
func (l *Level) checkRegion(op string, tx, ty, width, height int64) error {
	if width <= 0 || height <= 0 {
		return errorf(InvalidArgument, op, "region of %d x %d pixels", width, height)
	}
	if tx < 0 || ty < 0 {
		return errorf(InvalidArgument, op, "region origin tile (%d,%d)", tx, ty)
	}
	if width > maxRegionPixels/height {
		return errorf(InvalidArgument, op, "region of %d x %d pixels too large", width, height)
	}
	size := l.tileSize()
	if tx > (math.MaxInt64-width)/size[0] || ty > (math.MaxInt64-height)/size[1] {
		return errorf(InvalidArgument, op, "region origin tile (%d,%d) beyond addressable pixels", tx, ty)
	}
	return nil
}

// ReadRegionInto is ReadRegion into buf, which must be exactly width * height * 4 bytes.
func (l *Level) ReadRegionInto(tx, ty, width, height int64, buf []byte) error {
	const op = "region read"
	if err := l.checkRegion(op, tx, ty, width, height); err != nil {
		return err
	}
	if int64(len(buf)) != width*height*wsi.BytesPerPixel {
		return errorf(InvalidArgument, op, "buffer of %d bytes for %d x %d region", len(buf), width, height)
	}
	s := l.slide
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return errorf(NullPointer, op, "%s is closed", s.path)
	}

	size := l.tileSize()
	region := wsi.NewRect(wsi.Point2d{tx, ty}.MinPoint(size), width, height)
	grid := wsi.Rect{Max: wsi.Point2d{l.widthInTiles * size[0], l.heightInTiles * size[1]}}
	for i := range buf {
		buf[i] = 0
	}
	covered := region.Intersect(grid)
	if covered.Empty() {
		return nil
	}

	rowBytes := width * wsi.BytesPerPixel
	tileRowBytes := size[0] * wsi.BytesPerPixel
	first, last := covered.Tiles(size)
	for y := first[1]; y <= last[1]; y++ {
		for x := first[0]; x <= last[0]; x++ {
			data, err := l.tile(op, x, y)
			if err != nil {
				return err
			}
			bounds := wsi.NewRect(wsi.Point2d{x, y}.MinPoint(size), size[0], size[1])
			overlap := bounds.Intersect(covered)
			src := overlap.Min.PointInChunk(size)
			dst := overlap.Sub(region.Min)
			n := overlap.Dx() * wsi.BytesPerPixel
			for row := int64(0); row < overlap.Dy(); row++ {
				si := (src[1]+row)*tileRowBytes + src[0]*wsi.BytesPerPixel
				di := (dst.Min[1]+row)*rowBytes + dst.Min[0]*wsi.BytesPerPixel
				copy(buf[di:di+n], data[si:si+n])
			}
		}
	}
	return nil
}

// shape wraps a pixel buffer as an image of the given dimensions.
func shape(op string, pix []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 || len(pix) != width*height*wsi.BytesPerPixel {
		return nil, errorf(ImageDecodeError, op, "%d bytes cannot hold %d x %d pixels", len(pix), width, height)
	}
	return &image.RGBA{
		Pix:    pix,
		Stride: width * wsi.BytesPerPixel,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}
