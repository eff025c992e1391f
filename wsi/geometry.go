package wsi

import (
	"fmt"
	"image"
)

// BytesPerPixel is the size of every decoded pixel: R, G, B, A.
const BytesPerPixel = 4

// Point2d is a 2d pixel or tile coordinate.  64-bit components allow pixel
// coordinates of gigapixel levels to be multiplied out without overflow.
type Point2d [2]int64

func (p Point2d) String() string {
	return fmt.Sprintf("(%d,%d)", p[0], p[1])
}

// Chunk returns the tile coordinate of the tile of given size containing the point.
// Negative coordinates round toward negative infinity.
func (p Point2d) Chunk(size Point2d) Point2d {
	var c Point2d
	for i := 0; i < 2; i++ {
		if p[i] < 0 {
			c[i] = (p[i] - size[i] + 1) / size[i]
		} else {
			c[i] = p[i] / size[i]
		}
	}
	return c
}

// PointInChunk returns the offset of the point within its containing tile.
func (p Point2d) PointInChunk(size Point2d) Point2d {
	var o Point2d
	for i := 0; i < 2; i++ {
		o[i] = ((p[i] % size[i]) + size[i]) % size[i]
	}
	return o
}

// MinPoint returns the first pixel of the tile with this tile coordinate.
func (p Point2d) MinPoint(size Point2d) Point2d {
	return Point2d{p[0] * size[0], p[1] * size[1]}
}

// Rect is a half-open pixel rectangle [Min, Max).
type Rect struct {
	Min, Max Point2d
}

// NewRect returns the rectangle with the given origin and size.
func NewRect(origin Point2d, width, height int64) Rect {
	return Rect{origin, Point2d{origin[0] + width, origin[1] + height}}
}

func (r Rect) String() string {
	return fmt.Sprintf("%s-%s", r.Min, r.Max)
}

func (r Rect) Dx() int64 { return r.Max[0] - r.Min[0] }
func (r Rect) Dy() int64 { return r.Max[1] - r.Min[1] }

// Empty is true if the rectangle contains no pixels.
func (r Rect) Empty() bool {
	return r.Min[0] >= r.Max[0] || r.Min[1] >= r.Max[1]
}

// Intersect returns the largest rectangle contained by both r and s.
func (r Rect) Intersect(s Rect) Rect {
	for i := 0; i < 2; i++ {
		if r.Min[i] < s.Min[i] {
			r.Min[i] = s.Min[i]
		}
		if r.Max[i] > s.Max[i] {
			r.Max[i] = s.Max[i]
		}
	}
	if r.Empty() {
		return Rect{}
	}
	return r
}

// Sub translates the rectangle by -p.
func (r Rect) Sub(p Point2d) Rect {
	return Rect{
		Point2d{r.Min[0] - p[0], r.Min[1] - p[1]},
		Point2d{r.Max[0] - p[0], r.Max[1] - p[1]},
	}
}

// Image returns the equivalent image.Rectangle.
func (r Rect) Image() image.Rectangle {
	return image.Rect(int(r.Min[0]), int(r.Min[1]), int(r.Max[0]), int(r.Max[1]))
}

// Tiles returns the inclusive range of tile coordinates overlapped by the rectangle.
func (r Rect) Tiles(size Point2d) (first, last Point2d) {
	first = r.Min.Chunk(size)
	last = Point2d{r.Max[0] - 1, r.Max[1] - 1}.Chunk(size)
	return
}
