/*
Package containertest builds slide containers for tests.  Pixels are generated by
a deterministic pattern so tests can compute the expected contents of any tile or
region without decoding.
*/
package containertest

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/janelia-flyem/wsitile/container"
)

// Level gives the pixel size and spacing of one level to write.
type Level struct {
	Width  int64
	Height int64
	Scale  int
	MPPX   float32
	MPPY   float32
}

// Spec describes a container to write.  Nil Barcode, Label, or Macro are omitted.
type Spec struct {
	Version    string // default "1.0.0"
	TileWidth  int
	TileHeight int
	Codec      container.Codec
	Background string
	OffsetX    int64
	OffsetY    int64
	Barcode    []byte
	Label      []byte
	Macro      []byte
	Levels     []Level
	NoImage    bool
	Checksum   bool

	// Empty, if set, marks tiles to be written without payload.
	Empty func(level int, tx, ty int64) bool
}

// Standard returns a three level, 512 x 512 tile, zstd compressed spec with
// barcode, label, and macro images.
func Standard() Spec {
	return Spec{
		TileWidth:  512,
		TileHeight: 512,
		Codec:      container.Zstd,
		OffsetX:    1024,
		OffsetY:    2048,
		Barcode:    []byte("WSI-TEST-000042"),
		Label:      JPEG(64, 32, color.RGBA{200, 10, 10, 255}),
		Macro:      JPEG(96, 48, color.RGBA{10, 10, 200, 255}),
		Levels:     Pyramid(1300, 900, 3, 0.25),
	}
}

// Pyramid returns n levels that halve the given level 0 size at each step.
func Pyramid(width, height int64, n int, mpp float32) []Level {
	levels := make([]Level, n)
	for i := 0; i < n; i++ {
		levels[i] = Level{
			Width:  width,
			Height: height,
			Scale:  i,
			MPPX:   mpp,
			MPPY:   mpp,
		}
		width = (width + 1) / 2
		height = (height + 1) / 2
		mpp *= 2
	}
	return levels
}

// Pixel is the pattern color at level pixel (x, y).
func Pixel(level int, x, y int64) color.RGBA {
	return color.RGBA{
		R: uint8(x*7 + y*3),
		G: uint8(x ^ y),
		B: uint8(level*50) + uint8(y*5),
		A: 255,
	}
}

// TilesCovering returns the number of tiles covering size pixels.
func TilesCovering(size int64, tile int) int64 {
	return (size + int64(tile) - 1) / int64(tile)
}

// Tile returns the expected RGBA pixels of a tile.  Pixels beyond the level size are zero.
func (s Spec) Tile(level int, tx, ty int64) []byte {
	l := s.Levels[level]
	tw, th := int64(s.TileWidth), int64(s.TileHeight)
	pix := make([]byte, tw*th*4)
	if s.Empty != nil && s.Empty(level, tx, ty) {
		bg := container.DefaultBackground
		if s.Background != "" {
			fmt.Sscanf(s.Background, "%02x%02x%02x%02x", &bg.R, &bg.G, &bg.B, &bg.A)
		}
		for i := 0; i < len(pix); i += 4 {
			pix[i], pix[i+1], pix[i+2], pix[i+3] = bg.R, bg.G, bg.B, bg.A
		}
		return pix
	}
	for y := int64(0); y < th; y++ {
		gy := ty*th + y
		if gy >= l.Height {
			break
		}
		for x := int64(0); x < tw; x++ {
			gx := tx*tw + x
			if gx >= l.Width {
				break
			}
			c := Pixel(level, gx, gy)
			i := (y*tw + x) * 4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
		}
	}
	return pix
}

// JPEG returns a solid color JPEG of the given size.
func JPEG(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (s Spec) encodeTile(pix []byte) ([]byte, error) {
	w, h := s.TileWidth, s.TileHeight
	switch s.Codec {
	case container.Raw:
		return pix, nil
	case container.Snappy:
		return snappy.Encode(nil, pix), nil
	case container.Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(pix, nil), nil
	case container.Gzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(pix); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case container.JPEG, container.PNG:
		img := &image.RGBA{Pix: pix, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}
		var buf bytes.Buffer
		var err error
		if s.Codec == container.JPEG {
			err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
		} else {
			err = png.Encode(&buf, img)
		}
		return buf.Bytes(), err
	default:
		return nil, fmt.Errorf("containertest cannot encode %s tiles", s.Codec)
	}
}

type entry struct {
	rel    int64 // offset relative to the payload section
	length uint32
	crc    uint32
	flags  uint32
}

// Bytes returns the encoded container.
func (s Spec) Bytes() ([]byte, error) {
	version := s.Version
	if version == "" {
		version = "1.0.0"
	}
	h := container.Header{Version: version}
	if s.Barcode != nil {
		bc := container.EncodeBarcode(s.Barcode)
		h.Barcode = &bc
	}

	// Encode payloads: label, macro, then tiles of each level in row-major order.
	var body bytes.Buffer
	var labelRel, macroRel int64
	labelRel = int64(body.Len())
	body.Write(s.Label)
	macroRel = int64(body.Len())
	body.Write(s.Macro)

	var tables [][]entry
	if !s.NoImage {
		for li, l := range s.Levels {
			wt := TilesCovering(l.Width, s.TileWidth)
			ht := TilesCovering(l.Height, s.TileHeight)
			table := make([]entry, 0, wt*ht)
			for ty := int64(0); ty < ht; ty++ {
				for tx := int64(0); tx < wt; tx++ {
					if s.Empty != nil && s.Empty(li, tx, ty) {
						table = append(table, entry{})
						continue
					}
					payload, err := s.encodeTile(s.Tile(li, tx, ty))
					if err != nil {
						return nil, err
					}
					e := entry{rel: int64(body.Len()), length: uint32(len(payload))}
					if s.Checksum {
						e.crc = crc32.ChecksumIEEE(payload)
						e.flags = container.FlagCRC32
					}
					body.Write(payload)
					table = append(table, e)
				}
			}
			tables = append(tables, table)
		}
	}
	var tablesSize int64
	for _, t := range tables {
		tablesSize += int64(len(t)) * container.TileEntrySize
	}

	// The header holds absolute offsets, so reserve room for it and grow if needed.
	reserved := 512
	for {
		tablesStart := int64(container.HeaderOffset + reserved)
		payloadStart := tablesStart + tablesSize
		if s.Label != nil {
			h.Label = &container.PayloadXML{Offset: payloadStart + labelRel, Length: int64(len(s.Label))}
		}
		if s.Macro != nil {
			h.Macro = &container.PayloadXML{Offset: payloadStart + macroRel, Length: int64(len(s.Macro))}
		}
		if !s.NoImage {
			img := &container.ImageXML{
				OffsetX:    s.OffsetX,
				OffsetY:    s.OffsetY,
				TileWidth:  s.TileWidth,
				TileHeight: s.TileHeight,
				Codec:      s.Codec.String(),
				Background: s.Background,
			}
			offset := tablesStart
			for li, l := range s.Levels {
				img.Levels = append(img.Levels, container.LevelXML{
					Index:         li,
					Scale:         l.Scale,
					WidthInTiles:  TilesCovering(l.Width, s.TileWidth),
					HeightInTiles: TilesCovering(l.Height, s.TileHeight),
					Width:         l.Width,
					Height:        l.Height,
					MPPX:          l.MPPX,
					MPPY:          l.MPPY,
					TableOffset:   offset,
				})
				offset += int64(len(tables[li])) * container.TileEntrySize
			}
			h.Image = img
		}
		headerXML, err := xml.Marshal(h)
		if err != nil {
			return nil, err
		}
		if len(headerXML) > reserved {
			reserved = len(headerXML) + 512
			continue
		}
		headerXML = append(headerXML, []byte(strings.Repeat(" ", reserved-len(headerXML)))...)

		var out bytes.Buffer
		out.WriteString(container.Magic)
		binary.Write(&out, binary.LittleEndian, uint32(reserved))
		out.Write(headerXML)
		for _, table := range tables {
			for _, e := range table {
				var b [container.TileEntrySize]byte
				if e.length != 0 {
					binary.LittleEndian.PutUint64(b[0:8], uint64(payloadStart+e.rel))
				}
				binary.LittleEndian.PutUint32(b[8:12], e.length)
				binary.LittleEndian.PutUint32(b[12:16], e.crc)
				binary.LittleEndian.PutUint32(b[16:20], e.flags)
				out.Write(b[:])
			}
		}
		out.Write(body.Bytes())
		return out.Bytes(), nil
	}
}

// Write writes the container to path.
func (s Spec) Write(path string) error {
	data, err := s.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// WriteTemp writes the container into a test's temporary directory and returns its path.
func (s Spec) WriteTemp(t testing.TB, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := s.Write(path); err != nil {
		t.Fatalf("unable to write test container %s: %v\n", path, err)
	}
	return path
}
