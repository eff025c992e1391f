package container

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image/color"
	"strings"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/janelia-flyem/wsitile/wsi"
)

// maxHeaderSize bounds the XML header read at open.
const maxHeaderSize = 16 * wsi.Mega

// File is an open slide container.  It is safe for concurrent tile reads.
type File struct {
	path  string
	flags OpenFlags

	mu   sync.RWMutex // guards r against Close
	r    *mmap.ReaderAt
	size int64

	header  *Header
	barcode []byte
	image   *Image

	// non-nil when opened with FlagInitAllocators
	scratch *sync.Pool
}

// Image is the top-level pyramid descriptor of a file.
type Image struct {
	offsetX    int64
	offsetY    int64
	tileWidth  int
	tileHeight int
	codec      Codec
	background color.RGBA
	levels     []*Level
}

// Level is one resolution level of the pyramid.
type Level struct {
	index         int
	scale         int
	widthInTiles  int64
	heightInTiles int64
	width         int64
	height        int64
	mppX          float32
	mppY          float32
	tableOffset   int64

	tiles []tileEntry // nil if the tile index was not loaded
}

type tileEntry struct {
	offset int64
	length uint32
	crc    uint32
	flags  uint32
}

// Open opens and validates the slide container at path.  The returned File must be
// closed to release the file mapping.
func Open(path string, flags OpenFlags) (*File, error) {
	const op = "open"
	if !isInitialized() {
		return nil, fatal(op, ErrNotInitialized)
	}
	if path == "" || strings.IndexByte(path, 0) >= 0 {
		return nil, invalid(op, "bad path %q", path)
	}
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fatal(op, err)
	}
	f := &File{
		path:  path,
		flags: flags,
		r:     r,
		size:  int64(r.Len()),
	}
	if err := f.load(); err != nil {
		r.Close()
		return nil, fatal(op, fmt.Errorf("%s: %w", path, err))
	}
	if flags&FlagInitAllocators != 0 {
		f.scratch = new(sync.Pool)
	}
	if f.image != nil {
		wsi.Debugf("Opened %s: %d levels, %d x %d %s tiles\n", path, len(f.image.levels),
			f.image.tileWidth, f.image.tileHeight, f.image.codec)
	} else {
		wsi.Debugf("Opened %s: no pyramid image\n", path)
	}
	return f, nil
}

func (f *File) load() error {
	if f.size < HeaderOffset {
		return ErrBadMagic
	}
	var prefix [HeaderOffset]byte
	if _, err := f.r.ReadAt(prefix[:], 0); err != nil {
		return err
	}
	if string(prefix[:8]) != Magic {
		return ErrBadMagic
	}
	headerLen := int64(binary.LittleEndian.Uint32(prefix[8:12]))
	if headerLen > maxHeaderSize {
		return fmt.Errorf("header of %d bytes exceeds limit of %d", headerLen, maxHeaderSize)
	}
	if HeaderOffset+headerLen > f.size {
		return fmt.Errorf("header of %d bytes exceeds file size %d", headerLen, f.size)
	}
	data := make([]byte, headerLen)
	if _, err := f.r.ReadAt(data, HeaderOffset); err != nil {
		return err
	}
	h, err := parseHeader(data, f.size)
	if err != nil {
		return err
	}
	f.header = h

	if h.Barcode != nil {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*h.Barcode))
		if err != nil {
			return fmt.Errorf("bad barcode encoding: %v", err)
		}
		f.barcode = b
	}
	if h.Image == nil {
		return nil
	}

	background, _ := parseBackground(h.Image.Background)
	img := &Image{
		offsetX:    h.Image.OffsetX,
		offsetY:    h.Image.OffsetY,
		tileWidth:  h.Image.TileWidth,
		tileHeight: h.Image.TileHeight,
		codec:      codecs[strings.ToLower(h.Image.Codec)],
		background: background,
		levels:     make([]*Level, len(h.Image.Levels)),
	}
	for i, lx := range h.Image.Levels {
		level := &Level{
			index:         lx.Index,
			scale:         lx.Scale,
			widthInTiles:  lx.WidthInTiles,
			heightInTiles: lx.HeightInTiles,
			width:         lx.Width,
			height:        lx.Height,
			mppX:          lx.MPPX,
			mppY:          lx.MPPY,
			tableOffset:   lx.TableOffset,
		}
		if f.flags&FlagReadBarcodeOnly == 0 {
			if level.tiles, err = f.loadTileTable(level); err != nil {
				return fmt.Errorf("level %d: %v", i, err)
			}
		}
		img.levels[i] = level
	}
	f.image = img
	return nil
}

func (f *File) loadTileTable(level *Level) ([]tileEntry, error) {
	n := level.widthInTiles * level.heightInTiles
	table := make([]byte, n*TileEntrySize)
	if _, err := f.r.ReadAt(table, level.tableOffset); err != nil {
		return nil, err
	}
	tiles := make([]tileEntry, n)
	for i := range tiles {
		b := table[i*TileEntrySize:]
		e := tileEntry{
			offset: int64(binary.LittleEndian.Uint64(b[0:8])),
			length: binary.LittleEndian.Uint32(b[8:12]),
			crc:    binary.LittleEndian.Uint32(b[12:16]),
			flags:  binary.LittleEndian.Uint32(b[16:20]),
		}
		if e.length != 0 && (e.offset < HeaderOffset || e.offset > f.size || int64(e.length) > f.size-e.offset) {
			return nil, fmt.Errorf("tile %d payload [%d, +%d) outside file", i, e.offset, e.length)
		}
		tiles[i] = e
	}
	return tiles, nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string {
	return f.path
}

// Header returns the parsed XML header.
func (f *File) Header() *Header {
	return f.header
}

// Image returns the top-level pyramid descriptor or nil if the file has none.
func (f *File) Image() *Image {
	return f.image
}

// TileWidth returns the tile width shared by all levels or 0 if there is no image.
func (f *File) TileWidth() int {
	if f.image == nil {
		return 0
	}
	return f.image.tileWidth
}

// TileHeight returns the tile height shared by all levels or 0 if there is no image.
func (f *File) TileHeight() int {
	if f.image == nil {
		return 0
	}
	return f.image.tileHeight
}

// Barcode returns the raw barcode bytes and whether the file carries a barcode.
func (f *File) Barcode() ([]byte, bool) {
	return f.barcode, f.header.Barcode != nil
}

// LabelJPEG returns the compressed label image or nil if the file has none.
func (f *File) LabelJPEG() ([]byte, error) {
	return f.readPayload("read label image", f.header.Label)
}

// MacroJPEG returns the compressed macro image or nil if the file has none.
func (f *File) MacroJPEG() ([]byte, error) {
	return f.readPayload("read macro image", f.header.Macro)
}

func (f *File) readPayload(op string, p *PayloadXML) ([]byte, error) {
	if p == nil || p.Length == 0 {
		return nil, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.r == nil {
		return nil, fatal(op, ErrClosed)
	}
	data := make([]byte, p.Length)
	if _, err := f.r.ReadAt(data, p.Offset); err != nil {
		return nil, fatal(op, err)
	}
	return data, nil
}

// ReadTile decodes the tile (tx, ty) of the given level into dst, which must hold
// exactly TileWidth * TileHeight pixels of 4 bytes in the requested format.
func (f *File) ReadTile(level int, tx, ty int64, dst []byte, format PixelFormat) error {
	const op = "tile read"
	if format != PixelFormatRGBA && format != PixelFormatBGRA {
		return invalid(op, "unsupported pixel format 0x%x", int32(format))
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.r == nil {
		return fatal(op, ErrClosed)
	}
	if f.image == nil {
		return invalid(op, "file has no pyramid image")
	}
	l := f.image.Level(level)
	if l == nil {
		return invalid(op, "level %d outside [0, %d)", level, len(f.image.levels))
	}
	if tx < 0 || ty < 0 || tx >= l.widthInTiles || ty >= l.heightInTiles {
		return invalid(op, "tile (%d,%d) outside level %d grid of %d x %d tiles",
			tx, ty, level, l.widthInTiles, l.heightInTiles)
	}
	tw, th := f.image.tileWidth, f.image.tileHeight
	if len(dst) != tw*th*wsi.BytesPerPixel {
		return invalid(op, "buffer of %d bytes for %d x %d tile", len(dst), tw, th)
	}
	if l.tiles == nil {
		return fatal(op, ErrNoTileIndex)
	}

	e := l.tiles[ty*l.widthInTiles+tx]
	if e.length == 0 {
		fill(dst, f.image.background)
	} else {
		buf := f.getScratch(int(e.length))
		defer f.putScratch(buf)
		payload := (*buf)[:e.length]
		if _, err := f.r.ReadAt(payload, e.offset); err != nil {
			return fatal(op, err)
		}
		if e.flags&FlagCRC32 != 0 {
			if sum := crc32.ChecksumIEEE(payload); sum != e.crc {
				return fatal(op, fmt.Errorf("level %d tile (%d,%d): %w: stored %x got %x",
					level, tx, ty, ErrBadChecksum, e.crc, sum))
			}
		}
		if err := decoders[f.image.codec](dst, payload, tw, th); err != nil {
			return fatal(op, fmt.Errorf("level %d tile (%d,%d) %s: %v", level, tx, ty, f.image.codec, err))
		}
	}
	if format == PixelFormatBGRA {
		swapRB(dst)
	}
	return nil
}

func (f *File) getScratch(n int) *[]byte {
	if f.scratch != nil {
		if v := f.scratch.Get(); v != nil {
			buf := v.(*[]byte)
			if cap(*buf) >= n {
				return buf
			}
		}
	}
	buf := make([]byte, n)
	return &buf
}

func (f *File) putScratch(buf *[]byte) {
	if f.scratch != nil {
		f.scratch.Put(buf)
	}
}

func fill(dst []byte, c color.RGBA) {
	for i := 0; i+3 < len(dst); i += 4 {
		dst[i], dst[i+1], dst[i+2], dst[i+3] = c.R, c.G, c.B, c.A
	}
}

// Close releases the file mapping.  Reads after Close fail.  Closing twice is a no-op.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.r == nil {
		return nil
	}
	err := f.r.Close()
	f.r = nil
	if err != nil {
		return fatal("close", err)
	}
	wsi.Debugf("Closed %s\n", f.path)
	return nil
}

// --- Image descriptor ---

func (img *Image) LevelCount() int {
	return len(img.levels)
}

// Level returns the level with the given index or nil if there is none.
func (img *Image) Level(index int) *Level {
	if index < 0 || index >= len(img.levels) {
		return nil
	}
	return img.levels[index]
}

func (img *Image) OffsetX() int64 {
	return img.offsetX
}

func (img *Image) OffsetY() int64 {
	return img.offsetY
}

func (img *Image) TileWidth() int {
	return img.tileWidth
}

func (img *Image) TileHeight() int {
	return img.tileHeight
}

func (img *Image) Codec() Codec {
	return img.codec
}

func (img *Image) Background() color.RGBA {
	return img.background
}

// --- Level descriptor ---

func (l *Level) Index() int           { return l.index }
func (l *Level) Scale() int           { return l.scale }
func (l *Level) WidthInTiles() int64  { return l.widthInTiles }
func (l *Level) HeightInTiles() int64 { return l.heightInTiles }
func (l *Level) Width() int64         { return l.width }
func (l *Level) Height() int64        { return l.height }
func (l *Level) MPPX() float32        { return l.mppX }
func (l *Level) MPPY() float32        { return l.mppY }

// EmptyTiles returns the number of tiles without payload, or -1 if the tile index
// was not loaded.
func (l *Level) EmptyTiles() int {
	if l.tiles == nil {
		return -1
	}
	var n int
	for _, e := range l.tiles {
		if e.length == 0 {
			n++
		}
	}
	return n
}
