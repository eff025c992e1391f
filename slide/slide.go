/*
Package slide reads multi-resolution whole-slide images.

A Slide is an open container file.  It exposes the pyramid as a list of Levels,
highest resolution first, and decodes tiles on demand through one decode cache
shared by all levels of the file.  Pixels are always 4 bytes R, G, B, A in row-major
order without padding.

	s, err := slide.Open("case.wsi", slide.Options{})
	if err != nil {
		return err
	}
	defer s.Close()
	level, err := s.Level(0)
	...
	img, err := level.ReadRegion(0, 0, 1024, 1024)
*/
package slide

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/twinj/uuid"
	"golang.org/x/image/draw"

	"github.com/janelia-flyem/wsitile/cache"
	"github.com/janelia-flyem/wsitile/container"
	"github.com/janelia-flyem/wsitile/wsi"
)

var (
	initOnce sync.Once
	initErr  error
)

// initialize performs the process-wide engine setup exactly once.
func initialize() error {
	initOnce.Do(func() {
		initErr = container.Init()
		if initErr == nil {
			wsi.Infof("Initialized %s\n", container.GetEngine())
		}
	})
	return initErr
}

// Options modify how a slide is opened.
type Options struct {
	// InitializeAllocators pools the engine's scratch buffers.
	InitializeAllocators bool

	// BarcodeOnly skips loading the tile index.  Metadata and barcode are available
	// but every tile read fails.
	BarcodeOnly bool

	// CacheTiles is the decode cache capacity in tiles.  Zero uses cache.DefaultCapacity.
	CacheTiles int
}

func (o Options) flags() container.OpenFlags {
	var flags container.OpenFlags
	if o.InitializeAllocators {
		flags |= container.FlagInitAllocators
	}
	if o.BarcodeOnly {
		flags |= container.FlagReadBarcodeOnly
	}
	return flags
}

// Slide is an open whole-slide image.  It is safe for concurrent use.
type Slide struct {
	mu    sync.RWMutex // write locked only by Close
	file  *container.File
	image *container.Image
	cache *cache.Cache

	id         string
	path       string
	tileWidth  int
	tileHeight int
	offsetX    int64
	offsetY    int64
	levels     []*Level
}

// Open opens the slide at path.  Either a fully usable Slide is returned or nothing
// is left open.
func Open(path string, opts Options) (*Slide, error) {
	const op = "open"
	timedLog := wsi.NewTimeLog()
	if err := initialize(); err != nil {
		return nil, newError(Fatal, op, err)
	}
	if path == "" || strings.IndexByte(path, 0) >= 0 {
		return nil, errorf(InvalidArgument, op, "bad path %q", path)
	}
	capacity := opts.CacheTiles
	if capacity == 0 {
		capacity = cache.DefaultCapacity
	}
	if capacity < 0 {
		return nil, errorf(InvalidArgument, op, "cache of %d tiles", capacity)
	}

	f, err := container.Open(path, opts.flags())
	if err != nil {
		return nil, fromStatus(op, err)
	}
	if f == nil {
		return nil, errorf(NullPointer, op, "no file resource for %s", path)
	}
	s, err := newSlide(f, capacity)
	if err != nil {
		if cerr := f.Close(); cerr != nil {
			wsi.Errorf("Unable to release %s after failed open: %v\n", path, cerr)
		}
		return nil, err
	}
	timedLog.Infof("Opened slide %s (%s): %d levels, %d x %d tiles", path, s.id,
		len(s.levels), s.tileWidth, s.tileHeight)
	return s, nil
}

func newSlide(f *container.File, capacity int) (*Slide, error) {
	const op = "open"
	img := f.Image()
	if img == nil {
		return nil, errorf(NullPointer, op, "%s has no pyramid image", f.Path())
	}
	s := &Slide{
		file:       f,
		image:      img,
		id:         fmt.Sprintf("%x", uuid.NewV4().Bytes()),
		path:       f.Path(),
		tileWidth:  f.TileWidth(),
		tileHeight: f.TileHeight(),
		offsetX:    img.OffsetX(),
		offsetY:    img.OffsetY(),
	}
	c, err := cache.New(capacity)
	if err != nil {
		return nil, fromCache(op, err)
	}
	if err := c.Bind(s.id); err != nil {
		c.Destroy()
		return nil, fromCache(op, err)
	}
	n := img.LevelCount()
	s.levels = make([]*Level, n)
	for i := 0; i < n; i++ {
		l := img.Level(i)
		if l == nil {
			c.Destroy()
			return nil, errorf(NullPointer, op, "level %d of %d missing", i, n)
		}
		s.levels[i] = &Level{
			slide:         s,
			index:         l.Index(),
			scale:         l.Scale(),
			widthInTiles:  l.WidthInTiles(),
			heightInTiles: l.HeightInTiles(),
			width:         l.Width(),
			height:        l.Height(),
			mppX:          l.MPPX(),
			mppY:          l.MPPY(),
		}
	}
	s.cache = c
	return s, nil
}

// ID is the unique identity of this open handle.  Reopening a file yields a new ID.
func (s *Slide) ID() string {
	return s.id
}

func (s *Slide) Path() string {
	return s.path
}

func (s *Slide) String() string {
	return fmt.Sprintf("slide %s (%s)", s.path, s.id)
}

func (s *Slide) LevelCount() int {
	return len(s.levels)
}

// TileWidth is the tile width in pixels, the same for every level.
func (s *Slide) TileWidth() int {
	return s.tileWidth
}

// TileHeight is the tile height in pixels, the same for every level.
func (s *Slide) TileHeight() int {
	return s.tileHeight
}

// OffsetX is the x pixel offset of the image origin within the scanned slide.
func (s *Slide) OffsetX() int64 {
	return s.offsetX
}

// OffsetY is the y pixel offset of the image origin within the scanned slide.
func (s *Slide) OffsetY() int64 {
	return s.offsetY
}

// CacheStats returns the activity of the slide's decode cache.
func (s *Slide) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// FormatVersion returns the container format version recorded in the file header.
func (s *Slide) FormatVersion() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return "", errorf(NullPointer, "format version", "%s is closed", s.path)
	}
	return s.file.Header().Version, nil
}

// Level returns the level descriptor at index, 0 being the highest resolution.
func (s *Slide) Level(index int) (*Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, errorf(NullPointer, "level", "%s is closed", s.path)
	}
	if index < 0 || index >= len(s.levels) {
		return nil, errorf(IndexOutOfRange, "level", "level %d outside [0, %d)", index, len(s.levels))
	}
	return s.levels[index], nil
}

// Levels returns all level descriptors, highest resolution first.
func (s *Slide) Levels() []*Level {
	levels := make([]*Level, len(s.levels))
	copy(levels, s.levels)
	return levels
}

// Barcode returns the slide barcode.
func (s *Slide) Barcode() (string, error) {
	const op = "barcode"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return "", errorf(NullPointer, op, "%s is closed", s.path)
	}
	b, found := s.file.Barcode()
	if !found {
		return "", errorf(NullPointer, op, "%s has no barcode", s.path)
	}
	if !utf8.Valid(b) {
		return "", errorf(StringError, op, "barcode of %s is not valid UTF-8", s.path)
	}
	return string(b), nil
}

// LabelJPEG returns the compressed label image.
func (s *Slide) LabelJPEG() ([]byte, error) {
	return s.auxiliary("label image", (*container.File).LabelJPEG)
}

// MacroJPEG returns the compressed macro image.
func (s *Slide) MacroJPEG() ([]byte, error) {
	return s.auxiliary("macro image", (*container.File).MacroJPEG)
}

// ReadLabelImage decodes the label image.  The JPEG holds RGB only, so every pixel
// of the returned image has alpha 0xff and the stride is 4 bytes per pixel.
func (s *Slide) ReadLabelImage() (*image.RGBA, error) {
	data, err := s.LabelJPEG()
	if err != nil {
		return nil, err
	}
	return decodeJPEG("label image", data)
}

// ReadMacroImage decodes the macro image.  Like ReadLabelImage, alpha is always
// 0xff and pixels are 4 bytes.
func (s *Slide) ReadMacroImage() (*image.RGBA, error) {
	data, err := s.MacroJPEG()
	if err != nil {
		return nil, err
	}
	return decodeJPEG("macro image", data)
}

func (s *Slide) auxiliary(op string, read func(*container.File) ([]byte, error)) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, errorf(NullPointer, op, "%s is closed", s.path)
	}
	data, err := read(s.file)
	if err != nil {
		return nil, fromStatus(op, err)
	}
	if len(data) == 0 {
		return nil, errorf(NullPointer, op, "%s has no %s", s.path, op)
	}
	return data, nil
}

func decodeJPEG(op string, data []byte) (*image.RGBA, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, newError(ImageDecodeError, op, err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, errorf(ImageDecodeError, op, "empty %d x %d image", b.Dx(), b.Dy())
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

// Close drops the decode cache and then releases the file.  It waits for reads in
// progress.  Every later read fails with NullPointer.  Closing twice is a no-op.
func (s *Slide) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	stats := s.cache.Stats()
	cacheErr := s.cache.Destroy()
	fileErr := s.file.Close()
	s.file = nil
	s.image = nil
	if fileErr != nil {
		return fromStatus("close", fileErr)
	}
	if cacheErr != nil {
		return fromCache("close", cacheErr)
	}
	wsi.Infof("Closed slide %s (%s): %d cache hits, %d misses\n", s.path, s.id, stats.Hits, stats.Misses)
	return nil
}
