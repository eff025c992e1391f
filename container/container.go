/*
Package container implements the decode engine for the pyramid slide container.
It is the sole authority on the byte layout of a slide file: the magic, the XML
header describing the pyramid, the per-level tile tables, and the compressed tile
and auxiliary image payloads.

Every engine call reports failures as a *StatusError carrying a Status code that
mirrors a C-style engine: StatusOK, StatusInvalidArgument, or anything else fatal.
Callers above the engine are expected to translate these codes into their own
error kinds.

File layout (little endian):

	[0:8]       magic "WSIPYRMD"
	[8:12]      uint32 length N of the XML header
	[12:12+N]   UTF-8 XML header
	...         tile tables and payloads at absolute offsets given by the header

Each tile table holds widthInTiles * heightInTiles entries in row-major order:

	offset uint64 | length uint32 | crc32 uint32 | flags uint32

A zero length entry is an empty tile and decodes to the image background.
*/
package container

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blang/semver"
	"github.com/klauspost/compress/zstd"

	"github.com/janelia-flyem/wsitile/wsi"
)

const (
	// Magic is the first 8 bytes of every slide container.
	Magic = "WSIPYRMD"

	// HeaderOffset is the file offset of the XML header.
	HeaderOffset = 12

	// TileEntrySize is the size in bytes of one tile table entry.
	TileEntrySize = 20

	// MaxTileSide bounds tile width and height so a decoded tile buffer fits an int.
	MaxTileSide = 1 << 14

	// FlagCRC32 in a tile entry's flags means the crc32 field covers the payload.
	FlagCRC32 = 1 << 0
)

// Status is the result code of an engine call.
type Status int32

const (
	StatusOK              Status = 0
	StatusFatal           Status = 1
	StatusInvalidArgument Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFatal:
		return "fatal"
	case StatusInvalidArgument:
		return "invalid argument"
	default:
		return fmt.Sprintf("status %d", int32(s))
	}
}

// StatusError is the error returned by every failing engine call.
type StatusError struct {
	Code Status
	Op   string
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("container %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("container %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusOf returns the engine status corresponding to an error.  A nil error is
// StatusOK and any error not produced by the engine is StatusFatal.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusFatal
}

func fatal(op string, err error) error {
	return &StatusError{Code: StatusFatal, Op: op, Err: err}
}

func invalid(op string, format string, args ...interface{}) error {
	return &StatusError{Code: StatusInvalidArgument, Op: op, Err: fmt.Errorf(format, args...)}
}

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrBadMagic       = errors.New("not a slide container")
	ErrClosed         = errors.New("file is closed")
	ErrNoTileIndex    = errors.New("tile index not loaded")
	ErrBadChecksum    = errors.New("tile checksum mismatch")
)

// OpenFlags modify how a file is opened.
type OpenFlags uint32

const (
	// FlagInitAllocators pools the scratch buffers used to read tile payloads.
	FlagInitAllocators OpenFlags = 1 << iota

	// FlagReadBarcodeOnly parses the header only.  Tile tables are not loaded and
	// tile reads fail.
	FlagReadBarcodeOnly
)

// PixelFormat is the channel order of decoded tiles.
type PixelFormat int32

const (
	PixelFormatRGBA PixelFormat = 0x101
	PixelFormatBGRA PixelFormat = 0x102
)

// --- Engine description ---

// Engine describes this decode engine.
type Engine struct {
	name   string
	desc   string
	semver semver.Version

	// range of container versions this engine reads
	supported semver.Range
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// Supports returns true if a container of the given version can be read.
func (e Engine) Supports(v semver.Version) bool {
	return e.supported(v)
}

var engine = Engine{
	name:      "wsipyr",
	desc:      "Pyramid slide container decode engine",
	semver:    semver.MustParse("1.2.0"),
	supported: semver.MustParseRange(">=1.0.0 <2.0.0"),
}

// GetEngine returns the description of the decode engine.
func GetEngine() Engine {
	return engine
}

// --- Process-wide initialization ---

var (
	initMu      sync.Mutex
	initialized bool

	// shared by all files; DecodeAll is safe for concurrent use.
	zstdDecoder *zstd.Decoder
)

// Init performs process-wide engine setup.  It must be called before Open.
// Calling it again after a successful call has no effect.
func Init() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initialized {
		return nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return fatal("init", err)
	}
	zstdDecoder = dec
	initialized = true
	wsi.Debugf("Initialized %s\n", engine)
	return nil
}

func isInitialized() bool {
	initMu.Lock()
	defer initMu.Unlock()
	return initialized
}
