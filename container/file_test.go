package container_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/wsitile/container"
	"github.com/janelia-flyem/wsitile/container/containertest"
)

func initEngine(t *testing.T) {
	if err := container.Init(); err != nil {
		t.Fatalf("unable to initialize engine: %v\n", err)
	}
}

func openSpec(t *testing.T, spec containertest.Spec, flags container.OpenFlags) *container.File {
	initEngine(t)
	path := spec.WriteTemp(t, "test.wsi")
	f, err := container.Open(path, flags)
	if err != nil {
		t.Fatalf("unable to open test container: %v\n", err)
	}
	return f
}

func smallSpec(codec container.Codec) containertest.Spec {
	return containertest.Spec{
		TileWidth:  64,
		TileHeight: 48,
		Codec:      codec,
		Levels:     containertest.Pyramid(150, 100, 2, 0.5),
	}
}

func readAllTiles(t *testing.T, f *container.File, spec containertest.Spec) {
	img := f.Image()
	buf := make([]byte, spec.TileWidth*spec.TileHeight*4)
	for li := 0; li < img.LevelCount(); li++ {
		level := img.Level(li)
		for ty := int64(0); ty < level.HeightInTiles(); ty++ {
			for tx := int64(0); tx < level.WidthInTiles(); tx++ {
				if err := f.ReadTile(li, tx, ty, buf, container.PixelFormatRGBA); err != nil {
					t.Fatalf("level %d tile (%d,%d): %v\n", li, tx, ty, err)
				}
				if !bytes.Equal(buf, spec.Tile(li, tx, ty)) {
					t.Fatalf("level %d tile (%d,%d) %s: decoded pixels differ from written pixels\n",
						li, tx, ty, img.Codec())
				}
			}
		}
	}
}

func TestOpenStandard(t *testing.T) {
	spec := containertest.Standard()
	f := openSpec(t, spec, 0)
	defer f.Close()

	img := f.Image()
	if img == nil {
		t.Fatalf("expected pyramid image\n")
	}
	if img.LevelCount() != 3 {
		t.Fatalf("expected 3 levels, got %d\n", img.LevelCount())
	}
	if f.TileWidth() != 512 || f.TileHeight() != 512 {
		t.Errorf("bad tile size %d x %d\n", f.TileWidth(), f.TileHeight())
	}
	if img.OffsetX() != 1024 || img.OffsetY() != 2048 {
		t.Errorf("bad offset (%d,%d)\n", img.OffsetX(), img.OffsetY())
	}
	expected := []struct {
		wt, ht, w, h int64
		mpp          float32
	}{
		{3, 2, 1300, 900, 0.25},
		{2, 1, 650, 450, 0.5},
		{1, 1, 325, 225, 1.0},
	}
	for i, e := range expected {
		l := img.Level(i)
		if l.Index() != i || l.Scale() != i {
			t.Errorf("level %d has index %d scale %d\n", i, l.Index(), l.Scale())
		}
		if l.WidthInTiles() != e.wt || l.HeightInTiles() != e.ht || l.Width() != e.w || l.Height() != e.h {
			t.Errorf("level %d: got %d x %d tiles, %d x %d pixels\n", i, l.WidthInTiles(), l.HeightInTiles(), l.Width(), l.Height())
		}
		if l.MPPX() != e.mpp || l.MPPY() != e.mpp {
			t.Errorf("level %d: bad mpp %f, %f\n", i, l.MPPX(), l.MPPY())
		}
		if l.EmptyTiles() != 0 {
			t.Errorf("level %d: expected no empty tiles, got %d\n", i, l.EmptyTiles())
		}
	}
	if img.Level(3) != nil || img.Level(-1) != nil {
		t.Errorf("expected nil level outside range\n")
	}

	barcode, found := f.Barcode()
	if !found || string(barcode) != "WSI-TEST-000042" {
		t.Errorf("bad barcode %q (found %t)\n", barcode, found)
	}
	label, err := f.LabelJPEG()
	if err != nil {
		t.Fatalf("label read: %v\n", err)
	}
	if !bytes.Equal(label, spec.Label) {
		t.Errorf("label bytes differ from written label\n")
	}
	macro, err := f.MacroJPEG()
	if err != nil {
		t.Fatalf("macro read: %v\n", err)
	}
	if !bytes.Equal(macro, spec.Macro) {
		t.Errorf("macro bytes differ from written macro\n")
	}
	readAllTiles(t, f, spec)
}

func TestLosslessCodecs(t *testing.T) {
	for _, codec := range []container.Codec{container.Raw, container.Snappy, container.Zstd, container.Gzip, container.PNG} {
		spec := smallSpec(codec)
		spec.Checksum = codec == container.Snappy
		f := openSpec(t, spec, container.FlagInitAllocators)
		if f.Image().Codec() != codec {
			t.Errorf("expected codec %s, got %s\n", codec, f.Image().Codec())
		}
		readAllTiles(t, f, spec)
		f.Close()
	}
}

func TestJPEGTiles(t *testing.T) {
	spec := smallSpec(container.JPEG)
	f := openSpec(t, spec, 0)
	defer f.Close()

	buf := make([]byte, 64*48*4)
	if err := f.ReadTile(0, 1, 1, buf, container.PixelFormatRGBA); err != nil {
		t.Fatalf("jpeg tile read: %v\n", err)
	}
	for i := 3; i < len(buf); i += 4 {
		if buf[i] != 255 {
			t.Fatalf("jpeg tile pixels should be opaque, got alpha %d at byte %d\n", buf[i], i)
		}
	}
}

func TestEmptyTiles(t *testing.T) {
	spec := smallSpec(container.Snappy)
	spec.Background = "10203040"
	spec.Empty = func(level int, tx, ty int64) bool { return level == 0 && tx == 1 }
	f := openSpec(t, spec, 0)
	defer f.Close()

	if n := f.Image().Level(0).EmptyTiles(); n != 3 {
		t.Errorf("expected 3 empty tiles at level 0, got %d\n", n)
	}
	buf := make([]byte, 64*48*4)
	if err := f.ReadTile(0, 1, 2, buf, container.PixelFormatRGBA); err != nil {
		t.Fatalf("empty tile read: %v\n", err)
	}
	if !bytes.Equal(buf[:4], []byte{0x10, 0x20, 0x30, 0x40}) {
		t.Errorf("empty tile should be background, got %v\n", buf[:4])
	}
	readAllTiles(t, f, spec)
}

func TestReadTileArguments(t *testing.T) {
	spec := smallSpec(container.Raw)
	f := openSpec(t, spec, 0)
	defer f.Close()

	buf := make([]byte, 64*48*4)
	tests := []struct {
		level  int
		tx, ty int64
		buf    []byte
		format container.PixelFormat
	}{
		{0, 3, 0, buf, container.PixelFormatRGBA},
		{0, 0, 3, buf, container.PixelFormatRGBA},
		{0, -1, 0, buf, container.PixelFormatRGBA},
		{2, 0, 0, buf, container.PixelFormatRGBA},
		{-1, 0, 0, buf, container.PixelFormatRGBA},
		{0, 0, 0, buf[:100], container.PixelFormatRGBA},
		{0, 0, 0, buf, container.PixelFormat(7)},
	}
	for i, tc := range tests {
		err := f.ReadTile(tc.level, tc.tx, tc.ty, tc.buf, tc.format)
		if container.StatusOf(err) != container.StatusInvalidArgument {
			t.Errorf("case %d: expected invalid argument, got %v\n", i, err)
		}
	}

	if err := f.ReadTile(0, 2, 1, buf, container.PixelFormatBGRA); err != nil {
		t.Fatalf("BGRA read: %v\n", err)
	}
	expected := spec.Tile(0, 2, 1)
	if buf[0] != expected[2] || buf[2] != expected[0] || buf[1] != expected[1] {
		t.Errorf("BGRA read did not swap red and blue: got %v, RGBA %v\n", buf[:4], expected[:4])
	}
}

func TestChecksumMismatch(t *testing.T) {
	initEngine(t)
	spec := smallSpec(container.Raw)
	spec.Checksum = true
	data, err := spec.Bytes()
	if err != nil {
		t.Fatalf("unable to build container: %v\n", err)
	}
	// The final byte belongs to the last tile of the last level.
	data[len(data)-1] ^= 0xff
	path := filepath.Join(t.TempDir(), "corrupt.wsi")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v\n", err)
	}
	f, err := container.Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v\n", err)
	}
	defer f.Close()

	buf := make([]byte, 64*48*4)
	if err := f.ReadTile(1, 1, 1, buf, container.PixelFormatRGBA); !errors.Is(err, container.ErrBadChecksum) || container.StatusOf(err) != container.StatusFatal {
		t.Errorf("expected fatal checksum error, got %v\n", err)
	}
	if err := f.ReadTile(0, 0, 0, buf, container.PixelFormatRGBA); err != nil {
		t.Errorf("uncorrupted tile should read: %v\n", err)
	}
}

func writeRaw(t *testing.T, header string) string {
	return writeRawAt(t, header, 0, nil)
}

// writeRawAt writes a container with the given header followed by 4096 zero bytes,
// with data copied in at absolute offset off.
func writeRawAt(t *testing.T, header string, off int64, data []byte) string {
	var buf bytes.Buffer
	buf.WriteString(container.Magic)
	binary.Write(&buf, binary.LittleEndian, uint32(len(header)))
	buf.WriteString(header)
	buf.Write(make([]byte, 4096))
	contents := buf.Bytes()
	if data != nil {
		if off < int64(container.HeaderOffset+len(header)) || off+int64(len(data)) > int64(len(contents)) {
			t.Fatalf("cannot place %d bytes at offset %d\n", len(data), off)
		}
		copy(contents[off:], data)
	}
	path := filepath.Join(t.TempDir(), "raw.wsi")
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatalf("write: %v\n", err)
	}
	return path
}

func TestOpenFailures(t *testing.T) {
	initEngine(t)
	dir := t.TempDir()

	if _, err := container.Open("", 0); container.StatusOf(err) != container.StatusInvalidArgument {
		t.Errorf("expected invalid argument for empty path, got %v\n", err)
	}
	if _, err := container.Open(filepath.Join(dir, "missing.wsi"), 0); container.StatusOf(err) != container.StatusFatal {
		t.Errorf("expected fatal error for missing file, got %v\n", err)
	}

	junk := filepath.Join(dir, "junk.wsi")
	os.WriteFile(junk, []byte("this is not a slide container at all"), 0644)
	if _, err := container.Open(junk, 0); !errors.Is(err, container.ErrBadMagic) {
		t.Errorf("expected bad magic, got %v\n", err)
	}
	empty := filepath.Join(dir, "empty.wsi")
	os.WriteFile(empty, nil, 0644)
	if _, err := container.Open(empty, 0); !errors.Is(err, container.ErrBadMagic) {
		t.Errorf("expected bad magic for empty file, got %v\n", err)
	}

	v2 := smallSpec(container.Raw)
	v2.Version = "2.0.0"
	if _, err := container.Open(v2.WriteTemp(t, "v2.wsi"), 0); container.StatusOf(err) != container.StatusFatal {
		t.Errorf("expected fatal error for unsupported version, got %v\n", err)
	}

	headers := []string{
		`<Slide version="1.0.0"><Image tileWidth="0" tileHeight="512" codec="raw"></Image></Slide>`,
		`<Slide version="1.0.0"><Image tileWidth="512" tileHeight="512" codec="webp"></Image></Slide>`,
		`<Slide version="1.0.0"><Image tileWidth="512" tileHeight="512" codec="raw">` +
			`<Level index="0" scale="0" widthInTiles="1" heightInTiles="1" width="1024" height="10" tableOffset="100"/></Image></Slide>`,
		`<Slide version="1.0.0"><Image tileWidth="512" tileHeight="512" codec="raw">` +
			`<Level index="1" scale="0" widthInTiles="1" heightInTiles="1" width="10" height="10" tableOffset="100"/></Image></Slide>`,
		`<Slide version="1.0.0"><Image tileWidth="512" tileHeight="512" codec="raw">` +
			`<Level index="0" scale="0" widthInTiles="1" heightInTiles="1" width="10" height="10" tableOffset="99999"/></Image></Slide>`,
		`<Slide version="1.0.0"><Barcode>%%%</Barcode></Slide>`,
		`<Slide version="1.0.0"><Label offset="10" length="99999"/></Slide>`,
		`<Slide version="1.0.0"><Image`,
		`<Slide/>`,

		// Sizes chosen so that offset and size arithmetic would wrap int64.
		`<Slide version="1.0.0"><Image tileWidth="1" tileHeight="1" codec="raw">` +
			`<Level index="0" scale="0" widthInTiles="2147483648" heightInTiles="2147483648" width="2147483648" height="2147483648" tableOffset="100"/></Image></Slide>`,
		`<Slide version="1.0.0"><Image tileWidth="2" tileHeight="2" codec="raw">` +
			`<Level index="0" scale="0" widthInTiles="4611686018427387904" heightInTiles="1" width="9223372036854775807" height="2" tableOffset="100"/></Image></Slide>`,
		`<Slide version="1.0.0"><Image tileWidth="100000" tileHeight="100000" codec="raw">` +
			`<Level index="0" scale="0" widthInTiles="1" heightInTiles="1" width="10" height="10" tableOffset="100"/></Image></Slide>`,
		`<Slide version="1.0.0"><Label offset="1" length="9223372036854775807"/></Slide>`,
		`<Slide version="1.0.0"><Macro offset="9223372036854775807" length="1"/></Slide>`,
	}
	for i, h := range headers {
		if f, err := container.Open(writeRaw(t, h), 0); err == nil || container.StatusOf(err) != container.StatusFatal {
			t.Errorf("header %d: expected fatal error, got %v\n", i, err)
			if f != nil {
				f.Close()
			}
		}
	}
}

func TestTileEntryOutsideFile(t *testing.T) {
	initEngine(t)
	header := `<Slide version="1.0.0"><Image tileWidth="16" tileHeight="16" codec="raw">` +
		`<Level index="0" scale="0" widthInTiles="1" heightInTiles="1" width="16" height="16" tableOffset="1024"/></Image></Slide>`
	entries := []struct {
		offset uint64
		length uint32
	}{
		{math.MaxInt64 - 10, 100},        // offset plus length wraps
		{math.MaxUint64 - 10, 100},       // negative as int64
		{1 << 40, 1024},                  // past end of file
		{1100, math.MaxUint32},           // length past end of file
		{container.HeaderOffset - 1, 16}, // inside the prefix
	}
	for i, e := range entries {
		entry := make([]byte, container.TileEntrySize)
		binary.LittleEndian.PutUint64(entry[0:8], e.offset)
		binary.LittleEndian.PutUint32(entry[8:12], e.length)
		f, err := container.Open(writeRawAt(t, header, 1024, entry), 0)
		if err == nil || container.StatusOf(err) != container.StatusFatal {
			t.Errorf("entry %d: expected fatal error, got %v\n", i, err)
		}
		if f != nil {
			f.Close()
		}
	}

	// A valid entry in the same layout opens.
	entry := make([]byte, container.TileEntrySize)
	binary.LittleEndian.PutUint64(entry[0:8], 2048)
	binary.LittleEndian.PutUint32(entry[8:12], 16*16*4)
	f, err := container.Open(writeRawAt(t, header, 1024, entry), 0)
	if err != nil {
		t.Fatalf("valid entry: %v\n", err)
	}
	defer f.Close()
	buf := make([]byte, 16*16*4)
	if err := f.ReadTile(0, 0, 0, buf, container.PixelFormatRGBA); err != nil {
		t.Errorf("valid entry read: %v\n", err)
	}
}

func TestNoImage(t *testing.T) {
	spec := containertest.Spec{NoImage: true, Barcode: []byte("only-barcode")}
	f := openSpec(t, spec, 0)
	defer f.Close()

	if f.Image() != nil {
		t.Errorf("expected no pyramid image\n")
	}
	if f.TileWidth() != 0 || f.TileHeight() != 0 {
		t.Errorf("expected zero tile size without image\n")
	}
	label, err := f.LabelJPEG()
	if err != nil || label != nil {
		t.Errorf("expected no label, got %d bytes, err %v\n", len(label), err)
	}
	if err := f.ReadTile(0, 0, 0, make([]byte, 16), container.PixelFormatRGBA); container.StatusOf(err) != container.StatusInvalidArgument {
		t.Errorf("expected invalid argument reading tile without image, got %v\n", err)
	}
}

func TestBarcodeOnly(t *testing.T) {
	f := openSpec(t, containertest.Standard(), container.FlagReadBarcodeOnly)
	defer f.Close()

	if barcode, found := f.Barcode(); !found || string(barcode) != "WSI-TEST-000042" {
		t.Errorf("bad barcode %q\n", barcode)
	}
	if f.Image().Level(0).EmptyTiles() != -1 {
		t.Errorf("tile index should not be loaded in barcode-only mode\n")
	}
	buf := make([]byte, 512*512*4)
	if err := f.ReadTile(0, 0, 0, buf, container.PixelFormatRGBA); !errors.Is(err, container.ErrNoTileIndex) {
		t.Errorf("expected tile index error, got %v\n", err)
	}
}

func TestClose(t *testing.T) {
	f := openSpec(t, smallSpec(container.Raw), 0)
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v\n", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v\n", err)
	}
	buf := make([]byte, 64*48*4)
	if err := f.ReadTile(0, 0, 0, buf, container.PixelFormatRGBA); !errors.Is(err, container.ErrClosed) {
		t.Errorf("expected closed error, got %v\n", err)
	}
}

func TestStatusOf(t *testing.T) {
	if container.StatusOf(nil) != container.StatusOK {
		t.Errorf("nil error should be StatusOK\n")
	}
	if container.StatusOf(errors.New("other")) != container.StatusFatal {
		t.Errorf("foreign error should be StatusFatal\n")
	}
	if container.StatusOf(&container.StatusError{Code: container.StatusInvalidArgument, Op: "op"}) != container.StatusInvalidArgument {
		t.Errorf("status error code should be preserved\n")
	}
	if container.Status(9).String() != "status 9" {
		t.Errorf("unexpected status string %q\n", container.Status(9).String())
	}
}
