package container

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff/lzw"
)

// Codec is the compression of tile payloads.  All tiles of a file share one codec.
type Codec uint8

const (
	Raw Codec = iota
	Snappy
	Zstd
	Gzip
	LZW
	JPEG
	PNG
)

func (c Codec) String() string {
	switch c {
	case Raw:
		return "raw"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	case LZW:
		return "lzw"
	case JPEG:
		return "jpeg"
	case PNG:
		return "png"
	default:
		return fmt.Sprintf("codec %d", c)
	}
}

// tileDecoder decompresses a payload into dst, which holds exactly w*h RGBA pixels.
type tileDecoder func(dst, payload []byte, w, h int) error

var codecs = map[string]Codec{
	"raw":    Raw,
	"none":   Raw,
	"snappy": Snappy,
	"zstd":   Zstd,
	"gzip":   Gzip,
	"lzw":    LZW,
	"jpeg":   JPEG,
	"jpg":    JPEG,
	"png":    PNG,
}

var decoders = map[Codec]tileDecoder{
	Raw:    decodeRaw,
	Snappy: decodeSnappy,
	Zstd:   decodeZstd,
	Gzip:   decodeGzip,
	LZW:    decodeLZW,
	JPEG:   decodeJPEG,
	PNG:    decodePNG,
}

func decodeRaw(dst, payload []byte, w, h int) error {
	if len(payload) != len(dst) {
		return fmt.Errorf("raw tile has %d bytes, expected %d", len(payload), len(dst))
	}
	copy(dst, payload)
	return nil
}

func decodeSnappy(dst, payload []byte, w, h int) error {
	n, err := snappy.DecodedLen(payload)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("snappy tile decodes to %d bytes, expected %d", n, len(dst))
	}
	_, err = snappy.Decode(dst, payload)
	return err
}

func decodeZstd(dst, payload []byte, w, h int) error {
	out, err := zstdDecoder.DecodeAll(payload, dst[:0])
	if err != nil {
		return err
	}
	if len(out) != len(dst) {
		return fmt.Errorf("zstd tile decodes to %d bytes, expected %d", len(out), len(dst))
	}
	if &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}

func decodeGzip(dst, payload []byte, w, h int) error {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer zr.Close()
	return readExactly(zr, dst)
}

func decodeLZW(dst, payload []byte, w, h int) error {
	lr := lzw.NewReader(bytes.NewReader(payload), lzw.MSB, 8)
	defer lr.Close()
	return readExactly(lr, dst)
}

// readExactly fills dst and requires the stream to end there.
func readExactly(r io.Reader, dst []byte) error {
	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("short tile stream: %v", err)
	}
	var extra [1]byte
	n, err := r.Read(extra[:])
	if n != 0 {
		return fmt.Errorf("tile stream longer than %d bytes", len(dst))
	}
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func decodeJPEG(dst, payload []byte, w, h int) error {
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return toRGBA(dst, img, w, h)
}

func decodePNG(dst, payload []byte, w, h int) error {
	img, err := png.Decode(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return toRGBA(dst, img, w, h)
}

// toRGBA converts a decoded image of exactly w x h pixels into dst.
func toRGBA(dst []byte, img image.Image, w, h int) error {
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		return fmt.Errorf("tile image is %d x %d, expected %d x %d", b.Dx(), b.Dy(), w, h)
	}
	rgba := &image.RGBA{Pix: dst, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	return nil
}

// swapRB converts RGBA pixels to BGRA in place and vice versa.
func swapRB(pix []byte) {
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
}
