package container

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"image/color"
	"strings"

	"github.com/blang/semver"
)

// Header is the XML document at the start of a slide container.
type Header struct {
	XMLName xml.Name    `xml:"Slide"`
	Version string      `xml:"version,attr"`
	Barcode *string     `xml:"Barcode"` // base64 encoded bytes
	Image   *ImageXML   `xml:"Image"`
	Label   *PayloadXML `xml:"Label"`
	Macro   *PayloadXML `xml:"Macro"`
}

// ImageXML describes the pyramid.
type ImageXML struct {
	OffsetX    int64      `xml:"offsetX,attr"`
	OffsetY    int64      `xml:"offsetY,attr"`
	TileWidth  int        `xml:"tileWidth,attr"`
	TileHeight int        `xml:"tileHeight,attr"`
	Codec      string     `xml:"codec,attr"`
	Background string     `xml:"background,attr,omitempty"` // RRGGBBAA hex
	Levels     []LevelXML `xml:"Level"`
}

// LevelXML describes one resolution level.
type LevelXML struct {
	Index         int     `xml:"index,attr"`
	Scale         int     `xml:"scale,attr"`
	WidthInTiles  int64   `xml:"widthInTiles,attr"`
	HeightInTiles int64   `xml:"heightInTiles,attr"`
	Width         int64   `xml:"width,attr"`
	Height        int64   `xml:"height,attr"`
	MPPX          float32 `xml:"mppX,attr"`
	MPPY          float32 `xml:"mppY,attr"`
	TableOffset   int64   `xml:"tableOffset,attr"`
}

// PayloadXML locates an auxiliary payload in the file.
type PayloadXML struct {
	Offset int64 `xml:"offset,attr"`
	Length int64 `xml:"length,attr"`
}

// EncodeBarcode returns the header representation of barcode bytes.
func EncodeBarcode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// parseHeader decodes and validates the XML header.  fileSize bounds all offsets.
func parseHeader(data []byte, fileSize int64) (*Header, error) {
	var h Header
	if err := xml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("bad XML header: %v", err)
	}
	if h.Version == "" {
		return nil, fmt.Errorf("header has no version")
	}
	v, err := semver.Parse(h.Version)
	if err != nil {
		return nil, fmt.Errorf("bad header version %q: %v", h.Version, err)
	}
	if !engine.Supports(v) {
		return nil, fmt.Errorf("container version %s not supported by %s", v, engine)
	}
	for _, p := range []*PayloadXML{h.Label, h.Macro} {
		if p == nil {
			continue
		}
		if p.Offset < 0 || p.Length < 0 || p.Offset > fileSize || p.Length > fileSize-p.Offset {
			return nil, fmt.Errorf("auxiliary image [%d, +%d) outside file of %d bytes", p.Offset, p.Length, fileSize)
		}
	}
	if h.Image != nil {
		if err := h.Image.validate(fileSize); err != nil {
			return nil, err
		}
	}
	return &h, nil
}

func (img *ImageXML) validate(fileSize int64) error {
	if img.TileWidth <= 0 || img.TileHeight <= 0 || img.TileWidth > MaxTileSide || img.TileHeight > MaxTileSide {
		return fmt.Errorf("bad tile size %d x %d", img.TileWidth, img.TileHeight)
	}
	if _, found := codecs[strings.ToLower(img.Codec)]; !found {
		return fmt.Errorf("unknown tile codec %q", img.Codec)
	}
	if _, err := parseBackground(img.Background); err != nil {
		return err
	}
	tw, th := int64(img.TileWidth), int64(img.TileHeight)
	for i, level := range img.Levels {
		if level.Index != i {
			return fmt.Errorf("levels must be consecutive from 0: got level %d at position %d", level.Index, i)
		}
		if i > 0 && level.Scale < img.Levels[i-1].Scale {
			return fmt.Errorf("level %d scale %d is less than scale of level %d", i, level.Scale, i-1)
		}
		if level.Scale < 0 || level.Width <= 0 || level.Height <= 0 {
			return fmt.Errorf("level %d has bad scale or size", i)
		}
		if level.WidthInTiles != (level.Width-1)/tw+1 || level.HeightInTiles != (level.Height-1)/th+1 {
			return fmt.Errorf("level %d grid %d x %d tiles does not cover %d x %d pixels",
				i, level.WidthInTiles, level.HeightInTiles, level.Width, level.Height)
		}
		// Compare entry counts rather than byte sizes so huge grids cannot wrap.
		if level.TableOffset < HeaderOffset || level.TableOffset > fileSize {
			return fmt.Errorf("level %d tile table outside file", i)
		}
		entries := (fileSize - level.TableOffset) / TileEntrySize
		if level.HeightInTiles > entries/level.WidthInTiles {
			return fmt.Errorf("level %d tile table of %d x %d entries outside file", i,
				level.WidthInTiles, level.HeightInTiles)
		}
	}
	return nil
}

// DefaultBackground is used to fill empty tiles when the header gives none.
var DefaultBackground = color.RGBA{0xff, 0xff, 0xff, 0xff}

func parseBackground(s string) (color.RGBA, error) {
	if s == "" {
		return DefaultBackground, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return color.RGBA{}, fmt.Errorf("bad background color %q: must be RRGGBBAA", s)
	}
	return color.RGBA{b[0], b[1], b[2], b[3]}, nil
}
