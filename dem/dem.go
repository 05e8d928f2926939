// Package dem turns RGB-encoded elevation rasters into float elevation grids.
package dem

import (
	"fmt"
)

//Encoding 高程编码方式
type Encoding string

// Supported encodings
const (
	Terrarium Encoding = "terrarium"
	Mapbox    Encoding = "mapbox"
)

// ParseEncoding validates an encoding name. An empty name selects terrarium.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case Terrarium, "":
		return Terrarium, nil
	case Mapbox:
		return Mapbox, nil
	}
	return "", fmt.Errorf("unknown dem encoding %q", s)
}

//DemTile 高程瓦片，数值为像素左上角的采样
type DemTile struct {
	Width  int
	Height int
	Data   []float32
}

// DecodeParsedImage converts an RGBA pixel buffer (4 bytes per pixel, row
// major) into elevations. No range checks are applied here.
func DecodeParsedImage(width, height int, encoding Encoding, rgba []byte) *DemTile {
	data := make([]float32, width*height)
	if encoding == Mapbox {
		for i := range data {
			r, g, b := float64(rgba[4*i]), float64(rgba[4*i+1]), float64(rgba[4*i+2])
			data[i] = float32(-10000 + (r*65536+g*256+b)*0.1)
		}
	} else {
		for i := range data {
			r, g, b := float64(rgba[4*i]), float64(rgba[4*i+1]), float64(rgba[4*i+2])
			data[i] = float32(r*256 + g + b/256 - 32768)
		}
	}
	return &DemTile{Width: width, Height: height, Data: data}
}
