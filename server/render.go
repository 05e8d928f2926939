package server

import (
	"bytes"
	"encoding/json"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
)

// toGeoJSON projects every feature of an encoded tile to WGS84. Features get
// a "layer" property naming the layer they came from.
func toGeoJSON(data []byte, z, x, y int) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	if len(data) > 0 {
		layers, err := mvt.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		layers.ProjectToWGS84(maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))
		for _, l := range layers {
			for _, f := range l.Features {
				if f.Properties == nil {
					f.Properties = geojson.Properties{}
				}
				f.Properties["layer"] = l.Name
				fc.Append(f)
			}
		}
	}
	return json.Marshal(fc)
}

func numeric(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	}
	return 0
}

// renderPreview draws the contour lines of an encoded tile on a size x size
// PNG, with major lines (level above 0) drawn heavier.
func renderPreview(data []byte, size int) ([]byte, error) {
	dc := gg.NewContext(size, size)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	if len(data) > 0 {
		layers, err := mvt.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		for _, l := range layers {
			scale := float64(size) / float64(l.Extent)
			for _, f := range l.Features {
				width := 1.0
				if numeric(f.Properties["level"]) > 0 {
					width = 2
				}
				var lines []orb.LineString
				switch g := f.Geometry.(type) {
				case orb.LineString:
					lines = []orb.LineString{g}
				case orb.MultiLineString:
					lines = g
				}
				for _, line := range lines {
					for i, p := range line {
						if i == 0 {
							dc.MoveTo(p[0]*scale, p[1]*scale)
						} else {
							dc.LineTo(p[0]*scale, p[1]*scale)
						}
					}
					dc.SetRGB(0.55, 0.35, 0.2)
					dc.SetLineWidth(width)
					dc.Stroke()
				}
			}
		}
	}
	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
