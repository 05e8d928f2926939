// Package vtpbf encodes line-string layers into the Mapbox vector tile format.
package vtpbf

import (
	"encoding/json"
	"math"
	"strconv"

	"contour/pbf"
)

//GeomType 几何类型
type GeomType int

// Geometry types
const (
	Unknown    GeomType = 0
	Point      GeomType = 1
	LineString GeomType = 2
	Polygon    GeomType = 3
)

// DefaultExtent is used for layers and tiles without an explicit extent.
const DefaultExtent = 4096

// Command IDs
const (
	cmdMoveTo    = 1
	cmdLineTo    = 2
	cmdClosePath = 7
)

//Property 要素属性，保持写入顺序
type Property struct {
	Key   string
	Value interface{}
}

//Feature 要素
type Feature struct {
	Type GeomType
	// Geometry holds rings as flat x,y coordinate lists.
	Geometry   [][]int
	Properties []Property
}

//Layer 图层
type Layer struct {
	Name     string
	Extent   int
	Features []Feature
}

//Tile 瓦片，图层按顺序编码
type Tile struct {
	Extent int
	Layers []Layer
}

type layerContext struct {
	keys       []string
	values     []interface{}
	keyIndex   map[string]int
	valueIndex map[string]int
	feature    *Feature
}

// Encode serializes every layer of tile. A layer without an extent inherits
// the tile extent, and DefaultExtent when neither is set.
func Encode(tile *Tile) []byte {
	w := pbf.NewWriter()
	for i := range tile.Layers {
		layer := tile.Layers[i]
		if layer.Extent == 0 {
			layer.Extent = tile.Extent
		}
		w.WriteMessage(3, func(w *pbf.Writer) {
			writeLayer(&layer, w)
		})
	}
	return w.Finish()
}

func writeLayer(layer *Layer, w *pbf.Writer) {
	w.WriteVarintField(15, 2)
	w.WriteStringField(1, layer.Name)
	extent := layer.Extent
	if extent == 0 {
		extent = DefaultExtent
	}
	w.WriteVarintField(5, uint64(extent))

	ctx := &layerContext{
		keyIndex:   map[string]int{},
		valueIndex: map[string]int{},
	}
	for i := range layer.Features {
		ctx.feature = &layer.Features[i]
		w.WriteMessage(2, func(w *pbf.Writer) {
			writeFeature(ctx, w)
		})
	}
	for _, k := range ctx.keys {
		w.WriteStringField(3, k)
	}
	for _, v := range ctx.values {
		w.WriteMessage(4, func(w *pbf.Writer) {
			writeValue(v, w)
		})
	}
}

func writeFeature(ctx *layerContext, w *pbf.Writer) {
	f := ctx.feature
	w.WriteMessage(2, func(w *pbf.Writer) {
		writeProperties(ctx, w)
	})
	w.WriteVarintField(3, uint64(f.Type))
	w.WriteMessage(4, func(w *pbf.Writer) {
		writeGeometry(f, w)
	})
}

func writeProperties(ctx *layerContext, w *pbf.Writer) {
	for _, p := range ctx.feature.Properties {
		value, ok := normalize(p.Value)
		if !ok {
			continue
		}
		keyIndex, seen := ctx.keyIndex[p.Key]
		if !seen {
			ctx.keys = append(ctx.keys, p.Key)
			keyIndex = len(ctx.keys) - 1
			ctx.keyIndex[p.Key] = keyIndex
		}
		w.WriteVarint(uint64(keyIndex))

		vk := valueKey(value)
		valueIndex, seen := ctx.valueIndex[vk]
		if !seen {
			ctx.values = append(ctx.values, value)
			valueIndex = len(ctx.values) - 1
			ctx.valueIndex[vk] = valueIndex
		}
		w.WriteVarint(uint64(valueIndex))
	}
}

func command(cmd, length int) uint64 {
	return uint64(length<<3) + uint64(cmd&0x7)
}

func writeGeometry(f *Feature, w *pbf.Writer) {
	var x, y int
	for _, ring := range f.Geometry {
		count := 1
		if f.Type == Point {
			count = len(ring) / 2
		}
		lineCount := len(ring) / 2
		if f.Type == Polygon {
			lineCount--
		}
		for i := 0; i < lineCount; i++ {
			if i == 1 && f.Type != Point {
				w.WriteVarint(command(cmdLineTo, lineCount-1))
			}
			dx := ring[2*i] - x
			dy := ring[2*i+1] - y
			if i == 0 {
				w.WriteVarint(command(cmdMoveTo, count))
			}
			w.WriteVarint(pbf.ZigZag(int64(dx)))
			w.WriteVarint(pbf.ZigZag(int64(dy)))
			x += dx
			y += dy
		}
		if f.Type == Polygon {
			w.WriteVarint(command(cmdClosePath, 1))
		}
	}
}

// normalize maps supported property values onto string, bool or float64.
// Nil values are dropped; anything else is stored as its JSON text.
func normalize(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string, bool, float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		return string(b), true
	}
}

func valueKey(v interface{}) string {
	switch t := v.(type) {
	case string:
		return "string:" + t
	case bool:
		return "boolean:" + strconv.FormatBool(t)
	case float64:
		return "number:" + strconv.FormatFloat(t, 'g', -1, 64)
	}
	return ""
}

func writeValue(v interface{}, w *pbf.Writer) {
	switch t := v.(type) {
	case string:
		w.WriteStringField(1, t)
	case bool:
		w.WriteBooleanField(7, t)
	case float64:
		switch {
		case math.Mod(t, 1) != 0:
			w.WriteDoubleField(3, t)
		case t < 0:
			w.WriteSVarintField(6, int64(t))
		default:
			w.WriteVarintField(5, uint64(t))
		}
	}
}
