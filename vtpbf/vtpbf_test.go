package vtpbf

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contour/pbf"
)

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case int:
		return float64(t)
	}
	return 0
}

func TestEncodeLineStringsRoundTrip(t *testing.T) {
	tile := &Tile{
		Extent: 4096,
		Layers: []Layer{{
			Name: "contours",
			Features: []Feature{
				{
					Type:     LineString,
					Geometry: [][]int{{0, 0, 10, 20, 4096, 4096}},
					Properties: []Property{
						{Key: "ele", Value: 100},
						{Key: "level", Value: 1},
					},
				},
				{
					Type:     LineString,
					Geometry: [][]int{{-50, 10, 30, -20}},
					Properties: []Property{
						{Key: "ele", Value: -20},
						{Key: "level", Value: 0},
						{Key: "name", Value: "sea"},
						{Key: "skip", Value: nil},
					},
				},
			},
		}},
	}

	layers, err := mvt.Unmarshal(Encode(tile))
	require.NoError(t, err)
	require.Len(t, layers, 1)

	layer := layers[0]
	assert.Equal(t, "contours", layer.Name)
	assert.Equal(t, uint32(2), layer.Version)
	assert.Equal(t, uint32(4096), layer.Extent)
	require.Len(t, layer.Features, 2)

	assert.Equal(t, orb.LineString{{0, 0}, {10, 20}, {4096, 4096}}, layer.Features[0].Geometry)
	assert.Equal(t, 100.0, toFloat(layer.Features[0].Properties["ele"]))
	assert.Equal(t, 1.0, toFloat(layer.Features[0].Properties["level"]))

	assert.Equal(t, orb.LineString{{-50, 10}, {30, -20}}, layer.Features[1].Geometry)
	assert.Equal(t, -20.0, toFloat(layer.Features[1].Properties["ele"]))
	assert.Equal(t, "sea", layer.Features[1].Properties["name"])
	_, ok := layer.Features[1].Properties["skip"]
	assert.False(t, ok)
}

func TestEncodeMultipleRings(t *testing.T) {
	tile := &Tile{Layers: []Layer{{
		Name: "l",
		Features: []Feature{{
			Type:     LineString,
			Geometry: [][]int{{0, 0, 1, 1}, {5, 5, 6, 7, 8, 9}},
		}},
	}}}
	layers, err := mvt.Unmarshal(Encode(tile))
	require.NoError(t, err)
	require.Len(t, layers[0].Features, 1)
	assert.Equal(t, orb.MultiLineString{
		{{0, 0}, {1, 1}},
		{{5, 5}, {6, 7}, {8, 9}},
	}, layers[0].Features[0].Geometry)
}

func TestEncodePolygonDropsClosingPoint(t *testing.T) {
	tile := &Tile{Layers: []Layer{{
		Name: "poly",
		Features: []Feature{{
			Type:     Polygon,
			Geometry: [][]int{{0, 0, 10, 0, 10, 10, 0, 0}},
		}},
	}}}
	data := Encode(tile)

	var geometry []uint64
	r := pbf.NewReader(data)
	err := r.ReadFields(func(tag int, r *pbf.Reader) error {
		return r.ReadMessage(func(tag int, r *pbf.Reader) error {
			if tag != 2 {
				return nil
			}
			return r.ReadMessage(func(tag int, r *pbf.Reader) error {
				if tag != 4 {
					return nil
				}
				var err error
				geometry, err = r.ReadPackedVarint(geometry)
				return err
			})
		})
	}, r.Len())
	require.NoError(t, err)
	// MoveTo(1) 0,0 LineTo(2) +10,0 0,+10 ClosePath(1)
	assert.Equal(t, []uint64{9, 0, 0, 18, 20, 0, 0, 20, 15}, geometry)
}

func TestValueDeduplication(t *testing.T) {
	features := make([]Feature, 0, 4)
	for _, v := range []interface{}{5, 5.0, int64(5), "5"} {
		features = append(features, Feature{
			Type:       LineString,
			Geometry:   [][]int{{0, 0, 1, 1}},
			Properties: []Property{{Key: "v", Value: v}},
		})
	}
	data := Encode(&Tile{Layers: []Layer{{Name: "d", Features: features}}})

	var keys, values int
	r := pbf.NewReader(data)
	err := r.ReadFields(func(tag int, r *pbf.Reader) error {
		return r.ReadMessage(func(tag int, r *pbf.Reader) error {
			switch tag {
			case 3:
				keys++
			case 4:
				values++
			}
			return nil
		})
	}, r.Len())
	require.NoError(t, err)
	assert.Equal(t, 1, keys)
	// number 5 once, string "5" once
	assert.Equal(t, 2, values)
}

func TestValueTypes(t *testing.T) {
	cases := []struct {
		value interface{}
		tag   int
	}{
		{"a", 1},
		{2.5, 3},
		{uint(7), 5},
		{-3, 6},
		{true, 7},
	}
	for _, c := range cases {
		v, ok := normalize(c.value)
		require.True(t, ok)
		w := pbf.NewWriter()
		writeValue(v, w)
		r := pbf.NewReader(w.Finish())
		tag, err := r.ReadVarint()
		require.NoError(t, err)
		assert.Equal(t, c.tag, int(tag>>3), "%v", c.value)
	}
}

func TestEmptyLayerDefaults(t *testing.T) {
	layers, err := mvt.Unmarshal(Encode(&Tile{Layers: []Layer{{Name: "empty"}}}))
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, uint32(DefaultExtent), layers[0].Extent)
	assert.Empty(t, layers[0].Features)
}
