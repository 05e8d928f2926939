package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	assert.Equal(t,
		"buffer=1,contourLayer=contours,elevationKey=ele,extent=4096,levelKey=level,levels=100%2C500,multiplier=1,overzoom=0,subsampleBelow=100",
		DefaultOptions(100, 500).CacheKey())

	a := DefaultOptions(100, 500)
	b := DefaultOptions(100, 500)
	b.ContourLayer = "contour lines"
	assert.NotEqual(t, a.CacheKey(), b.CacheKey())
	assert.Contains(t, b.CacheKey(), "contourLayer=contour%20lines")

	// zero values are filled with defaults before keying
	assert.Equal(t, DefaultOptions(10).CacheKey(), Options{Levels: []float64{10}, Buffer: 1}.CacheKey())
}

func TestThresholds(t *testing.T) {
	thresholds := map[int][]float64{
		9:  {500},
		11: {200, 1000},
		14: {50, 200},
	}
	encoded := EncodeThresholds(thresholds)
	// zooms sort as strings
	assert.Equal(t, "11*200*1000~14*50*200~9*500", encoded)

	decoded, err := DecodeThresholds(encoded)
	require.NoError(t, err)
	assert.Equal(t, thresholds, decoded)

	_, err = DecodeThresholds("a*1")
	assert.Error(t, err)
	_, err = DecodeThresholds("1*b")
	assert.Error(t, err)
}

func TestEncodeDecodeOptions(t *testing.T) {
	g := DefaultGlobalOptions()
	g.Thresholds = map[int][]float64{11: {200, 1000}, 12: {100, 500}, 14: {50, 200}}
	g.Multiplier = 3.28084
	g.ContourLayer = "my layer"

	encoded := EncodeOptions(g)
	assert.Equal(t,
		"buffer=1&contourLayer=my%20layer&elevationKey=ele&extent=4096&levelKey=level&multiplier=3.28084&overzoom=0&subsampleBelow=100&thresholds=11*200*1000~12*100*500~14*50*200",
		encoded)

	decoded, err := DecodeOptions("https://example.com/contours/{z}/{x}/{y}?"+encoded, DefaultGlobalOptions())
	require.NoError(t, err)
	assert.Equal(t, g, decoded)
}

func TestDecodeOptionsOverlaysBase(t *testing.T) {
	base := DefaultGlobalOptions()
	base.Thresholds = map[int][]float64{10: {100}}
	base.Extent = 8192

	g, err := DecodeOptions("buffer=0&levelKey=idx&unknown=1", base)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Buffer)
	assert.Equal(t, "idx", g.LevelKey)
	assert.Equal(t, 8192, g.Extent)
	assert.Equal(t, map[int][]float64{10: {100}}, g.Thresholds)

	_, err = DecodeOptions("extent=big", base)
	assert.Error(t, err)

	g, err = DecodeOptions("", base)
	require.NoError(t, err)
	assert.Equal(t, base, g)
}

func TestOptionsForZoom(t *testing.T) {
	g := DefaultGlobalOptions()
	g.Thresholds = map[int][]float64{11: {200, 1000}, 12: {100, 500}, 14: {50, 200}}
	g.Overzoom = 1

	assert.Empty(t, OptionsForZoom(g, 10).Levels)
	assert.Equal(t, []float64{200, 1000}, OptionsForZoom(g, 11).Levels)
	assert.Equal(t, []float64{100, 500}, OptionsForZoom(g, 13).Levels)
	opts := OptionsForZoom(g, 20)
	assert.Equal(t, []float64{50, 200}, opts.Levels)
	assert.Equal(t, 1, opts.Overzoom)
	assert.Equal(t, "contours", opts.ContourLayer)
}

func TestDecodeOptionsRejectsOutOfRange(t *testing.T) {
	base := DefaultGlobalOptions()
	base.Thresholds = map[int][]float64{10: {100}}
	for _, query := range []string{
		"overzoom=-3",
		"overzoom=99",
		"thresholds=0*-5",
		"thresholds=0*0",
		"thresholds=10*NaN",
		"thresholds=10*Inf",
		"buffer=-1",
		"buffer=100000",
		"subsampleBelow=1000000",
		"extent=-4096",
		"multiplier=Inf",
	} {
		g, err := DecodeOptions(query, base)
		assert.ErrorIs(t, err, ErrInvalidOptions, query)
		assert.Equal(t, base, g, query)
	}

	g, err := DecodeOptions("overzoom=2&buffer=64&subsampleBelow=1024&thresholds=10*0.5*20", base)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Overzoom)
	assert.NoError(t, g.Validate())
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
	assert.NoError(t, DefaultOptions(10, 50).Validate())
	assert.NoError(t, Options{Levels: []float64{10}}.Validate())

	bad := DefaultOptions(-5)
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptions)
	bad = DefaultOptions(10)
	bad.Overzoom = -1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptions)
	bad = DefaultOptions(10)
	bad.SubsampleBelow = MaxSubsampleBelow + 1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOptions)
}
