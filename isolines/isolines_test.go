package isolines

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contour/dem"
	"contour/heighttile"
)

func grid(width, height int, values ...float32) *heighttile.HeightTile {
	return heighttile.FromRawDem(&dem.DemTile{Width: width, Height: height, Data: values})
}

func TestSinglePeakMakesOneRing(t *testing.T) {
	tile := grid(3, 3,
		2, 2, 2,
		2, 8, 2,
		2, 2, 2,
	)
	result := Generate(5, tile, 20, 0)
	require.Len(t, result, 1)
	require.Len(t, result[5], 1)

	ring := result[5][0]
	// edge midpoints at ratio 0.5 on every edge around the center
	assert.Equal(t, []int{15, 10, 10, 5, 5, 10, 10, 15, 15, 10}, ring)
	assert.Equal(t, ring[:2], ring[len(ring)-2:])
}

func TestGradientMakesOpenLine(t *testing.T) {
	tile := grid(3, 3,
		0, 10, 20,
		0, 10, 20,
		0, 10, 20,
	)
	result := Generate(5, tile, 20, 0)
	require.Len(t, result[5], 1)
	assert.Equal(t, []int{5, 0, 5, 10, 5, 20}, result[5][0])
	assert.Contains(t, result, 15.0)
}

func TestNaNCornerSkipsCells(t *testing.T) {
	tile := grid(3, 3,
		2, 2, 2,
		2, 20000, 2,
		2, 2, 2,
	)
	assert.Empty(t, Generate(5, tile, 4096, 0))
}

func TestFlatTileHasNoLines(t *testing.T) {
	values := make([]float32, 16)
	for i := range values {
		values[i] = 100
	}
	tile := grid(4, 4, values...).Materialize(1)
	assert.Empty(t, Generate(50, tile, 4096, 1))
}

func TestIntervalMustBePositive(t *testing.T) {
	tile := grid(3, 3,
		0, 10, 20,
		0, 10, 20,
		0, 10, 20,
	)
	for _, interval := range []float64{0, -5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		done := make(chan map[float64][][]int, 1)
		go func() { done <- Generate(interval, tile, 20, 0) }()
		select {
		case result := <-done:
			assert.Empty(t, result, "interval %v", interval)
		case <-time.After(2 * time.Second):
			t.Fatalf("interval %v never finished", interval)
		}
	}
}

func TestGenerateContextCanceled(t *testing.T) {
	tile := grid(3, 3,
		2, 2, 2,
		2, 8, 2,
		2, 2, 2,
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := GenerateContext(ctx, 5, tile, 20, 0)
	assert.ErrorIs(t, err, context.Canceled)

	result, err := GenerateContext(context.Background(), 5, tile, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, Generate(5, tile, 20, 0), result)
}

func TestSaddleEmitsTwoSegments(t *testing.T) {
	tile := grid(2, 2,
		8, 2,
		2, 8,
	)
	result := Generate(5, tile, 10, 0)
	// code 10 (tl and br above) gives two separate lines
	require.Len(t, result[5], 2)
	for _, line := range result[5] {
		assert.Len(t, line, 4)
	}
}

func TestDeterministic(t *testing.T) {
	values := make([]float32, 64*64)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			values[y*64+x] = float32((x-32)*(x-32)+(y-20)*(y-20)) / 3
		}
	}
	tile := grid(64, 64, values...).Materialize(1)
	first := Generate(50, tile, 4096, 1)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Generate(50, tile, 4096, 1))
	}
}
