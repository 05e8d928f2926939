// Package heighttile provides lazy, composable views over elevation grids.
//
// Each operation returns a new view that holds its parent and parameters;
// nothing is computed until Get is called, and Materialize evaluates a view
// into a dense buffer once.
package heighttile

import (
	"math"

	"contour/dem"
)

// Valid elevation range in meters. Samples outside it are "no data".
const (
	MinElevation = -12000
	MaxElevation = 9000
)

type view interface {
	get(x, y int) float64
}

//HeightTile 高程视图
type HeightTile struct {
	Width  int
	Height int
	v      view
}

// Get returns the elevation at (x, y), or NaN for no data.
func (t *HeightTile) Get(x, y int) float64 {
	return t.v.get(x, y)
}

type rawView struct {
	tile *dem.DemTile
}

func (v rawView) get(x, y int) float64 {
	if x < 0 || y < 0 || x >= v.tile.Width || y >= v.tile.Height {
		return math.NaN()
	}
	value := float64(v.tile.Data[y*v.tile.Width+x])
	if value > MaxElevation || value < MinElevation {
		return math.NaN()
	}
	return value
}

//FromRawDem 包装解码后的高程瓦片
func FromRawDem(tile *dem.DemTile) *HeightTile {
	return &HeightTile{Width: tile.Width, Height: tile.Height, v: rawView{tile: tile}}
}

type combinedView struct {
	width, height int
	neighbors     [9]*HeightTile
}

func (v *combinedView) get(x, y int) float64 {
	gridIdx := 0
	if y < 0 {
		y += v.height
	} else if y < v.height {
		gridIdx = 3
	} else {
		y -= v.height
		gridIdx = 6
	}
	if x < 0 {
		x += v.width
	} else if x < v.width {
		gridIdx++
	} else {
		x -= v.width
		gridIdx += 2
	}
	grid := v.neighbors[gridIdx]
	if grid == nil {
		return math.NaN()
	}
	return grid.Get(x, y)
}

// CombineNeighbors stitches nine tiles ordered nw, n, ne, w, c, e, sw, s, se
// into one tile the size of the center. Reads outside the center are served by
// the matching neighbor, and a missing neighbor reads as NaN. It returns nil
// when the center is missing.
func CombineNeighbors(neighbors [9]*HeightTile) *HeightTile {
	center := neighbors[4]
	if center == nil {
		return nil
	}
	return &HeightTile{
		Width:  center.Width,
		Height: center.Height,
		v:      &combinedView{width: center.Width, height: center.Height, neighbors: neighbors},
	}
}

type splitView struct {
	parent *HeightTile
	dx, dy int
}

func (v splitView) get(x, y int) float64 {
	return v.parent.Get(x+v.dx, y+v.dy)
}

// Split returns quadrant (subx, suby) of the tile at 1/2^subz of its size.
func (t *HeightTile) Split(subz, subx, suby int) *HeightTile {
	if subz == 0 {
		return t
	}
	by := 1 << subz
	return &HeightTile{
		Width:  t.Width / by,
		Height: t.Height / by,
		v:      splitView{parent: t, dx: subx * t.Width / by, dy: suby * t.Height / by},
	}
}

type subsampledView struct {
	parent *HeightTile
	factor float64
	sub    float64
}

// lerp ignores a NaN endpoint and only yields NaN when both are NaN.
func lerp(a, b, f float64) float64 {
	if math.IsNaN(a) {
		return b
	}
	if math.IsNaN(b) {
		return a
	}
	return a + (b-a)*f
}

func (v subsampledView) get(x, y int) float64 {
	dx := float64(x)/v.factor - v.sub
	dy := float64(y)/v.factor - v.sub
	ox, oy := math.Floor(dx), math.Floor(dy)
	a := v.parent.Get(int(ox), int(oy))
	b := v.parent.Get(int(ox)+1, int(oy))
	c := v.parent.Get(int(ox), int(oy)+1)
	d := v.parent.Get(int(ox)+1, int(oy)+1)
	fx, fy := dx-ox, dy-oy
	top := lerp(a, b, fx)
	bottom := lerp(c, d, fx)
	return lerp(top, bottom, fy)
}

// SubsamplePixelCenters upscales the tile by factor, interpolating between
// pixel centers.
func (t *HeightTile) SubsamplePixelCenters(factor int) *HeightTile {
	if factor <= 1 {
		return t
	}
	f := float64(factor)
	return &HeightTile{
		Width:  t.Width * factor,
		Height: t.Height * factor,
		v:      subsampledView{parent: t, factor: f, sub: 0.5 - 1/(2*f)},
	}
}

type averagedView struct {
	parent *HeightTile
	radius int
}

func (v averagedView) get(x, y int) float64 {
	sum, count := 0.0, 0
	for nx := x - v.radius; nx < x+v.radius; nx++ {
		for ny := y - v.radius; ny < y+v.radius; ny++ {
			value := v.parent.Get(nx, ny)
			if !math.IsNaN(value) {
				sum += value
				count++
			}
		}
	}
	if count == 0 {
		return math.NaN()
	}
	return sum / float64(count)
}

// AveragePixelCentersToGrid turns pixel-center samples into a grid of corner
// samples by averaging the valid pixels around each corner. The result is one
// larger than the source in each direction.
func (t *HeightTile) AveragePixelCentersToGrid(radius int) *HeightTile {
	if radius < 1 {
		radius = 1
	}
	return &HeightTile{
		Width:  t.Width + 1,
		Height: t.Height + 1,
		v:      averagedView{parent: t, radius: radius},
	}
}

type scaledView struct {
	parent     *HeightTile
	multiplier float64
}

func (v scaledView) get(x, y int) float64 {
	return v.parent.Get(x, y) * v.multiplier
}

//ScaleElevation 高程乘以系数
func (t *HeightTile) ScaleElevation(multiplier float64) *HeightTile {
	if multiplier == 1 {
		return t
	}
	return &HeightTile{
		Width:  t.Width,
		Height: t.Height,
		v:      scaledView{parent: t, multiplier: multiplier},
	}
}

type materializedView struct {
	data                  []float32
	width, height, buffer int
}

func (v *materializedView) get(x, y int) float64 {
	if x < -v.buffer || y < -v.buffer || x >= v.width+v.buffer || y >= v.height+v.buffer {
		return math.NaN()
	}
	stride := v.width + 2*v.buffer
	return float64(v.data[(y+v.buffer)*stride+x+v.buffer])
}

// Materialize evaluates the view over [-buffer, size+buffer) in both
// directions into a float32 buffer and serves later reads from it.
func (t *HeightTile) Materialize(buffer int) *HeightTile {
	stride := t.Width + 2*buffer
	data := make([]float32, stride*(t.Height+2*buffer))
	idx := 0
	for y := -buffer; y < t.Height+buffer; y++ {
		for x := -buffer; x < t.Width+buffer; x++ {
			data[idx] = float32(t.Get(x, y))
			idx++
		}
	}
	return &HeightTile{
		Width:  t.Width,
		Height: t.Height,
		v:      &materializedView{data: data, width: t.Width, height: t.Height, buffer: buffer},
	}
}
