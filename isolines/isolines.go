// Package isolines traces contour lines over a height tile with a single pass
// of marching squares that handles every threshold at once.
package isolines

import (
	"context"
	"math"
	"sort"

	"contour/heighttile"
)

// Cell corners and edge midpoints are addressed on a doubled grid:
// left [0,1], right [2,1], top [1,0], bottom [1,2].
type point [2]int

var (
	left   = point{0, 1}
	right  = point{2, 1}
	top    = point{1, 0}
	bottom = point{1, 2}
)

// cases is indexed by tl<<3 | tr<<2 | br<<1 | bl, each bit set when that
// corner lies above the threshold. Saddles 5 and 10 emit two segments.
var cases = [16][][2]point{
	{},
	{{bottom, left}},
	{{right, bottom}},
	{{right, left}},
	{{top, right}},
	{{bottom, left}, {top, right}},
	{{top, bottom}},
	{{top, left}},
	{{left, top}},
	{{bottom, top}},
	{{left, top}, {right, bottom}},
	{{right, top}},
	{{left, right}},
	{{bottom, right}},
	{{left, bottom}},
	{},
}

type fragment struct {
	start, end int
	points     []int
	order      int
}

func round(v float64) int {
	return int(math.Floor(v + 0.5))
}

func (f *fragment) append(x, y float64) {
	f.points = append(f.points, round(x), round(y))
}

func (f *fragment) prepend(x, y float64) {
	f.points = append([]int{round(x), round(y)}, f.points...)
}

func (f *fragment) appendFragment(other *fragment) {
	f.points = append(f.points, other.points...)
	f.end = other.end
}

func (f *fragment) isEmpty() bool {
	return len(f.points) < 2
}

// level holds the open fragments of one threshold. order records when a
// fragment was last indexed by its start so that output order is stable.
type level struct {
	byStart map[int]*fragment
	byEnd   map[int]*fragment
	seq     int
}

func (l *level) setStart(idx int, f *fragment) {
	if old, ok := l.byStart[idx]; ok {
		f.order = old.order
	} else {
		l.seq++
		f.order = l.seq
	}
	l.byStart[idx] = f
}

func index(width, x, y int, p point) int {
	x = x*2 + p[0]
	y = y*2 + p[1]
	return x + y*(width+1)*2
}

func ratio(a, b, c float64) float64 {
	return (b - a) / (c - a)
}

// Generate traces contours at every multiple of interval over tile, scaled so
// that the tile spans extent units, tracing buffer pixels into the neighbors.
// The result maps each threshold to its lines as flat x,y lists. Closed rings
// come first in the order they closed, then open lines. An interval that is
// not a positive finite number gives no lines.
func Generate(interval float64, tile *heighttile.HeightTile, extent, buffer int) map[float64][][]int {
	segments, _ := GenerateContext(context.Background(), interval, tile, extent, buffer)
	return segments
}

// GenerateContext is Generate checking ctx once per row, so an abandoned
// request stops tracing.
func GenerateContext(ctx context.Context, interval float64, tile *heighttile.HeightTile, extent, buffer int) (map[float64][][]int, error) {
	segments := map[float64][][]int{}
	if !(interval > 0) || math.IsInf(interval, 0) {
		return segments, nil
	}
	multiplier := float64(extent) / float64(tile.Width-1)
	var tld, trd, bld, brd float64
	var r, c int
	levels := map[float64]*level{}
	var thresholds []float64

	interpolate := func(p point, threshold float64, accept func(x, y float64)) {
		fc, fr := float64(c), float64(r)
		switch {
		case p[0] == 0:
			accept(multiplier*(fc-1), multiplier*(fr-ratio(bld, threshold, tld)))
		case p[0] == 2:
			accept(multiplier*fc, multiplier*(fr-ratio(brd, threshold, trd)))
		case p[1] == 0:
			accept(multiplier*(fc-ratio(trd, threshold, tld)), multiplier*(fr-1))
		default:
			accept(multiplier*(fc-ratio(brd, threshold, bld)), multiplier*fr)
		}
	}

	for r = 1 - buffer; r < tile.Height+buffer; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trd = tile.Get(0, r-1)
		brd = tile.Get(0, r)
		minR := math.Min(trd, brd)
		maxR := math.Max(trd, brd)
		for c = 1 - buffer; c < tile.Width+buffer; c++ {
			tld = trd
			bld = brd
			trd = tile.Get(c, r-1)
			brd = tile.Get(c, r)
			minL, maxL := minR, maxR
			minR = math.Min(trd, brd)
			maxR = math.Max(trd, brd)
			if math.IsNaN(tld) || math.IsNaN(trd) || math.IsNaN(brd) || math.IsNaN(bld) {
				continue
			}
			lo := math.Min(minL, minR)
			hi := math.Max(maxL, maxR)
			start := math.Ceil(lo/interval) * interval
			end := math.Floor(hi/interval) * interval
			for threshold := start; threshold <= end; threshold += interval {
				code := 0
				if tld > threshold {
					code |= 8
				}
				if trd > threshold {
					code |= 4
				}
				if brd > threshold {
					code |= 2
				}
				if bld > threshold {
					code |= 1
				}
				for _, segment := range cases[code] {
					lvl := levels[threshold]
					if lvl == nil {
						lvl = &level{byStart: map[int]*fragment{}, byEnd: map[int]*fragment{}}
						levels[threshold] = lvl
						thresholds = append(thresholds, threshold)
					}
					startPoint, endPoint := segment[0], segment[1]
					startIdx := index(tile.Width, c, r, startPoint)
					endIdx := index(tile.Width, c, r, endPoint)

					if f := lvl.byEnd[startIdx]; f != nil {
						delete(lvl.byEnd, startIdx)
						if g := lvl.byStart[endIdx]; g != nil {
							delete(lvl.byStart, endIdx)
							if f == g {
								// ring closed
								interpolate(endPoint, threshold, f.append)
								if !f.isEmpty() {
									segments[threshold] = append(segments[threshold], f.points)
								}
							} else {
								f.appendFragment(g)
								lvl.byEnd[f.end] = f
							}
						} else {
							interpolate(endPoint, threshold, f.append)
							f.end = endIdx
							lvl.byEnd[endIdx] = f
						}
					} else if f := lvl.byStart[endIdx]; f != nil {
						delete(lvl.byStart, endIdx)
						interpolate(startPoint, threshold, f.prepend)
						f.start = startIdx
						lvl.setStart(startIdx, f)
					} else {
						f := &fragment{start: startIdx, end: endIdx}
						interpolate(startPoint, threshold, f.append)
						interpolate(endPoint, threshold, f.append)
						lvl.setStart(startIdx, f)
						lvl.byEnd[endIdx] = f
					}
				}
			}
		}
	}

	for _, threshold := range thresholds {
		open := make([]*fragment, 0, len(levels[threshold].byStart))
		for _, f := range levels[threshold].byStart {
			if !f.isEmpty() {
				open = append(open, f)
			}
		}
		sort.Slice(open, func(i, j int) bool { return open[i].order < open[j].order })
		for _, f := range open {
			segments[threshold] = append(segments[threshold], f.points)
		}
	}
	return segments, nil
}
