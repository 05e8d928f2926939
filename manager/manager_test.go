package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contour/dem"
	"contour/source"
)

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	}
	return math.NaN()
}

func terrariumPNG(t *testing.T, size int, ele func(x, y int) float64) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := ele(x, y) + 32768
			img.Set(x, y, color.NRGBA{
				R: uint8(int(v) / 256),
				G: uint8(int(v) % 256),
				B: uint8((v - math.Floor(v)) * 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// countingFetcher serves the same blob for every tile and records requests.
type countingFetcher struct {
	mu      sync.Mutex
	blob    []byte
	calls   map[string]int
	missing func(z, x, y int) bool
}

func newCountingFetcher(blob []byte) *countingFetcher {
	return &countingFetcher{blob: blob, calls: map[string]int{}}
}

func (f *countingFetcher) FetchTile(ctx context.Context, z, x, y int) (*source.Response, error) {
	f.mu.Lock()
	f.calls[tileKey(z, x, y)]++
	f.mu.Unlock()
	if f.missing != nil && f.missing(z, x, y) {
		return nil, fmt.Errorf("%w: %d/%d/%d", source.ErrTileNotFound, z, x, y)
	}
	return &source.Response{Data: f.blob, CacheControl: "max-age=60"}, nil
}

func (f *countingFetcher) count() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total, most := 0, 0
	for _, n := range f.calls {
		total += n
		if n > most {
			most = n
		}
	}
	return total, most
}

// gradientDecoder ignores the blob and returns a 16x16 tile rising 10m per
// column, so that contours run north to south.
var gradientDecoder = dem.DecoderFunc(func(ctx context.Context, blob []byte, encoding dem.Encoding) (*dem.DemTile, error) {
	data := make([]float32, 16*16)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			data[y*16+x] = float32(x * 10)
		}
	}
	return &dem.DemTile{Width: 16, Height: 16, Data: data}, nil
})

func TestFlatTileGivesEmptyLayer(t *testing.T) {
	blob := terrariumPNG(t, 8, func(x, y int) float64 { return 100 })
	m := NewLocalDemManager(Config{Fetcher: newCountingFetcher(blob), MaxZoom: 12, CacheSize: 10})

	parsed, err := m.FetchAndParseTile(context.Background(), 3, 1, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(100), parsed.Data[0])

	tile, err := m.FetchContourTile(context.Background(), 3, 1, 1, DefaultOptions(50), nil)
	require.NoError(t, err)
	layers, err := mvt.Unmarshal(tile.Data)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, "contours", layers[0].Name)
	assert.Equal(t, uint32(4096), layers[0].Extent)
	assert.Empty(t, layers[0].Features)
}

func TestEmptyLevelsGiveEmptyBuffer(t *testing.T) {
	f := newCountingFetcher(nil)
	m := NewLocalDemManager(Config{Fetcher: f, MaxZoom: 12})
	tile, err := m.FetchContourTile(context.Background(), 3, 1, 1, DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Len(t, tile.Data, 0)
	total, _ := f.count()
	assert.Zero(t, total)
}

func TestContourFeatures(t *testing.T) {
	m := NewLocalDemManager(Config{Fetcher: newCountingFetcher([]byte("x")), Decoder: gradientDecoder, MaxZoom: 12})
	opts := DefaultOptions(50, 100)
	opts.ContourLayer = "c"
	opts.ElevationKey = "e"
	opts.LevelKey = "l"
	tile, err := m.FetchContourTile(context.Background(), 2, 1, 1, opts, nil)
	require.NoError(t, err)

	layers, err := mvt.Unmarshal(tile.Data)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, "c", layers[0].Name)
	require.NotEmpty(t, layers[0].Features)

	var elevations []float64
	for _, f := range layers[0].Features {
		ele := toFloat(f.Properties["e"])
		elevations = append(elevations, ele)
		assert.Zero(t, math.Mod(ele, 50), "ele %v", ele)
		want := 0.0
		if math.Mod(ele, 100) == 0 {
			want = 1
		}
		assert.Equal(t, want, toFloat(f.Properties["l"]), "level of %v", ele)
	}
	assert.True(t, sort.Float64sAreSorted(elevations))
	assert.Contains(t, elevations, 50.0)
	assert.Contains(t, elevations, 100.0)
}

func TestContourTileIsDeterministic(t *testing.T) {
	newManager := func() *LocalDemManager {
		return NewLocalDemManager(Config{Fetcher: newCountingFetcher([]byte("x")), Decoder: gradientDecoder, MaxZoom: 12})
	}
	a, err := newManager().FetchContourTile(context.Background(), 5, 10, 12, DefaultOptions(20, 100), nil)
	require.NoError(t, err)
	b, err := newManager().FetchContourTile(context.Background(), 5, 10, 12, DefaultOptions(20, 100), nil)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestContourTileIsCached(t *testing.T) {
	f := newCountingFetcher([]byte("x"))
	m := NewLocalDemManager(Config{Fetcher: f, Decoder: gradientDecoder, MaxZoom: 12})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.FetchContourTile(context.Background(), 3, 2, 2, DefaultOptions(50), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	total, most := f.count()
	assert.Equal(t, 9, total)
	assert.Equal(t, 1, most)

	_, err := m.FetchContourTile(context.Background(), 3, 2, 2, DefaultOptions(50), nil)
	require.NoError(t, err)
	total, _ = f.count()
	assert.Equal(t, 9, total)

	// different options are a different tile, but reuse the source tiles
	_, err = m.FetchContourTile(context.Background(), 3, 2, 2, DefaultOptions(25), nil)
	require.NoError(t, err)
	total, _ = f.count()
	assert.Equal(t, 9, total)
}

func TestNeighborsWrapAndCutOff(t *testing.T) {
	f := newCountingFetcher([]byte("x"))
	m := NewLocalDemManager(Config{Fetcher: f, Decoder: gradientDecoder, MaxZoom: 12})
	timer := NewTimer("main")
	_, err := m.FetchContourTile(context.Background(), 2, 0, 0, DefaultOptions(50), timer)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.calls, 6)
	assert.Contains(t, f.calls, "2/3/0")
	assert.Contains(t, f.calls, "2/3/1")
	assert.NotContains(t, f.calls, "2/0/-1")

	timing := timer.Finish("2/0/0")
	assert.Equal(t, 6, timing.TilesUsed)
	assert.Len(t, timing.Fetched, 6)
}

func TestMissingNeighborIsTolerated(t *testing.T) {
	f := newCountingFetcher([]byte("x"))
	f.missing = func(z, x, y int) bool { return x != 1 || y != 1 }
	m := NewLocalDemManager(Config{Fetcher: f, Decoder: gradientDecoder, MaxZoom: 12})
	tile, err := m.FetchContourTile(context.Background(), 2, 1, 1, DefaultOptions(50), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, tile.Data)
}

func TestMissingCenterFails(t *testing.T) {
	f := newCountingFetcher([]byte("x"))
	f.missing = func(z, x, y int) bool { return x == 1 && y == 1 }
	m := NewLocalDemManager(Config{Fetcher: f, Decoder: gradientDecoder, MaxZoom: 12})
	_, err := m.FetchContourTile(context.Background(), 2, 1, 1, DefaultOptions(50), nil)
	assert.ErrorIs(t, err, source.ErrTileNotFound)
}

func TestOverzoomFetchesCoarserTile(t *testing.T) {
	f := newCountingFetcher([]byte("x"))
	m := NewLocalDemManager(Config{Fetcher: f, Decoder: gradientDecoder, MaxZoom: 2})
	_, err := m.FetchContourTile(context.Background(), 4, 6, 6, DefaultOptions(50), nil)
	require.NoError(t, err)

	f.mu.Lock()
	for key := range f.calls {
		assert.Regexp(t, `^2/\d/\d$`, key)
	}
	assert.Contains(t, f.calls, "2/1/1")
	f.mu.Unlock()

	// with overzoom the coarser tile is used below max zoom as well
	f2 := newCountingFetcher([]byte("x"))
	m2 := NewLocalDemManager(Config{Fetcher: f2, Decoder: gradientDecoder, MaxZoom: 12})
	opts := DefaultOptions(50)
	opts.Overzoom = 1
	_, err = m2.FetchContourTile(context.Background(), 4, 6, 6, opts, nil)
	require.NoError(t, err)
	f2.mu.Lock()
	assert.Contains(t, f2.calls, "3/3/3")
	f2.mu.Unlock()
}

func TestInvalidOptionsAreRejected(t *testing.T) {
	f := newCountingFetcher([]byte("x"))
	m := NewLocalDemManager(Config{Fetcher: f, Decoder: gradientDecoder, MaxZoom: 12})

	negative := DefaultOptions(-5)
	_, err := m.FetchContourTile(context.Background(), 5, 0, 0, negative, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	zoomIn := DefaultOptions(50)
	zoomIn.Overzoom = -3
	_, err = m.FetchContourTile(context.Background(), 5, 0, 0, zoomIn, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	total, _ := f.count()
	assert.Zero(t, total)
}

func TestFetchDemNeverZoomsIn(t *testing.T) {
	f := newCountingFetcher([]byte("x"))
	m := NewLocalDemManager(Config{Fetcher: f, Decoder: gradientDecoder, MaxZoom: 12})
	opts := DefaultOptions(50)
	opts.Overzoom = -3
	var ht interface{ Get(x, y int) float64 }
	require.NotPanics(t, func() {
		tile, err := m.fetchDem(context.Background(), 5, 3, 4, opts, nil)
		require.NoError(t, err)
		ht = tile
	})
	assert.Equal(t, float64(20), ht.Get(2, 0))
	f.mu.Lock()
	assert.Equal(t, map[string]int{"5/3/4": 1}, f.calls)
	f.mu.Unlock()
}

func TestNotInitialized(t *testing.T) {
	m := NewLocalDemManager(Config{MaxZoom: 12})
	_, err := m.FetchTile(context.Background(), 1, 0, 0, nil)
	assert.ErrorIs(t, err, source.ErrNotInitialized)
	_, err = m.FetchContourTile(context.Background(), 1, 0, 0, DefaultOptions(10), nil)
	assert.ErrorIs(t, err, source.ErrNotInitialized)
}

func TestFetchTimeout(t *testing.T) {
	fetcher := source.FetcherFunc(func(ctx context.Context, z, x, y int) (*source.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := NewLocalDemManager(Config{Fetcher: fetcher, MaxZoom: 12, Timeout: 20 * time.Millisecond})
	_, err := m.FetchTile(context.Background(), 1, 0, 0, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, IsCanceled(err))
}

func TestCancelStopsSharedFetch(t *testing.T) {
	var aborted int32
	started := make(chan struct{})
	fetcher := source.FetcherFunc(func(ctx context.Context, z, x, y int) (*source.Response, error) {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&aborted, 1)
		return nil, ctx.Err()
	})
	m := NewLocalDemManager(Config{Fetcher: fetcher, MaxZoom: 12})
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := m.FetchAndParseTile(ctx, 1, 0, 0, nil)
		errs <- err
	}()
	<-started
	cancel()
	err := <-errs
	assert.True(t, IsCanceled(err))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&aborted) == 1 }, time.Second, time.Millisecond)
}

func TestFailedFetchIsRetried(t *testing.T) {
	var calls int32
	fetcher := source.FetcherFunc(func(ctx context.Context, z, x, y int) (*source.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("flaky")
		}
		return &source.Response{Data: []byte("ok")}, nil
	})
	m := NewLocalDemManager(Config{Fetcher: fetcher, MaxZoom: 12})
	_, err := m.FetchTile(context.Background(), 1, 0, 0, nil)
	assert.Error(t, err)
	resp, err := m.FetchTile(context.Background(), 1, 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Data)
}

func cacheEntries(contour, parsed, tile int) string {
	return fmt.Sprintf(`# HELP contour_cache_entries Entries held by each cache tier.
# TYPE contour_cache_entries gauge
contour_cache_entries{tier="contour"} %d
contour_cache_entries{tier="parsed"} %d
contour_cache_entries{tier="tile"} %d
`, contour, parsed, tile)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	require.NotNil(t, metrics)
	assert.Same(t, metrics.requests, NewMetrics(reg).requests)
	assert.Nil(t, NewMetrics(nil))

	m := NewLocalDemManager(Config{Fetcher: newCountingFetcher([]byte("x")), Decoder: gradientDecoder, MaxZoom: 12, Metrics: metrics})
	// cache sizes are read at scrape time, before any request as well
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(cacheEntries(0, 0, 0)), "contour_cache_entries"))

	_, err := m.FetchContourTile(context.Background(), 2, 1, 1, DefaultOptions(50), nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("fetchContourTile", "ok")))
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(cacheEntries(1, 9, 9)), "contour_cache_entries"))

	// managers sharing a registry are summed
	m2 := NewLocalDemManager(Config{Fetcher: newCountingFetcher([]byte("x")), Decoder: gradientDecoder, MaxZoom: 12, Metrics: NewMetrics(reg)})
	_, err = m2.FetchContourTile(context.Background(), 2, 1, 1, DefaultOptions(50), nil)
	require.NoError(t, err)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(cacheEntries(2, 18, 18)), "contour_cache_entries"))
	n, err := testutil.GatherAndCount(reg, "contour_stage_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, 0, level(50, []float64{50, 100}))
	assert.Equal(t, 1, level(100, []float64{50, 100}))
	assert.Equal(t, 2, level(1000, []float64{100, 500, 1000}))
	assert.Equal(t, 1, level(-500, []float64{100, 500, 1000}))
}
