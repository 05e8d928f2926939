// Package manager turns DEM tiles into contour vector tiles, caching raw
// tiles, decoded tiles and encoded contour tiles in separate tiers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"contour/cache"
	"contour/dem"
	"contour/heighttile"
	"contour/isolines"
	"contour/source"
	"contour/vtpbf"
)

// ErrTimeout is returned when a tile fetch exceeds the configured timeout.
var ErrTimeout = errors.New("timed out")

// IsCanceled reports whether err comes from the caller giving up, which is
// not worth logging as a failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

//ContourTile 编码后的等高线矢量瓦片
type ContourTile struct {
	Data []byte `json:"data"`
}

// DemManager answers raw, decoded and contour tile requests.
type DemManager interface {
	FetchTile(ctx context.Context, z, x, y int, timer *Timer) (*source.Response, error)
	FetchAndParseTile(ctx context.Context, z, x, y int, timer *Timer) (*dem.DemTile, error)
	FetchContourTile(ctx context.Context, z, x, y int, opts Options, timer *Timer) (*ContourTile, error)
}

//Config 管理器配置
type Config struct {
	Fetcher  source.TileFetcher
	Decoder  dem.ImageDecoder
	Encoding dem.Encoding
	// MaxZoom is the highest zoom the source has data for.
	MaxZoom int
	// CacheSize applies to every tier whose own size is 0.
	CacheSize        int
	TileCacheSize    int
	ParsedCacheSize  int
	ContourCacheSize int
	// Timeout bounds each fetch from the source, 0 means no limit.
	Timeout time.Duration
	Metrics *Metrics
}

//LocalDemManager 在当前进程内缓存、解码并生成等高线
type LocalDemManager struct {
	fetcher  source.TileFetcher
	decoder  dem.ImageDecoder
	encoding dem.Encoding
	maxZoom  int
	timeout  time.Duration
	metrics  *Metrics

	tileCache    *cache.Cache[*source.Response]
	parsedCache  *cache.Cache[*dem.DemTile]
	contourCache *cache.Cache[*ContourTile]
}

func sizeOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	if fallback > 0 {
		return fallback
	}
	return 100
}

//NewLocalDemManager 新建本地管理器
func NewLocalDemManager(cfg Config) *LocalDemManager {
	if cfg.Decoder == nil {
		cfg.Decoder = dem.DefaultDecoder
	}
	if cfg.Encoding == "" {
		cfg.Encoding = dem.Terrarium
	}
	m := &LocalDemManager{
		fetcher:      cfg.Fetcher,
		decoder:      cfg.Decoder,
		encoding:     cfg.Encoding,
		maxZoom:      cfg.MaxZoom,
		timeout:      cfg.Timeout,
		metrics:      cfg.Metrics,
		tileCache:    cache.New[*source.Response](sizeOr(cfg.TileCacheSize, cfg.CacheSize)),
		parsedCache:  cache.New[*dem.DemTile](sizeOr(cfg.ParsedCacheSize, cfg.CacheSize)),
		contourCache: cache.New[*ContourTile](sizeOr(cfg.ContourCacheSize, cfg.CacheSize)),
	}
	m.metrics.watchCache("tile", m.tileCache.Size)
	m.metrics.watchCache("parsed", m.parsedCache.Size)
	m.metrics.watchCache("contour", m.contourCache.Size)
	return m
}

// MaxZoom returns the highest zoom the source has data for.
func (m *LocalDemManager) MaxZoom() int {
	return m.maxZoom
}

// stage opens a timer span that also feeds the stage histogram.
func (m *LocalDemManager) stage(timer *Timer, name string) func() {
	start := time.Now()
	mark := timer.Marker(name)
	return func() {
		mark()
		m.metrics.observeStage(name, time.Since(start))
	}
}

func tileKey(z, x, y int) string {
	return fmt.Sprintf("%d/%d/%d", z, x, y)
}

// FetchTile returns the raw source tile, sharing one fetch between
// concurrent callers. The timeout covers the source fetch only.
func (m *LocalDemManager) FetchTile(ctx context.Context, z, x, y int, timer *Timer) (*source.Response, error) {
	key := tileKey(z, x, y)
	timer.UseTile(key)
	resp, err := m.tileCache.Get(ctx, key, func(ctx context.Context, key string) (*source.Response, error) {
		if m.fetcher == nil {
			return nil, source.ErrNotInitialized
		}
		timer.FetchTile(key)
		done := m.stage(timer, StageFetch)
		defer done()
		fetchCtx := ctx
		if m.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}
		resp, err := m.fetcher.FetchTile(fetchCtx, z, x, y)
		if err != nil && ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: fetch %s after %s", ErrTimeout, key, m.timeout)
		}
		return resp, err
	})
	m.metrics.countRequest("fetchTile", err)
	return resp, err
}

// FetchAndParseTile returns the decoded elevations of a source tile.
func (m *LocalDemManager) FetchAndParseTile(ctx context.Context, z, x, y int, timer *Timer) (*dem.DemTile, error) {
	key := tileKey(z, x, y)
	timer.UseTile(key)
	tile, err := m.parsedCache.Get(ctx, key, func(ctx context.Context, key string) (*dem.DemTile, error) {
		resp, err := m.FetchTile(ctx, z, x, y, timer)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done := m.stage(timer, StageDecode)
		defer done()
		return m.decoder.Decode(ctx, resp.Data, m.encoding)
	})
	m.metrics.countRequest("fetchAndParseTile", err)
	return tile, err
}

// fetchDem returns the height tile for z/x/y. Above the source's max zoom,
// less the overzoom, it crops the covering coarser tile instead.
func (m *LocalDemManager) fetchDem(ctx context.Context, z, x, y int, opts Options, timer *Timer) (*heighttile.HeightTile, error) {
	zoom := z - opts.Overzoom
	if zoom > m.maxZoom {
		zoom = m.maxZoom
	}
	if zoom > z {
		zoom = z
	}
	if zoom < 0 {
		zoom = 0
	}
	subZ := z - zoom
	div := 1 << subZ
	tile, err := m.FetchAndParseTile(ctx, zoom, x/div, y/div, timer)
	if err != nil {
		return nil, err
	}
	return heighttile.FromRawDem(tile).Split(subZ, x%div, y%div), nil
}

// FetchContourTile returns the encoded contour tile. Empty levels give an
// empty buffer. Neighbors that do not exist read as NaN, while a missing
// center tile fails the request.
func (m *LocalDemManager) FetchContourTile(ctx context.Context, z, x, y int, opts Options, timer *Timer) (*ContourTile, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Levels) == 0 {
		return &ContourTile{Data: []byte{}}, nil
	}
	key := tileKey(z, x, y) + "/" + opts.CacheKey()
	tile, err := m.contourCache.Get(ctx, key, func(ctx context.Context, key string) (*ContourTile, error) {
		return m.buildContourTile(ctx, z, x, y, opts, timer)
	})
	m.metrics.countRequest("fetchContourTile", err)
	return tile, err
}

func (m *LocalDemManager) buildContourTile(ctx context.Context, z, x, y int, opts Options, timer *Timer) (*ContourTile, error) {
	n := 1 << z
	var neighbors [9]*heighttile.HeightTile
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 9; i++ {
		iy := y + i/3 - 1
		ix := x + i%3 - 1
		if iy < 0 || iy >= n {
			continue
		}
		i, ix := i, (ix+n)%n
		g.Go(func() error {
			ht, err := m.fetchDem(gctx, z, ix, iy, opts, timer)
			if err != nil {
				if i != 4 && errors.Is(err, source.ErrTileNotFound) {
					log.Debugf("neighbor %d/%d/%d of %d/%d/%d has no data", z, ix, iy, z, x, y)
					return nil
				}
				return err
			}
			neighbors[i] = ht
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	virtual := heighttile.CombineNeighbors(neighbors)
	if virtual == nil {
		return nil, fmt.Errorf("%w: center tile %d/%d/%d", source.ErrTileNotFound, z, x, y)
	}

	done := m.stage(timer, StageIsoline)
	if virtual.Width >= opts.SubsampleBelow {
		virtual = virtual.Materialize(2)
	} else {
		for virtual.Width < opts.SubsampleBelow {
			virtual = virtual.SubsamplePixelCenters(2).Materialize(2)
		}
	}
	virtual = virtual.
		AveragePixelCentersToGrid(1).
		ScaleElevation(opts.Multiplier).
		Materialize(1)

	lines, err := isolines.GenerateContext(ctx, opts.Levels[0], virtual, opts.Extent, opts.Buffer)
	done()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data := encodeContours(lines, opts)
	m.metrics.observeStage(stageEncode, time.Since(start))
	return &ContourTile{Data: data}, nil
}

// encodeContours writes one feature per elevation, in ascending order.
func encodeContours(lines map[float64][][]int, opts Options) []byte {
	elevations := make([]float64, 0, len(lines))
	for ele := range lines {
		elevations = append(elevations, ele)
	}
	sort.Float64s(elevations)

	features := make([]vtpbf.Feature, 0, len(elevations))
	for _, ele := range elevations {
		features = append(features, vtpbf.Feature{
			Type:     vtpbf.LineString,
			Geometry: lines[ele],
			Properties: []vtpbf.Property{
				{Key: opts.ElevationKey, Value: ele},
				{Key: opts.LevelKey, Value: level(ele, opts.Levels)},
			},
		})
	}
	return vtpbf.Encode(&vtpbf.Tile{
		Extent: opts.Extent,
		Layers: []vtpbf.Layer{{Name: opts.ContourLayer, Features: features}},
	})
}

// level is the index of the last interval that ele is a multiple of.
func level(ele float64, levels []float64) int {
	best := 0
	for i, l := range levels {
		if math.Mod(ele, l) == 0 && i > best {
			best = i
		}
	}
	return best
}
