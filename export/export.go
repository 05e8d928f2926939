// Package export renders a pyramid of contour tiles below a root tile and
// stores them as a directory tree, an MBTiles database or a PMTiles archive.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
	pb "gopkg.in/cheggaaa/pb.v1"

	"contour/manager"
	"contour/source"
)

// Output formats
const (
	FormatMBTiles = "mbtiles"
	FormatPMTiles = "pmtiles"
	FormatDir     = "dir"
)

//MBTileVersion mbtiles版本号
const MBTileVersion = "1.3"

//Config 导出任务配置
type Config struct {
	Manager manager.DemManager
	Options manager.GlobalOptions
	Root    maptile.Tile
	MaxZoom maptile.Zoom
	Format  string
	// Directory receives dir output, and mbtiles or pmtiles files when File
	// is empty.
	Directory   string
	File        string
	Name        string
	Description string
	Workers     int
	// Progress prints a progress bar to stdout.
	Progress bool
}

//Task 导出任务
type Task struct {
	ID      string
	Total   int64
	Bar     *pb.ProgressBar
	cfg     Config
	failed  atomic.Int64
	skipped atomic.Int64
}

//NewTask 创建导出任务
func NewTask(cfg Config) (*Task, error) {
	if cfg.Manager == nil {
		return nil, errors.New("export needs a dem manager")
	}
	if cfg.MaxZoom < cfg.Root.Z {
		return nil, fmt.Errorf("max zoom %d is above root zoom %d", cfg.MaxZoom, cfg.Root.Z)
	}
	if cfg.Format == "" {
		cfg.Format = FormatMBTiles
	}
	switch cfg.Format {
	case FormatMBTiles, FormatPMTiles, FormatDir:
	default:
		return nil, fmt.Errorf("unknown export format %q", cfg.Format)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Directory == "" {
		cfg.Directory = "output"
	}
	if cfg.Options.Thresholds == nil {
		cfg.Options = manager.DefaultGlobalOptions()
	}
	id, _ := shortid.Generate()
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("contours-%d-%d-%d", cfg.Root.Z, cfg.Root.X, cfg.Root.Y)
	}
	if cfg.File == "" && cfg.Format != FormatDir {
		cfg.File = filepath.Join(cfg.Directory, id+"."+cfg.Name+"."+cfg.Format)
	}
	task := &Task{ID: id, cfg: cfg}
	for z := cfg.Root.Z; z <= cfg.MaxZoom; z++ {
		n := int64(1) << (z - cfg.Root.Z)
		task.Total += n * n
	}
	return task, nil
}

// File is where mbtiles and pmtiles output goes.
func (task *Task) File() string {
	return task.cfg.File
}

// Failed counts tiles that could not be rendered.
func (task *Task) Failed() int64 {
	return task.failed.Load()
}

// Skipped counts empty tiles, which are not stored.
func (task *Task) Skipped() int64 {
	return task.skipped.Load()
}

// Pyramid lists root and all its descendants down to maxZoom, ordered by
// zoom, then x, then y.
func Pyramid(root maptile.Tile, maxZoom maptile.Zoom) []maptile.Tile {
	var tiles []maptile.Tile
	for z := root.Z; z <= maxZoom; z++ {
		span := uint32(1) << (z - root.Z)
		for x := root.X * span; x < (root.X+1)*span; x++ {
			for y := root.Y * span; y < (root.Y+1)*span; y++ {
				tiles = append(tiles, maptile.New(x, y, z))
			}
		}
	}
	return tiles
}

type vectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Fields      map[string]string `json:"fields"`
	MinZoom     int               `json:"minzoom"`
	MaxZoom     int               `json:"maxzoom"`
}

func (task *Task) vectorLayers() []vectorLayer {
	o := task.cfg.Options
	return []vectorLayer{{
		ID:          o.ContourLayer,
		Description: "contour lines",
		Fields: map[string]string{
			o.ElevationKey: "Number",
			o.LevelKey:     "Number",
		},
		MinZoom: int(task.cfg.Root.Z),
		MaxZoom: int(task.cfg.MaxZoom),
	}}
}

//MetaItems 输出
func (task *Task) MetaItems() map[string]string {
	b := task.cfg.Root.Bound()
	c := b.Center()
	layers, _ := json.Marshal(map[string]interface{}{"vector_layers": task.vectorLayers()})
	return map[string]string{
		"id":          task.ID,
		"name":        task.cfg.Name,
		"description": task.cfg.Description,
		"format":      source.PBF,
		"type":        "overlay",
		"version":     MBTileVersion,
		"bounds":      fmt.Sprintf(`%f,%f,%f,%f`, b.Left(), b.Bottom(), b.Right(), b.Top()),
		"center":      fmt.Sprintf(`%f,%f,%d`, c.X(), c.Y(), (task.cfg.Root.Z+task.cfg.MaxZoom)/2),
		"minzoom":     strconv.Itoa(int(task.cfg.Root.Z)),
		"maxzoom":     strconv.Itoa(int(task.cfg.MaxZoom)),
		"contour":     manager.EncodeOptions(task.cfg.Options),
		"json":        string(layers),
	}
}

func (task *Task) openWriter() (tileWriter, error) {
	switch task.cfg.Format {
	case FormatDir:
		return newDirWriter(task.cfg.Directory)
	case FormatPMTiles:
		return newPMTilesWriter(task.cfg.File, task.pmtilesMetadata())
	}
	return newMBTilesWriter(task.cfg.File, task.MetaItems())
}

func (task *Task) pmtilesMetadata() map[string]interface{} {
	meta := map[string]interface{}{}
	for k, v := range task.MetaItems() {
		if k != "json" {
			meta[k] = v
		}
	}
	meta["vector_layers"] = task.vectorLayers()
	return meta
}

//savePipe 保存瓦片管道, 写入失败后继续消费以免阻塞渲染
func (task *Task) savePipe(w tileWriter, pipe <-chan source.Tile) error {
	var first error
	for tile := range pipe {
		if err := w.WriteTile(tile); err != nil {
			log.Errorf("save %v tile error ~ %s", tile.T, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (task *Task) render(ctx context.Context, t maptile.Tile) ([]byte, error) {
	opts := manager.OptionsForZoom(task.cfg.Options, int(t.Z))
	tile, err := task.cfg.Manager.FetchContourTile(ctx, int(t.Z), int(t.X), int(t.Y), opts, nil)
	if err != nil {
		return nil, err
	}
	return tile.Data, nil
}

// Run renders every tile of the pyramid with a bounded worker pool. A tile
// that fails is logged and counted, and the run reports the count at the
// end; canceling ctx stops the run.
func (task *Task) Run(ctx context.Context) error {
	w, err := task.openWriter()
	if err != nil {
		return err
	}
	task.Bar = pb.New64(task.Total).Prefix("Task : ")
	task.Bar.NotPrint = !task.cfg.Progress
	task.Bar.Start()

	pipe := make(chan source.Tile, task.cfg.Workers)
	saved := make(chan error, 1)
	go func() { saved <- task.savePipe(w, pipe) }()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(task.cfg.Workers)
	for _, t := range Pyramid(task.cfg.Root, task.cfg.MaxZoom) {
		if gctx.Err() != nil {
			break
		}
		t := t
		g.Go(func() error {
			defer task.Bar.Increment()
			data, err := task.render(gctx, t)
			if err != nil {
				if manager.IsCanceled(err) {
					return err
				}
				log.Errorf("render %d/%d/%d error, details: %s ~", t.Z, t.X, t.Y, err)
				task.failed.Add(1)
				return nil
			}
			if len(data) == 0 {
				task.skipped.Add(1)
				return nil
			}
			select {
			case pipe <- source.Tile{T: t, C: data}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}
	close(pipe)
	saveErr := <-saved
	closeErr := w.Close(runErr == nil && saveErr == nil)
	task.Bar.FinishPrint(fmt.Sprintf("task %s finished ~", task.ID))

	if err := errors.Join(runErr, saveErr, closeErr); err != nil {
		return err
	}
	if n := task.failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d tiles failed", n, task.Total)
	}
	log.Infof("task %s wrote %d tiles, %d empty ~", task.ID, task.Total-task.skipped.Load(), task.skipped.Load())
	return nil
}
