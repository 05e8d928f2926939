package actor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"contour/dem"
	"contour/manager"
	"contour/source"
)

// Request names served by WorkerDispatch
const (
	MethodInit              = "init"
	MethodFetchTile         = "fetchTile"
	MethodFetchAndParseTile = "fetchAndParseTile"
	MethodFetchContourTile  = "fetchContourTile"
)

//InitMessage 在工作端创建管理器的参数
type InitMessage struct {
	ManagerID string       `json:"managerId"`
	URL       string       `json:"url"`
	Encoding  dem.Encoding `json:"encoding"`
	MaxZoom   int          `json:"maxzoom"`
	CacheSize int          `json:"cacheSize"`
	TimeoutMs int64        `json:"timeoutMs"`
}

type tileRequest struct {
	ManagerID string           `json:"managerId"`
	Z         int              `json:"z"`
	X         int              `json:"x"`
	Y         int              `json:"y"`
	Options   *manager.Options `json:"options,omitempty"`
}

// demTileMessage carries elevations as little endian float32 bits, since
// JSON numbers cannot hold NaN.
type demTileMessage struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}

func packDemTile(t *dem.DemTile) *demTileMessage {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return &demTileMessage{Width: t.Width, Height: t.Height, Data: buf}
}

func (m *demTileMessage) unpack() (*dem.DemTile, error) {
	if len(m.Data) != 4*m.Width*m.Height {
		return nil, fmt.Errorf("dem tile %dx%d carries %d bytes", m.Width, m.Height, len(m.Data))
	}
	data := make([]float32, m.Width*m.Height)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(m.Data[4*i:]))
	}
	return &dem.DemTile{Width: m.Width, Height: m.Height, Data: data}, nil
}

//WorkerDispatch 工作端: 按 id 保存多个管理器并处理请求
type WorkerDispatch struct {
	// Open turns an init url into a fetcher.
	Open    func(rawurl string) (source.TileFetcher, error)
	Decoder dem.ImageDecoder
	Metrics *manager.Metrics

	mu       sync.RWMutex
	managers map[string]manager.DemManager
	closers  map[string]io.Closer
}

// NewWorkerDispatch opens sources with opts.
func NewWorkerDispatch(opts source.Options, metrics *manager.Metrics) *WorkerDispatch {
	return &WorkerDispatch{
		Open: func(rawurl string) (source.TileFetcher, error) {
			return source.Open(rawurl, opts)
		},
		Metrics:  metrics,
		managers: map[string]manager.DemManager{},
		closers:  map[string]io.Closer{},
	}
}

// Init creates the manager for msg.ManagerID, replacing any previous one.
func (d *WorkerDispatch) Init(msg InitMessage) error {
	encoding, err := dem.ParseEncoding(string(msg.Encoding))
	if err != nil {
		return err
	}
	fetcher, err := d.Open(msg.URL)
	if err != nil {
		return err
	}
	m := manager.NewLocalDemManager(manager.Config{
		Fetcher:   fetcher,
		Decoder:   d.Decoder,
		Encoding:  encoding,
		MaxZoom:   msg.MaxZoom,
		CacheSize: msg.CacheSize,
		Timeout:   time.Duration(msg.TimeoutMs) * time.Millisecond,
		Metrics:   d.Metrics,
	})
	d.mu.Lock()
	old := d.closers[msg.ManagerID]
	d.managers[msg.ManagerID] = m
	delete(d.closers, msg.ManagerID)
	if c, ok := fetcher.(io.Closer); ok {
		d.closers[msg.ManagerID] = c
	}
	d.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			log.Warnf("close source of manager %s error, details: %s ~", msg.ManagerID, err)
		}
	}
	log.Debugf("manager %s serves %s", msg.ManagerID, msg.URL)
	return nil
}

// Register installs an existing manager under id.
func (d *WorkerDispatch) Register(id string, m manager.DemManager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.managers[id] = m
}

func (d *WorkerDispatch) manager(id string) (manager.DemManager, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.managers[id]
	if !ok {
		return nil, fmt.Errorf("no manager registered for %s", id)
	}
	return m, nil
}

// Close releases the sources opened by Init.
func (d *WorkerDispatch) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for id, c := range d.closers {
		errs = append(errs, c.Close())
		delete(d.closers, id)
	}
	return errors.Join(errs...)
}

// Handlers returns the request table for an Actor.
func (d *WorkerDispatch) Handlers() map[string]Handler {
	return map[string]Handler{
		MethodInit: func(ctx context.Context, args json.RawMessage, timer *manager.Timer) (interface{}, error) {
			var msg InitMessage
			if err := json.Unmarshal(args, &msg); err != nil {
				return nil, err
			}
			return nil, d.Init(msg)
		},
		MethodFetchTile: d.tileHandler(func(ctx context.Context, m manager.DemManager, req *tileRequest, timer *manager.Timer) (interface{}, error) {
			return m.FetchTile(ctx, req.Z, req.X, req.Y, timer)
		}),
		MethodFetchAndParseTile: d.tileHandler(func(ctx context.Context, m manager.DemManager, req *tileRequest, timer *manager.Timer) (interface{}, error) {
			tile, err := m.FetchAndParseTile(ctx, req.Z, req.X, req.Y, timer)
			if err != nil {
				return nil, err
			}
			return packDemTile(tile), nil
		}),
		MethodFetchContourTile: d.tileHandler(func(ctx context.Context, m manager.DemManager, req *tileRequest, timer *manager.Timer) (interface{}, error) {
			opts := manager.DefaultOptions()
			if req.Options != nil {
				opts = *req.Options
			}
			return m.FetchContourTile(ctx, req.Z, req.X, req.Y, opts, timer)
		}),
	}
}

func (d *WorkerDispatch) tileHandler(fn func(context.Context, manager.DemManager, *tileRequest, *manager.Timer) (interface{}, error)) Handler {
	return func(ctx context.Context, args json.RawMessage, timer *manager.Timer) (interface{}, error) {
		req := &tileRequest{}
		if err := json.Unmarshal(args, req); err != nil {
			return nil, err
		}
		m, err := d.manager(req.ManagerID)
		if err != nil {
			return nil, err
		}
		return fn(ctx, m, req, timer)
	}
}
