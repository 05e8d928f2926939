// Package server exposes a DemManager over HTTP: raw DEM tiles, contour
// vector tiles and a couple of debug renderings.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"contour/manager"
	"contour/source"
)

// Content types of the served tiles
const (
	ContentTypeMVT     = "application/x-protobuf"
	ContentTypeGeoJSON = "application/geo+json"
	ContentTypePNG     = "image/png"
)

//Config 服务配置
type Config struct {
	Manager manager.DemManager
	// Options fill whatever a contour request does not set in its query.
	Options manager.GlobalOptions
	// Gatherer backs /metrics, nil means the default registry.
	Gatherer prometheus.Gatherer
	// PreviewSize is the edge of /preview images in pixels.
	PreviewSize int
}

//Server 瓦片服务
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New builds the routes.
func New(cfg Config) *Server {
	if cfg.Options.Thresholds == nil {
		cfg.Options = manager.DefaultGlobalOptions()
	}
	if cfg.PreviewSize <= 0 {
		cfg.PreviewSize = 512
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /dem/{z}/{x}/{y}", s.handleDem)
	s.mux.HandleFunc("GET /contours/{z}/{x}/{y}", s.handleContours)
	s.mux.HandleFunc("GET /preview/{z}/{x}/{y}", s.handlePreview)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "ok")
	})
	if cfg.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	} else {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	s.mux.ServeHTTP(w, r)
}

type tileRequest struct {
	z, x, y int
	ext     string
}

func (t tileRequest) String() string {
	return fmt.Sprintf("%d/%d/%d", t.z, t.x, t.y)
}

// parseTile reads z/x/y from the path. The last segment may carry an
// extension such as .pbf or .png.
func parseTile(r *http.Request) (tileRequest, error) {
	var t tileRequest
	ys := r.PathValue("y")
	if i := strings.IndexByte(ys, '.'); i >= 0 {
		ys, t.ext = ys[:i], ys[i+1:]
	}
	var err error
	if t.z, err = strconv.Atoi(r.PathValue("z")); err != nil {
		return t, fmt.Errorf("bad zoom %q", r.PathValue("z"))
	}
	if t.x, err = strconv.Atoi(r.PathValue("x")); err != nil {
		return t, fmt.Errorf("bad x %q", r.PathValue("x"))
	}
	if t.y, err = strconv.Atoi(ys); err != nil {
		return t, fmt.Errorf("bad y %q", ys)
	}
	if t.z < 0 || t.z > 30 {
		return t, fmt.Errorf("zoom %d out of range", t.z)
	}
	n := 1 << t.z
	if t.x < 0 || t.x >= n || t.y < 0 || t.y >= n {
		return t, fmt.Errorf("tile %s out of range", t)
	}
	return t, nil
}

// fail maps manager errors to status codes. Requests the client abandoned
// get no answer and no error log.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case manager.IsCanceled(err) || errors.Is(r.Context().Err(), context.Canceled):
		log.Debugf("%s canceled", r.URL.Path)
	case errors.Is(err, manager.ErrInvalidOptions):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, source.ErrTileNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, manager.ErrTimeout):
		log.Warnf("%s timed out, details: %s ~", r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, source.ErrNotInitialized):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Errorf("%s error, details: %s ~", r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleDem(w http.ResponseWriter, r *http.Request) {
	t, err := parseTile(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.cfg.Manager.FetchTile(r.Context(), t.z, t.x, t.y, nil)
	if err != nil {
		fail(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", http.DetectContentType(resp.Data))
	if resp.CacheControl != "" {
		h.Set("Cache-Control", resp.CacheControl)
	}
	if resp.Expires != "" {
		h.Set("Expires", resp.Expires)
	}
	if resp.ETag != "" {
		h.Set("ETag", resp.ETag)
	}
	w.Write(resp.Data)
}

// contourTile runs a contour request with the query options laid over the
// server defaults.
func (s *Server) contourTile(r *http.Request, t tileRequest) (*manager.ContourTile, error) {
	g, err := manager.DecodeOptions(r.URL.RawQuery, s.cfg.Options)
	if err != nil {
		return nil, &badRequest{err}
	}
	timer := manager.NewTimer("main")
	tile, err := s.cfg.Manager.FetchContourTile(r.Context(), t.z, t.x, t.y, manager.OptionsForZoom(g, t.z), timer)
	if err != nil {
		timer.Error(t.String())
		return nil, err
	}
	if timing := timer.Finish(t.String()); log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("contours %s took %.1fms (fetch %.1f, decode %.1f, isoline %.1f), %d tiles used",
			t, timing.Duration, timing.Fetch, timing.Decode, timing.Process, timing.TilesUsed)
	}
	return tile, nil
}

type badRequest struct{ error }

func (s *Server) handleContours(w http.ResponseWriter, r *http.Request) {
	t, err := parseTile(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tile, err := s.contourTile(r, t)
	var bad *badRequest
	if errors.As(err, &bad) {
		http.Error(w, bad.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	switch t.ext {
	case "", "pbf", "mvt":
		w.Header().Set("Content-Type", ContentTypeMVT)
		w.Write(tile.Data)
	case "geojson", "json":
		data, err := toGeoJSON(tile.Data, t.z, t.x, t.y)
		if err != nil {
			fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", ContentTypeGeoJSON)
		w.Write(data)
	default:
		http.Error(w, fmt.Sprintf("unsupported format %q", t.ext), http.StatusNotFound)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	t, err := parseTile(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if t.ext != "" && t.ext != "png" {
		http.Error(w, fmt.Sprintf("unsupported format %q", t.ext), http.StatusNotFound)
		return
	}
	tile, err := s.contourTile(r, t)
	var bad *badRequest
	if errors.As(err, &bad) {
		http.Error(w, bad.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	data, err := renderPreview(tile.Data, s.cfg.PreviewSize)
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", ContentTypePNG)
	w.Write(data)
}
