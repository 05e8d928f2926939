// Package source fetches raw DEM tiles from a URL template, a PMTiles
// archive or an MBTiles database.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"contour/archive"
)

var (
	// ErrNotInitialized is returned when a fetcher is used before it was
	// opened or after it was closed.
	ErrNotInitialized = errors.New("tile source not initialized")
	// ErrTileNotFound is returned for a valid coordinate with no data.
	ErrTileNotFound = errors.New("tile not found")
)

//Response 瓦片原始数据及 HTTP 缓存信息
type Response struct {
	Data         []byte `json:"data"`
	Expires      string `json:"expires,omitempty"`
	CacheControl string `json:"cacheControl,omitempty"`
	ETag         string `json:"etag,omitempty"`
}

// TileFetcher returns the raw bytes of the tile at z/x/y.
type TileFetcher interface {
	FetchTile(ctx context.Context, z, x, y int) (*Response, error)
}

// FetcherFunc adapts a function to TileFetcher.
type FetcherFunc func(ctx context.Context, z, x, y int) (*Response, error)

// FetchTile calls f.
func (f FetcherFunc) FetchTile(ctx context.Context, z, x, y int) (*Response, error) {
	return f(ctx, z, x, y)
}

//Options 打开数据源的参数
type Options struct {
	// Client is used for template and remote archive requests.
	Client *http.Client
	// Workers bounds concurrent template requests, 0 means unbounded.
	Workers int
	// CacheSize is the number of archive directories kept in memory.
	CacheSize int
	// S3 holds credentials for pmtiles://s3://bucket/key archives.
	S3 archive.S3Config
}

const (
	pmtilesScheme = "pmtiles://"
	mbtilesScheme = "mbtiles://"
)

//Open 按 URL 打开数据源: pmtiles://, mbtiles:// 或 {z}/{x}/{y} 模板
func Open(rawurl string, opts Options) (TileFetcher, error) {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	switch {
	case strings.HasPrefix(rawurl, pmtilesScheme):
		src, err := openArchiveSource(strings.TrimPrefix(rawurl, pmtilesScheme), opts)
		if err != nil {
			return nil, err
		}
		reader, err := archive.NewReader(src, opts.CacheSize)
		if err != nil {
			return nil, err
		}
		log.Infof("opened pmtiles archive %s", src.Key())
		return NewArchiveFetcher(reader), nil
	case strings.HasPrefix(rawurl, mbtilesScheme):
		return OpenMBTiles(strings.TrimPrefix(rawurl, mbtilesScheme))
	case strings.Contains(rawurl, "{z}"):
		return NewTemplateFetcher(rawurl, opts.Client, opts.Workers), nil
	}
	return nil, fmt.Errorf("unsupported tile source url %q", rawurl)
}

func openArchiveSource(location string, opts Options) (archive.Source, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return archive.NewHTTPSource(location, opts.Client, nil), nil
	case strings.HasPrefix(location, "s3://"):
		u, err := url.Parse(location)
		if err != nil {
			return nil, err
		}
		return archive.NewS3Source(opts.S3, u.Host, strings.TrimPrefix(u.Path, "/"))
	}
	return archive.NewFileSource(location)
}
