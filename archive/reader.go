// Package archive reads tiles out of PMTiles v3 archives through any byte
// range source: local files, HTTP servers or S3 compatible object storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/maypok86/otter/v2"
	log "github.com/sirupsen/logrus"
)

// headerReadLen is read up front; small archives fit the root directory in it.
const headerReadLen = 16384

const maxDepth = 4

//TileResponse 瓦片数据及缓存头
type TileResponse struct {
	Data         []byte
	CacheControl string
	Expires      string
}

//Reader PMTiles 归档读取器, 缓存文件头与目录
type Reader struct {
	source Source
	cache  *otter.Cache[string, any]
	gen    atomic.Uint64
}

//NewReader 新建读取器, cacheSize 为缓存的目录数量上限
func NewReader(source Source, cacheSize int) (*Reader, error) {
	if cacheSize <= 0 {
		cacheSize = 100
	}
	c, err := otter.New(&otter.Options[string, any]{MaximumSize: cacheSize})
	if err != nil {
		return nil, err
	}
	return &Reader{source: source, cache: c}, nil
}

// Source returns the underlying byte source.
func (r *Reader) Source() Source {
	return r.source
}

// Invalidate makes everything cached for the archive unreachable, used once
// the archive is known to have changed. Stale entries age out of the cache.
func (r *Reader) Invalidate() {
	r.gen.Add(1)
}

func (r *Reader) prefix() string {
	return fmt.Sprintf("%s|%d", r.source.Key(), r.gen.Load())
}

// Header returns the archive header, reading it on first use.
func (r *Reader) Header(ctx context.Context) (*HeaderV3, error) {
	prefix := r.prefix()
	v, err := r.cache.Get(ctx, prefix+"|header", otter.LoaderFunc[string, any](func(ctx context.Context, key string) (any, error) {
		resp, err := r.source.Bytes(ctx, 0, headerReadLen, "")
		if err != nil {
			return nil, err
		}
		h, err := deserializeHeader(resp.Data, resp.ETag)
		if err != nil {
			return nil, err
		}
		end := h.RootOffset + h.RootLength
		if end <= uint64(len(resp.Data)) {
			if entries, err := r.parseDirectory(resp.Data[h.RootOffset:end], &h); err == nil {
				r.cache.Set(dirKey(prefix, &h, h.RootOffset, h.RootLength), entries)
			}
		}
		return &h, nil
	}))
	if err != nil {
		return nil, err
	}
	return v.(*HeaderV3), nil
}

func dirKey(prefix string, h *HeaderV3, offset, length uint64) string {
	return fmt.Sprintf("%s|%s|%d|%d", prefix, h.ETag, offset, length)
}

func (r *Reader) parseDirectory(data []byte, h *HeaderV3) ([]EntryV3, error) {
	raw, err := Decompress(data, h.InternalCompression)
	if err != nil {
		return nil, err
	}
	return deserializeEntries(raw)
}

func (r *Reader) directory(ctx context.Context, h *HeaderV3, offset, length uint64) ([]EntryV3, error) {
	v, err := r.cache.Get(ctx, dirKey(r.prefix(), h, offset, length), otter.LoaderFunc[string, any](func(ctx context.Context, key string) (any, error) {
		resp, err := r.source.Bytes(ctx, offset, length, h.ETag)
		if err != nil {
			return nil, err
		}
		entries, err := r.parseDirectory(resp.Data, h)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("%w: empty directory", ErrMalformed)
		}
		return entries, nil
	}))
	if err != nil {
		return nil, err
	}
	return v.([]EntryV3), nil
}

// GetZxy returns the tile at z/x/y, or nil if the archive does not hold it.
// If the archive changed while reading, the cache is dropped and the read is
// retried once.
func (r *Reader) GetZxy(ctx context.Context, z uint8, x, y uint32) (*TileResponse, error) {
	tile, err := r.getZxy(ctx, z, x, y)
	if errors.Is(err, ErrEtagMismatch) {
		log.Warnf("archive %s changed, reloading", r.source.Key())
		r.Invalidate()
		tile, err = r.getZxy(ctx, z, x, y)
	}
	return tile, err
}

func (r *Reader) getZxy(ctx context.Context, z uint8, x, y uint32) (*TileResponse, error) {
	id, err := ZxyToID(z, x, y)
	if err != nil {
		return nil, err
	}
	h, err := r.Header(ctx)
	if err != nil {
		return nil, err
	}
	if z < h.MinZoom || z > h.MaxZoom {
		return nil, nil
	}

	offset, length := h.RootOffset, h.RootLength
	for depth := 0; depth < maxDepth; depth++ {
		entries, err := r.directory(ctx, h, offset, length)
		if err != nil {
			return nil, err
		}
		entry, ok := FindTile(entries, id)
		if !ok {
			return nil, nil
		}
		if entry.RunLength > 0 {
			resp, err := r.source.Bytes(ctx, h.TileDataOffset+entry.Offset, uint64(entry.Length), h.ETag)
			if err != nil {
				return nil, err
			}
			data, err := Decompress(resp.Data, h.TileCompression)
			if err != nil {
				return nil, err
			}
			return &TileResponse{Data: data, CacheControl: resp.CacheControl, Expires: resp.Expires}, nil
		}
		offset = h.LeafDirectoryOffset + entry.Offset
		length = uint64(entry.Length)
	}
	return nil, ErrMaxDepth
}

// Metadata returns the decoded JSON metadata of the archive.
func (r *Reader) Metadata(ctx context.Context) (map[string]interface{}, error) {
	meta, err := r.metadata(ctx)
	if errors.Is(err, ErrEtagMismatch) {
		r.Invalidate()
		meta, err = r.metadata(ctx)
	}
	return meta, err
}

func (r *Reader) metadata(ctx context.Context) (map[string]interface{}, error) {
	h, err := r.Header(ctx)
	if err != nil {
		return nil, err
	}
	meta := map[string]interface{}{}
	if h.MetadataLength == 0 {
		return meta, nil
	}
	resp, err := r.source.Bytes(ctx, h.MetadataOffset, h.MetadataLength, h.ETag)
	if err != nil {
		return nil, err
	}
	raw, err := Decompress(resp.Data, h.InternalCompression)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %s", ErrMalformed, err)
	}
	return meta, nil
}
