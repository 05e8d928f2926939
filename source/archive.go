package source

import (
	"context"
	"fmt"

	"contour/archive"
)

//ArchiveFetcher 从 PMTiles 归档读取瓦片
type ArchiveFetcher struct {
	reader *archive.Reader
}

//NewArchiveFetcher 包装归档读取器
func NewArchiveFetcher(reader *archive.Reader) *ArchiveFetcher {
	return &ArchiveFetcher{reader: reader}
}

// Reader returns the underlying archive reader.
func (f *ArchiveFetcher) Reader() *archive.Reader {
	return f.reader
}

// FetchTile reads the tile. Coordinates outside the zoom's grid and tiles
// missing from the archive are ErrTileNotFound.
func (f *ArchiveFetcher) FetchTile(ctx context.Context, z, x, y int) (*Response, error) {
	if f == nil || f.reader == nil {
		return nil, ErrNotInitialized
	}
	if z < 0 || z > archive.MaxZoom || x < 0 || y < 0 || x >= 1<<z || y >= 1<<z {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, z, x, y)
	}
	tile, err := f.reader.GetZxy(ctx, uint8(z), uint32(x), uint32(y))
	if err != nil {
		return nil, err
	}
	if tile == nil {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, z, x, y)
	}
	h, err := f.reader.Header(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{
		Data:         tile.Data,
		Expires:      tile.Expires,
		CacheControl: tile.CacheControl,
		ETag:         h.ETag,
	}, nil
}
