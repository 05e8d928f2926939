package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

//TemplateFetcher 按 URL 模板通过 HTTP 获取瓦片
type TemplateFetcher struct {
	Template string
	client   *http.Client
	workers  chan struct{}
}

//NewTemplateFetcher workers 为并发请求上限, 0 表示不限制
func NewTemplateFetcher(template string, client *http.Client, workers int) *TemplateFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &TemplateFetcher{Template: template, client: client}
	if workers > 0 {
		f.workers = make(chan struct{}, workers)
	}
	return f
}

// TileURL fills in the {z}, {x} and {y} placeholders.
func (f *TemplateFetcher) TileURL(z, x, y int) string {
	url := strings.Replace(f.Template, "{x}", strconv.Itoa(x), -1)
	url = strings.Replace(url, "{y}", strconv.Itoa(y), -1)
	url = strings.Replace(url, "{z}", strconv.Itoa(z), -1)
	return url
}

// FetchTile requests the tile, waiting for a free worker slot first.
func (f *TemplateFetcher) FetchTile(ctx context.Context, z, x, y int) (*Response, error) {
	if f.workers != nil {
		select {
		case f.workers <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() {
			<-f.workers
		}()
	}

	url := f.TileURL(z, x, y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, fmt.Errorf("%w: %s", ErrTileNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s error, status code: %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s error: %w", url, err)
	}
	return &Response{
		Data:         body,
		Expires:      resp.Header.Get("Expires"),
		CacheControl: resp.Header.Get("Cache-Control"),
		ETag:         resp.Header.Get("ETag"),
	}, nil
}
