package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

//RangeResponse 字节区间读取结果
type RangeResponse struct {
	Data         []byte
	ETag         string
	CacheControl string
	Expires      string
}

// Source reads byte ranges of an archive. When etag is non-empty and the
// archive no longer matches it, Bytes returns ErrEtagMismatch.
type Source interface {
	Key() string
	Bytes(ctx context.Context, offset, length uint64, etag string) (*RangeResponse, error)
}

//FileSource 本地文件
type FileSource struct {
	path string
	file *os.File
}

//NewFileSource 打开本地归档文件
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, file: f}, nil
}

// Key returns the file path.
func (s *FileSource) Key() string {
	return s.path
}

// Bytes reads length bytes at offset. A read running past the end of the
// file returns what is there; the header read relies on this.
func (s *FileSource) Bytes(ctx context.Context, offset, length uint64, etag string) (*RangeResponse, error) {
	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 && length > 0 {
		return nil, fmt.Errorf("%w: read %d bytes at %d: end of file", ErrMalformed, length, offset)
	}
	return &RangeResponse{Data: buf[:n]}, nil
}

// Close closes the file.
func (s *FileSource) Close() error {
	return s.file.Close()
}

//HTTPSource 通过 HTTP Range 请求读取远程归档
type HTTPSource struct {
	url    string
	client *http.Client
	header http.Header
}

//NewHTTPSource 新建 HTTP 数据源, client 为空时使用带超时的默认客户端
func NewHTTPSource(url string, client *http.Client, header http.Header) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{url: url, client: client, header: header}
}

// Key returns the archive URL.
func (s *HTTPSource) Key() string {
	return s.url
}

var contentRange = regexp.MustCompile(`^bytes \*/(\d+)$`)

// Bytes issues a range request. Servers answering 416 to the initial header
// read of a small archive are retried with the exact size from Content-Range.
func (s *HTTPSource) Bytes(ctx context.Context, offset, length uint64, etag string) (*RangeResponse, error) {
	resp, err := s.fetch(ctx, offset, length, etag)
	if err != nil {
		return nil, err
	}
	if offset == 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		m := contentRange.FindStringSubmatch(resp.Header.Get("Content-Range"))
		resp.Body.Close()
		if m != nil {
			size, _ := strconv.ParseUint(m[1], 10, 64)
			if size > 0 {
				resp, err = s.fetch(ctx, 0, size, etag)
				if err != nil {
					return nil, err
				}
				length = size
			}
		}
	}
	defer resp.Body.Close()

	newEtag := resp.Header.Get("ETag")
	if strings.HasPrefix(newEtag, "W/") {
		newEtag = ""
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable || (etag != "" && newEtag != "" && newEtag != etag) {
		return nil, ErrEtagMismatch
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bad response code %d fetching %s", resp.StatusCode, s.url)
	}
	if resp.StatusCode == http.StatusOK {
		// the whole archive came back
		cl := resp.ContentLength
		if cl < 0 || uint64(cl) > length {
			return nil, fmt.Errorf("server returned no content-length header or content-length exceeding request, check that your storage backend supports HTTP Byte Serving")
		}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &RangeResponse{
		Data:         data,
		ETag:         newEtag,
		CacheControl: resp.Header.Get("Cache-Control"),
		Expires:      resp.Header.Get("Expires"),
	}, nil
}

func (s *HTTPSource) fetch(ctx context.Context, offset, length uint64, etag string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	return s.client.Do(req)
}

// MemorySource serves an archive held in memory.
type MemorySource struct {
	Name string
	Data []byte
	Etag string
}

// Key returns the source name.
func (s *MemorySource) Key() string {
	return s.Name
}

// Bytes returns a copy of the requested range.
func (s *MemorySource) Bytes(ctx context.Context, offset, length uint64, etag string) (*RangeResponse, error) {
	if etag != "" && s.Etag != "" && etag != s.Etag {
		return nil, ErrEtagMismatch
	}
	if offset > uint64(len(s.Data)) {
		return nil, fmt.Errorf("%w: offset %d beyond archive size %d", ErrMalformed, offset, len(s.Data))
	}
	end := offset + length
	if end > uint64(len(s.Data)) {
		end = uint64(len(s.Data))
	}
	out := make([]byte, end-offset)
	copy(out, s.Data[offset:end])
	return &RangeResponse{Data: out, ETag: s.Etag}, nil
}
