package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectGetter is the subset of minio.Core used to read archives, so that
// tests can fake it.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
}

//S3Config S3 兼容对象存储连接参数
type S3Config struct {
	Endpoint string
	Key      string
	Secret   string
	Secure   bool
}

//S3Source 从 S3 兼容对象存储按区间读取归档
type S3Source struct {
	client ObjectGetter
	bucket string
	object string
}

//NewS3Source 连接对象存储
func NewS3Source(cfg S3Config, bucket, object string) (*S3Source, error) {
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Key, cfg.Secret, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}
	core.SetAppInfo("contour", "0.1")
	return NewS3SourceWithClient(core, bucket, object), nil
}

// NewS3SourceWithClient wraps an existing client.
func NewS3SourceWithClient(client ObjectGetter, bucket, object string) *S3Source {
	return &S3Source{client: client, bucket: bucket, object: object}
}

// Key returns s3://bucket/object.
func (s *S3Source) Key() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.object)
}

// Bytes reads a range of the object, conditional on etag when given.
func (s *S3Source) Bytes(ctx context.Context, offset, length uint64, etag string) (*RangeResponse, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(int64(offset), int64(offset+length-1)); err != nil {
		return nil, err
	}
	if etag != "" {
		if err := opts.SetMatchETag(etag); err != nil {
			return nil, err
		}
	}
	body, info, header, err := s.client.GetObject(ctx, s.bucket, s.object, opts)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusPreconditionFailed || resp.Code == "PreconditionFailed" ||
			resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			return nil, ErrEtagMismatch
		}
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if etag != "" && info.ETag != "" && info.ETag != etag {
		return nil, ErrEtagMismatch
	}
	r := &RangeResponse{Data: data, ETag: info.ETag}
	if header != nil {
		r.CacheControl = header.Get("Cache-Control")
		r.Expires = header.Get("Expires")
	}
	return r, nil
}
