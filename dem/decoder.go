package dem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/webp"
)

//ErrUnsupportedFormat 无法识别的图片格式
var ErrUnsupportedFormat = errors.New("unsupported image format")

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// ImageDecoder turns an encoded raster tile into elevations.
type ImageDecoder interface {
	Decode(ctx context.Context, blob []byte, encoding Encoding) (*DemTile, error)
}

// DecoderFunc adapts a function to ImageDecoder.
type DecoderFunc func(ctx context.Context, blob []byte, encoding Encoding) (*DemTile, error)

func (f DecoderFunc) Decode(ctx context.Context, blob []byte, encoding Encoding) (*DemTile, error) {
	return f(ctx, blob, encoding)
}

// Chain tries each decoder in turn and moves on only when a decoder reports
// ErrUnsupportedFormat.
type Chain []ImageDecoder

func (c Chain) Decode(ctx context.Context, blob []byte, encoding Encoding) (*DemTile, error) {
	for _, d := range c {
		tile, err := d.Decode(ctx, blob, encoding)
		if errors.Is(err, ErrUnsupportedFormat) {
			continue
		}
		return tile, err
	}
	return nil, ErrUnsupportedFormat
}

//PNGDecoder 只处理 PNG，其他格式交给后续解码器
type PNGDecoder struct{}

func (PNGDecoder) Decode(ctx context.Context, blob []byte, encoding Encoding) (*DemTile, error) {
	if !bytes.HasPrefix(blob, pngSignature) {
		return nil, ErrUnsupportedFormat
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	return fromImage(img, encoding), nil
}

//RasterDecoder 使用 image 包注册的解码器 (png, jpeg, webp)
type RasterDecoder struct{}

func (RasterDecoder) Decode(ctx context.Context, blob []byte, encoding Encoding) (*DemTile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(blob))
	if errors.Is(err, image.ErrFormat) {
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return fromImage(img, encoding), nil
}

// DefaultDecoder decodes PNG directly and falls back to the image registry.
var DefaultDecoder ImageDecoder = Chain{PNGDecoder{}, RasterDecoder{}}

func fromImage(img image.Image, encoding Encoding) *DemTile {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	return DecodeParsedImage(w, h, encoding, rgbaPixels(img))
}

// rgbaPixels returns tightly packed 8-bit RGBA pixels, reusing the image
// buffer when its layout already matches.
func rgbaPixels(img image.Image) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch m := img.(type) {
	case *image.NRGBA:
		if m.Stride == 4*w && len(m.Pix) >= 4*w*h {
			return m.Pix
		}
	case *image.RGBA:
		if m.Stride == 4*w && len(m.Pix) >= 4*w*h {
			return m.Pix
		}
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst.Pix
}
