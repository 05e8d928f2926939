package pbf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

//ErrVarintOverflow 变长整数超过10字节
var ErrVarintOverflow = errors.New("pbf: varint overflow")

//Reader protobuf 读游标
type Reader struct {
	buf []byte
	// Pos is the read cursor.
	Pos int
	// Type is the wire type of the field being read inside ReadFields.
	Type int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the length of the underlying buffer.
func (r *Reader) Len() int { return len(r.buf) }

// ReadFields calls fn for every field until end. Fields fn does not consume
// are skipped.
func (r *Reader) ReadFields(fn func(tag int, r *Reader) error, end int) error {
	if end > len(r.buf) {
		return io.ErrUnexpectedEOF
	}
	for r.Pos < end {
		val, err := r.ReadVarint()
		if err != nil {
			return err
		}
		tag := int(val >> 3)
		r.Type = int(val & 0x7)
		start := r.Pos
		if err := fn(tag, r); err != nil {
			return err
		}
		if r.Pos == start {
			if err := r.Skip(val); err != nil {
				return err
			}
		}
	}
	return nil
}

//ReadMessage 读长度前缀的嵌套消息
func (r *Reader) ReadMessage(fn func(tag int, r *Reader) error) error {
	n, err := r.ReadVarint()
	if err != nil {
		return err
	}
	end := r.Pos + int(n)
	if n > uint64(len(r.buf)) || end > len(r.buf) {
		return io.ErrUnexpectedEOF
	}
	return r.ReadFields(fn, end)
}

func (r *Reader) ReadVarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.Pos:])
	if n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if n < 0 {
		return 0, ErrVarintOverflow
	}
	r.Pos += n
	return v, nil
}

func (r *Reader) ReadSVarint() (int64, error) {
	v, err := r.ReadVarint()
	return UnZigZag(v), err
}

func (r *Reader) ReadBoolean() (bool, error) {
	v, err := r.ReadVarint()
	return v != 0, err
}

func (r *Reader) ReadFixed32() (uint32, error) {
	if r.Pos+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.Pos:])
	r.Pos += 4
	return v, nil
}

func (r *Reader) ReadSFixed32() (int32, error) {
	v, err := r.ReadFixed32()
	return int32(v), err
}

func (r *Reader) ReadFixed64() (uint64, error) {
	if r.Pos+8 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.Pos:])
	r.Pos += 8
	return v, nil
}

func (r *Reader) ReadSFixed64() (int64, error) {
	v, err := r.ReadFixed64()
	return int64(v), err
}

func (r *Reader) ReadFloat() (float32, error) {
	v, err := r.ReadFixed32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadDouble() (float64, error) {
	v, err := r.ReadFixed64()
	return math.Float64frombits(v), err
}

// ReadBytes returns a length-delimited byte string. The result aliases the
// reader's buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	end := r.Pos + int(n)
	if n > uint64(len(r.buf)) || end > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.Pos:end]
	r.Pos = end
	return b, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return decodeUTF8(b), nil
}

//ReadPackedVarint 读打包的变长整数，也接受未打包的单值
func (r *Reader) ReadPackedVarint(vals []uint64) ([]uint64, error) {
	if r.Type != Bytes {
		v, err := r.ReadVarint()
		if err != nil {
			return vals, err
		}
		return append(vals, v), nil
	}
	end, err := r.packedEnd()
	if err != nil {
		return vals, err
	}
	for r.Pos < end {
		v, err := r.ReadVarint()
		if err != nil {
			return vals, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func (r *Reader) ReadPackedSVarint(vals []int64) ([]int64, error) {
	if r.Type != Bytes {
		v, err := r.ReadSVarint()
		if err != nil {
			return vals, err
		}
		return append(vals, v), nil
	}
	end, err := r.packedEnd()
	if err != nil {
		return vals, err
	}
	for r.Pos < end {
		v, err := r.ReadSVarint()
		if err != nil {
			return vals, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func (r *Reader) packedEnd() (int, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return 0, err
	}
	end := r.Pos + int(n)
	if n > uint64(len(r.buf)) || end > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	return end, nil
}

//Skip 跳过当前字段
func (r *Reader) Skip(val uint64) error {
	switch typ := int(val & 0x7); typ {
	case Varint:
		for r.Pos < len(r.buf) && r.buf[r.Pos] > 0x7f {
			r.Pos++
		}
		r.Pos++
	case Bytes:
		n, err := r.ReadVarint()
		if err != nil {
			return err
		}
		r.Pos += int(n)
	case Fixed32:
		r.Pos += 4
	case Fixed64:
		r.Pos += 8
	default:
		return fmt.Errorf("pbf: unimplemented wire type %d", typ)
	}
	if r.Pos > len(r.buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// decodeUTF8 decodes buf byte by byte. A malformed sequence yields one U+FFFD
// per offending lead byte, and a sequence cut short by the end of buf stops
// decoding.
func decodeUTF8(buf []byte) string {
	var sb strings.Builder
	sb.Grow(len(buf))
	end := len(buf)
	for i := 0; i < end; {
		b0 := buf[i]
		c := rune(-1)
		n := 1
		switch {
		case b0 > 0xef:
			n = 4
		case b0 > 0xdf:
			n = 3
		case b0 > 0xbf:
			n = 2
		}
		if i+n > end {
			break
		}
		switch n {
		case 1:
			if b0 < 0x80 {
				c = rune(b0)
			}
		case 2:
			b1 := buf[i+1]
			if b1&0xc0 == 0x80 {
				c = rune(b0&0x1f)<<6 | rune(b1&0x3f)
				if c <= 0x7f {
					c = -1
				}
			}
		case 3:
			b1, b2 := buf[i+1], buf[i+2]
			if b1&0xc0 == 0x80 && b2&0xc0 == 0x80 {
				c = rune(b0&0xf)<<12 | rune(b1&0x3f)<<6 | rune(b2&0x3f)
				if c <= 0x7ff || (c >= 0xd800 && c <= 0xdfff) {
					c = -1
				}
			}
		case 4:
			b1, b2, b3 := buf[i+1], buf[i+2], buf[i+3]
			if b1&0xc0 == 0x80 && b2&0xc0 == 0x80 && b3&0xc0 == 0x80 {
				c = rune(b0&0xf)<<18 | rune(b1&0x3f)<<12 | rune(b2&0x3f)<<6 | rune(b3&0x3f)
				if c <= 0xffff || c >= 0x110000 {
					c = -1
				}
			}
		}
		if c == -1 {
			c = utf8.RuneError
			n = 1
		}
		sb.WriteRune(c)
		i += n
	}
	return sb.String()
}
