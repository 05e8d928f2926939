package pbf

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// Wire types
const (
	Varint  = 0
	Fixed64 = 1
	Bytes   = 2
	Fixed32 = 5
)

const minSize = 16

//Writer protobuf 写缓冲，容量按倍数增长
type Writer struct {
	buf []byte
	pos int
}

//NewWriter 新建写缓冲
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, minSize)}
}

func (w *Writer) realloc(min int) {
	length := len(w.buf)
	if length == 0 {
		length = minSize
	}
	for length < w.pos+min {
		length *= 2
	}
	if length != len(w.buf) {
		buf := make([]byte, length)
		copy(buf, w.buf[:w.pos])
		w.buf = buf
	}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.pos }

// Finish returns the encoded bytes and resets the writer. The returned slice
// is owned by the caller.
func (w *Writer) Finish() []byte {
	out := w.buf[:w.pos:w.pos]
	w.buf = nil
	w.pos = 0
	return out
}

//WriteTag 写字段标记
func (w *Writer) WriteTag(field, typ int) {
	w.WriteVarint(uint64(field)<<3 | uint64(typ))
}

//WriteVarint 写变长整数
func (w *Writer) WriteVarint(v uint64) {
	w.realloc(binary.MaxVarintLen64)
	w.pos += binary.PutUvarint(w.buf[w.pos:], v)
}

//WriteSVarint 写zigzag编码的有符号整数
func (w *Writer) WriteSVarint(v int64) {
	w.WriteVarint(ZigZag(v))
}

func (w *Writer) WriteBoolean(b bool) {
	if b {
		w.WriteVarint(1)
	} else {
		w.WriteVarint(0)
	}
}

func (w *Writer) WriteFixed32(v uint32) {
	w.realloc(4)
	binary.LittleEndian.PutUint32(w.buf[w.pos:], v)
	w.pos += 4
}

func (w *Writer) WriteSFixed32(v int32) { w.WriteFixed32(uint32(v)) }

func (w *Writer) WriteFixed64(v uint64) {
	w.realloc(8)
	binary.LittleEndian.PutUint64(w.buf[w.pos:], v)
	w.pos += 8
}

func (w *Writer) WriteSFixed64(v int64) { w.WriteFixed64(uint64(v)) }

func (w *Writer) WriteFloat(v float32) { w.WriteFixed32(math.Float32bits(v)) }

func (w *Writer) WriteDouble(v float64) { w.WriteFixed64(math.Float64bits(v)) }

//WriteBytes 写长度前缀的字节串
func (w *Writer) WriteBytes(b []byte) {
	w.WriteVarint(uint64(len(b)))
	w.realloc(len(b))
	w.pos += copy(w.buf[w.pos:], b)
}

// WriteString writes s as UTF-8. Invalid bytes in s are written as U+FFFD, so
// the final length is only known after the body is written and is backfilled.
func (w *Writer) WriteString(s string) {
	w.realloc(1)
	w.pos++
	start := w.pos
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		w.realloc(utf8.UTFMax)
		w.pos += utf8.EncodeRune(w.buf[w.pos:], r)
		i += size
	}
	w.finishLength(start)
}

//WriteRawMessage 写嵌套消息体，长度在写完后回填
func (w *Writer) WriteRawMessage(fn func(*Writer)) {
	w.realloc(1)
	w.pos++
	start := w.pos
	fn(w)
	w.finishLength(start)
}

// finishLength backfills the length of the body that starts at start. One byte
// was reserved before start; bodies of 128 bytes or more need a longer varint,
// so the body is shifted right to make room.
func (w *Writer) finishLength(start int) {
	length := w.pos - start
	if length >= 0x80 {
		extra := sizeVarint(uint64(length)) - 1
		w.realloc(extra)
		copy(w.buf[start+extra:], w.buf[start:w.pos])
		w.pos += extra
	}
	binary.PutUvarint(w.buf[start-1:], uint64(length))
}

func (w *Writer) WriteMessage(field int, fn func(*Writer)) {
	w.WriteTag(field, Bytes)
	w.WriteRawMessage(fn)
}

func (w *Writer) WritePackedVarint(field int, vals []uint64) {
	if len(vals) == 0 {
		return
	}
	w.WriteMessage(field, func(w *Writer) {
		for _, v := range vals {
			w.WriteVarint(v)
		}
	})
}

func (w *Writer) WritePackedSVarint(field int, vals []int64) {
	if len(vals) == 0 {
		return
	}
	w.WriteMessage(field, func(w *Writer) {
		for _, v := range vals {
			w.WriteSVarint(v)
		}
	})
}

func (w *Writer) WriteBytesField(field int, b []byte) {
	w.WriteTag(field, Bytes)
	w.WriteBytes(b)
}

func (w *Writer) WriteStringField(field int, s string) {
	w.WriteTag(field, Bytes)
	w.WriteString(s)
}

func (w *Writer) WriteVarintField(field int, v uint64) {
	w.WriteTag(field, Varint)
	w.WriteVarint(v)
}

func (w *Writer) WriteSVarintField(field int, v int64) {
	w.WriteTag(field, Varint)
	w.WriteSVarint(v)
}

func (w *Writer) WriteBooleanField(field int, b bool) {
	w.WriteTag(field, Varint)
	w.WriteBoolean(b)
}

func (w *Writer) WriteFixed32Field(field int, v uint32) {
	w.WriteTag(field, Fixed32)
	w.WriteFixed32(v)
}

func (w *Writer) WriteSFixed32Field(field int, v int32) {
	w.WriteTag(field, Fixed32)
	w.WriteSFixed32(v)
}

func (w *Writer) WriteFixed64Field(field int, v uint64) {
	w.WriteTag(field, Fixed64)
	w.WriteFixed64(v)
}

func (w *Writer) WriteSFixed64Field(field int, v int64) {
	w.WriteTag(field, Fixed64)
	w.WriteSFixed64(v)
}

func (w *Writer) WriteFloatField(field int, v float32) {
	w.WriteTag(field, Fixed32)
	w.WriteFloat(v)
}

func (w *Writer) WriteDoubleField(field int, v float64) {
	w.WriteTag(field, Fixed64)
	w.WriteDouble(v)
}

//ZigZag 有符号整数映射为无符号
func ZigZag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

//UnZigZag ZigZag 的逆运算
func UnZigZag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func sizeVarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
