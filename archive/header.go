package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
)

// HeaderV3Len is the size of the fixed PMTiles v3 header.
const HeaderV3Len = 127

// MaxZoom is the highest zoom whose tile IDs fit in the Hilbert numbering.
const MaxZoom = 26

//HeaderV3 PMTiles v3 文件头
type HeaderV3 struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
	// ETag of the archive when the header was read, empty if the source has none.
	ETag string
}

//Compression 压缩方式
type Compression uint8

// Compression codes
const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

func (c Compression) String() string {
	switch c {
	case UnknownCompression:
		return "unknown"
	case NoCompression:
		return "none"
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	case Zstd:
		return "zstd"
	}
	return strconv.Itoa(int(c))
}

//TileType 瓦片格式
type TileType uint8

// Tile types
const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
	Avif            TileType = 5
)

// Ext returns the file extension for the tile type, or "" if unknown.
func (t TileType) Ext() string {
	switch t {
	case Mvt:
		return ".mvt"
	case Png:
		return ".png"
	case Jpeg:
		return ".jpg"
	case Webp:
		return ".webp"
	case Avif:
		return ".avif"
	}
	return ""
}

// EntryV3 is a directory entry. RunLength 0 marks a leaf directory pointer.
type EntryV3 struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

func deserializeHeader(d []byte, etag string) (HeaderV3, error) {
	h := HeaderV3{}
	if len(d) < HeaderV3Len {
		return h, fmt.Errorf("%w: header is %d bytes", ErrMalformed, len(d))
	}
	if string(d[0:7]) != "PMTiles" {
		return h, fmt.Errorf("%w: wrong magic number", ErrMalformed)
	}
	if d[7] > 3 {
		return h, fmt.Errorf("%w: archive is spec version %d, only version 3 is supported", ErrMalformed, d[7])
	}
	h.SpecVersion = d[7]
	h.RootOffset = binary.LittleEndian.Uint64(d[8:16])
	h.RootLength = binary.LittleEndian.Uint64(d[16:24])
	h.MetadataOffset = binary.LittleEndian.Uint64(d[24:32])
	h.MetadataLength = binary.LittleEndian.Uint64(d[32:40])
	h.LeafDirectoryOffset = binary.LittleEndian.Uint64(d[40:48])
	h.LeafDirectoryLength = binary.LittleEndian.Uint64(d[48:56])
	h.TileDataOffset = binary.LittleEndian.Uint64(d[56:64])
	h.TileDataLength = binary.LittleEndian.Uint64(d[64:72])
	h.AddressedTilesCount = binary.LittleEndian.Uint64(d[72:80])
	h.TileEntriesCount = binary.LittleEndian.Uint64(d[80:88])
	h.TileContentsCount = binary.LittleEndian.Uint64(d[88:96])
	h.Clustered = d[96] == 0x1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(binary.LittleEndian.Uint32(d[102:106]))
	h.MinLatE7 = int32(binary.LittleEndian.Uint32(d[106:110]))
	h.MaxLonE7 = int32(binary.LittleEndian.Uint32(d[110:114]))
	h.MaxLatE7 = int32(binary.LittleEndian.Uint32(d[114:118]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(binary.LittleEndian.Uint32(d[119:123]))
	h.CenterLatE7 = int32(binary.LittleEndian.Uint32(d[123:127]))
	h.ETag = etag
	return h, nil
}

// deserializeEntries parses an uncompressed directory: the entry count, then
// delta encoded tile IDs, run lengths, lengths and offsets, where offset 0
// means "right after the previous entry" and anything else is offset+1.
func deserializeEntries(data []byte) ([]EntryV3, error) {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read entry count: %s", ErrMalformed, err)
	}
	if n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds directory size", ErrMalformed, n)
	}
	entries := make([]EntryV3, n)
	read := func() uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = binary.ReadUvarint(r)
		return v
	}

	var lastID uint64
	for i := range entries {
		lastID += read()
		entries[i].TileID = lastID
	}
	for i := range entries {
		entries[i].RunLength = uint32(read())
	}
	for i := range entries {
		entries[i].Length = uint32(read())
	}
	for i := range entries {
		v := read()
		if v == 0 && i > 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = v - 1
		}
	}
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: read entries: %s", ErrMalformed, err)
	}
	return entries, nil
}

// FindTile returns the entry covering tileID: an exact match, the preceding
// run that contains it, or the preceding leaf directory pointer.
func FindTile(entries []EntryV3, tileID uint64) (EntryV3, bool) {
	m := 0
	n := len(entries) - 1
	for m <= n {
		k := (n + m) >> 1
		switch {
		case tileID > entries[k].TileID:
			m = k + 1
		case tileID < entries[k].TileID:
			n = k - 1
		default:
			return entries[k], true
		}
	}
	if n >= 0 {
		if entries[n].RunLength == 0 {
			return entries[n], true
		}
		if tileID-entries[n].TileID < uint64(entries[n].RunLength) {
			return entries[n], true
		}
	}
	return EntryV3{}, false
}

// ZxyToID numbers the tile along a Hilbert curve, after all tiles of lower
// zooms.
func ZxyToID(z uint8, x, y uint32) (uint64, error) {
	if z > MaxZoom {
		return 0, fmt.Errorf("tile zoom %d exceeds %d", z, MaxZoom)
	}
	n := uint64(1) << z
	if uint64(x) >= n || uint64(y) >= n {
		return 0, fmt.Errorf("tile %d/%d/%d outside zoom level bounds", z, x, y)
	}
	var acc uint64
	for tz := uint8(0); tz < z; tz++ {
		acc += (uint64(1) << tz) * (uint64(1) << tz)
	}
	var d uint64
	tx, ty := uint64(x), uint64(y)
	for s := n / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		rotate(s, &tx, &ty, rx, ry)
	}
	return acc + d, nil
}

// IDToZxy is the inverse of ZxyToID.
func IDToZxy(id uint64) (uint8, uint32, uint32, error) {
	var acc uint64
	for z := uint8(0); z <= MaxZoom; z++ {
		count := (uint64(1) << z) * (uint64(1) << z)
		if acc+count > id {
			x, y := idOnLevel(z, id-acc)
			return z, x, y, nil
		}
		acc += count
	}
	return 0, 0, 0, fmt.Errorf("tile id %d exceeds zoom %d", id, MaxZoom)
}

func idOnLevel(z uint8, pos uint64) (uint32, uint32) {
	n := uint64(1) << z
	var tx, ty uint64
	t := pos
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		rotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}
	return uint32(tx), uint32(ty)
}

func rotate(n uint64, x, y *uint64, rx, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}
