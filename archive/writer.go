package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// rootMaxLen keeps the root directory inside the initial header read.
const rootMaxLen = headerReadLen - HeaderV3Len

//Writer 将瓦片写成单个 PMTiles 归档, 相同内容只保存一次
type Writer struct {
	TileType            TileType
	TileCompression     Compression
	InternalCompression Compression

	mu    sync.Mutex
	tiles map[uint64][]byte
	bound orb.Bound
	empty bool
	minZ  uint8
	maxZ  uint8
	// leafSize is the first leaf size tried when the root overflows.
	leafSize int
}

//NewWriter 新建归档写入器
func NewWriter(tileType TileType, tileCompression Compression) *Writer {
	return &Writer{
		TileType:            tileType,
		TileCompression:     tileCompression,
		InternalCompression: Gzip,
		tiles:               make(map[uint64][]byte),
		empty:               true,
		leafSize:            4096,
	}
}

// Add stores an uncompressed tile. Adding the same tile twice keeps the last.
func (w *Writer) Add(z uint8, x, y uint32, data []byte) error {
	id, err := ZxyToID(z, x, y)
	if err != nil {
		return err
	}
	b := maptile.New(x, y, maptile.Zoom(z)).Bound()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tiles[id] = data
	if w.empty {
		w.bound, w.minZ, w.maxZ, w.empty = b, z, z, false
		return nil
	}
	w.bound = w.bound.Union(b)
	if z < w.minZ {
		w.minZ = z
	}
	if z > w.maxZ {
		w.maxZ = z
	}
	return nil
}

// Len returns the number of tiles added.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tiles)
}

// WriteTo writes the archive: header, root directory, metadata, leaf
// directories and tile data, in that order.
func (w *Writer) WriteTo(out io.Writer, metadata map[string]interface{}) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]uint64, 0, len(w.tiles))
	for id := range w.tiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var tileData bytes.Buffer
	var entries []EntryV3
	offsets := map[string]EntryV3{}
	for _, id := range ids {
		data, err := Compress(w.tiles[id], w.TileCompression)
		if err != nil {
			return 0, err
		}
		if prev, seen := offsets[string(data)]; seen {
			last := len(entries) - 1
			if last >= 0 && entries[last].TileID+uint64(entries[last].RunLength) == id &&
				entries[last].Offset == prev.Offset && entries[last].Length == prev.Length {
				entries[last].RunLength++
			} else {
				entries = append(entries, EntryV3{TileID: id, Offset: prev.Offset, Length: prev.Length, RunLength: 1})
			}
			continue
		}
		e := EntryV3{TileID: id, Offset: uint64(tileData.Len()), Length: uint32(len(data)), RunLength: 1}
		offsets[string(data)] = e
		tileData.Write(data)
		entries = append(entries, e)
	}

	root, leaves, err := w.buildDirectories(entries)
	if err != nil {
		return 0, err
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, err
	}
	meta, err := Compress(metaJSON, w.InternalCompression)
	if err != nil {
		return 0, err
	}

	h := HeaderV3{
		SpecVersion:         3,
		RootOffset:          HeaderV3Len,
		RootLength:          uint64(len(root)),
		MetadataLength:      uint64(len(meta)),
		LeafDirectoryLength: uint64(len(leaves)),
		TileDataLength:      uint64(tileData.Len()),
		AddressedTilesCount: uint64(len(ids)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(len(offsets)),
		Clustered:           true,
		InternalCompression: w.InternalCompression,
		TileCompression:     w.TileCompression,
		TileType:            w.TileType,
		MinZoom:             w.minZ,
		MaxZoom:             w.maxZ,
		CenterZoom:          w.minZ,
	}
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	if !w.empty {
		c := w.bound.Center()
		h.MinLonE7, h.MinLatE7 = e7(w.bound.Min[0]), e7(w.bound.Min[1])
		h.MaxLonE7, h.MaxLatE7 = e7(w.bound.Max[0]), e7(w.bound.Max[1])
		h.CenterLonE7, h.CenterLatE7 = e7(c[0]), e7(c[1])
	}

	var total int64
	for _, part := range [][]byte{serializeHeader(h), root, meta, leaves, tileData.Bytes()} {
		n, err := out.Write(part)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func e7(v float64) int32 {
	return int32(v * 10000000)
}

// buildDirectories fits everything in the root when possible, otherwise
// splits the entries into leaves, growing the leaf size until the root of
// leaf pointers fits.
func (w *Writer) buildDirectories(entries []EntryV3) ([]byte, []byte, error) {
	root, err := w.serializeEntries(entries)
	if err != nil {
		return nil, nil, err
	}
	if len(root) <= rootMaxLen {
		return root, nil, nil
	}
	for leafSize := w.leafSize; ; leafSize *= 2 {
		var leaves bytes.Buffer
		var pointers []EntryV3
		for i := 0; i < len(entries); i += leafSize {
			end := i + leafSize
			if end > len(entries) {
				end = len(entries)
			}
			leaf, err := w.serializeEntries(entries[i:end])
			if err != nil {
				return nil, nil, err
			}
			pointers = append(pointers, EntryV3{TileID: entries[i].TileID, Offset: uint64(leaves.Len()), Length: uint32(len(leaf))})
			leaves.Write(leaf)
		}
		root, err = w.serializeEntries(pointers)
		if err != nil {
			return nil, nil, err
		}
		if len(root) <= rootMaxLen {
			return root, leaves.Bytes(), nil
		}
		if leafSize > len(entries) {
			return nil, nil, fmt.Errorf("root directory of %d bytes does not fit", len(root))
		}
	}
}

func (w *Writer) serializeEntries(entries []EntryV3) ([]byte, error) {
	var b []byte
	b = binary.AppendUvarint(b, uint64(len(entries)))
	var lastID uint64
	for _, e := range entries {
		b = binary.AppendUvarint(b, e.TileID-lastID)
		lastID = e.TileID
	}
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(e.RunLength))
	}
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			b = binary.AppendUvarint(b, 0)
		} else {
			b = binary.AppendUvarint(b, e.Offset+1)
		}
	}
	return Compress(b, w.InternalCompression)
}

func serializeHeader(h HeaderV3) []byte {
	b := make([]byte, HeaderV3Len)
	copy(b[0:7], "PMTiles")
	b[7] = 3
	binary.LittleEndian.PutUint64(b[8:16], h.RootOffset)
	binary.LittleEndian.PutUint64(b[16:24], h.RootLength)
	binary.LittleEndian.PutUint64(b[24:32], h.MetadataOffset)
	binary.LittleEndian.PutUint64(b[32:40], h.MetadataLength)
	binary.LittleEndian.PutUint64(b[40:48], h.LeafDirectoryOffset)
	binary.LittleEndian.PutUint64(b[48:56], h.LeafDirectoryLength)
	binary.LittleEndian.PutUint64(b[56:64], h.TileDataOffset)
	binary.LittleEndian.PutUint64(b[64:72], h.TileDataLength)
	binary.LittleEndian.PutUint64(b[72:80], h.AddressedTilesCount)
	binary.LittleEndian.PutUint64(b[80:88], h.TileEntriesCount)
	binary.LittleEndian.PutUint64(b[88:96], h.TileContentsCount)
	if h.Clustered {
		b[96] = 0x1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	binary.LittleEndian.PutUint32(b[102:106], uint32(h.MinLonE7))
	binary.LittleEndian.PutUint32(b[106:110], uint32(h.MinLatE7))
	binary.LittleEndian.PutUint32(b[110:114], uint32(h.MaxLonE7))
	binary.LittleEndian.PutUint32(b[114:118], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	binary.LittleEndian.PutUint32(b[119:123], uint32(h.CenterLonE7))
	binary.LittleEndian.PutUint32(b[123:127], uint32(h.CenterLatE7))
	return b
}
