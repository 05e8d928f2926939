package source

import (
	"github.com/paulmach/orb/maptile"
)

//PBF 矢量瓦片格式名
const PBF = "pbf"

//Tile 自定义瓦片存储
type Tile struct {
	T maptile.Tile
	C []byte
}

// FlipY converts between XYZ and TMS rows.
func (tile Tile) FlipY() uint32 {
	return FlipY(uint32(tile.T.Z), tile.T.Y)
}

//FlipY XYZ 与 TMS 行号互转
func FlipY(z, y uint32) uint32 {
	return uint32(1)<<z - 1 - y
}

// IsGzipped reports whether data starts with the gzip magic bytes.
func IsGzipped(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
