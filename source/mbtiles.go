package source

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	// sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
)

//MBTiles 从 MBTiles 数据库读取瓦片
type MBTiles struct {
	File string
	mu   sync.RWMutex
	db   *sql.DB
}

//OpenMBTiles 以只读方式打开 MBTiles
func OpenMBTiles(file string) (*MBTiles, error) {
	db, err := sql.Open("sqlite3", "file:"+file+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open mbtiles %s error: %w", file, err)
	}
	return &MBTiles{File: file, db: db}, nil
}

// NewMBTiles wraps an open database.
func NewMBTiles(db *sql.DB) *MBTiles {
	return &MBTiles{db: db}
}

// FetchTile reads the tile, flipping y into the TMS rows MBTiles stores.
// Gzipped blobs are inflated.
func (m *MBTiles) FetchTile(ctx context.Context, z, x, y int) (*Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, ErrNotInitialized
	}
	if z < 0 || z > 30 || x < 0 || y < 0 || x >= 1<<z || y >= 1<<z {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, z, x, y)
	}
	var data []byte
	row := m.db.QueryRowContext(ctx, "select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?;", z, x, FlipY(uint32(z), uint32(y)))
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, z, x, y)
	}
	if err != nil {
		return nil, err
	}
	if IsGzipped(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, err
		}
	}
	return &Response{Data: data}, nil
}

//Metadata 读取 metadata 表
func (m *MBTiles) Metadata(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := m.db.QueryContext(ctx, "select name, value from metadata;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		meta[name] = value
	}
	return meta, rows.Err()
}

// Close closes the database; later fetches return ErrNotInitialized.
func (m *MBTiles) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
