package export

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	// sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"contour/archive"
	"contour/source"
)

// tileWriter stores rendered tiles. WriteTile is only called from one
// goroutine. Close with commit false releases resources without
// finishing the output.
type tileWriter interface {
	WriteTile(tile source.Tile) error
	Close(commit bool) error
}

type dirWriter struct {
	root string
}

func newDirWriter(root string) (*dirWriter, error) {
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return nil, err
	}
	return &dirWriter{root: root}, nil
}

//WriteTile 保存为 z/x/y.mvt 文件
func (w *dirWriter) WriteTile(tile source.Tile) error {
	dir := filepath.Join(w.root, fmt.Sprintf(`%d`, tile.T.Z), fmt.Sprintf(`%d`, tile.T.X))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	fileName := filepath.Join(dir, fmt.Sprintf(`%d.mvt`, tile.T.Y))
	return os.WriteFile(fileName, tile.C, 0644)
}

func (w *dirWriter) Close(commit bool) error {
	return nil
}

type mbtilesWriter struct {
	file string
	db   *sql.DB
}

func newMBTilesWriter(file string, meta map[string]string) (*mbtilesWriter, error) {
	if dir := filepath.Dir(file); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, err
		}
	}
	os.Remove(file)
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, err
	}
	// the pragmas hold per connection and the lock is exclusive
	db.SetMaxOpenConns(1)
	if err := setupMBTileTables(db, meta); err != nil {
		db.Close()
		return nil, err
	}
	return &mbtilesWriter{file: file, db: db}, nil
}

//setupMBTileTables 初始化配置MBTile库
func setupMBTileTables(db *sql.DB, meta map[string]string) error {
	err := optimizeConnection(db)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
		"create table if not exists metadata (name text, value text);",
		"create unique index name on metadata (name);",
		"create unique index tile_index on tiles(zoom_level, tile_column, tile_row);",
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	for name, value := range meta {
		_, err := db.Exec("insert into metadata (name, value) values (?, ?)", name, value)
		if err != nil {
			return err
		}
	}
	return nil
}

func optimizeConnection(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA synchronous=0",
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=DELETE",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

func optimizeDatabase(db *sql.DB) error {
	_, err := db.Exec("ANALYZE;")
	if err != nil {
		return err
	}
	_, err = db.Exec("VACUUM;")
	return err
}

//WriteTile 压缩后写入 tiles 表, 行号按 TMS 翻转
func (w *mbtilesWriter) WriteTile(tile source.Tile) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(tile.C); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	_, err := w.db.Exec("insert into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);",
		tile.T.Z, tile.T.X, tile.FlipY(), buf.Bytes())
	return err
}

func (w *mbtilesWriter) Close(commit bool) error {
	if commit {
		if err := optimizeDatabase(w.db); err != nil {
			log.Warnf("optimize %s error, details: %s ~", w.file, err)
		}
	}
	return w.db.Close()
}

type pmtilesWriter struct {
	file string
	meta map[string]interface{}
	w    *archive.Writer
}

func newPMTilesWriter(file string, meta map[string]interface{}) (*pmtilesWriter, error) {
	if dir := filepath.Dir(file); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, err
		}
	}
	return &pmtilesWriter{file: file, meta: meta, w: archive.NewWriter(archive.Mvt, archive.Gzip)}, nil
}

func (w *pmtilesWriter) WriteTile(tile source.Tile) error {
	return w.w.Add(uint8(tile.T.Z), tile.T.X, tile.T.Y, tile.C)
}

// Close writes the archive. Tiles are held in memory until then since the
// directory must precede the data.
func (w *pmtilesWriter) Close(commit bool) error {
	if !commit {
		return nil
	}
	f, err := os.Create(w.file)
	if err != nil {
		return err
	}
	if _, err := w.w.WriteTo(f, w.meta); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
