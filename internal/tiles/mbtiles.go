package tiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const mbtilesSchema = `
CREATE TABLE IF NOT EXISTS metadata (name TEXT PRIMARY KEY, value TEXT);
CREATE TABLE IF NOT EXISTS tiles (
	zoom_level INTEGER NOT NULL,
	tile_column INTEGER NOT NULL,
	tile_row INTEGER NOT NULL,
	tile_data BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
`

// MBTiles stores tiles in an MBTiles SQLite file. Rows are kept in TMS order
// (y flipped) as the format requires.
type MBTiles struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// OpenMBTiles opens or creates the file at path.
func OpenMBTiles(path string) (*MBTiles, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open mbtiles: %w", err)
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mbtiles: %w", err)
	}
	if _, err := db.Exec(mbtilesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create mbtiles schema: %w", err)
	}
	return &MBTiles{db: db}, nil
}

// Close closes the database.
func (m *MBTiles) Close() error {
	return m.db.Close()
}

func tmsRow(k Key) int {
	return (1 << k.Z) - 1 - k.Y
}

// Fetch implements Source.
func (m *MBTiles) Fetch(ctx context.Context, k Key) ([]byte, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		k.Z, k.X, tmsRow(k),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query mbtiles %s: %w", k, err)
	}
	return data, nil
}

// Store implements Writer.
func (m *MBTiles) Store(ctx context.Context, k Key, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
		k.Z, k.X, tmsRow(k), data,
	)
	if err != nil {
		return fmt.Errorf("store mbtiles %s: %w", k, err)
	}
	return nil
}

// SetMetadata writes one metadata row.
func (m *MBTiles) SetMetadata(ctx context.Context, name, value string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_, err := m.db.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)`, name, value)
	if err != nil {
		return fmt.Errorf("store mbtiles metadata %s: %w", name, err)
	}
	return nil
}

// Count returns the number of stored tiles.
func (m *MBTiles) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mbtiles: %w", err)
	}
	return n, nil
}
