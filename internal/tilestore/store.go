// Package tilestore implements the cumulative MBTiles tile archive: atomic
// idempotent merges of per-item tile sets, overview regeneration, and the
// metadata bookkeeping readers expect.
//
// Tile rows use the TMS scheme (row 0 at the south edge), matching what the
// external tile encoder produces.
package tilestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrCorrupt marks an archive or incoming tile set whose contents are
// internally inconsistent. It is never retried; the run aborts.
var ErrCorrupt = errors.New("corrupt tile set")

// MergeStats reports the outcome of one merge.
type MergeStats struct {
	Inserted int64
	Skipped  int64
}

// Archive is a single-writer handle on an MBTiles tile archive.
type Archive struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	name  TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (name)
);
CREATE TABLE IF NOT EXISTS tiles (
	zoom_level  INTEGER NOT NULL,
	tile_column INTEGER NOT NULL,
	tile_row    INTEGER NOT NULL,
	tile_data   BLOB
);
CREATE UNIQUE INDEX IF NOT EXISTS tile_index
	ON tiles (zoom_level, tile_column, tile_row);
`

// Create creates (or opens) the archive at path and seeds its metadata. An
// existing archive keeps its tiles; metadata values passed here overwrite
// stale ones so a resumed run converges on the current configuration.
func Create(path string, metadata map[string]string) (*Archive, error) {
	a, err := Open(path)
	if err != nil {
		return nil, err
	}

	if _, err := a.db.Exec(schema); err != nil {
		a.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	for name, value := range metadata {
		if err := a.SetMetadata(name, value); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Open opens an existing archive at path.
func Open(path string) (*Archive, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=off", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	// Single-writer: one connection avoids SQLITE_BUSY between the merge
	// owner and the overview builder.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}

	return &Archive{
		db:     db,
		path:   path,
		logger: slog.Default().With("component", "tilestore", "archive", path),
	}, nil
}

// Path returns the archive's file path.
func (a *Archive) Path() string { return a.path }

// Close closes the underlying database.
func (a *Archive) Close() error { return a.db.Close() }

// InsertIfAbsent inserts one tile unless its coordinate is already occupied.
// Returns true when the tile was inserted.
func (a *Archive) InsertIfAbsent(ctx context.Context, zoom, column, row int, data []byte) (bool, error) {
	res, err := a.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
		zoom, column, row, data)
	if err != nil {
		return false, fmt.Errorf("insert tile %d/%d/%d: %w", zoom, column, row, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetTile returns the tile at the given coordinate, or (nil, false) when
// absent.
func (a *Archive) GetTile(ctx context.Context, zoom, column, row int) ([]byte, bool, error) {
	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		zoom, column, row).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read tile %d/%d/%d: %w", zoom, column, row, err)
	}
	return data, true, nil
}

// MergeFrom folds the tile set at srcPath into the archive in one
// transaction. Tiles whose coordinate is already occupied are skipped, so
// replaying a merge is a no-op. A duplicate coordinate with differing bytes
// inside the incoming set itself is ErrCorrupt; nothing is committed.
func (a *Archive) MergeFrom(ctx context.Context, srcPath string) (MergeStats, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return MergeStats{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	// ATTACH cannot run inside a transaction.
	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS incoming`, srcPath); err != nil {
		return MergeStats{}, fmt.Errorf("attach %s: %w", srcPath, err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `DETACH DATABASE incoming`)

	var conflicts int
	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM incoming.tiles
			GROUP BY zoom_level, tile_column, tile_row
			HAVING COUNT(DISTINCT tile_data) > 1
		)`).Scan(&conflicts)
	if err != nil {
		return MergeStats{}, fmt.Errorf("scan incoming tile set %s: %w", srcPath, err)
	}
	if conflicts > 0 {
		return MergeStats{}, fmt.Errorf(
			"%w: %s has %d coordinates with conflicting tile data", ErrCorrupt, srcPath, conflicts)
	}

	var total int64
	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT zoom_level, tile_column, tile_row FROM incoming.tiles
		)`).Scan(&total)
	if err != nil {
		return MergeStats{}, fmt.Errorf("count incoming tiles: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return MergeStats{}, fmt.Errorf("begin merge: %w", err)
	}

	stats, err := a.mergeLocked(ctx, conn, srcPath, total)
	if err != nil {
		conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
		return MergeStats{}, err
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
		return MergeStats{}, fmt.Errorf("commit merge: %w", err)
	}

	a.logger.Debug("merged tile set",
		"src", srcPath,
		"inserted", stats.Inserted,
		"skipped", stats.Skipped)
	return stats, nil
}

func (a *Archive) mergeLocked(ctx context.Context, conn *sql.Conn, srcPath string, total int64) (MergeStats, error) {
	res, err := conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO tiles (zoom_level, tile_column, tile_row, tile_data)
		SELECT zoom_level, tile_column, tile_row, tile_data FROM incoming.tiles`)
	if err != nil {
		return MergeStats{}, fmt.Errorf("merge tiles from %s: %w", srcPath, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return MergeStats{}, err
	}

	if err := a.widenMetadataLocked(ctx, conn); err != nil {
		return MergeStats{}, err
	}

	return MergeStats{Inserted: inserted, Skipped: total - inserted}, nil
}

// widenMetadataLocked updates minzoom/maxzoom to span the incoming set and
// merges its bounds into the archive's.
func (a *Archive) widenMetadataLocked(ctx context.Context, conn *sql.Conn) error {
	var srcMin, srcMax sql.NullInt64
	err := conn.QueryRowContext(ctx,
		`SELECT MIN(zoom_level), MAX(zoom_level) FROM incoming.tiles`).Scan(&srcMin, &srcMax)
	if err != nil {
		return fmt.Errorf("read incoming zoom range: %w", err)
	}
	if !srcMin.Valid {
		return nil // empty incoming set
	}

	if err := a.widenZoomLocked(ctx, conn, "minzoom", int(srcMin.Int64), false); err != nil {
		return err
	}
	if err := a.widenZoomLocked(ctx, conn, "maxzoom", int(srcMax.Int64), true); err != nil {
		return err
	}
	return a.mergeBoundsLocked(ctx, conn)
}

func (a *Archive) widenZoomLocked(ctx context.Context, conn *sql.Conn, name string, zoom int, wantMax bool) error {
	var current sql.NullString
	err := conn.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE name = ?`, name).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read metadata %s: %w", name, err)
	}

	value := zoom
	if current.Valid {
		existing, err := strconv.Atoi(current.String)
		if err == nil {
			if wantMax && existing > value {
				value = existing
			}
			if !wantMax && existing < value {
				value = existing
			}
		}
	}

	_, err = conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)`,
		name, strconv.Itoa(value))
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", name, err)
	}
	return nil
}

func (a *Archive) mergeBoundsLocked(ctx context.Context, conn *sql.Conn) error {
	var incoming, current sql.NullString
	err := conn.QueryRowContext(ctx,
		`SELECT value FROM incoming.metadata WHERE name = 'bounds'`).Scan(&incoming)
	if err == sql.ErrNoRows || (err == nil && !incoming.Valid) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read incoming bounds: %w", err)
	}

	err = conn.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE name = 'bounds'`).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read bounds: %w", err)
	}

	merged := incoming.String
	if current.Valid && current.String != "" {
		union, uerr := unionBounds(current.String, incoming.String)
		if uerr == nil {
			merged = union
		}
	}

	_, err = conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (name, value) VALUES ('bounds', ?)`, merged)
	if err != nil {
		return fmt.Errorf("write bounds: %w", err)
	}
	return nil
}

// unionBounds merges two "west,south,east,north" bounds strings.
func unionBounds(a, b string) (string, error) {
	pa, err := parseBounds(a)
	if err != nil {
		return "", err
	}
	pb, err := parseBounds(b)
	if err != nil {
		return "", err
	}
	u := [4]float64{
		min(pa[0], pb[0]),
		min(pa[1], pb[1]),
		max(pa[2], pb[2]),
		max(pa[3], pb[3]),
	}
	parts := make([]string, 4)
	for i, v := range u {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ","), nil
}

func parseBounds(s string) ([4]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return [4]float64{}, fmt.Errorf("malformed bounds %q", s)
	}
	var out [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return [4]float64{}, fmt.Errorf("malformed bounds %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

// Metadata returns the value for the given metadata key.
func (a *Archive) Metadata(name string) (string, bool, error) {
	var value sql.NullString
	err := a.db.QueryRow(`SELECT value FROM metadata WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read metadata %s: %w", name, err)
	}
	return value.String, value.Valid, nil
}

// SetMetadata writes one metadata key, replacing any prior value.
func (a *Archive) SetMetadata(name, value string) error {
	_, err := a.db.Exec(
		`INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)`, name, value)
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", name, err)
	}
	return nil
}

// ZoomRange returns the zoom span present in the tiles table.
func (a *Archive) ZoomRange(ctx context.Context) (minZoom, maxZoom int, err error) {
	var lo, hi sql.NullInt64
	err = a.db.QueryRowContext(ctx,
		`SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles`).Scan(&lo, &hi)
	if err != nil {
		return 0, 0, fmt.Errorf("read zoom range: %w", err)
	}
	if !lo.Valid {
		return 0, 0, nil
	}
	return int(lo.Int64), int(hi.Int64), nil
}

// TileCount returns the number of tiles at the given zoom level.
func (a *Archive) TileCount(ctx context.Context, zoom int) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tiles WHERE zoom_level = ?`, zoom).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tiles at zoom %d: %w", zoom, err)
	}
	return n, nil
}

// TotalTiles returns the number of tiles across all zoom levels.
func (a *Archive) TotalTiles(ctx context.Context) (int64, error) {
	var n int64
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tiles: %w", err)
	}
	return n, nil
}

// Compact reclaims free pages after overview rewrites.
func (a *Archive) Compact(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum archive: %w", err)
	}
	return nil
}

// Remove deletes the archive file; used to discard per-item tile sets after a
// successful merge.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
