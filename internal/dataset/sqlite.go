package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pvforecast/nwplake/internal/grid"
	"github.com/pvforecast/nwplake/pkg/types"
)

// sqliteCodec stores a frame as a small SQLite database, one table per
// frame component. Variable data is Snappy-compressed packed float64.
type sqliteCodec struct{}

var sqliteSchema = []string{
	`CREATE TABLE dims (
		position INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL
	)`,
	`CREATE TABLE coords (
		dim TEXT NOT NULL,
		position INTEGER NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (dim, position)
	) WITHOUT ROWID`,
	`CREATE TABLE variables (
		position INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		units TEXT NOT NULL,
		data BLOB NOT NULL
	)`,
	`CREATE TABLE attrs (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	) WITHOUT ROWID`,
}

func (sqliteCodec) Format() string { return FormatSQLite }

func (sqliteCodec) Encode(ctx context.Context, f *grid.Frame, localPath string) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sqlite: failed to remove stale file: %w", err)
	}

	db, err := sql.Open("sqlite3", localPath)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create database: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range sqliteSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: failed to create table: %w", err)
		}
	}

	for i, c := range f.Coords {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dims (position, name, type) VALUES (?, ?, ?)`, i, c.Name, string(c.Type)); err != nil {
			return fmt.Errorf("sqlite: failed to insert dimension %q: %w", c.Name, err)
		}
		for j, v := range c.Values {
			s, err := types.Format(c.Type, v)
			if err != nil {
				return fmt.Errorf("sqlite: coordinate %q: %w", c.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO coords (dim, position, value) VALUES (?, ?, ?)`, c.Name, j, s); err != nil {
				return fmt.Errorf("sqlite: failed to insert coordinate: %w", err)
			}
		}
	}

	for i, v := range f.Vars {
		blob := snappy.Encode(nil, encodeFloats(v.Data))
		if _, err := tx.ExecContext(ctx, `INSERT INTO variables (position, name, units, data) VALUES (?, ?, ?, ?)`, i, v.Name, v.Units, blob); err != nil {
			return fmt.Errorf("sqlite: failed to insert variable %q: %w", v.Name, err)
		}
	}

	// Row order shapes the page layout, so attributes go in key order.
	keys := make([]string, 0, len(f.Attrs))
	for k := range f.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `INSERT INTO attrs (key, value) VALUES (?, ?)`, k, f.Attrs[k]); err != nil {
			return fmt.Errorf("sqlite: failed to insert attribute %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit: %w", err)
	}
	return db.Close()
}

func (sqliteCodec) Decode(ctx context.Context, localPath string) (*grid.Frame, error) {
	if _, err := os.Stat(localPath); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+localPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	defer db.Close()

	var coords []grid.Coord
	rows, err := db.QueryContext(ctx, `SELECT name, type FROM dims ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query dimensions: %w", err)
	}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: failed to scan dimension: %w", err)
		}
		coords = append(coords, grid.Coord{Name: name, Type: types.ScalarType(typ)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	for i := range coords {
		rows, err := db.QueryContext(ctx, `SELECT value FROM coords WHERE dim = ? ORDER BY position`, coords[i].Name)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to query coordinates: %w", err)
		}
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlite: failed to scan coordinate: %w", err)
			}
			coords[i].Values = append(coords[i].Values, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
	}

	f, err := grid.New(coords...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	rows, err = db.QueryContext(ctx, `SELECT name, units, data FROM variables ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query variables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, units string
		var blob []byte
		if err := rows.Scan(&name, &units, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan variable: %w", err)
		}
		raw, err := snappy.Decode(nil, blob)
		if err != nil {
			return nil, fmt.Errorf("sqlite: variable %q: %w", name, err)
		}
		values, err := decodeFloats(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: variable %q: %w", name, err)
		}
		if err := f.AddVar(name, units, values); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	attrs, err := db.QueryContext(ctx, `SELECT key, value FROM attrs`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query attributes: %w", err)
	}
	defer attrs.Close()
	for attrs.Next() {
		var k, v string
		if err := attrs.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan attribute: %w", err)
		}
		f.Attrs[k] = v
	}
	return f, attrs.Err()
}
